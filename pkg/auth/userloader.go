package auth

import "context"

// User is the extended identity a UserLoader populates beyond what the
// token itself carries.
type User struct {
	ID       string
	Email    string
	Name     string
	Role     Role
	IsActive bool
}

// UserLoader resolves a token subject into its current user record, letting
// get_current_user enforce is_active and reflect role changes that
// happened after the token was issued. A nil UserLoader means the token's
// own claims are trusted as-is.
type UserLoader interface {
	LoadUser(ctx context.Context, subjectID string) (*User, error)
}
