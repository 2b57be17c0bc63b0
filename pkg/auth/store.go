package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/wisbric/kernel/pkg/entity"
	"github.com/wisbric/kernel/pkg/kerrors"
	"github.com/wisbric/kernel/pkg/storage"
)

const (
	TableUsers         = "users"
	TableRefreshTokens = "refresh_tokens"
)

// RegisterEntities declares the local-auth tables. Refresh tokens are
// stored hashed, never in cleartext, so a stolen database export can't be
// replayed directly (spec §4.J.1 supplement).
func RegisterEntities(reg *entity.Registry) {
	reg.Register(entity.Descriptor{
		TableName: TableUsers,
		Fields: []entity.Field{
			{Name: "email", DeclaredType: "text", Unique: true, Indexed: true},
			{Name: "password_hash", DeclaredType: "text"},
			{Name: "name", DeclaredType: "text", Nullable: true},
			{Name: "role", DeclaredType: "text", Default: string(RoleUser)},
			{Name: "is_active", DeclaredType: "boolean", Default: true},
		},
		KeepHistory: true,
	})

	reg.Register(entity.Descriptor{
		TableName: TableRefreshTokens,
		Fields: []entity.Field{
			{Name: "user_id", DeclaredType: "text", Indexed: true},
			{Name: "token_hash", DeclaredType: "text", Unique: true, Indexed: true},
			{Name: "expires_at", DeclaredType: "timestamp"},
			{Name: "revoked", DeclaredType: "boolean", Default: false},
		},
	})
}

// Store implements local-auth persistence: user accounts and the
// single-use refresh token rotation spec §4.J.1 requires.
type Store struct {
	entities *storage.EntityStore
}

// NewStore constructs a Store bound to the kernel's entity registry.
func NewStore(entities *storage.EntityStore) *Store {
	return &Store{entities: entities}
}

// CreateUser registers a new account with an already-hashed password,
// rejecting a duplicate non-deleted email.
func (s *Store) CreateUser(ctx context.Context, conn storage.Connection, email, passwordHash, name string, role Role) (*User, error) {
	existing, err := s.entities.FindEntities(ctx, conn, TableUsers, storage.FindOptions{
		Where: "[email] = ?", Params: []any{strings.ToLower(email)}, Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("checking email uniqueness: %w", err)
	}
	if len(existing) > 0 {
		return nil, kerrors.Conflictf("email %q is already registered", email)
	}

	row, err := s.entities.SaveEntity(ctx, conn, TableUsers, storage.Row{
		"email": strings.ToLower(email), "password_hash": passwordHash, "name": name,
		"role": string(role), "is_active": true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return rowToUser(row), nil
}

// GetUserByEmail fetches an active-or-not account by email, or nil if
// absent (not an error — callers use this for both login and duplicate
// checks, which have different "not found" semantics).
func (s *Store) GetUserByEmail(ctx context.Context, conn storage.Connection, email string) (*User, string, error) {
	rows, err := s.entities.FindEntities(ctx, conn, TableUsers, storage.FindOptions{
		Where: "[email] = ?", Params: []any{strings.ToLower(email)}, Limit: 1,
	})
	if err != nil {
		return nil, "", fmt.Errorf("looking up user by email: %w", err)
	}
	if len(rows) == 0 {
		return nil, "", nil
	}
	return rowToUser(rows[0]), str(rows[0]["password_hash"]), nil
}

// loadUser fetches a user by id for use as the UserLoader adapter below.
func (s *Store) loadUser(ctx context.Context, conn storage.Connection, subjectID string) (*User, error) {
	row, err := s.entities.GetEntity(ctx, conn, TableUsers, subjectID)
	if err != nil {
		return nil, nil //nolint:nilerr // absent user is "not found", not an infra error
	}
	return rowToUser(row), nil
}

// PoolLoader adapts Store to the UserLoader interface, which the
// Authenticator calls with only a subject ID — it acquires and releases its
// own pooled connection per lookup since the interface carries no
// connection of its own.
type PoolLoader struct {
	store *Store
	pool  storage.Pool
}

// NewPoolLoader builds a UserLoader backed by store, acquiring connections
// from pool for each lookup.
func NewPoolLoader(store *Store, pool storage.Pool) *PoolLoader {
	return &PoolLoader{store: store, pool: pool}
}

// LoadUser implements auth.UserLoader.
func (l *PoolLoader) LoadUser(ctx context.Context, subjectID string) (*User, error) {
	conn, err := l.pool.Acquire(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection for user lookup: %w", err)
	}
	defer l.pool.Release(conn)
	return l.store.loadUser(ctx, conn, subjectID)
}

// SetPasswordHash overwrites a user's stored password hash (change-password).
func (s *Store) SetPasswordHash(ctx context.Context, conn storage.Connection, userID, passwordHash string) error {
	_, err := s.entities.SaveEntity(ctx, conn, TableUsers, storage.Row{"id": userID, "password_hash": passwordHash})
	return err
}

// hashToken returns the SHA-256 hex digest of a refresh token, the value
// actually persisted — the raw token only ever exists in the response body
// and the caller's memory.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssueRefreshToken persists the SHA-256 hash of rawToken, which the caller
// mints, as a new refresh token for userID.
func (s *Store) IssueRefreshToken(ctx context.Context, conn storage.Connection, userID, rawToken string, ttl time.Duration) error {
	_, err := s.entities.SaveEntity(ctx, conn, TableRefreshTokens, storage.Row{
		"user_id": userID, "token_hash": hashToken(rawToken),
		"expires_at": time.Now().UTC().Add(ttl).Format(time.RFC3339), "revoked": false,
	})
	return err
}

// RotateRefreshToken validates rawToken (unrevoked, unexpired, hash
// matches), revokes it, and returns the user it belonged to — callers then
// issue a fresh access token and a fresh refresh token via
// IssueRefreshToken. Rotation happens inside the same call so a token can
// never be presented twice, even concurrently (the revoke and the lookup
// share one row).
func (s *Store) RotateRefreshToken(ctx context.Context, conn storage.Connection, rawToken string) (*User, error) {
	rows, err := s.entities.FindEntities(ctx, conn, TableRefreshTokens, storage.FindOptions{
		Where: "[token_hash] = ?", Params: []any{hashToken(rawToken)}, Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("looking up refresh token: %w", err)
	}
	if len(rows) == 0 {
		return nil, kerrors.Unauthenticatedf("refresh token not recognized")
	}
	row := rows[0]
	if row["revoked"] == "true" || row["revoked"] == true {
		return nil, kerrors.Unauthenticatedf("refresh token already used")
	}

	expires, _ := time.Parse(time.RFC3339, str(row["expires_at"]))
	if time.Now().After(expires) {
		return nil, kerrors.Unauthenticatedf("refresh token expired")
	}

	if _, err := s.entities.SaveEntity(ctx, conn, TableRefreshTokens, storage.Row{"id": row["id"], "revoked": true}); err != nil {
		return nil, fmt.Errorf("revoking used refresh token: %w", err)
	}

	userID := str(row["user_id"])
	userRow, err := s.entities.GetEntity(ctx, conn, TableUsers, userID)
	if err != nil {
		return nil, kerrors.Unauthenticatedf("principal no longer exists")
	}
	return rowToUser(userRow), nil
}

// RevokeAllRefreshTokens marks every live refresh token for userID revoked
// (logout / change-password invalidates outstanding sessions).
func (s *Store) RevokeAllRefreshTokens(ctx context.Context, conn storage.Connection, userID string) error {
	rows, err := s.entities.FindEntities(ctx, conn, TableRefreshTokens, storage.FindOptions{
		Where: "[user_id] = ? AND [revoked] = ?", Params: []any{userID, false},
	})
	if err != nil {
		return fmt.Errorf("listing refresh tokens: %w", err)
	}
	for _, row := range rows {
		if _, err := s.entities.SaveEntity(ctx, conn, TableRefreshTokens, storage.Row{"id": row["id"], "revoked": true}); err != nil {
			return fmt.Errorf("revoking token: %w", err)
		}
	}
	return nil
}

func rowToUser(row storage.Row) *User {
	return &User{
		ID:       str(row["id"]),
		Email:    str(row["email"]),
		Name:     str(row["name"]),
		Role:     Role(str(row["role"])),
		IsActive: row["is_active"] == "true" || row["is_active"] == true,
	}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
