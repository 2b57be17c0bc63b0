package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeUserLoader struct {
	users map[string]*User
}

func (f fakeUserLoader) LoadUser(ctx context.Context, subjectID string) (*User, error) {
	return f.users[subjectID], nil
}

func TestAuthenticateSuccess(t *testing.T) {
	iss := testIssuer(t)
	a := NewAuthenticator(iss, nil)

	tok, err := iss.IssueAccessToken("user-1", "a@b.com", RoleAdmin)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	id, err := a.Authenticate(req)
	require.NoError(t, err)
	require.Equal(t, "user-1", id.SubjectID)
	require.True(t, id.IsAdmin())
}

func TestAuthenticateMissingHeader(t *testing.T) {
	a := NewAuthenticator(testIssuer(t), nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := a.Authenticate(req)
	require.Error(t, err)
}

func TestAuthenticateInactiveUserRejected(t *testing.T) {
	iss := testIssuer(t)
	loader := fakeUserLoader{users: map[string]*User{
		"user-1": {ID: "user-1", Email: "a@b.com", Role: RoleUser, IsActive: false},
	}}
	a := NewAuthenticator(iss, loader)

	tok, err := iss.IssueAccessToken("user-1", "a@b.com", RoleUser)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)

	_, err = a.Authenticate(req)
	require.Error(t, err)
}

func TestRequireAdminRejectsNonAdmin(t *testing.T) {
	var gotErr error
	onError := func(w http.ResponseWriter, r *http.Request, err error) { gotErr = err; w.WriteHeader(403) }

	handler := RequireAdmin(onError)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(NewContext(req.Context(), &Identity{SubjectID: "u1", Role: RoleUser}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Error(t, gotErr)
	require.Equal(t, 403, rec.Code)
}
