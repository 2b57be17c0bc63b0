package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer("a-secret-at-least-32-bytes-long!", 15*time.Minute, 168*time.Hour)
	require.NoError(t, err)
	return iss
}

func TestIssueAndValidateAccessToken(t *testing.T) {
	iss := testIssuer(t)
	tok, err := iss.IssueAccessToken("user-1", "a@b.com", RoleUser)
	require.NoError(t, err)

	claims, err := iss.ValidateType(tok, TokenAccess)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.SubjectID)
	require.Equal(t, RoleUser, claims.Role)
}

func TestRefreshTokenRejectedAsAccess(t *testing.T) {
	iss := testIssuer(t)
	tok, err := iss.IssueRefreshToken("user-1", "a@b.com", RoleUser)
	require.NoError(t, err)

	_, err = iss.ValidateType(tok, TokenAccess)
	require.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	iss, err := NewIssuer("a-secret-at-least-32-bytes-long!", -time.Minute, time.Hour)
	require.NoError(t, err)

	tok, err := iss.IssueAccessToken("user-1", "a@b.com", RoleUser)
	require.NoError(t, err)

	_, err = iss.Validate(tok)
	require.Error(t, err)
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewIssuer("too-short", time.Minute, time.Hour)
	require.Error(t, err)
}
