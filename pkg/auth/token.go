package auth

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// issuer is fixed so ValidateWithLeeway can reject tokens minted by an
// unrelated HS256 signer that happens to share this kernel's secret format.
const issuer = "wisbric-kernel"

// Claims are the custom fields carried in every kernel-issued bearer token
// (spec §3): subject, email, role, and token type, alongside the registered
// exp/iat claims.
type Claims struct {
	SubjectID string    `json:"sub"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Type      TokenType `json:"type"`
}

// Issuer signs and verifies bearer tokens with a single symmetric secret.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewIssuer constructs an Issuer. secret must be at least 32 bytes.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Issuer{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}, nil
}

func (i *Issuer) sign(claims Claims, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: i.secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   claims.SubjectID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// IssueAccessToken mints a short-lived stateless access token.
func (i *Issuer) IssueAccessToken(subjectID, email string, role Role) (string, error) {
	return i.sign(Claims{SubjectID: subjectID, Email: email, Role: role, Type: TokenAccess}, i.accessTTL)
}

// IssueRefreshToken mints a long-lived refresh token. Callers persist its
// hash so it can be revoked and rotated on use (spec §4.J.1).
func (i *Issuer) IssueRefreshToken(subjectID, email string, role Role) (string, error) {
	return i.sign(Claims{SubjectID: subjectID, Email: email, Role: role, Type: TokenRefresh}, i.refreshTTL)
}

// Validate verifies a token's signature and expiry and returns its claims.
func (i *Issuer) Validate(raw string) (*Claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	var registered jwt.Claims
	var custom Claims
	if err := tok.Claims(i.secret, &registered, &custom); err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{Issuer: issuer, Time: time.Now()}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("validating claims: %w", err)
	}

	return &custom, nil
}

// PeekRole attempts to decode role from an Authorization header without
// enforcing authentication — it never returns an error, only the token's
// role (RoleAdmin or RoleUser, if a validly-signed access token is present)
// or "" otherwise. Used by the
// rate limiter, which per the fixed middleware order runs before the auth
// layer but still needs to pick an authenticated-vs-anonymous tier.
func (i *Issuer) PeekRole(raw string) Role {
	claims, err := i.ValidateType(raw, TokenAccess)
	if err != nil {
		return ""
	}
	return claims.Role
}

// ValidateType validates raw and additionally requires it to carry want.
func (i *Issuer) ValidateType(raw string, want TokenType) (*Claims, error) {
	claims, err := i.Validate(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, fmt.Errorf("expected %s token, got %s", want, claims.Type)
	}
	return claims, nil
}
