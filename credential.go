package chatsync

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the (identity, token) pair a connection authenticates with.
type Credential struct {
	Identity string
	Token    string
}

// CredentialProvider supplies the current signed-in identity. A provider
// returns ErrCredentialExpired (or a zero Credential) when nobody is signed in.
type CredentialProvider interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticCredentials is a CredentialProvider that always returns the same pair.
type StaticCredentials Credential

func (s StaticCredentials) Credential(context.Context) (Credential, error) {
	return Credential(s), nil
}

// tokenClaims are the claims issued by the matching backend.
type tokenClaims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Expiry returns the token's exp claim. ok is false for opaque tokens and
// for JWTs without an exp claim.
func (c Credential) Expiry() (exp time.Time, ok bool) {
	claims, err := c.claims()
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Validate checks the credential is usable at now. Missing and expired tokens
// wrap ErrCredentialExpired.
func (c Credential) Validate(now time.Time) error {
	if c.Identity == "" || c.Token == "" {
		return ErrCredentialExpired
	}
	claims, err := c.claims()
	if err != nil {
		// Opaque token: the server is the only judge.
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("token expired at %s: %w", claims.ExpiresAt.Time.Format(time.RFC3339), ErrCredentialExpired)
	}
	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}
	if subject != "" && subject != c.Identity {
		return fmt.Errorf("token issued for %q, not %q", subject, c.Identity)
	}
	return nil
}

// claims decodes the JWT payload without verifying the signature; the
// server verifies it during the handshake.
func (c Credential) claims() (*tokenClaims, error) {
	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}
