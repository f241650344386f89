package venturelink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialProvider supplies the bearer token used to open the realtime
// connection. It is asked again before every dial so refreshed tokens are
// picked up on reconnect.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(string(t))
	if tok == "" {
		return "", ErrAuthMissing
	}
	return tok, nil
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// JWTCredentials wraps another provider and rejects tokens that are not
// well-formed JWTs or whose exp claim has passed. The signature is not
// verified; that is the server's job.
type JWTCredentials struct {
	Source CredentialProvider
	// Leeway tolerates clock skew when checking expiry.
	Leeway time.Duration

	now func() time.Time
}

func (c *JWTCredentials) Token(ctx context.Context) (string, error) {
	if c.Source == nil {
		return "", ErrAuthMissing
	}
	tok, err := c.Source.Token(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(tok) == "" {
		return "", ErrAuthMissing
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return "", fmt.Errorf("%w: malformed bearer token: %v", ErrAuthMissing, err)
	}
	if claims.ExpiresAt != nil {
		now := time.Now
		if c.now != nil {
			now = c.now
		}
		if now().After(claims.ExpiresAt.Add(c.Leeway)) {
			return "", fmt.Errorf("%w: bearer token expired at %s", ErrAuthMissing, claims.ExpiresAt.UTC().Format(time.RFC3339))
		}
	}
	return tok, nil
}

// TokenSubject returns the sub claim of a JWT without verifying it, or an
// empty string for opaque tokens.
func TokenSubject(tok string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
