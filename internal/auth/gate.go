package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Identity is the opaque id of an authenticated owner.
type Identity string

var (
	// ErrNoIdentity reports that the call context carries no usable identity.
	ErrNoIdentity = errors.New("no identity")
	// ErrUnauthenticated is returned by write operations invoked without an identity.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Revocations tracks access tokens that were signed out before expiry.
type Revocations interface {
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type bearerTokenKey struct{}

// WithBearerToken attaches the raw bearer token of the current call.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerTokenKey{}, token)
}

func bearerTokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(bearerTokenKey{}).(string)
	return token
}

// Gate resolves the caller identity from the call context. It keeps no state
// between calls: every resolution re-parses the token and re-checks revocation.
type Gate struct {
	secret      []byte
	revocations Revocations
}

func NewGate(secret string, revocations Revocations) *Gate {
	return &Gate{secret: []byte(secret), revocations: revocations}
}

// Claims returns the verified, unrevoked claims of the call's token.
func (g *Gate) Claims(ctx context.Context) (Claims, error) {
	token := bearerTokenFrom(ctx)
	if token == "" {
		return Claims{}, ErrNoIdentity
	}
	claims, err := ParseToken(g.secret, token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrNoIdentity, err)
	}
	if g.revocations != nil {
		revoked, err := g.revocations.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			return Claims{}, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return Claims{}, ErrNoIdentity
		}
	}
	return claims, nil
}

// ResolveIdentity returns ErrNoIdentity when the caller is anonymous. Any
// other error is an infrastructure failure.
func (g *Gate) ResolveIdentity(ctx context.Context) (Identity, error) {
	claims, err := g.Claims(ctx)
	if err != nil {
		return "", err
	}
	return Identity(claims.Subject), nil
}

// Revoke signs out the call's token until it would have expired.
func (g *Gate) Revoke(ctx context.Context) error {
	claims, err := g.Claims(ctx)
	if err != nil {
		return err
	}
	if g.revocations == nil {
		return nil
	}
	return g.revocations.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time)
}
