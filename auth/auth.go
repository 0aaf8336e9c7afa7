// Package auth issues and verifies the signed tokens processors use on every
// authenticated call.
//
// The signing key is generated when the Authenticator is constructed and is
// never persisted, so every restart of the owning process invalidates all
// previously issued tokens. Processor identity lives entirely in memory and
// dies with the process; the tokens follow it.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Lucasrsv1/structures-manager"
	"github.com/Lucasrsv1/structures-manager/id"
)

const keyBytes = 32

// Authenticator signs and verifies processor tokens with a per-process key.
// Safe for concurrent use; the key is immutable after construction.
type Authenticator struct {
	key []byte
	ttl time.Duration
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTTL sets a token lifetime. Zero (the default) issues tokens that only
// expire with the process.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authenticator) { a.ttl = ttl }
}

// New creates an Authenticator with a freshly generated random signing key.
func New(opts ...Option) (*Authenticator, error) {
	key := make([]byte, keyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("auth: generate signing key: %w", err)
	}

	a := &Authenticator{key: key}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Issue returns a signed token binding the given processor ID.
func (a *Authenticator) Issue(procID id.ProcessorID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  procID.String(),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature and expiry and returns the embedded
// processor ID. Expired tokens fail with ErrTokenExpired; every other
// verification failure is ErrTokenInvalid.
func (a *Authenticator) Verify(token string) (id.ProcessorID, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return id.Nil, fmt.Errorf("%w: %w", structures.ErrTokenExpired, err)
		}
		return id.Nil, fmt.Errorf("%w: %w", structures.ErrTokenInvalid, err)
	}

	procID, err := id.ParseProcessorID(claims.Subject)
	if err != nil {
		return id.Nil, fmt.Errorf("%w: %w", structures.ErrTokenInvalid, err)
	}
	return procID, nil
}
