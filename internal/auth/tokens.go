// Package auth implements the credential surface: HMAC session tokens
// derived from the master token, scoped API keys, the local OAuth PKCE
// authorization server, and third-party integration token storage.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail verification for any
// reason (bad signature, expiry, malformed).
var ErrInvalidToken = errors.New("invalid token")

// SessionTokens issues and verifies short-lived session tokens. The signing
// key is derived from the master token on every call, so regenerating the
// master invalidates every outstanding session token at once.
type SessionTokens struct {
	masterFn func() string
	ttl      func() time.Duration
}

// NewSessionTokens builds the session token service. masterFn returns the
// current master token; ttl the configured session lifetime.
func NewSessionTokens(masterFn func() string, ttl func() time.Duration) *SessionTokens {
	return &SessionTokens{masterFn: masterFn, ttl: ttl}
}

func (s *SessionTokens) secret() []byte {
	sum := sha256.Sum256([]byte("pocketpaw-session:" + s.masterFn()))
	return sum[:]
}

// Issue creates a signed session token for the owner.
func (s *SessionTokens) Issue() (string, time.Time, error) {
	if s.masterFn() == "" {
		return "", time.Time{}, errors.New("master token not configured")
	}
	expiresAt := time.Now().Add(s.ttl())
	claims := jwt.RegisteredClaims{
		Subject:   "owner",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret())
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Verify checks a session token against the current master-derived key.
func (s *SessionTokens) Verify(token string) error {
	if s.masterFn() == "" {
		return ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret(), nil
	})
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
