package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenInvalid covers every status-token rejection: expiry, signature
// mismatch, malformed token, or order code mismatch. Validation fails
// closed; callers must not distinguish the cases to the client.
var ErrTokenInvalid = errors.New("reconcile: status token invalid")

// StatusTokens issues and validates the short-lived signed tokens that gate
// unauthenticated payment-status polling. A token is bound to one order
// code, so holding a token for one payment exposes nothing about others.
type StatusTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStatusTokens constructs the token signer. A non-positive TTL falls back
// to 15 minutes.
func NewStatusTokens(secret string, ttl time.Duration, now func() time.Time) *StatusTokens {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &StatusTokens{secret: []byte(secret), ttl: ttl, now: now}
}

// Issue signs a polling token for the given order code.
func (s *StatusTokens) Issue(orderCode string) (string, error) {
	orderCode = strings.TrimSpace(orderCode)
	if orderCode == "" {
		return "", fmt.Errorf("reconcile: order code required")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   orderCode,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate checks signature, expiry, and the order code binding.
func (s *StatusTokens) Validate(token, orderCode string) error {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil || !parsed.Valid {
		return ErrTokenInvalid
	}
	if claims.Subject == "" || claims.Subject != strings.TrimSpace(orderCode) {
		return ErrTokenInvalid
	}
	return nil
}
