// Package auth gates the instance's admin REST/WS surface behind a single
// static bearer secret, per spec §6's config surface — there is no
// multi-user login here, only one named actor. The secret signs and
// verifies short-lived HS256 JWTs rather than being compared as a raw
// string, so a leaked request log line doesn't hand over the secret
// itself.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenChecker validates the Authorization: Bearer <token> header against
// tokens signed with one configured per-instance secret. An empty
// configured secret disables the check entirely (dev mode), mirroring the
// teacher's `agent-token` flag ("empty = disabled, dev only").
type TokenChecker struct {
	secret []byte
}

// NewTokenChecker builds a TokenChecker that signs and verifies with the
// given secret. Pass "" to disable authentication.
func NewTokenChecker(secret string) *TokenChecker {
	return &TokenChecker{secret: []byte(secret)}
}

// Enabled reports whether a secret was configured.
func (c *TokenChecker) Enabled() bool {
	return len(c.secret) > 0
}

// Issue mints a bearer token for this instance, valid for ttl. Operators
// use this to hand a caller a token without ever sharing the signing
// secret itself.
func (c *TokenChecker) Issue(subject string, ttl time.Duration) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("auth: cannot issue a token: no secret configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses presented as a JWT and verifies its signature and
// expiry against the configured secret. Always succeeds when the checker
// is disabled.
func (c *TokenChecker) Validate(presented string) error {
	if !c.Enabled() {
		return nil
	}
	if presented == "" {
		return fmt.Errorf("auth: %w: empty token", ErrTokenInvalid)
	}
	_, err := jwt.Parse(presented, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("auth: %w: %s", ErrTokenInvalid, err)
	}
	return nil
}
