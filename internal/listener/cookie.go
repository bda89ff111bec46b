// Package listener implements the stateless HTTP front door: authentication,
// the `cpx_id` session cookie, rate limiting and security headers, and the
// `/api`/`/poll` routes that hand a request off to the caller's Agent
// Session through its Web Gateway dispatcher.
package listener

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// cpxClaims is the payload of the cpx_id cookie: just enough to resolve a
// request back to its login without a server-side lookup, grounded on the
// Claims shape in internal/auth/jwt.go but trimmed of the groups/role/email
// fields this domain has no use for.
type cpxClaims struct {
	Login string `json:"login"`
	jwt.RegisteredClaims
}

// CookieIssuer signs and parses the cpx_id cookie. Unlike's
// JWTManager, this core never refreshes or rotates the cookie: a poll
// losing liveness or a logout simply ends the session, and the client logs
// in again for a fresh one (this core has no refresh-token concept).
type CookieIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewCookieIssuer builds an issuer from the configured JWT secret. ttl
// should comfortably exceed 20s poll liveness window since
// the cookie outlives many poll cycles.
func NewCookieIssuer(secret string, ttl time.Duration) *CookieIssuer {
	return &CookieIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a cpx_id token for login.
func (c *CookieIssuer) Issue(login string) (string, error) {
	claims := cpxClaims{
		Login: login,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "agentcore",
			Subject:   login,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(c.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Parse validates a cpx_id token and returns its login, rejecting anything
// not signed with HMAC to guard against algorithm substitution.
func (c *CookieIssuer) Parse(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &cpxClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse cpx_id: %w", err)
	}
	claims, ok := token.Claims.(*cpxClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid cpx_id token")
	}
	return claims.Login, nil
}
