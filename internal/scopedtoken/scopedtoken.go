// Package scopedtoken issues and validates HMAC-signed tokens that bind a
// key to a restricted set of tools for a limited time, letting an operator
// hand a narrower credential to a third party without exposing the raw API
// key.
package scopedtoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every validation failure: bad signature, expired,
// malformed, or missing required claims.
var ErrInvalidToken = errors.New("scopedtoken: invalid or expired token")

// Claims is the payload carried by a scoped token.
type Claims struct {
	KeyID string   `json:"keyId"`
	Tools []string `json:"tools"`
	jwt.RegisteredClaims
}

// Issuer issues and validates HMAC-signed scoped tokens.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an Issuer using secret as the HMAC signing key.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue mints a token scoping keyID to tools, expiring after ttl.
func (i *Issuer) Issue(keyID string, tools []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		KeyID: keyID,
		Tools: tools,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate parses and verifies a scoped token, returning its claims.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.KeyID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Allows reports whether the scoped token's tool list permits calling tool.
// An empty Tools list denies every tool call.
func (c *Claims) Allows(tool string) bool {
	for _, t := range c.Tools {
		if t == tool {
			return true
		}
	}
	return false
}
