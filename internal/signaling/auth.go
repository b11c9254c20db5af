package signaling

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a session token fails signature
// verification or has expired.
var ErrInvalidToken = errors.New("signaling: invalid session token")

// claims is the inner HS256 payload: subject, audience, expiry.
type claims struct {
	jwt.RegisteredClaims
}

// Tokenize signs a session claim for subject (the relay's /auth route passes
// the presented API key) and audience aud, valid for ttl, and wraps the
// resulting JWT in an outer base64 layer —
// matching the reference signaling server's double-encoded session token.
func Tokenize(secret []byte, subject, aud string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{aud},
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signaling: sign token: %w", err)
	}
	return base64.StdEncoding.EncodeToString([]byte(signed)), nil
}

// Detokenize reverses Tokenize: unwraps the outer base64 layer, then
// verifies the inner JWT's signature and expiry.
func Detokenize(secret []byte, wrapped string) (subject, aud string, err error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(string(raw), &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", "", fmt.Errorf("%w", ErrInvalidToken)
	}

	audiences := c.Audience
	if len(audiences) == 0 {
		return c.Subject, "", nil
	}
	return c.Subject, audiences[0], nil
}
