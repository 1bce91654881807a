package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidCookie is returned when a cookie value fails signature,
// expiry or format checks.
var ErrInvalidCookie = errors.New("invalid session cookie")

const cookieIssuer = "bff-gateway"

// CookieCodec signs and verifies session cookie values. A value is an HS256
// JWT whose jti is the session id.
type CookieCodec struct {
	key []byte
	now func() time.Time
}

// NewCookieCodec creates a codec using the shared signing key.
func NewCookieCodec(key string) *CookieCodec {
	return &CookieCodec{key: []byte(key), now: time.Now}
}

// Encode returns the cookie value for session id, valid until expiresAt.
func (c *CookieCodec) Encode(id string, expiresAt time.Time) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("session id %q: %w", id, err)
	}
	claims := jwt.RegisteredClaims{
		ID:        id,
		Issuer:    cookieIssuer,
		IssuedAt:  jwt.NewNumericDate(c.now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign session cookie: %w", err)
	}
	return signed, nil
}

// Decode verifies value and returns the session id it carries.
func (c *CookieCodec) Decode(value string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(value, claims,
		func(_ *jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cookieIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCookie, err)
	}
	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return "", fmt.Errorf("%w: session id: %w", ErrInvalidCookie, err)
	}
	return id.String(), nil
}
