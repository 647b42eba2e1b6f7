// Package identity validates the JWT bearer tokens issued by the user
// service. Chat never mints tokens; it only verifies them.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// User is the authenticated principal extracted from a token.
type User struct {
	ID       int64
	Username string
	Email    string
	Role     string
}

// ErrInvalidToken is returned for any token that fails verification,
// including expired and malformed tokens.
var ErrInvalidToken = errors.New("identity: invalid token")

type claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token string, returning the authenticated
// user. Expiry is enforced when the exp claim is present.
func (v *Verifier) Verify(tokenString string) (User, error) {
	if tokenString == "" {
		return User{}, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return User{}, ErrInvalidToken
	}

	c, ok := token.Claims.(*claims)
	if !ok || c.UserID == 0 {
		return User{}, ErrInvalidToken
	}

	return User{ID: c.UserID, Username: c.Username, Email: c.Email, Role: c.Role}, nil
}
