// Package auth issues and verifies the session tokens that protect the
// controller HTTP routes. Tokens are HS256 JWTs carried in a cookie or a
// bearer header; the WebSocket protocol itself is unauthenticated.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName carries the session token in browsers.
const CookieName = "synthmesh_session"

// ErrNoSession means the request carried no token at all.
var ErrNoSession = errors.New("auth: no session token")

// Claims is the token payload: which controller id the session speaks for.
type Claims struct {
	ControllerID string `json:"controllerId"`
	jwt.RegisteredClaims
}

// Manager signs and verifies session tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager creates a manager with the signing secret and token lifetime.
func NewManager(secret string, ttl time.Duration) *Manager {
	return &Manager{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token for controllerID.
func (m *Manager) Issue(controllerID string) (string, error) {
	now := time.Now()
	claims := Claims{
		ControllerID: controllerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "synthmesh",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify session token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid session token")
	}
	return claims, nil
}

// FromRequest extracts and verifies the session from the cookie or an
// Authorization bearer header. ErrNoSession when neither is present.
func (m *Manager) FromRequest(r *http.Request) (*Claims, error) {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return m.Verify(c.Value)
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return m.Verify(strings.TrimPrefix(h, "Bearer "))
	}
	return nil, ErrNoSession
}
