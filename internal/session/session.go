// Package session issues and verifies the case-scoped tokens handed back at
// submission. A token grants access to exactly one case: read, delete and
// stream requests present it when enforcement is enabled.
package session

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carewire/handoff/model"
)

const issuer = "handoff"

// Token is the session object returned to the submitting client. The client
// adopts the server-issued case id and presents the token on later requests.
type Token struct {
	CaseID    string    `json:"case_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager signs and verifies case tokens with a shared HS256 key.
type Manager struct {
	key []byte
	ttl time.Duration
}

// NewManager builds a token manager. The signing key must be at least 32
// bytes; HS256 with a short key is not worth having.
func NewManager(key []byte, ttl time.Duration) (*Manager, error) {
	if len(key) < 32 {
		return nil, errors.New("session: signing key must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Manager{key: key, ttl: ttl}, nil
}

// Issue creates a token scoped to the given case.
func (m *Manager) Issue(caseID string) (*Token, error) {
	now := time.Now()
	expires := now.Add(m.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   caseID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return nil, err
	}
	return &Token{CaseID: caseID, Token: signed, ExpiresAt: expires}, nil
}

// Verify checks that the token is valid and scoped to the given case.
// Failures come back as FORBIDDEN envelopes ready for the response writer.
func (m *Manager) Verify(tokenStr, caseID string) error {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return model.NewForbiddenError(classifyError(err))
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return model.NewForbiddenError("Invalid session token")
	}
	if claims.Subject != caseID {
		return model.NewForbiddenError("Session token is for a different case")
	}
	return nil
}

func classifyError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "Session token expired"
	case strings.Contains(s, "issuer"):
		return "Invalid session token issuer"
	case strings.Contains(s, "signing method"):
		return "Disallowed signing algorithm"
	case strings.Contains(s, "signature"):
		return "Invalid session token signature"
	default:
		return "Invalid session token"
	}
}
