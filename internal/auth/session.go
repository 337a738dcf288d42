// Package auth holds the client-side session that gates uploads.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/dropzone/internal/events"
	"github.com/fruitsalade/dropzone/internal/logging"
)

// ErrNoSession is returned when no valid session token is held.
var ErrNoSession = errors.New("no active session")

// Claims holds JWT token claims.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Session holds the bearer token uploads are sent with. Logging in publishes
// a session.initialized event on the bus.
type Session struct {
	secret []byte
	bus    *events.Broadcaster

	mu     sync.RWMutex
	token  string
	claims *Claims
}

// NewSession creates an unauthenticated session. With an empty secret,
// tokens are accepted without signature verification and only their expiry
// is checked; the server remains the authority.
func NewSession(secret string, bus *events.Broadcaster) *Session {
	return &Session{secret: []byte(secret), bus: bus}
}

// Login validates tokenStr and makes it the active token.
func (s *Session) Login(tokenStr string) error {
	claims, err := s.parse(tokenStr)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}

	s.mu.Lock()
	s.token = tokenStr
	s.claims = claims
	s.mu.Unlock()

	logging.Info("session initialized", zap.String("username", claims.Username))
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.EventSessionInitialized})
	}
	return nil
}

// Logout drops the active token.
func (s *Session) Logout() {
	s.mu.Lock()
	s.token = ""
	s.claims = nil
	s.mu.Unlock()
}

// Token returns the active token or ErrNoSession when absent or expired.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || expired(s.claims, time.Now()) {
		return "", ErrNoSession
	}
	return s.token, nil
}

// Authenticated reports whether a valid token is held.
func (s *Session) Authenticated() bool {
	_, err := s.Token()
	return err == nil
}

// Username returns the username claim of the active token.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return ""
	}
	return s.claims.Username
}

// ExpiresAt returns the expiry of the active token, or the zero time.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil || s.claims.ExpiresAt == nil {
		return time.Time{}
	}
	return s.claims.ExpiresAt.Time
}

func (s *Session) parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if len(s.secret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
			return nil, err
		}
		if expired(claims, time.Now()) {
			return nil, jwt.ErrTokenExpired
		}
		return claims, nil
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func expired(c *Claims, now time.Time) bool {
	return c != nil && c.ExpiresAt != nil && !now.Before(c.ExpiresAt.Time)
}

// Issue signs a token for username valid for ttl.
func Issue(secret, username string, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}
