package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opsconsole/console/internal/backend"
	"github.com/opsconsole/console/pkg/realtime"
)

// ErrNoToken is returned when a session is created without a token.
var ErrNoToken = errors.New("no access token")

// Claims are the fields the backend puts in its access tokens.
type Claims struct {
	UserID      *int64 `json:"user_id,omitempty"`
	TenantID    *int64 `json:"empresa_id,omitempty"`
	IsSuperuser bool   `json:"is_superuser,omitempty"`
	jwt.RegisteredClaims
}

// MeFetcher resolves the user a token belongs to.
type MeFetcher interface {
	Me(ctx context.Context) (*backend.User, error)
}

// Session is the authenticated identity of one console user. It is passed
// explicitly to everything that needs credentials and satisfies
// realtime.Credentials and backend.TokenSource.
type Session struct {
	now func() time.Time

	mu        sync.RWMutex
	token     string
	claims    Claims
	identity  realtime.Identity
	superuser bool
	email     string
	closed    bool
}

// New decodes the token claims. The signature is not checked here; the
// backend verifies it on every call.
func New(token string) (*Session, error) {
	return newSession(token, time.Now)
}

func newSession(token string, now func() time.Time) (*Session, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("failed to decode access token: %w", err)
	}

	s := &Session{now: now, token: token, claims: claims, superuser: claims.IsSuperuser, email: claims.Subject}
	if claims.UserID != nil {
		s.identity = realtime.Identity{TenantID: claims.TenantID, UserID: *claims.UserID}
	}
	return s, nil
}

// Identity returns the (tenant, user) pair. UserID is zero until known.
func (s *Session) Identity() realtime.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Token returns the bearer token, or "" once the session is closed.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ""
	}
	return s.token
}

// Authenticated reports whether the session holds an unexpired token.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || s.token == "" {
		return false
	}
	if exp := s.claims.ExpiresAt; exp != nil && !s.now().Before(exp.Time) {
		return false
	}
	return true
}

// ExpiresAt returns the token expiry, if the token carries one.
func (s *Session) ExpiresAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return s.claims.ExpiresAt.Time, true
}

// Superuser reports the is_superuser claim.
func (s *Session) Superuser() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.superuser
}

// Email returns the token subject or the email reported by the backend.
func (s *Session) Email() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.email
}

// Resolve asks the backend who the token belongs to and adopts that
// identity. A 401 or 403 closes the session.
func (s *Session) Resolve(ctx context.Context, me MeFetcher) error {
	if !s.Authenticated() {
		return fmt.Errorf("failed to resolve session: %w", ErrNoToken)
	}

	user, err := me.Me(ctx)
	if err != nil {
		if backend.IsUnauthorized(err) {
			s.Close()
		}
		return fmt.Errorf("failed to resolve session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity = realtime.Identity{TenantID: user.TenantID, UserID: user.ID}
	s.superuser = user.IsSuperuser
	if user.Email != "" {
		s.email = user.Email
	}
	return nil
}

// Close tears the session down. The token is forgotten and Authenticated
// reports false from then on.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.token = ""
}
