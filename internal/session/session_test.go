package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/opsconsole/console/internal/backend"
	"github.com/opsconsole/console/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestNew(t *testing.T) {
	t.Run("reads identity claims", func(t *testing.T) {
		token := signToken(t, Claims{
			UserID:           int64Ptr(7),
			TenantID:         int64Ptr(3),
			IsSuperuser:      true,
			RegisteredClaims: jwt.RegisteredClaims{Subject: "ops@example.com"},
		})

		s, err := New(token)
		require.NoError(t, err)

		id := s.Identity()
		assert.Equal(t, int64(7), id.UserID)
		require.NotNil(t, id.TenantID)
		assert.Equal(t, int64(3), *id.TenantID)
		assert.True(t, s.Superuser())
		assert.Equal(t, "ops@example.com", s.Email())
		assert.Equal(t, token, s.Token())
		assert.True(t, s.Authenticated())
	})

	t.Run("tenantless superuser", func(t *testing.T) {
		s, err := New(signToken(t, Claims{UserID: int64Ptr(1), IsSuperuser: true}))
		require.NoError(t, err)
		assert.Nil(t, s.Identity().TenantID)
		assert.Equal(t, int64(0), s.Identity().TenantSegment())
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := New("")
		assert.ErrorIs(t, err, ErrNoToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := New("not-a-jwt")
		assert.Error(t, err)
	})
}

func TestAuthenticated(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	token := signToken(t, Claims{
		UserID:           int64Ptr(7),
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	})

	s, err := newSession(token, func() time.Time { return now })
	require.NoError(t, err)
	assert.True(t, s.Authenticated())
	exp, ok := s.ExpiresAt()
	require.True(t, ok)
	assert.True(t, now.Add(time.Hour).Equal(exp))

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	assert.False(t, s.Authenticated(), "expired token")
}

func TestClose(t *testing.T) {
	s, err := New(signToken(t, Claims{UserID: int64Ptr(7)}))
	require.NoError(t, err)

	s.Close()

	assert.False(t, s.Authenticated())
	assert.Empty(t, s.Token())
}

func TestResolve(t *testing.T) {
	t.Run("adopts backend identity", func(t *testing.T) {
		fb := testutil.NewFakeBackend(t)
		s, err := New(signToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "ops@example.com"}}))
		require.NoError(t, err)
		assert.Zero(t, s.Identity().UserID)

		client, err := backend.NewClient(fb.URL(), s)
		require.NoError(t, err)
		require.NoError(t, s.Resolve(context.Background(), client))

		id := s.Identity()
		assert.Equal(t, int64(7), id.UserID)
		require.NotNil(t, id.TenantID)
		assert.Equal(t, int64(3), *id.TenantID)
	})

	t.Run("rejected token tears session down", func(t *testing.T) {
		fb := testutil.NewFakeBackend(t)
		token := signToken(t, Claims{UserID: int64Ptr(7)})
		fb.RevokeToken(token)
		s, err := New(token)
		require.NoError(t, err)

		client, err := backend.NewClient(fb.URL(), s)
		require.NoError(t, err)
		err = s.Resolve(context.Background(), client)

		require.Error(t, err)
		assert.True(t, backend.IsUnauthorized(err))
		assert.False(t, s.Authenticated())
	})

	t.Run("closed session", func(t *testing.T) {
		s, err := New(signToken(t, Claims{UserID: int64Ptr(7)}))
		require.NoError(t, err)
		s.Close()

		assert.ErrorIs(t, s.Resolve(context.Background(), nil), ErrNoToken)
	})
}

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console", "token")
	store := NewStore(path)

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoStoredToken)

	token := signToken(t, Claims{UserID: int64Ptr(9)})
	require.NoError(t, store.Save(token))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(9), s.Identity().UserID)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNoStoredToken)
}
