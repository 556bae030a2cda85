package auth_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treefix50/watchguard/internal/auth"
	"github.com/treefix50/watchguard/internal/storage"
)

func newManager(t *testing.T, clock clockwork.Clock) (*auth.Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := auth.NewManager(store, auth.Options{
		SessionDuration: time.Hour,
		CacheTTL:        time.Minute,
		Clock:           clock,
	})
	t.Cleanup(m.Close)
	return m, store
}

func TestInitializeAdminOnce(t *testing.T) {
	m, _ := newManager(t, clockwork.NewFakeClock())

	password, err := m.InitializeAdmin()
	require.NoError(t, err)
	assert.Len(t, password, 22)

	again, err := m.InitializeAdmin()
	require.NoError(t, err)
	assert.Empty(t, again)

	session, err := m.Login(auth.AdminUsername, password)
	require.NoError(t, err)
	assert.True(t, session.IsAdmin)
	assert.Equal(t, "admin", session.UserID)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	m, _ := newManager(t, clockwork.NewFakeClock())
	_, err := m.CreateUser("viewer", "correct horse", false)
	require.NoError(t, err)

	_, err = m.Login("viewer", "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = m.Login("ghost", "whatever")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = m.CreateUser("viewer", "again", false)
	assert.ErrorIs(t, err, auth.ErrUserExists)
}

func TestValidateAndLogout(t *testing.T) {
	m, _ := newManager(t, clockwork.NewFakeClock())
	_, err := m.CreateUser("viewer", "pw", false)
	require.NoError(t, err)

	session, err := m.Login("viewer", "pw")
	require.NoError(t, err)
	assert.Len(t, session.Token, 64)

	got, err := m.ValidateSession(session.Token)
	require.NoError(t, err)
	assert.Equal(t, "viewer", got.Username)

	require.NoError(t, m.Logout(session.Token))
	_, err = m.ValidateSession(session.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestSessionExpires(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m, _ := newManager(t, clock)
	_, err := m.CreateUser("viewer", "pw", false)
	require.NoError(t, err)

	session, err := m.Login("viewer", "pw")
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	_, err = m.ValidateSession(session.Token)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = m.ValidateSession(session.Token)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestResetPasswordEndsSessions(t *testing.T) {
	m, _ := newManager(t, clockwork.NewFakeClock())
	_, err := m.CreateUser("viewer", "old", false)
	require.NoError(t, err)
	session, err := m.Login("viewer", "old")
	require.NoError(t, err)

	require.NoError(t, m.ResetPassword("viewer", "new"))

	_, err = m.ValidateSession(session.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = m.Login("viewer", "old")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = m.Login("viewer", "new")
	assert.NoError(t, err)

	assert.ErrorIs(t, m.ResetPassword("ghost", "x"), auth.ErrUserNotFound)
}

func TestSessionCache(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := auth.NewSessionCache(time.Minute, clock)
	defer c.Close()

	s := &auth.Session{Token: "t1", UserID: "u1", ExpiresAt: clock.Now().Add(time.Hour)}
	c.Set(s)
	c.Set(nil)

	got, ok := c.Get("t1")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, c.Size())

	clock.Advance(2 * time.Minute)
	_, ok = c.Get("t1")
	assert.False(t, ok, "entry older than ttl")

	c.Set(s)
	c.DeleteByUserID("u1")
	assert.Zero(t, c.Size())
	c.Close()
}
