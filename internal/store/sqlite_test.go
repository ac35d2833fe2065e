package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/dashboard/internal/session"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "nested", "accounts.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "nested"))
	assert.NoError(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.migrate(context.Background()))
}

func TestAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	login := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	require.NoError(t, s.SaveAccountInfo(ctx, session.StoredAccount{
		SessionID: "acct1",
		Name:      "Bob",
		Phone:     "447000111222",
		Status:    session.StatusConnected,
		IsActive:  true,
		LoginTime: login,
	}))

	accounts, err := s.StoredAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	a := accounts[0]
	assert.Equal(t, "acct1", a.SessionID)
	assert.Equal(t, "Bob", a.Name)
	assert.Equal(t, "447000111222", a.Phone)
	assert.Equal(t, session.StatusConnected, a.Status)
	assert.True(t, a.IsActive)
	assert.True(t, login.Equal(a.LoginTime), "login time %v", a.LoginTime)
}

func TestSaveAccountInfoKeepsKnownIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccountInfo(ctx, session.StoredAccount{
		SessionID: "acct1", Name: "Bob", Phone: "447000111222", Status: session.StatusConnected, IsActive: true,
		LoginTime: time.Now(),
	}))
	require.NoError(t, s.SaveAccountInfo(ctx, session.StoredAccount{
		SessionID: "acct1", Status: session.StatusDisconnected, IsActive: true,
	}))

	accounts, err := s.StoredAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "Bob", accounts[0].Name)
	assert.Equal(t, "447000111222", accounts[0].Phone)
	assert.Equal(t, session.StatusDisconnected, accounts[0].Status)
	assert.False(t, accounts[0].LoginTime.IsZero())
}

func TestSessionsAndRemoval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccountInfo(ctx, session.StoredAccount{SessionID: "acct1", Name: "Bob", Phone: "447000111222", IsActive: true}))
	require.NoError(t, s.SaveSession(ctx, session.StoredSession{UserID: "447000111222", UserName: "Bob", LoginTime: time.Now()}))
	require.NoError(t, s.SaveSession(ctx, session.StoredSession{UserID: "14155550100", UserName: "Ann", LoginTime: time.Now()}))

	// Upsert by number.
	require.NoError(t, s.SaveSession(ctx, session.StoredSession{UserID: "14155550100", UserName: "Annie", LoginTime: time.Now()}))
	stored, err := s.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	require.NoError(t, s.RemoveAccount(ctx, "acct1", "447000111222"))
	accounts, err := s.StoredAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	stored, err = s.ActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Annie", stored[0].UserName)

	require.NoError(t, s.ClearAllSessions(ctx))
	stored, err = s.ActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestSaveRequiresKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	assert.Error(t, s.SaveAccountInfo(ctx, session.StoredAccount{Name: "x"}))
	assert.Error(t, s.SaveSession(ctx, session.StoredSession{UserName: "x"}))
}
