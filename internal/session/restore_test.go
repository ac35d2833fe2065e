package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreEmpty(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.m.Init(context.Background()))

	assert.Empty(t, env.m.GetAllSessionsInfo())
	assert.Empty(t, env.m.GetAllSessions())
	assert.Equal(t, 1, env.hub.count(EventSessionsUpdated))
	assert.Empty(t, env.hub.lastSessions(t))
}

func TestRestoreFromDisk(t *testing.T) {
	env := newTestEnv(t)
	env.writeArtifacts(t, "acct1")
	env.store.accounts["acct1"] = StoredAccount{
		SessionID: "acct1",
		Name:      "Bob",
		Phone:     "447000111222",
		Status:    StatusConnected,
		IsActive:  true,
	}

	require.NoError(t, env.m.Init(context.Background()))

	sessions := env.m.GetAllSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "acct1", sessions[0].ID)
	assert.Equal(t, StatusDisconnected, sessions[0].Status)
	assert.Equal(t, "447000111222", sessions[0].Identity.Number)
	assert.Equal(t, "Bob", sessions[0].Identity.Name)
	assert.False(t, sessions[0].HasClient)
	assert.Equal(t, 0, env.drv.count(), "restore must not start clients")

	broadcast := env.hub.lastSessions(t)
	require.Len(t, broadcast, 1)
	assert.Equal(t, "Bob", broadcast[0].Name)
}

func TestRestoreDropsOrphanDirectories(t *testing.T) {
	env := newTestEnv(t)
	env.writeArtifacts(t, "X")

	require.NoError(t, env.m.Init(context.Background()))

	for _, s := range env.m.GetAllSessions() {
		assert.NotEqual(t, "X", s.ID)
	}
	for _, info := range env.hub.lastSessions(t) {
		assert.NotEqual(t, "X", info.SessionID)
	}
}

func TestRestoreDropsIncompleteAccounts(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"noname", "nonumber", "placeholder"} {
		env.writeArtifacts(t, id)
	}
	env.store.accounts["noname"] = StoredAccount{SessionID: "noname", Phone: "14155550100", IsActive: true}
	env.store.accounts["nonumber"] = StoredAccount{SessionID: "nonumber", Name: "Pat", IsActive: true}
	env.store.accounts["placeholder"] = StoredAccount{SessionID: "placeholder", Name: UnknownAccountName, Phone: "14155550101", IsActive: true}

	require.NoError(t, env.m.Init(context.Background()))

	assert.Empty(t, env.m.GetAllSessions())
	assert.Empty(t, env.hub.lastSessions(t))
}

func TestRestoreMergesStoredEntries(t *testing.T) {
	env := newTestEnv(t)
	login := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	env.writeArtifacts(t, "acct1")
	env.store.accounts["acct1"] = StoredAccount{SessionID: "acct1", Name: "Bob", Phone: "447000111222", IsActive: true}
	// Logged out earlier: no directory left, still listed for relogin.
	env.store.accounts["acct2"] = StoredAccount{SessionID: "acct2", Name: "Quinn", Phone: "14155550102", IsActive: true, LoginTime: login}
	env.store.accounts["gone"] = StoredAccount{SessionID: "gone", Name: "Old", Phone: "14155550103", IsActive: false}
	// Same number as acct1, must not be listed twice.
	env.store.sessions["447000111222"] = StoredSession{UserID: "447000111222", UserName: "Bob"}
	env.store.sessions["14155550104"] = StoredSession{UserID: "14155550104", UserName: "Rae"}
	env.store.sessions["14155550105"] = StoredSession{UserID: "14155550105"}

	require.NoError(t, env.m.Init(context.Background()))

	byID := map[string]Session{}
	for _, s := range env.m.GetAllSessions() {
		byID[s.ID] = s
	}
	assert.Len(t, byID, 3)
	assert.Contains(t, byID, "acct1")
	assert.Contains(t, byID, "acct2")
	assert.Contains(t, byID, "14155550104")
	assert.Equal(t, login, byID["acct2"].Identity.LoginTime)
	for _, s := range byID {
		assert.Equal(t, StatusDisconnected, s.Status)
		assert.True(t, s.Identity.Complete())
	}
}

func TestRestoredSessionCanBeInitialized(t *testing.T) {
	env := newTestEnv(t)
	env.writeArtifacts(t, "acct1")
	env.store.accounts["acct1"] = StoredAccount{SessionID: "acct1", Name: "Bob", Phone: "447000111222", IsActive: true}
	require.NoError(t, env.m.Init(context.Background()))

	require.NoError(t, env.m.Initialize(context.Background(), "acct1"))
	assert.Equal(t, StatusConnecting, env.status(t, "acct1"))

	env.drv.last().emit(Ready{Number: "447000111222", Name: "Bob"})
	assert.Equal(t, StatusConnected, env.status(t, "acct1"))
}
