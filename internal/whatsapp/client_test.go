package whatsapp

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"

	"github.com/whatsapp-automation/dashboard/internal/config"
	"github.com/whatsapp-automation/dashboard/internal/session"
)

func TestDestroyWhileConnecting(t *testing.T) {
	c := newTestClient(t, func(session.Event) {})
	ctx := t.Context()

	var dialed *whatsmeow.Client
	c.driver.connect = func(wa *whatsmeow.Client) error {
		dialed = wa
		// Destroy lands while the socket is being dialed.
		require.NoError(t, c.Destroy(ctx))
		return nil
	}

	err := c.Initialize(ctx)
	assert.ErrorIs(t, err, errClientClosed)
	require.NotNil(t, dialed)
	assert.False(t, dialed.IsConnected())

	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)
}

func TestDestroyedClientNeverDials(t *testing.T) {
	c := newTestClient(t, func(session.Event) {})
	ctx := t.Context()

	calls := 0
	c.driver.connect = func(*whatsmeow.Client) error {
		calls++
		return nil
	}
	require.NoError(t, c.Destroy(ctx))

	assert.ErrorIs(t, c.Initialize(ctx), errClientClosed)
	assert.Zero(t, calls)
}

func TestConnectFailureReleasesClient(t *testing.T) {
	c := newTestClient(t, func(session.Event) {})
	ctx := t.Context()

	c.driver.connect = func(*whatsmeow.Client) error {
		return errors.New("dial tcp: connection refused")
	}

	err := c.Initialize(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errClientClosed)
	assert.Contains(t, err.Error(), "failed to connect")

	state, _ := c.State(ctx)
	assert.Equal(t, StateOpening, state)

	// Not closed, so a later Initialize opens a fresh client.
	c.driver.connect = func(*whatsmeow.Client) error { return nil }
	require.NoError(t, c.Initialize(ctx))
	state, _ = c.State(ctx)
	assert.Equal(t, StateUnpaired, state)
	require.NoError(t, c.Destroy(ctx))
}

func TestDriverReleaseFreesProxy(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	root := t.TempDir()
	pool := config.NewProxyPool(config.ParseProxyList("10.0.0.1:1080,10.0.0.2:1080", "socks5"), nil)
	d := NewDriver(session.Workspace{AuthDir: root + "/auth", ProfileDir: root + "/profiles"}, pool, "ERROR", logger)

	held := pool.ForSession("acct1")
	pool.ForSession("acct2")
	d.Release("acct1")

	assert.Equal(t, held.Host, pool.ForSession("acct3").Host)
}
