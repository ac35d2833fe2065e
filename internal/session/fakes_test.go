package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id   string
	sink EventSink

	mu           sync.Mutex
	initCalls    int
	logoutCalls  int
	destroyCalls int
	sent         []string

	initErr   error
	block     chan struct{}
	onInit    func(c *fakeClient)
	onDestroy func()
	state     string
	chats     []Chat
	contacts  []Contact
	groups    []Group
	sendErr   error
	fetchErr  error
	delay     time.Duration
	deleted   []string
	media     map[string]*Media
	pictures  map[string]string
}

func (c *fakeClient) emit(evt Event) { c.sink(evt) }

func (c *fakeClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	c.initCalls++
	block := c.block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.onInit != nil {
		c.onInit(c)
	}
	return c.initErr
}

func (c *fakeClient) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutCalls++
	return nil
}

func (c *fakeClient) Destroy(context.Context) error {
	c.mu.Lock()
	c.destroyCalls++
	hook := c.onDestroy
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (c *fakeClient) destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyCalls > 0
}

func (c *fakeClient) State(context.Context) (string, error) {
	return c.state, nil
}

func (c *fakeClient) wait(ctx context.Context) error {
	if c.delay == 0 {
		return c.fetchErr
	}
	select {
	case <-time.After(c.delay):
		return c.fetchErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeClient) Chats(ctx context.Context) ([]Chat, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return append([]Chat(nil), c.chats...), nil
}

func (c *fakeClient) ChatByID(ctx context.Context, chatID string) (*Chat, error) {
	for _, ch := range c.chats {
		if ch.ID == chatID {
			ch := ch
			return &ch, nil
		}
	}
	return nil, errors.New("chat not found")
}

func (c *fakeClient) Contacts(ctx context.Context) ([]Contact, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return append([]Contact(nil), c.contacts...), nil
}

func (c *fakeClient) Groups(ctx context.Context) ([]Group, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return append([]Group(nil), c.groups...), nil
}

func (c *fakeClient) SendText(_ context.Context, to, text string) (*SendResult, error) {
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	c.mu.Lock()
	c.sent = append(c.sent, to+":"+text)
	c.mu.Unlock()
	return &SendResult{ID: "msg-1", To: to, Timestamp: time.Now()}, nil
}

func (c *fakeClient) SendMedia(_ context.Context, to string, media Media, caption string) (*SendResult, error) {
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	c.mu.Lock()
	c.sent = append(c.sent, to+":"+media.Filename+":"+media.MimeType+":"+caption)
	c.mu.Unlock()
	return &SendResult{ID: "media-1", To: to, Timestamp: time.Now()}, nil
}

func (c *fakeClient) DeleteChat(ctx context.Context, chatID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, chatID)
	return nil
}

func (c *fakeClient) DownloadMedia(ctx context.Context, messageID string) (*Media, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	m, ok := c.media[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (c *fakeClient) ProfilePicture(ctx context.Context, jid string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	return c.pictures[jid], nil
}

type fakeDriver struct {
	mu        sync.Mutex
	clients   []*fakeClient
	configure func(c *fakeClient)
	err       error
	released  []string
}

func (d *fakeDriver) Release(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, sessionID)
}

func (d *fakeDriver) releasedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.released...)
}

func (d *fakeDriver) NewClient(id string, sink EventSink) (Client, error) {
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeClient{id: id, sink: sink, state: "CONNECTED"}
	d.mu.Lock()
	configure := d.configure
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	if configure != nil {
		configure(c)
	}
	return c, nil
}

func (d *fakeDriver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDriver) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

func (d *fakeDriver) liveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.clients {
		if !c.destroyed() {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]StoredAccount
	sessions map[string]StoredSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]StoredAccount),
		sessions: make(map[string]StoredSession),
	}
}

func (s *fakeStore) StoredAccounts(context.Context) ([]StoredAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStore) ActiveSessions(context.Context) ([]StoredSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredSession, 0, len(s.sessions))
	for _, v := range s.sessions {
		out = append(out, v)
	}
	return out, nil
}

func (s *fakeStore) SaveSession(_ context.Context, v StoredSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[v.UserID] = v
	return nil
}

func (s *fakeStore) SaveAccountInfo(_ context.Context, a StoredAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.SessionID] = a
	return nil
}

func (s *fakeStore) RemoveAccount(_ context.Context, sessionID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, sessionID)
	if phone != "" {
		delete(s.sessions, phone)
	}
	return nil
}

func (s *fakeStore) ClearAllSessions(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]StoredSession)
	return nil
}

func (s *fakeStore) account(id string) (StoredAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	return a, ok
}

type broadcastMsg struct {
	Type string
	Data any
}

type fakeHub struct {
	mu   sync.Mutex
	msgs []broadcastMsg
}

func (h *fakeHub) Broadcast(eventType string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, broadcastMsg{Type: eventType, Data: data})
}

func (h *fakeHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if m.Type == eventType {
			n++
		}
	}
	return n
}

func (h *fakeHub) last(eventType string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.msgs) - 1; i >= 0; i-- {
		if h.msgs[i].Type == eventType {
			return h.msgs[i].Data, true
		}
	}
	return nil, false
}

func (h *fakeHub) lastSessions(t *testing.T) []Info {
	t.Helper()
	data, ok := h.last(EventSessionsUpdated)
	require.True(t, ok, "no sessions_updated broadcast")
	payload, ok := data.(map[string]any)
	require.True(t, ok)
	infos, ok := payload["sessions"].([]Info)
	require.True(t, ok)
	return infos
}

type recordedTransition struct {
	ID       string
	From, To Status
}

type recordingObserver struct {
	mu  sync.Mutex
	trs []recordedTransition
}

func (o *recordingObserver) OnTransition(id string, _ Identity, from, to Status, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trs = append(o.trs, recordedTransition{ID: id, From: from, To: to})
}

func (o *recordingObserver) path(id string) []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Status
	for _, tr := range o.trs {
		if tr.ID != id {
			continue
		}
		if len(out) == 0 {
			out = append(out, tr.From)
		}
		out = append(out, tr.To)
	}
	return out
}

type fakeLegacy struct {
	mu        sync.Mutex
	ready     bool
	hasClient bool
	identity  Identity
	logouts   int
	refreshes int
}

func (l *fakeLegacy) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready && !l.hasClient {
		l.ready = false
	}
	return l.ready && l.hasClient
}

func (l *fakeLegacy) Identity() Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.identity
}

func (l *fakeLegacy) Logout(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logouts++
	l.ready = false
	return nil
}

func (l *fakeLegacy) ForceRefreshQR(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	return nil
}

type testEnv struct {
	m     *Manager
	drv   *fakeDriver
	store *fakeStore
	hub   *fakeHub
	ws    Workspace
	obs   *recordingObserver
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitTimeout = 2 * time.Second
	cfg.FetchTimeout = 200 * time.Millisecond
	cfg.TeardownTimeout = time.Second
	cfg.RetryDelay = 0
	cfg.SyncOnReady = false
	return cfg
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		drv:   &fakeDriver{},
		store: newFakeStore(),
		hub:   &fakeHub{},
		obs:   &recordingObserver{},
		ws: Workspace{
			AuthDir:    filepath.Join(root, "auth"),
			ProfileDir: filepath.Join(root, "profiles"),
		},
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	all := append([]Option{WithConfig(testConfig()), WithLogger(logger), WithObserver(env.obs)}, opts...)
	env.m = NewManager(env.drv, env.store, env.hub, env.ws, all...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.m.Shutdown(ctx)
	})
	return env
}

// writeArtifacts simulates a paired device store on disk.
func (e *testEnv) writeArtifacts(t *testing.T, id string) {
	t.Helper()
	dir, err := e.ws.EnsureAuth(id)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "device.db"), []byte("x"), 0o600))
}

// connect creates a session and drives it to connected.
func (e *testEnv) connect(t *testing.T, id, number, name string) *fakeClient {
	t.Helper()
	_, err := e.m.CreateSession(context.Background(), id, true)
	require.NoError(t, err)
	c := e.drv.last()
	require.NotNil(t, c)
	c.emit(Ready{Number: number, Name: name})
	s, ok := e.m.GetSession(id)
	require.True(t, ok)
	require.Equal(t, StatusConnected, s.Status)
	return c
}

func (e *testEnv) status(t *testing.T, id string) Status {
	t.Helper()
	s, ok := e.m.GetSession(id)
	require.True(t, ok, "session %s missing", id)
	return s.Status
}

func emitQR(c *fakeClient) {
	c.emit(QRIssued{Code: "2@pairing-code," + c.id})
}
