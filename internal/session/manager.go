package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config holds the manager timings.
type Config struct {
	InitTimeout     time.Duration
	FetchTimeout    time.Duration
	TeardownTimeout time.Duration
	RetryDelay      time.Duration
	RetryDelaySlow  time.Duration
	MaxInitRetries  int
	MessagesPerChat int
	// DownloadTimeout bounds a single media download.
	DownloadTimeout time.Duration
	// SyncOnReady fetches chats, contacts and groups once a session connects.
	SyncOnReady bool
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		InitTimeout:     90 * time.Second,
		FetchTimeout:    10 * time.Second,
		TeardownTimeout: 5 * time.Second,
		RetryDelay:      5 * time.Second,
		RetryDelaySlow:  10 * time.Second,
		MaxInitRetries:  3,
		MessagesPerChat: DefaultMessagesPerChat,
		DownloadTimeout: 60 * time.Second,
		SyncOnReady:     true,
	}
}

// record is the mutable state of one session. Guarded by Manager.mu.
type record struct {
	id           string
	identity     Identity
	status       Status
	qrImage      string
	ready        bool
	initializing bool
	client       Client
	// generation is bumped every time the client is replaced so events from
	// an old client are dropped.
	generation uint64
	retries    int
	retryTimer *time.Timer
}

func (r *record) snapshot() Session {
	return Session{
		ID:           r.id,
		Identity:     r.identity,
		Status:       r.status,
		QRImage:      r.qrImage,
		Ready:        r.ready,
		Initializing: r.initializing,
		HasClient:    r.client != nil,
	}
}

// detach takes the client away from the record and invalidates its events.
func (r *record) detach() Client {
	c := r.client
	r.client = nil
	r.generation++
	r.ready = false
	r.initializing = false
	r.stopRetry()
	return c
}

func (r *record) stopRetry() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}

type transition struct {
	id       string
	identity Identity
	from, to Status
	reason   string
}

// Manager owns every session record and drives their lifecycle.
type Manager struct {
	cfg       Config
	driver    Driver
	store     AccountStore
	hub       Broadcaster
	workspace Workspace
	legacy    Legacy
	observer  Observer
	messages  *MessageCache
	log       logrus.FieldLogger

	mu       sync.Mutex
	sessions map[string]*record
	order    []string
	closed   bool

	pubMu         sync.Mutex
	lastPublished []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides the default timings.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLegacy merges a single-session service into the listing.
func WithLegacy(l Legacy) Option {
	return func(m *Manager) { m.legacy = l }
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a manager. Call Init before use.
func NewManager(driver Driver, store AccountStore, hub Broadcaster, ws Workspace, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       DefaultConfig(),
		driver:    driver,
		store:     store,
		hub:       hub,
		workspace: ws,
		log:       logrus.StandardLogger(),
		sessions:  make(map[string]*record),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("component", "session")
	m.messages = NewMessageCache(m.cfg.MessagesPerChat)
	return m
}

// Init restores the registry from disk and the account store.
func (m *Manager) Init(ctx context.Context) error {
	return m.Restore(ctx)
}

// Shutdown releases every client without logging out and waits for
// background work to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	clients := make([]Client, 0, len(m.sessions))
	for _, rec := range m.sessions {
		if c := rec.detach(); c != nil {
			clients = append(clients, c)
		}
	}
	m.mu.Unlock()

	m.cancel()
	for _, c := range clients {
		m.teardown(c)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("[SESSION] Manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateSession registers a session, optionally starting it. An empty id
// gets a generated one. Creating an existing session only (re)initializes it.
func (m *Manager) CreateSession(ctx context.Context, id string, initialize bool) (Session, error) {
	if id == "" {
		id = "session_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	}
	if id == LegacySessionID {
		return Session{}, ErrReservedSession
	}
	if err := ValidateSessionID(id); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Session{}, errors.New("manager is shut down")
	}
	rec, exists := m.sessions[id]
	if !exists {
		rec = &record{id: id, status: StatusDisconnected}
		m.sessions[id] = rec
		m.order = append(m.order, id)
	}
	busy := rec.ready || rec.initializing
	m.mu.Unlock()

	if !exists {
		m.log.WithField("session", id).Info("[SESSION] Created")
		m.publishSessions()
	}
	if initialize && !busy {
		if err := m.Initialize(ctx, id); err != nil {
			return m.mustSnapshot(id), err
		}
	}
	return m.mustSnapshot(id), nil
}

// Initialize starts a client for the session. It is a no-op while another
// initialization of the same session is in flight.
func (m *Manager) Initialize(ctx context.Context, id string) error {
	logger := m.log.WithField("session", id)

	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if m.closed {
		m.mu.Unlock()
		return errors.New("manager is shut down")
	}
	if rec.initializing || (rec.ready && rec.client != nil) {
		m.mu.Unlock()
		logger.Debug("[SESSION] Already initializing or connected")
		return nil
	}
	retries := rec.retries
	stale := rec.detach()
	rec.retries = retries
	rec.initializing = true
	gen := rec.generation
	tr := m.setStatus(rec, StatusConnecting, "initialize")
	m.mu.Unlock()

	m.notify(tr)
	m.teardown(stale)
	m.publishSessions()

	if m.workspace.HasAuth(id) {
		logger.Info("[SESSION] Auth artifacts found, resuming")
	} else {
		logger.Info("[SESSION] No auth artifacts, waiting for pairing code")
	}

	client, err := m.driver.NewClient(id, m.sinkFor(id, gen))
	if err == nil {
		m.mu.Lock()
		if m.sessions[id] != rec || rec.generation != gen {
			m.mu.Unlock()
			m.teardown(client)
			return nil
		}
		rec.client = client
		m.mu.Unlock()

		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.InitTimeout)
		err = client.Initialize(initCtx)
		cancel()
	}

	m.mu.Lock()
	if m.sessions[id] != rec || rec.generation != gen {
		// Superseded by relogin, logout or destroy while starting up.
		m.mu.Unlock()
		return nil
	}
	rec.initializing = false
	if err == nil {
		m.mu.Unlock()
		logger.Info("[SESSION] Client initialized")
		return nil
	}

	failed := rec.detach()
	rec.retries = retries
	tr = m.setStatus(rec, StatusDisconnected, "initialization failed")
	m.scheduleRetry(rec, err)
	m.mu.Unlock()

	logger.WithError(err).Warn("[SESSION] Initialization failed")
	m.notify(tr)
	m.teardown(failed)
	m.publishSessions()
	return fmt.Errorf("initialize %s: %w", id, err)
}

// scheduleRetry arms a delayed re-initialization. Called with m.mu held.
func (m *Manager) scheduleRetry(rec *record, cause error) {
	if m.closed || m.cfg.RetryDelay <= 0 || rec.retries >= m.cfg.MaxInitRetries {
		return
	}
	rec.retries++
	delay := m.cfg.RetryDelaySlow
	if isTransientInitError(cause) || delay <= 0 {
		delay = m.cfg.RetryDelay
	}
	id := rec.id
	attempt := rec.retries
	m.log.WithFields(logrus.Fields{"session": id, "attempt": attempt}).Infof("[SESSION] Retrying initialization in %s", delay)

	rec.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		cur, ok := m.sessions[id]
		skip := !ok || cur != rec || cur.ready || cur.initializing || m.closed
		if !skip {
			cur.retryTimer = nil
		}
		m.mu.Unlock()
		if skip {
			return
		}
		if err := m.Initialize(m.ctx, id); err != nil {
			m.log.WithField("session", id).WithError(err).Debug("[SESSION] Retry failed")
		}
	})
}

// Relogin discards the paired device and starts a fresh pairing.
func (m *Manager) Relogin(ctx context.Context, id string) error {
	if id == LegacySessionID {
		if m.legacy == nil {
			return ErrSessionNotFound
		}
		return m.legacy.ForceRefreshQR(ctx)
	}

	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	stale := rec.detach()
	rec.retries = 0
	tr := m.setStatus(rec, StatusDisconnected, "relogin")
	m.mu.Unlock()

	m.log.WithField("session", id).Info("[SESSION] Relogin requested")
	m.notify(tr)
	m.teardown(stale)
	if err := m.workspace.RemoveAuth(id); err != nil {
		return err
	}
	return m.Initialize(ctx, id)
}

// Logout unlinks the device and keeps the account listed for relogin.
func (m *Manager) Logout(ctx context.Context, id string) error {
	if id == LegacySessionID {
		if m.legacy == nil {
			return ErrSessionNotFound
		}
		if err := m.legacy.Logout(ctx); err != nil {
			return fmt.Errorf("logout legacy session: %w", err)
		}
		m.hub.Broadcast(EventAccountDisconnected, map[string]any{"sessionId": id, "reason": string(ReasonLogout)})
		m.publishSessions()
		return nil
	}

	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	stale := rec.detach()
	identity := rec.identity
	tr := m.setStatus(rec, StatusDisconnected, "logout")
	m.mu.Unlock()

	logger := m.log.WithField("session", id)
	logger.Info("[SESSION] Logging out")
	m.notify(tr)
	m.logoutAndTeardown(ctx, id, stale)

	if err := m.workspace.RemoveAuth(id); err != nil {
		logger.WithError(err).Warn("[SESSION] Failed to erase auth artifacts")
	}
	if err := m.workspace.RemoveProfile(id); err != nil {
		logger.WithError(err).Warn("[SESSION] Failed to erase profile")
	}

	if identity.Number != "" {
		err := m.store.SaveAccountInfo(ctx, StoredAccount{
			SessionID:   id,
			Name:        identity.Name,
			Phone:       identity.Number,
			Status:      StatusDisconnected,
			IsActive:    true,
			LoginTime:   identity.LoginTime,
			SessionData: sessionData(id, identity),
		})
		if err != nil {
			logger.WithError(err).Warn("[SESSION] Failed to persist logout")
		}
	}

	m.hub.Broadcast(EventAccountDisconnected, map[string]any{"sessionId": id, "reason": string(ReasonLogout)})
	m.publishSessions()
	return nil
}

// Destroy removes a session and everything it left on disk or in the store.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	if id == LegacySessionID {
		if m.legacy == nil {
			return ErrSessionNotFound
		}
		if err := m.legacy.Logout(ctx); err != nil {
			return fmt.Errorf("remove legacy session: %w", err)
		}
		m.hub.Broadcast(EventAccountRemoved, map[string]any{"sessionId": id})
		m.publishSessions()
		return nil
	}

	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	stale := rec.detach()
	identity := rec.identity
	delete(m.sessions, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	logger := m.log.WithField("session", id)
	logger.Info("[SESSION] Destroying")
	m.logoutAndTeardown(ctx, id, stale)

	if err := m.workspace.RemoveAuth(id); err != nil {
		logger.WithError(err).Warn("[SESSION] Failed to erase auth artifacts")
	}
	if err := m.workspace.RemoveProfile(id); err != nil {
		logger.WithError(err).Warn("[SESSION] Failed to erase profile")
	}
	if err := m.store.RemoveAccount(ctx, id, identity.Number); err != nil {
		logger.WithError(err).Warn("[SESSION] Failed to remove stored account")
	}
	m.messages.Forget(id)
	if r, ok := m.driver.(Releaser); ok {
		r.Release(id)
	}

	m.hub.Broadcast(EventAccountRemoved, map[string]any{"sessionId": id})
	m.publishSessions()
	return nil
}

// GetSession returns a snapshot of one session.
func (m *Manager) GetSession(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return rec.snapshot(), true
}

// GetAllSessions returns a snapshot of the whole registry in creation order.
func (m *Manager) GetAllSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].snapshot())
	}
	return out
}

// GetPrimarySession returns the first connected session.
func (m *Manager) GetPrimarySession() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if rec := m.sessions[id]; rec.ready && rec.client != nil {
			return rec.snapshot(), true
		}
	}
	return Session{}, false
}

// IsReady reports whether the session is connected.
func (m *Manager) IsReady(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	return ok && rec.ready
}

// QRCode returns the current pairing image of a session.
func (m *Manager) QRCode(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || rec.qrImage == "" {
		return "", false
	}
	return rec.qrImage, true
}

// RecentMessages returns cached messages of one chat, newest first.
func (m *Manager) RecentMessages(id, chatID string, limit int) []Message {
	return m.messages.Recent(id, chatID, limit)
}

func (m *Manager) mustSnapshot(id string) Session {
	s, _ := m.GetSession(id)
	return s
}

// setStatus moves a record to a new status and clears the pairing image
// when leaving qr_required. Called with m.mu held.
func (m *Manager) setStatus(rec *record, to Status, reason string) *transition {
	if to != StatusQRRequired {
		rec.qrImage = ""
	}
	if rec.status == to {
		return nil
	}
	tr := &transition{id: rec.id, identity: rec.identity, from: rec.status, to: to, reason: reason}
	rec.status = to
	m.log.WithFields(logrus.Fields{
		"session": rec.id,
		"from":    tr.from,
		"to":      to,
	}).Infof("[SESSION] Status changed (%s)", reason)
	return tr
}

func (m *Manager) notify(trs ...*transition) {
	if m.observer == nil {
		return
	}
	for _, tr := range trs {
		if tr != nil {
			m.observer.OnTransition(tr.id, tr.identity, tr.from, tr.to, tr.reason)
		}
	}
}

// teardown destroys a client and returns once it has let go of its files,
// so callers may erase or reuse the session directories afterwards. A
// teardown slower than the teardown timeout is logged and still awaited.
func (m *Manager) teardown(c Client) {
	if c == nil {
		return
	}
	done := make(chan error, 1)
	go func() { done <- c.Destroy(m.ctxOrBackground()) }()

	var err error
	if m.cfg.TeardownTimeout > 0 {
		timer := time.NewTimer(m.cfg.TeardownTimeout)
		select {
		case err = <-done:
		case <-timer.C:
			m.log.Warnf("[SESSION] Client teardown exceeded %s, waiting for it to finish", m.cfg.TeardownTimeout)
			err = <-done
		}
		timer.Stop()
	} else {
		err = <-done
	}
	if err != nil {
		m.log.WithError(err).Warn("[SESSION] Client teardown failed")
	}
}

func (m *Manager) logoutAndTeardown(ctx context.Context, id string, c Client) {
	if c == nil {
		return
	}
	_, err := callWithTimeout(ctx, m.cfg.TeardownTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Logout(ctx)
	})
	if err != nil {
		m.log.WithField("session", id).WithError(err).Warn("[SESSION] Client logout failed")
	}
	m.teardown(c)
}

// ctxOrBackground returns the manager context, or a fresh one once the
// manager is shutting down so teardown still gets its full timeout.
func (m *Manager) ctxOrBackground() context.Context {
	if m.ctx.Err() != nil {
		return context.Background()
	}
	return m.ctx
}

// goBackground runs fn tracked by the shutdown wait group.
func (m *Manager) goBackground(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func sessionData(id string, identity Identity) string {
	raw, err := json.Marshal(map[string]string{
		"sessionId": id,
		"number":    identity.Number,
		"name":      identity.Name,
	})
	if err != nil {
		return ""
	}
	return string(raw)
}

// callWithTimeout races fn against a deadline. On timeout fn keeps running
// in the background and its result is discarded.
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrFetchTimeout, d)
		}
		return zero, ctx.Err()
	}
}
