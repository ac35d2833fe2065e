// Package legacy runs the single-account WhatsApp service that predates the
// multi-session manager. It keeps its own auth directory and login store and
// is merged into the dashboard listing through the session.Legacy interface.
package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/dashboard/internal/pairing"
	"github.com/whatsapp-automation/dashboard/internal/session"
)

// Broadcast event types of the single-session dashboard.
const (
	EventQR           = "qr"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventLogout       = "logout"
)

// SessionID is the id the legacy account is stored and listed under.
const SessionID = session.LegacySessionID

// Config holds the service timings.
type Config struct {
	InitTimeout     time.Duration
	TeardownTimeout time.Duration
	RetryDelay      time.Duration
	MaxInitRetries  int
	PollInterval    time.Duration
	RestartDelay    time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		InitTimeout:     90 * time.Second,
		TeardownTimeout: 5 * time.Second,
		RetryDelay:      5 * time.Second,
		MaxInitRetries:  3,
		PollInterval:    30 * time.Second,
		RestartDelay:    3 * time.Second,
	}
}

// Service drives exactly one account.
type Service struct {
	cfg       Config
	driver    session.Driver
	store     session.AccountStore
	hub       session.Broadcaster
	workspace session.Workspace
	log       logrus.FieldLogger
	monitor   *Monitor

	mu           sync.Mutex
	client       session.Client
	generation   uint64
	ready        bool
	initializing bool
	identity     session.Identity
	qrImage      string
	restartTimer *time.Timer
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ session.Legacy = (*Service)(nil)

// New returns a stopped service. The workspace must not be shared with the
// multi-session manager.
func New(driver session.Driver, store session.AccountStore, hub session.Broadcaster, ws session.Workspace, cfg Config, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		driver:    driver,
		store:     store,
		hub:       hub,
		workspace: ws,
		log:       logger.WithField("component", "legacy"),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.monitor = NewMonitor(s, hub, cfg.PollInterval, logger)
	return s
}

// Start launches the client in the background and begins polling its state.
func (s *Service) Start() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.initWithRetry()
	}()
	s.monitor.Start(s.ctx)
}

// Monitor exposes the connection poller, mainly for its stats.
func (s *Service) Monitor() *Monitor {
	return s.monitor
}

func (s *Service) initWithRetry() {
	attempts := s.cfg.MaxInitRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		err := s.initialize(s.ctx)
		if err == nil {
			return
		}
		s.log.WithError(err).WithField("attempt", i).Warn("[LEGACY] Initialization failed")
		if i == attempts {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.RetryDelay):
		}
	}
}

// initialize creates a fresh client unless one is already running.
func (s *Service) initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("legacy service is stopped")
	}
	if s.client != nil && (s.ready || s.initializing) {
		s.mu.Unlock()
		return nil
	}
	old := s.detachLocked()
	s.initializing = true
	gen := s.generation
	s.mu.Unlock()
	s.teardown(old)

	client, err := s.driver.NewClient(SessionID, func(evt session.Event) { s.handleEvent(gen, evt) })
	if err != nil {
		s.mu.Lock()
		if s.generation == gen {
			s.initializing = false
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.generation != gen || s.closed {
		s.mu.Unlock()
		s.teardown(client)
		return nil
	}
	s.client = client
	s.mu.Unlock()

	s.log.Info("[LEGACY] Initializing client")
	initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()
	if err := client.Initialize(initCtx); err != nil {
		s.mu.Lock()
		stale := s.generation != gen
		if !stale {
			s.detachLocked()
		}
		s.mu.Unlock()
		s.teardown(client)
		if stale {
			return nil
		}
		return err
	}

	s.mu.Lock()
	if s.generation == gen {
		s.initializing = false
	}
	s.mu.Unlock()
	return nil
}

func (s *Service) handleEvent(gen uint64, evt session.Event) {
	logger := s.log.WithField("event", session.EventName(evt))
	switch e := evt.(type) {
	case session.QRIssued:
		img, err := pairing.DataURL(e.Code)
		if err != nil {
			logger.WithError(err).Warn("[LEGACY] Failed to render QR code")
			return
		}
		if !s.current(gen, func() { s.qrImage = img }) {
			return
		}
		logger.Info("[LEGACY] QR code received")
		s.hub.Broadcast(EventQR, map[string]any{"qr": img})

	case session.Authenticated:
		logger.Info("[LEGACY] Authenticated")

	case session.Ready:
		if e.Number == "" {
			logger.Warn("[LEGACY] Ready without a phone number, ignoring")
			return
		}
		identity := session.Identity{Number: e.Number, Name: e.Name, LoginTime: time.Now().UTC()}
		if identity.Name == "" {
			identity.Name = e.Number
		}
		if !s.current(gen, func() {
			s.ready = true
			s.initializing = false
			s.qrImage = ""
			s.identity = identity
		}) {
			return
		}
		logger.WithField("number", identity.Number).Info("[LEGACY] Client is ready")
		s.persistLogin(identity)
		s.hub.Broadcast(EventConnected, map[string]any{"sessionInfo": sessionInfo(identity)})

	case session.AuthFailed:
		if !s.current(gen, func() {
			s.ready = false
			s.initializing = false
		}) {
			return
		}
		logger.WithField("reason", e.Reason).Warn("[LEGACY] Authentication failed")
		s.hub.Broadcast(EventDisconnected, map[string]any{"reason": e.Reason})

	case session.Disconnected:
		if e.Reason.Terminal() {
			s.onUnpaired(gen, e.Reason)
			return
		}
		if !s.current(gen, func() { s.ready = false }) {
			return
		}
		logger.WithField("reason", e.Reason).Warn("[LEGACY] Client disconnected")
		s.hub.Broadcast(EventDisconnected, map[string]any{"reason": e.Reason})

	case session.MessageReceived:
		if !s.current(gen, func() {}) {
			return
		}
		s.hub.Broadcast(session.EventNewMessage, map[string]any{"sessionId": SessionID, "message": e.Message})
	}
}

// current runs fn under the lock if gen still names the live client.
func (s *Service) current(gen uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.closed {
		return false
	}
	fn()
	return true
}

// onUnpaired wipes the account and starts pairing again after the restart delay.
func (s *Service) onUnpaired(gen uint64, reason session.DisconnectReason) {
	s.mu.Lock()
	if s.generation != gen || s.closed {
		s.mu.Unlock()
		return
	}
	c := s.detachLocked()
	s.identity = session.Identity{}
	s.mu.Unlock()

	s.log.WithField("reason", reason).Warn("[LEGACY] Device unlinked, wiping session")
	s.teardown(c)
	s.wipe()
	s.hub.Broadcast(EventLogout, map[string]any{"reason": reason})
	s.scheduleRestart()
}

// IsConnected reports whether the service is ready with a live client. A
// ready flag left behind without a client is cleared.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready && s.client == nil {
		s.log.Warn("[LEGACY] Ready flag set without a client, resetting")
		s.ready = false
	}
	return s.ready && s.client != nil
}

// Identity returns the paired account, if any.
func (s *Service) Identity() session.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// QRCode returns the last pairing image while the account is unpaired.
func (s *Service) QRCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrImage
}

// State returns the connection state of the live client.
func (s *Service) State(ctx context.Context) (string, error) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return "DISCONNECTED", nil
	}
	return c.State(ctx)
}

// Logout unlinks the device, wipes its data and starts pairing again.
func (s *Service) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("legacy service is stopped")
	}
	c := s.detachLocked()
	s.identity = session.Identity{}
	s.mu.Unlock()

	if c != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, s.cfg.TeardownTimeout)
		if err := c.Logout(logoutCtx); err != nil {
			s.log.WithError(err).Warn("[LEGACY] Logout failed, wiping anyway")
		}
		cancel()
		s.teardown(c)
	}
	s.wipe()
	s.log.Info("[LEGACY] Logged out")
	s.hub.Broadcast(EventLogout, map[string]any{"reason": session.ReasonLogout})
	s.scheduleRestart()
	return nil
}

// ForceRefreshQR drops the current client and auth data and starts a fresh
// pairing immediately.
func (s *Service) ForceRefreshQR(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("legacy service is stopped")
	}
	c := s.detachLocked()
	s.identity = session.Identity{}
	s.stopRestartLocked()
	s.mu.Unlock()

	s.teardown(c)
	s.wipe()
	s.log.Info("[LEGACY] Forcing a new QR code")
	return s.initialize(ctx)
}

// Shutdown releases the client without logging out.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopRestartLocked()
	c := s.detachLocked()
	s.mu.Unlock()

	s.cancel()
	s.monitor.Stop()
	s.teardown(c)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("[LEGACY] Service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) scheduleRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopRestartLocked()
	s.restartTimer = time.AfterFunc(s.cfg.RestartDelay, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()

		defer s.wg.Done()
		s.log.Info("[LEGACY] Restarting pairing")
		s.initWithRetry()
	})
}

func (s *Service) stopRestartLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

// detachLocked takes the client away and invalidates its pending events.
func (s *Service) detachLocked() session.Client {
	c := s.client
	s.client = nil
	s.generation++
	s.ready = false
	s.initializing = false
	s.qrImage = ""
	return c
}

func (s *Service) teardown(c session.Client) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
	defer cancel()
	if err := c.Destroy(ctx); err != nil {
		s.log.WithError(err).Warn("[LEGACY] Failed to destroy client")
	}
}

// wipe removes the paired device and the stored login.
func (s *Service) wipe() {
	if err := s.workspace.RemoveAuth(SessionID); err != nil {
		s.log.WithError(err).Warn("[LEGACY] Failed to remove auth data")
	}
	if err := s.workspace.RemoveProfile(SessionID); err != nil {
		s.log.WithError(err).Warn("[LEGACY] Failed to remove profile data")
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
	defer cancel()
	if err := s.store.ClearAllSessions(ctx); err != nil {
		s.log.WithError(err).Warn("[LEGACY] Failed to clear stored sessions")
	}
}

// persistLogin replaces the stored login with the current account.
func (s *Service) persistLogin(identity session.Identity) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TeardownTimeout)
	defer cancel()

	if err := s.store.ClearAllSessions(ctx); err != nil {
		s.log.WithError(err).Warn("[LEGACY] Failed to clear stored sessions")
	}
	data, _ := json.Marshal(sessionInfo(identity))
	err := s.store.SaveSession(ctx, session.StoredSession{
		UserID:      identity.Number,
		UserName:    identity.Name,
		LoginTime:   identity.LoginTime,
		SessionData: string(data),
	})
	if err != nil {
		s.log.WithError(err).Warn("[LEGACY] Failed to save session")
	}
}

func sessionInfo(identity session.Identity) map[string]any {
	if identity.Number == "" {
		return nil
	}
	return map[string]any{
		"userId":    identity.Number,
		"userName":  identity.Name,
		"loginTime": identity.LoginTime.UTC().Format(time.RFC3339),
	}
}
