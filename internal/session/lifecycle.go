package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/dashboard/internal/pairing"
)

// sinkFor binds client events to the record generation they were created for.
func (m *Manager) sinkFor(id string, gen uint64) EventSink {
	return func(evt Event) {
		m.handleEvent(id, gen, evt)
	}
}

// live returns the record if gen is still its current client generation.
// Called with m.mu held.
func (m *Manager) live(id string, gen uint64) (*record, bool) {
	rec, ok := m.sessions[id]
	if !ok || rec.generation != gen || m.closed {
		return nil, false
	}
	return rec, true
}

func (m *Manager) handleEvent(id string, gen uint64, evt Event) {
	logger := m.log.WithFields(logrus.Fields{"session": id, "event": EventName(evt)})

	switch e := evt.(type) {
	case QRIssued:
		m.onQR(id, gen, e, logger)
	case Authenticated:
		logger.Info("[SESSION] Authenticated")
	case Ready:
		m.onReady(id, gen, e, logger)
	case AuthFailed:
		m.onAuthFailed(id, gen, e, logger)
	case Disconnected:
		if e.Reason.Terminal() {
			m.goBackground(func() { m.onUnpaired(id, gen, e.Reason, logger) })
			return
		}
		m.onDisconnected(id, gen, e, logger)
	case MessageReceived:
		m.onMessage(id, gen, e)
	default:
		logger.Debugf("[SESSION] Ignoring event %T", evt)
	}
}

func (m *Manager) onQR(id string, gen uint64, e QRIssued, logger logrus.FieldLogger) {
	img, err := pairing.DataURL(e.Code)
	if err != nil {
		logger.WithError(err).Warn("[SESSION] Failed to render pairing code")
		return
	}

	m.mu.Lock()
	rec, ok := m.live(id, gen)
	if !ok || rec.ready {
		m.mu.Unlock()
		return
	}
	tr := m.setStatus(rec, StatusQRRequired, "pairing code issued")
	rec.qrImage = img
	m.mu.Unlock()

	logger.Info("[SESSION] Pairing code issued")
	m.notify(tr)
	m.hub.Broadcast(EventAccountQR, map[string]any{"sessionId": id, "qr": img})
	m.publishSessions()
}

func (m *Manager) onReady(id string, gen uint64, e Ready, logger logrus.FieldLogger) {
	m.mu.Lock()
	rec, ok := m.live(id, gen)
	if !ok {
		m.mu.Unlock()
		return
	}
	number := e.Number
	if number == "" {
		number = rec.identity.Number
	}
	if number == "" {
		m.mu.Unlock()
		logger.Warn("[SESSION] Ready without an account number, ignoring")
		return
	}
	name := e.Name
	if name == "" && rec.identity.Number == number {
		name = rec.identity.Name
	}
	if name == "" || name == UnknownAccountName {
		name = "User " + number
	}
	rec.identity = Identity{Number: number, Name: name, LoginTime: time.Now().UTC()}
	rec.ready = true
	rec.retries = 0
	tr := m.setStatus(rec, StatusConnected, "ready")
	snap := rec.snapshot()
	m.mu.Unlock()

	logger.WithField("number", number).Infof("[SESSION] Connected as %s", name)
	m.notify(tr)
	m.persistLogin(id, snap.Identity, logger)
	m.hub.Broadcast(EventAccountConnected, map[string]any{"sessionId": id, "info": snap.Info()})
	m.publishSessions()

	// A push name update re-reports ready without a transition.
	if tr != nil && m.cfg.SyncOnReady {
		m.goBackground(func() { m.syncData(id, logger) })
	}
}

// syncData fetches chats, contacts and groups in parallel. Each fetch
// broadcasts its result, so dashboards converge right after connecting.
func (m *Manager) syncData(id string, logger logrus.FieldLogger) {
	fetches := map[string]func(context.Context) error{
		"chats": func(ctx context.Context) error {
			_, err := m.GetChats(ctx, id)
			return err
		},
		"contacts": func(ctx context.Context) error {
			_, err := m.GetContacts(ctx, id)
			return err
		},
		"groups": func(ctx context.Context) error {
			_, err := m.GetGroups(ctx, id)
			return err
		},
	}

	start := time.Now()
	var wg sync.WaitGroup
	for name, fetch := range fetches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fetch(m.ctx); err != nil {
				logger.WithError(err).Warnf("[SYNC] Failed to load %s", name)
			}
		}()
	}
	wg.Wait()
	logger.Infof("[SYNC] Initial data sync finished in %s", time.Since(start).Round(time.Millisecond))
}

func (m *Manager) persistLogin(id string, identity Identity, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(m.ctxOrBackground(), m.cfg.FetchTimeout)
	defer cancel()

	data := sessionData(id, identity)
	err := m.store.SaveAccountInfo(ctx, StoredAccount{
		SessionID:   id,
		Name:        identity.Name,
		Phone:       identity.Number,
		Status:      StatusConnected,
		IsActive:    true,
		LoginTime:   identity.LoginTime,
		SessionData: data,
	})
	if err != nil {
		logger.WithError(err).Warn("[SESSION] Failed to save account info")
	}
	err = m.store.SaveSession(ctx, StoredSession{
		UserID:      identity.Number,
		UserName:    identity.Name,
		LoginTime:   identity.LoginTime,
		SessionData: data,
	})
	if err != nil {
		logger.WithError(err).Warn("[SESSION] Failed to save session")
	}
}

func (m *Manager) onAuthFailed(id string, gen uint64, e AuthFailed, logger logrus.FieldLogger) {
	m.mu.Lock()
	rec, ok := m.live(id, gen)
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.ready = false
	tr := m.setStatus(rec, StatusDisconnected, "auth failure")
	m.mu.Unlock()

	logger.WithField("reason", e.Reason).Warn("[SESSION] Authentication failed")
	m.notify(tr)
	m.hub.Broadcast(EventAccountDisconnected, map[string]any{"sessionId": id, "reason": e.Reason})
	m.publishSessions()
}

func (m *Manager) onDisconnected(id string, gen uint64, e Disconnected, logger logrus.FieldLogger) {
	m.mu.Lock()
	rec, ok := m.live(id, gen)
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.ready = false
	tr := m.setStatus(rec, StatusDisconnected, string(e.Reason))
	m.mu.Unlock()

	logger.WithField("reason", e.Reason).Warn("[SESSION] Disconnected")
	m.notify(tr)
	m.hub.Broadcast(EventAccountDisconnected, map[string]any{"sessionId": id, "reason": string(e.Reason)})
	m.publishSessions()
}

// onUnpaired handles the phone unlinking this device: the identity is
// dropped, the artifacts erased and a fresh pairing started.
func (m *Manager) onUnpaired(id string, gen uint64, reason DisconnectReason, logger logrus.FieldLogger) {
	m.mu.Lock()
	rec, ok := m.live(id, gen)
	if !ok {
		m.mu.Unlock()
		return
	}
	identity := rec.identity
	stale := rec.detach()
	rec.identity = Identity{}
	rec.retries = 0
	tr := m.setStatus(rec, StatusDisconnected, string(reason))
	m.mu.Unlock()

	logger.WithField("reason", reason).Warn("[SESSION] Device unlinked, starting fresh pairing")
	m.notify(tr)
	m.hub.Broadcast(EventAccountDisconnected, map[string]any{
		"sessionId":       id,
		"reason":          string(reason),
		"requiresNewAuth": true,
	})
	m.publishSessions()

	m.teardown(stale)
	if err := m.workspace.RemoveAuth(id); err != nil {
		logger.WithError(err).Warn("[SESSION] Failed to erase auth artifacts")
	}

	ctx, cancel := context.WithTimeout(m.ctxOrBackground(), m.cfg.FetchTimeout)
	if err := m.store.RemoveAccount(ctx, id, identity.Number); err != nil {
		logger.WithError(err).Warn("[SESSION] Failed to remove stored account")
	}
	cancel()

	if err := m.Initialize(m.ctx, id); err != nil {
		logger.WithError(err).Warn("[SESSION] Reinitialization after unpair failed")
	}
}

func (m *Manager) onMessage(id string, gen uint64, e MessageReceived) {
	m.mu.Lock()
	_, ok := m.live(id, gen)
	m.mu.Unlock()
	if !ok {
		return
	}
	if !m.messages.Add(id, e.Message) {
		return
	}
	m.hub.Broadcast(EventNewMessage, map[string]any{"sessionId": id, "message": e.Message})
}
