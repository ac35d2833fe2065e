package session

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Restore rebuilds the registry after a restart. Every session directory on
// disk becomes a disconnected record named after its stored account;
// directories without a stored account are dropped. Stored accounts and
// stored sessions without a directory are added when they carry a name and
// a number. Nothing is initialized here.
func (m *Manager) Restore(ctx context.Context) error {
	logger := m.log.WithField("phase", "restore")

	ids, err := m.workspace.SessionIDs()
	if err != nil {
		return err
	}

	accounts, err := m.store.StoredAccounts(ctx)
	if err != nil {
		logger.WithError(err).Warn("[STARTUP] Could not read stored accounts")
		accounts = nil
	}
	stored, err := m.store.ActiveSessions(ctx)
	if err != nil {
		logger.WithError(err).Warn("[STARTUP] Could not read stored sessions")
		stored = nil
	}

	byID := make(map[string]StoredAccount, len(accounts))
	for _, a := range accounts {
		byID[a.SessionID] = a
	}

	restored := make(map[string]*record)
	order := make([]string, 0, len(ids))
	numbers := make(map[string]bool)
	add := func(id string, identity Identity) {
		restored[id] = &record{id: id, identity: identity, status: StatusDisconnected}
		order = append(order, id)
		numbers[identity.Number] = true
	}

	dropped := 0
	for _, id := range ids {
		acc, ok := byID[id]
		identity := Identity{Number: acc.Phone, Name: acc.Name, LoginTime: acc.LoginTime}
		if !ok || !identity.Complete() {
			logger.WithField("session", id).Info("[STARTUP] Dropping session without a known account")
			dropped++
			continue
		}
		add(id, identity)
	}

	for _, acc := range accounts {
		identity := Identity{Number: acc.Phone, Name: acc.Name, LoginTime: acc.LoginTime}
		if _, ok := restored[acc.SessionID]; ok || !acc.IsActive || !identity.Complete() {
			continue
		}
		if numbers[identity.Number] || ValidateSessionID(acc.SessionID) != nil || acc.SessionID == LegacySessionID {
			continue
		}
		add(acc.SessionID, identity)
	}

	for _, s := range stored {
		identity := Identity{Number: s.UserID, Name: s.UserName, LoginTime: s.LoginTime}
		if !identity.Complete() || numbers[identity.Number] {
			continue
		}
		if _, ok := restored[s.UserID]; ok || ValidateSessionID(s.UserID) != nil {
			continue
		}
		add(s.UserID, identity)
	}

	m.mu.Lock()
	for _, id := range order {
		if _, exists := m.sessions[id]; exists {
			continue
		}
		m.sessions[id] = restored[id]
		m.order = append(m.order, id)
	}
	total := len(m.sessions)
	m.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"restored": len(order),
		"dropped":  dropped,
		"total":    total,
	}).Info("[STARTUP] Sessions restored")
	m.publish(true)
	return nil
}
