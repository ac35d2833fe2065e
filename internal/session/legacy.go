package session

// LegacySessionID is the reserved id under which the single-session service
// is listed.
const LegacySessionID = "legacy_session"

// GetAllSessionsInfo returns the dashboard session list: every record with a
// complete identity, plus the legacy session in front when it is connected
// and not already listed under the same name and number.
func (m *Manager) GetAllSessionsInfo() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.order)+1)
	for _, id := range m.order {
		rec := m.sessions[id]
		if !rec.identity.Complete() {
			continue
		}
		infos = append(infos, rec.snapshot().Info())
	}
	m.mu.Unlock()

	if info, ok := m.legacyInfo(infos); ok {
		infos = append([]Info{info}, infos...)
	}
	return infos
}

func (m *Manager) legacyInfo(listed []Info) (Info, bool) {
	if m.legacy == nil {
		return Info{}, false
	}
	// IsConnected also clears a stale ready flag left without a client.
	if !m.legacy.IsConnected() {
		return Info{}, false
	}
	identity := m.legacy.Identity()
	if !identity.Complete() {
		return Info{}, false
	}
	for _, info := range listed {
		if info.Name == identity.Name && info.Number == identity.Number {
			return Info{}, false
		}
	}
	return Session{
		ID:       LegacySessionID,
		Identity: identity,
		Status:   StatusConnected,
	}.Info(), true
}
