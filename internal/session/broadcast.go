package session

import (
	"bytes"
	"encoding/json"
)

// Broadcast event types.
const (
	EventAccountQR           = "account_qr"
	EventAccountConnected    = "account_connected"
	EventAccountDisconnected = "account_disconnected"
	EventAccountRemoved      = "account_removed"
	EventSessionsUpdated     = "sessions_updated"
	EventNewMessage          = "new_message"
	EventChatsUpdated        = "chats_updated"
	EventGroupsUpdated       = "groups_updated"
	EventContactsUpdated     = "contacts_updated"
	EventChatDeleted         = "chat_deleted"
	EventConnectionStatus    = "connection_status"
)

// publishSessions broadcasts the session list unless it is identical to the
// one broadcast last.
func (m *Manager) publishSessions() {
	m.publish(false)
}

func (m *Manager) publish(force bool) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	sessions := m.GetAllSessionsInfo()
	raw, err := json.Marshal(sessions)
	if err == nil && !force && m.lastPublished != nil && bytes.Equal(raw, m.lastPublished) {
		return
	}
	m.lastPublished = raw
	m.hub.Broadcast(EventSessionsUpdated, map[string]any{"sessions": sessions})
}
