package session

import (
	"strings"
	"time"
)

// Status is the externally visible lifecycle state of a session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQRRequired   Status = "qr_required"
	StatusConnected    Status = "connected"
)

// UnknownAccountName is the placeholder name that must never reach the dashboard.
const UnknownAccountName = "Unknown Account"

// Identity describes the paired account. It is populated once the client
// reports ready and is kept across disconnects so the account can be relogged.
type Identity struct {
	Number    string    `json:"number"`
	Name      string    `json:"name"`
	LoginTime time.Time `json:"loginTime"`
}

// Complete reports whether the identity is good enough to show to a user.
func (id Identity) Complete() bool {
	return id.Number != "" && id.Name != "" && id.Name != UnknownAccountName
}

// Session is a point-in-time copy of a session record.
type Session struct {
	ID           string
	Identity     Identity
	Status       Status
	QRImage      string
	Ready        bool
	Initializing bool
	HasClient    bool
}

// Info converts the snapshot into the shape pushed to dashboard clients.
func (s Session) Info() Info {
	info := Info{
		SessionID: s.ID,
		Number:    s.Identity.Number,
		Name:      s.Identity.Name,
		Status:    s.Status,
		QRCode:    s.QRImage,
	}
	if !s.Identity.LoginTime.IsZero() {
		info.LoginTime = s.Identity.LoginTime.UTC().Format(time.RFC3339)
	}
	return info
}

// Info is the dashboard representation of one session.
type Info struct {
	SessionID string `json:"sessionId"`
	Number    string `json:"number"`
	Name      string `json:"name"`
	LoginTime string `json:"loginTime,omitempty"`
	Status    Status `json:"status"`
	QRCode    string `json:"qrCode,omitempty"`
}

// Message is a chat message as seen by the dashboard.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Body      string    `json:"body"`
	Type      string    `json:"type"`
	FromMe    bool      `json:"fromMe"`
	IsGroup   bool      `json:"isGroup"`
	HasMedia  bool      `json:"hasMedia"`
	PushName  string    `json:"pushName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is one conversation known to a client.
type Chat struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	IsGroup     bool      `json:"isGroup"`
	IsArchived  bool      `json:"isArchived"`
	IsPinned    bool      `json:"isPinned"`
	UnreadCount int       `json:"unreadCount"`
	Timestamp   time.Time `json:"timestamp"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
}

// LastActivity is the later of the chat timestamp and its last message timestamp.
func (c Chat) LastActivity() time.Time {
	if c.LastMessage != nil && c.LastMessage.Timestamp.After(c.Timestamp) {
		return c.LastMessage.Timestamp
	}
	return c.Timestamp
}

// Contact is an address book entry.
type Contact struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Number      string `json:"number"`
	PushName    string `json:"pushname,omitempty"`
	IsMyContact bool   `json:"isMyContact"`
	IsWAContact bool   `json:"isWAContact"`
	IsBusiness  bool   `json:"isBusiness"`
}

// Participant is a member of a group.
type Participant struct {
	ID           string `json:"id"`
	IsAdmin      bool   `json:"isAdmin"`
	IsSuperAdmin bool   `json:"isSuperAdmin"`
}

// Group is a group chat the paired account belongs to.
type Group struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	Description          string        `json:"description,omitempty"`
	ParticipantCount     int           `json:"participantCount"`
	Participants         []Participant `json:"participants"`
	IsAdmin              bool          `json:"isAdmin"`
	OnlyAdminsCanMessage bool          `json:"onlyAdminsCanMessage"`
	Timestamp            time.Time     `json:"timestamp"`
}

// Media is a file to be sent as an attachment.
type Media struct {
	Path     string
	Filename string
	MimeType string
	Data     []byte
}

// SendResult is what a client returns after a successful send.
type SendResult struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StoredAccount is the persisted form of an account, keyed by session id.
type StoredAccount struct {
	SessionID   string
	Name        string
	Phone       string
	Status      Status
	IsActive    bool
	LoginTime   time.Time
	SessionData string
}

// StoredSession is the persisted login snapshot, keyed by the account number.
type StoredSession struct {
	UserID      string
	UserName    string
	LoginTime   time.Time
	SessionData string
}

// StatusFromState maps a client connection state to a Status. Anything not
// recognised counts as disconnected.
func StatusFromState(state string) Status {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "CONNECTED":
		return StatusConnected
	case "OPENING", "PAIRING", "CONNECTING":
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}
