package session

import (
	"context"
)

// EventSink receives events from one client, in emission order.
type EventSink func(Event)

// Client is a live automation handle for one session.
type Client interface {
	// Initialize starts the client. Pairing or resume progress is reported
	// through the EventSink the client was created with.
	Initialize(ctx context.Context) error
	Logout(ctx context.Context) error
	// Destroy releases the handle and every file it holds open.
	Destroy(ctx context.Context) error
	State(ctx context.Context) (string, error)

	Chats(ctx context.Context) ([]Chat, error)
	ChatByID(ctx context.Context, chatID string) (*Chat, error)
	Contacts(ctx context.Context) ([]Contact, error)
	Groups(ctx context.Context) ([]Group, error)
	SendText(ctx context.Context, to, text string) (*SendResult, error)
	SendMedia(ctx context.Context, to string, media Media, caption string) (*SendResult, error)

	// DeleteChat removes a chat on every linked device.
	DeleteChat(ctx context.Context, chatID string) error
	// DownloadMedia fetches the attachment of a message this client received.
	DownloadMedia(ctx context.Context, messageID string) (*Media, error)
	// ProfilePicture returns the picture URL of a user or group, or "" when
	// there is none or it is hidden.
	ProfilePicture(ctx context.Context, jid string) (string, error)
}

// Driver creates clients bound to a workspace.
type Driver interface {
	NewClient(sessionID string, sink EventSink) (Client, error)
}

// Releaser is implemented by drivers that hold per-session resources outside
// the client, such as a proxy assignment. Release is called once a session
// is destroyed.
type Releaser interface {
	Release(sessionID string)
}

// AccountStore is the write-behind record of accounts used for restart recovery.
type AccountStore interface {
	StoredAccounts(ctx context.Context) ([]StoredAccount, error)
	ActiveSessions(ctx context.Context) ([]StoredSession, error)
	SaveSession(ctx context.Context, s StoredSession) error
	SaveAccountInfo(ctx context.Context, a StoredAccount) error
	RemoveAccount(ctx context.Context, sessionID, phone string) error
	ClearAllSessions(ctx context.Context) error
}

// Broadcaster pushes {type, data} envelopes to every dashboard client.
type Broadcaster interface {
	Broadcast(eventType string, data any)
}

// Legacy is the narrow view of the single-session service the manager merges
// into its listing.
type Legacy interface {
	// IsConnected reports whether the service is ready and holds a live
	// client. A stale ready flag is reset as a side effect.
	IsConnected() bool
	Identity() Identity
	Logout(ctx context.Context) error
	ForceRefreshQR(ctx context.Context) error
}

// Observer is told about every status transition.
type Observer interface {
	OnTransition(sessionID string, identity Identity, from, to Status, reason string)
}
