package session

// Event is a lifecycle notification emitted by a Client.
type Event interface {
	eventName() string
}

// DisconnectReason explains why a client dropped.
type DisconnectReason string

const (
	ReasonUnpaired       DisconnectReason = "UNPAIRED"
	ReasonLogout         DisconnectReason = "LOGOUT"
	ReasonConnectionLost DisconnectReason = "CONNECTION_LOST"
	ReasonConflict       DisconnectReason = "CONFLICT"
)

// Terminal reports whether the reason means the phone unlinked this device.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonUnpaired || r == ReasonLogout
}

// QRIssued carries a fresh pairing code.
type QRIssued struct {
	Code string
}

// Authenticated is emitted once the pairing handshake succeeded.
type Authenticated struct{}

// Ready is emitted when the client is fully logged in and usable.
type Ready struct {
	Number string
	Name   string
}

// AuthFailed is emitted when the client could not authenticate.
type AuthFailed struct {
	Reason string
}

// Disconnected is emitted when the connection is lost or the device unlinked.
type Disconnected struct {
	Reason DisconnectReason
}

// MessageReceived is emitted for every message, incoming or created on the
// paired phone.
type MessageReceived struct {
	Message Message
}

func (QRIssued) eventName() string        { return "qr" }
func (Authenticated) eventName() string   { return "authenticated" }
func (Ready) eventName() string           { return "ready" }
func (AuthFailed) eventName() string      { return "auth_failure" }
func (Disconnected) eventName() string    { return "disconnected" }
func (MessageReceived) eventName() string { return "message" }

// EventName returns the wire name of an event, mainly for logging.
func EventName(evt Event) string {
	if evt == nil {
		return ""
	}
	return evt.eventName()
}
