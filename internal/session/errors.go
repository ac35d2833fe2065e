package session

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotReady        = errors.New("WhatsApp is not connected. Please scan the QR code to connect your WhatsApp account")
	ErrConnectionLost  = errors.New("WhatsApp connection lost. Please reconnect by scanning the QR code")
	ErrInvalidInput    = errors.New("invalid input")
	ErrFetchTimeout    = errors.New("request timed out")
	ErrReservedSession = errors.New("session id is reserved")
	ErrMessageNotFound = errors.New("message not found")
)

// connectionLossSignatures are fragments of client errors that mean the
// underlying connection is gone even though no disconnect event was emitted.
var connectionLossSignatures = []string{
	"session closed",
	"protocol error",
	"target closed",
	"websocket not connected",
	"not connected",
	"not logged in",
	"connection reset",
	"broken pipe",
}

// IsConnectionLoss reports whether err indicates that the client connection died.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range connectionLossSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// isTransientInitError reports whether an initialization failure is worth a
// quick retry.
func isTransientInitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{"protocol error", "target closed", "timeout", "deadline exceeded", "connection refused"} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// ValidateSessionID checks that id can be used as a directory name.
func ValidateSessionID(id string) error {
	err := validation.Validate(id,
		validation.Required,
		validation.Length(1, 64),
		is.PrintableASCII,
		validation.Match(sessionIDPattern),
	)
	if err != nil {
		return errors.Join(ErrInvalidInput, err)
	}
	return nil
}
