package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Address domains.
const (
	UserServer      = "s.whatsapp.net"
	GroupServer     = "g.us"
	BroadcastServer = "broadcast"
	StatusBroadcast = "status@broadcast"
)

// Phone numbers shorter or longer than this are treated as noise.
const (
	minContactDigits = 7
	maxContactDigits = 13
)

var mimeTypes = map[string]string{
	".txt":  "text/plain",
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// NormalizeDestination turns a phone number into a user address. Anything
// already containing '@' is passed through untouched.
func NormalizeDestination(dest string) (string, error) {
	dest = strings.TrimSpace(dest)
	if strings.Contains(dest, "@") {
		return dest, nil
	}
	digits := digitsOnly(dest)
	if digits == "" {
		return "", fmt.Errorf("%w: destination %q has no digits", ErrInvalidInput, dest)
	}
	return digits + "@" + UserServer, nil
}

// ValidContactNumber reports whether a number has 7 to 13 digits.
func ValidContactNumber(number string) bool {
	n := len(digitsOnly(number))
	return n >= minContactDigits && n <= maxContactDigits
}

// MimeTypeFor guesses the mime type of an attachment.
func MimeTypeFor(filename string, data []byte) string {
	if mt, ok := mimeTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return mt
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return "application/octet-stream"
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// client returns the live client of a connected session.
func (m *Manager) client(id string) (Client, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, 0, ErrSessionNotFound
	}
	if !rec.ready || rec.client == nil || rec.status != StatusConnected {
		return nil, 0, ErrNotReady
	}
	return rec.client, rec.generation, nil
}

// SendMessage sends a text message from a connected session.
func (m *Manager) SendMessage(ctx context.Context, id, to, text string) (*SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	jid, err := NormalizeDestination(to)
	if err != nil {
		return nil, err
	}
	c, gen, err := m.client(id)
	if err != nil {
		return nil, err
	}

	res, err := c.SendText(ctx, jid, text)
	if err != nil {
		return nil, m.failOperation(id, gen, "send message", err)
	}
	m.log.WithFields(logrus.Fields{"session": id, "to": jid}).Info("[SEND] Message sent")
	return res, nil
}

// SendMediaMessage sends a file with an optional caption.
func (m *Manager) SendMediaMessage(ctx context.Context, id, to, caption, filePath, filename string) (*SendResult, error) {
	jid, err := NormalizeDestination(to)
	if err != nil {
		return nil, err
	}
	c, gen, err := m.client(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: file access error: %v", ErrInvalidInput, err)
	}
	if filename == "" {
		filename = filepath.Base(filePath)
	}
	media := Media{
		Path:     filePath,
		Filename: filename,
		MimeType: MimeTypeFor(filename, data),
		Data:     data,
	}

	res, err := c.SendMedia(ctx, jid, media, caption)
	if err != nil {
		return nil, m.failOperation(id, gen, "send media", err)
	}
	m.log.WithFields(logrus.Fields{"session": id, "to": jid, "file": filename}).Info("[SEND] Media sent")
	return res, nil
}

// GetChats lists non-archived chats, most recently active first.
func (m *Manager) GetChats(ctx context.Context, id string) ([]Chat, error) {
	c, gen, err := m.client(id)
	if err != nil {
		return nil, err
	}
	chats, err := callWithTimeout(ctx, m.cfg.FetchTimeout, c.Chats)
	if err != nil {
		return nil, m.failOperation(id, gen, "get chats", err)
	}

	for i := range chats {
		if chats[i].LastMessage == nil {
			if msg, ok := m.messages.Latest(id, chats[i].ID); ok {
				chats[i].LastMessage = &msg
			}
		}
	}
	chats = FilterChats(chats)
	m.hub.Broadcast(EventChatsUpdated, map[string]any{"sessionId": id, "chats": chats})
	return chats, nil
}

// GetChat returns one chat.
func (m *Manager) GetChat(ctx context.Context, id, chatID string) (*Chat, error) {
	c, gen, err := m.client(id)
	if err != nil {
		return nil, err
	}
	chat, err := callWithTimeout(ctx, m.cfg.FetchTimeout, func(ctx context.Context) (*Chat, error) {
		return c.ChatByID(ctx, chatID)
	})
	if err != nil {
		return nil, m.failOperation(id, gen, "get chat", err)
	}
	if chat.LastMessage == nil {
		if msg, ok := m.messages.Latest(id, chat.ID); ok {
			chat.LastMessage = &msg
		}
	}
	return chat, nil
}

// GetContacts lists address book contacts that are on WhatsApp, by name.
func (m *Manager) GetContacts(ctx context.Context, id string) ([]Contact, error) {
	c, gen, err := m.client(id)
	if err != nil {
		return nil, err
	}
	contacts, err := callWithTimeout(ctx, m.cfg.FetchTimeout, c.Contacts)
	if err != nil {
		return nil, m.failOperation(id, gen, "get contacts", err)
	}

	contacts = FilterContacts(contacts)
	m.hub.Broadcast(EventContactsUpdated, contacts)
	return contacts, nil
}

// GetGroups lists joined groups, most recently active first.
func (m *Manager) GetGroups(ctx context.Context, id string) ([]Group, error) {
	c, gen, err := m.client(id)
	if err != nil {
		return nil, err
	}
	groups, err := callWithTimeout(ctx, m.cfg.FetchTimeout, c.Groups)
	if err != nil {
		return nil, m.failOperation(id, gen, "get groups", err)
	}

	groups = SortGroups(groups)
	m.hub.Broadcast(EventGroupsUpdated, map[string]any{"sessionId": id, "groups": groups})
	return groups, nil
}

// DeleteChat deletes a chat on every linked device and drops its cached
// messages.
func (m *Manager) DeleteChat(ctx context.Context, id, chatID string) error {
	if strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("%w: chat id is required", ErrInvalidInput)
	}
	c, gen, err := m.client(id)
	if err != nil {
		return err
	}
	_, err = callWithTimeout(ctx, m.cfg.FetchTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.DeleteChat(ctx, chatID)
	})
	if err != nil {
		return m.failOperation(id, gen, "delete chat", err)
	}

	m.messages.ForgetChat(id, chatID)
	m.log.WithFields(logrus.Fields{"session": id, "chat": chatID}).Info("[CHAT] Chat deleted")
	m.hub.Broadcast(EventChatDeleted, map[string]any{"sessionId": id, "chatId": chatID})
	return nil
}

// DownloadMedia fetches the attachment of a received message.
func (m *Manager) DownloadMedia(ctx context.Context, id, messageID string) (*Media, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, fmt.Errorf("%w: message id is required", ErrInvalidInput)
	}
	c, gen, err := m.client(id)
	if err != nil {
		return nil, err
	}
	if msg, ok := m.messages.Find(id, messageID); ok && !msg.HasMedia {
		return nil, fmt.Errorf("%w: message %s has no media", ErrInvalidInput, messageID)
	}

	media, err := callWithTimeout(ctx, m.cfg.DownloadTimeout, func(ctx context.Context) (*Media, error) {
		return c.DownloadMedia(ctx, messageID)
	})
	if err != nil {
		return nil, m.failOperation(id, gen, "download media", err)
	}
	if media.MimeType == "" {
		media.MimeType = MimeTypeFor(media.Filename, media.Data)
	}
	m.log.WithFields(logrus.Fields{"session": id, "message": messageID, "bytes": len(media.Data)}).Info("[MEDIA] Downloaded")
	return media, nil
}

// ProfilePicture returns the profile picture URL of a contact or group. An
// empty URL means none is set or it is hidden from this account.
func (m *Manager) ProfilePicture(ctx context.Context, id, target string) (string, error) {
	jid, err := NormalizeDestination(target)
	if err != nil {
		return "", err
	}
	c, gen, err := m.client(id)
	if err != nil {
		return "", err
	}
	url, err := callWithTimeout(ctx, m.cfg.FetchTimeout, func(ctx context.Context) (string, error) {
		return c.ProfilePicture(ctx, jid)
	})
	if err != nil {
		return "", m.failOperation(id, gen, "get profile picture", err)
	}
	return url, nil
}

// FilterChats drops broadcast and archived chats and sorts the rest by
// last activity, newest first.
func FilterChats(chats []Chat) []Chat {
	out := make([]Chat, 0, len(chats))
	for _, c := range chats {
		if strings.HasSuffix(c.ID, "@"+BroadcastServer) || c.IsArchived {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity().After(out[j].LastActivity())
	})
	return out
}

// FilterContacts keeps named address book contacts that are WhatsApp users
// with a plausible phone number, sorted by name.
func FilterContacts(contacts []Contact) []Contact {
	out := make([]Contact, 0, len(contacts))
	for _, c := range contacts {
		if !c.IsWAContact || !c.IsMyContact || c.Name == "" || c.Number == "" {
			continue
		}
		if strings.HasSuffix(c.ID, "@"+GroupServer) || c.ID == StatusBroadcast {
			continue
		}
		if !ValidContactNumber(c.Number) {
			continue
		}
		c.Number = digitsOnly(c.Number)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// SortGroups drops empty groups and sorts the rest by activity, newest first.
func SortGroups(groups []Group) []Group {
	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		if g.ParticipantCount == 0 && len(g.Participants) == 0 {
			continue
		}
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// failOperation escalates connection loss to a disconnected status.
func (m *Manager) failOperation(id string, gen uint64, op string, err error) error {
	if errors.Is(err, ErrFetchTimeout) || !IsConnectionLoss(err) {
		return fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	rec, ok := m.live(id, gen)
	var tr *transition
	if ok {
		rec.ready = false
		tr = m.setStatus(rec, StatusDisconnected, string(ReasonConnectionLost))
	}
	m.mu.Unlock()

	m.log.WithField("session", id).WithError(err).Warn("[SESSION] Connection lost during " + op)
	if ok {
		m.notify(tr)
		m.hub.Broadcast(EventAccountDisconnected, map[string]any{"sessionId": id, "reason": string(ReasonConnectionLost)})
		m.publishSessions()
	}
	return fmt.Errorf("%s: %w: %v", op, ErrConnectionLost, err)
}
