package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/appstate"
	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/whatsapp-automation/dashboard/internal/session"
)

// maxMediaRefs bounds how many downloadable attachments a client remembers.
const maxMediaRefs = 500

type mediaRef struct {
	msg      whatsmeow.DownloadableMessage
	mimeType string
	filename string
}

// mediaRefFor extracts the downloadable part of a message.
func mediaRefFor(m *waE2E.Message) (mediaRef, bool) {
	switch {
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		return mediaRef{msg: img, mimeType: img.GetMimetype()}, true
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		return mediaRef{msg: vid, mimeType: vid.GetMimetype()}, true
	case m.GetAudioMessage() != nil:
		aud := m.GetAudioMessage()
		return mediaRef{msg: aud, mimeType: aud.GetMimetype()}, true
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		ref := mediaRef{msg: doc, mimeType: doc.GetMimetype()}
		if name := doc.GetFileName(); name != "" {
			ref.filename = path.Base(name)
		}
		return ref, true
	case m.GetStickerMessage() != nil:
		st := m.GetStickerMessage()
		return mediaRef{msg: st, mimeType: st.GetMimetype()}, true
	default:
		return mediaRef{}, false
	}
}

// trackMedia remembers where the attachment of a message can be fetched.
// The oldest entries are evicted first.
func (c *Client) trackMedia(id string, m *waE2E.Message) {
	ref, ok := mediaRefFor(m)
	if !ok || id == "" {
		return
	}
	c.chatsMu.Lock()
	defer c.chatsMu.Unlock()
	if _, seen := c.media[id]; seen {
		return
	}
	c.media[id] = ref
	c.mediaOrder = append(c.mediaOrder, id)
	if len(c.mediaOrder) > maxMediaRefs {
		delete(c.media, c.mediaOrder[0])
		c.mediaOrder = c.mediaOrder[1:]
	}
}

func (c *Client) mediaFor(id string) (mediaRef, bool) {
	c.chatsMu.Lock()
	defer c.chatsMu.Unlock()
	ref, ok := c.media[id]
	return ref, ok
}

// DownloadMedia downloads and decrypts the attachment of a message received
// by this client.
func (c *Client) DownloadMedia(ctx context.Context, messageID string) (*session.Media, error) {
	ref, ok := c.mediaFor(messageID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrMessageNotFound, messageID)
	}
	wa, err := c.client()
	if err != nil {
		return nil, err
	}
	data, err := wa.Download(ctx, ref.msg)
	if err != nil {
		return nil, fmt.Errorf("download: %w", translateError(err))
	}
	filename := ref.filename
	if filename == "" {
		filename = messageID
	}
	return &session.Media{Filename: filename, MimeType: ref.mimeType, Data: data}, nil
}

// DeleteChat removes a chat from every linked device via an app state patch.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	jid, err := parseDestination(chatID)
	if err != nil {
		return err
	}
	wa, err := c.client()
	if err != nil {
		return err
	}

	var last time.Time
	if st, ok := c.seenChats()[jid.String()]; ok {
		last = st.updated
	}
	if err := wa.SendAppState(ctx, appstate.BuildDeleteChat(jid, last, nil)); err != nil {
		return fmt.Errorf("delete chat: %w", translateError(err))
	}

	c.chatsMu.Lock()
	delete(c.chats, jid.String())
	c.chatsMu.Unlock()
	return nil
}

// ProfilePicture returns the profile picture URL of a user or group, or an
// empty string when none is visible.
func (c *Client) ProfilePicture(ctx context.Context, target string) (string, error) {
	jid, err := parseDestination(target)
	if err != nil {
		return "", err
	}
	wa, err := c.client()
	if err != nil {
		return "", err
	}
	info, err := wa.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	switch {
	case errors.Is(err, whatsmeow.ErrProfilePictureNotSet), errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("profile picture: %w", translateError(err))
	case info == nil:
		return "", nil
	}
	return info.URL, nil
}
