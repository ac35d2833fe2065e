package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/dashboard/internal/session"
)

// legacyUserServer is the old web client domain for user addresses.
const legacyUserServer = "c.us"

// parseDestination turns a phone number or address into a JID.
func parseDestination(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if !strings.Contains(to, "@") {
		normalized, err := session.NormalizeDestination(to)
		if err != nil {
			return types.JID{}, err
		}
		to = normalized
	}
	jid, err := types.ParseJID(to)
	if err != nil || jid.User == "" {
		return types.JID{}, fmt.Errorf("%w: invalid destination %q", session.ErrInvalidInput, to)
	}
	if jid.Server == legacyUserServer {
		jid.Server = types.DefaultUserServer
	}
	return jid, nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, text string) (*session.SendResult, error) {
	wa, err := c.client()
	if err != nil {
		return nil, err
	}
	jid, err := parseDestination(to)
	if err != nil {
		return nil, err
	}

	msg := &waE2E.Message{
		Conversation: proto.String(text),
	}
	resp, err := wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", translateError(err))
	}
	c.log.WithField("to", jid.String()).Info("[SEND] Message sent")
	return &session.SendResult{ID: resp.ID, To: jid.String(), Timestamp: resp.Timestamp}, nil
}

// SendMedia uploads a file and sends it as image, video, audio or document
// depending on its mime type.
func (c *Client) SendMedia(ctx context.Context, to string, media session.Media, caption string) (*session.SendResult, error) {
	wa, err := c.client()
	if err != nil {
		return nil, err
	}
	jid, err := parseDestination(to)
	if err != nil {
		return nil, err
	}
	if len(media.Data) == 0 {
		return nil, fmt.Errorf("%w: media file is empty", session.ErrInvalidInput)
	}

	kind := mediaKind(media.MimeType)
	up, err := wa.Upload(ctx, media.Data, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to upload media: %w", translateError(err))
	}
	msg := buildMediaMessage(kind, media.MimeType, media.Filename, caption, up)
	resp, err := wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send media: %w", translateError(err))
	}
	c.log.WithField("to", jid.String()).WithField("file", media.Filename).Info("[SEND] Media sent")
	return &session.SendResult{ID: resp.ID, To: jid.String(), Timestamp: resp.Timestamp}, nil
}

func mediaKind(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(kind whatsmeow.MediaType, mimeType, filename, caption string, up whatsmeow.UploadResponse) *waE2E.Message {
	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mimeType),
			Caption:       proto.String(caption),
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mimeType),
			Caption:       proto.String(caption),
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mimeType),
			PTT:           proto.Bool(false),
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(mimeType),
			FileName:      proto.String(filename),
			Title:         proto.String(filename),
			Caption:       proto.String(caption),
		}}
	}
}
