package whatsapp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/dashboard/internal/session"
)

func TestMediaRefFor(t *testing.T) {
	ref, ok := mediaRefFor(&waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		FileName: proto.String("../../invoice.pdf"),
		Mimetype: proto.String("application/pdf"),
	}})
	require.True(t, ok)
	assert.Equal(t, "invoice.pdf", ref.filename)
	assert.Equal(t, "application/pdf", ref.mimeType)

	ref, ok = mediaRefFor(&waE2E.Message{AudioMessage: &waE2E.AudioMessage{Mimetype: proto.String("audio/ogg; codecs=opus"), PTT: proto.Bool(true)}})
	require.True(t, ok)
	assert.Equal(t, "audio/ogg; codecs=opus", ref.mimeType)
	assert.Empty(t, ref.filename)

	_, ok = mediaRefFor(&waE2E.Message{Conversation: proto.String("hi")})
	assert.False(t, ok)
}

func TestMessageEventTracksMedia(t *testing.T) {
	var got []session.Event
	c := newTestClient(t, func(evt session.Event) { got = append(got, evt) })
	chat := types.NewJID("14155550100", types.DefaultUserServer)

	c.handleEvent(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: chat},
			ID:            "IMG1",
		},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/jpeg")}},
	})
	c.handleEvent(&events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: chat},
			ID:            "TXT1",
		},
		Message: &waE2E.Message{Conversation: proto.String("plain")},
	})

	require.Len(t, got, 2)
	ref, ok := c.mediaFor("IMG1")
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", ref.mimeType)
	_, ok = c.mediaFor("TXT1")
	assert.False(t, ok)
}

func TestTrackMediaEvictsOldest(t *testing.T) {
	c := newTestClient(t, func(session.Event) {})
	img := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}
	for i := 0; i < maxMediaRefs+5; i++ {
		c.trackMedia(fmt.Sprintf("m%d", i), img)
	}
	c.trackMedia("m10", img)

	_, ok := c.mediaFor("m0")
	assert.False(t, ok)
	_, ok = c.mediaFor("m5")
	assert.True(t, ok)
	_, ok = c.mediaFor(fmt.Sprintf("m%d", maxMediaRefs+4))
	assert.True(t, ok)
	assert.Len(t, c.mediaOrder, maxMediaRefs)
}

func TestMediaCallsBeforeInitialize(t *testing.T) {
	c := newTestClient(t, func(session.Event) {})
	ctx := t.Context()

	_, err := c.DownloadMedia(ctx, "unknown")
	assert.ErrorIs(t, err, session.ErrMessageNotFound)

	c.trackMedia("IMG1", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}})
	_, err = c.DownloadMedia(ctx, "IMG1")
	assert.ErrorIs(t, err, session.ErrConnectionLost)

	assert.ErrorIs(t, c.DeleteChat(ctx, "14155550100"), session.ErrConnectionLost)
	assert.ErrorIs(t, c.DeleteChat(ctx, ""), session.ErrInvalidInput)

	_, err = c.ProfilePicture(ctx, "14155550100")
	assert.ErrorIs(t, err, session.ErrConnectionLost)
}
