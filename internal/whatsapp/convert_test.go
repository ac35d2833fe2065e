package whatsapp

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/dashboard/internal/config"
	"github.com/whatsapp-automation/dashboard/internal/session"
)

func TestParseDestination(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "+1 415-555-0100", want: "14155550100@s.whatsapp.net"},
		{in: "14155550100@c.us", want: "14155550100@s.whatsapp.net"},
		{in: "120363025246125486@g.us", want: "120363025246125486@g.us"},
		{in: "", wantErr: true},
		{in: "@s.whatsapp.net", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			jid, err := parseDestination(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, session.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, jid.String())
		})
	}
}

func TestConvertMessage(t *testing.T) {
	ts := time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.NewJID("14155550100", types.DefaultUserServer),
				Sender: types.NewJID("14155550100", types.DefaultUserServer),
			},
			ID:        "ABC123",
			PushName:  "Ann",
			Timestamp: ts,
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	}

	msg, ok := convertMessage(evt, "447000111222@s.whatsapp.net")
	require.True(t, ok)
	assert.Equal(t, "ABC123", msg.ID)
	assert.Equal(t, "14155550100@s.whatsapp.net", msg.ChatID)
	assert.Equal(t, "447000111222@s.whatsapp.net", msg.To)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "chat", msg.Type)
	assert.False(t, msg.HasMedia)
	assert.Equal(t, ts, msg.Timestamp)

	evt.Info.IsFromMe = true
	msg, ok = convertMessage(evt, "447000111222@s.whatsapp.net")
	require.True(t, ok)
	assert.Equal(t, msg.ChatID, msg.To)

	evt.Message = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")}}
	msg, ok = convertMessage(evt, "")
	require.True(t, ok)
	assert.Equal(t, "image", msg.Type)
	assert.Equal(t, "look", msg.Body)
	assert.True(t, msg.HasMedia)

	evt.Message = &waE2E.Message{}
	_, ok = convertMessage(evt, "")
	assert.False(t, ok)
	_, ok = convertMessage(nil, "")
	assert.False(t, ok)
}

func TestConvertContacts(t *testing.T) {
	contacts := convertContacts(map[types.JID]types.ContactInfo{
		types.NewJID("14155550100", types.DefaultUserServer): {Found: true, FullName: "Ann Lee", PushName: "ann"},
		types.NewJID("14155550101", types.DefaultUserServer): {Found: true, PushName: "stranger"},
		types.NewJID("14155550102", types.DefaultUserServer): {Found: true, FirstName: "Bo", BusinessName: "Bo's Bikes"},
	})
	byNumber := map[string]session.Contact{}
	for _, c := range contacts {
		byNumber[c.Number] = c
	}
	require.Len(t, byNumber, 3)

	assert.Equal(t, "Ann Lee", byNumber["14155550100"].Name)
	assert.True(t, byNumber["14155550100"].IsMyContact)
	assert.True(t, byNumber["14155550100"].IsWAContact)

	assert.Equal(t, "stranger", byNumber["14155550101"].Name)
	assert.False(t, byNumber["14155550101"].IsMyContact)

	assert.Equal(t, "Bo", byNumber["14155550102"].Name)
	assert.True(t, byNumber["14155550102"].IsBusiness)
}

func TestConvertGroup(t *testing.T) {
	me := types.NewJID("447000111222", types.DefaultUserServer)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := &types.GroupInfo{
		JID:           types.NewJID("120363025246125486", types.GroupServer),
		GroupName:     types.GroupName{Name: "Team"},
		GroupTopic:    types.GroupTopic{Topic: "weekly sync"},
		GroupAnnounce: types.GroupAnnounce{IsAnnounce: true},
		GroupCreated:  created,
		Participants: []types.GroupParticipant{
			{JID: me, IsAdmin: true},
			{JID: types.NewJID("14155550100", types.DefaultUserServer), IsSuperAdmin: true},
			{JID: types.NewJID("14155550101", types.DefaultUserServer)},
		},
	}

	group := convertGroup(g, me)
	assert.Equal(t, "120363025246125486@g.us", group.ID)
	assert.Equal(t, "Team", group.Name)
	assert.Equal(t, "weekly sync", group.Description)
	assert.Equal(t, 3, group.ParticipantCount)
	assert.True(t, group.IsAdmin)
	assert.True(t, group.OnlyAdminsCanMessage)
	assert.Equal(t, created, group.Timestamp)
	assert.True(t, group.Participants[1].IsAdmin)
	assert.True(t, group.Participants[1].IsSuperAdmin)
	assert.False(t, group.Participants[2].IsAdmin)

	other := convertGroup(g, types.NewJID("14155550101", types.DefaultUserServer))
	assert.False(t, other.IsAdmin)
}

func TestMediaKind(t *testing.T) {
	assert.Equal(t, whatsmeow.MediaImage, mediaKind("image/png"))
	assert.Equal(t, whatsmeow.MediaVideo, mediaKind("video/mp4"))
	assert.Equal(t, whatsmeow.MediaAudio, mediaKind("audio/mpeg"))
	assert.Equal(t, whatsmeow.MediaDocument, mediaKind("application/pdf"))

	doc := buildMediaMessage(whatsmeow.MediaDocument, "application/pdf", "a.pdf", "hi", whatsmeow.UploadResponse{URL: "u", FileLength: 3})
	require.NotNil(t, doc.GetDocumentMessage())
	assert.Equal(t, "a.pdf", doc.GetDocumentMessage().GetFileName())
	assert.Equal(t, uint64(3), doc.GetDocumentMessage().GetFileLength())

	img := buildMediaMessage(whatsmeow.MediaImage, "image/png", "a.png", "cap", whatsmeow.UploadResponse{})
	assert.Equal(t, "cap", img.GetImageMessage().GetCaption())
}

func TestTranslateError(t *testing.T) {
	assert.ErrorIs(t, translateError(whatsmeow.ErrNotConnected), session.ErrConnectionLost)
	assert.ErrorIs(t, translateError(whatsmeow.ErrNotLoggedIn), session.ErrConnectionLost)
	other := errors.New("boom")
	assert.Equal(t, other, translateError(other))
	assert.NoError(t, translateError(nil))
	assert.True(t, isProxyError(errors.New("socks connect tcp: connection refused")))
	assert.False(t, isProxyError(errors.New("server returned 479")))
}

func newTestClient(t *testing.T, sink session.EventSink) *Client {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	root := t.TempDir()
	d := NewDriver(session.Workspace{AuthDir: root + "/auth", ProfileDir: root + "/profiles"}, config.NewProxyPool(nil, nil), "ERROR", logger)
	c, err := d.NewClient("acct1", sink)
	require.NoError(t, err)
	return c.(*Client)
}

func TestClientBeforeInitialize(t *testing.T) {
	c := newTestClient(t, func(session.Event) {})
	ctx := t.Context()

	state, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpening, state)

	_, err = c.SendText(ctx, "14155550100", "hi")
	assert.ErrorIs(t, err, session.ErrConnectionLost)
	_, err = c.Contacts(ctx)
	assert.ErrorIs(t, err, session.ErrConnectionLost)

	require.NoError(t, c.Destroy(ctx))
	require.NoError(t, c.Destroy(ctx))
	state, _ = c.State(ctx)
	assert.Equal(t, StateDisconnected, state)
	assert.Error(t, c.Initialize(ctx))
}

func TestTrackMessage(t *testing.T) {
	c := newTestClient(t, func(session.Event) {})
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	chat := "14155550100@s.whatsapp.net"

	c.trackMessage(session.Message{ID: "1", ChatID: chat, PushName: "Ann", Timestamp: base})
	c.trackMessage(session.Message{ID: "2", ChatID: chat, Timestamp: base.Add(time.Minute)})
	c.trackMessage(session.Message{ID: "0", ChatID: chat, Timestamp: base.Add(-time.Minute)})

	st := c.seenChats()[chat]
	assert.Equal(t, "2", st.last.ID)
	assert.Equal(t, 2, st.unread)
	assert.Equal(t, "Ann", st.name)

	c.trackMessage(session.Message{ID: "3", ChatID: chat, FromMe: true, Timestamp: base.Add(2 * time.Minute)})
	assert.Equal(t, 0, c.seenChats()[chat].unread)
}

func TestHandleEventMapping(t *testing.T) {
	var got []session.Event
	c := newTestClient(t, func(evt session.Event) { got = append(got, evt) })

	c.handleEvent(&events.LoggedOut{})
	c.handleEvent(&events.Disconnected{})
	c.handleEvent(&events.StreamReplaced{})
	c.handleEvent(&events.ClientOutdated{})
	c.handleEvent(&events.Connected{}) // no device yet, ignored

	require.Len(t, got, 4)
	assert.Equal(t, session.Disconnected{Reason: session.ReasonUnpaired}, got[0])
	assert.Equal(t, session.Disconnected{Reason: session.ReasonConnectionLost}, got[1])
	assert.Equal(t, session.Disconnected{Reason: session.ReasonConflict}, got[2])
	assert.IsType(t, session.AuthFailed{}, got[3])
}
