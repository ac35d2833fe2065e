package whatsapp

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/whatsapp-automation/dashboard/internal/session"
)

// chatState is what the client learned about a chat from message traffic.
type chatState struct {
	id      types.JID
	name    string
	last    session.Message
	unread  int
	updated time.Time
}

// trackMessage records chat activity seen on the socket.
func (c *Client) trackMessage(msg session.Message) {
	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return
	}
	c.chatsMu.Lock()
	defer c.chatsMu.Unlock()

	st, ok := c.chats[msg.ChatID]
	if !ok {
		st = &chatState{id: jid}
		c.chats[msg.ChatID] = st
	}
	if msg.Timestamp.Before(st.updated) {
		return
	}
	st.last = msg
	st.updated = msg.Timestamp
	if msg.FromMe {
		st.unread = 0
	} else {
		st.unread++
		if !msg.IsGroup && msg.PushName != "" {
			st.name = msg.PushName
		}
	}
}

func (c *Client) seenChats() map[string]chatState {
	c.chatsMu.Lock()
	defer c.chatsMu.Unlock()
	out := make(map[string]chatState, len(c.chats))
	for id, st := range c.chats {
		out[id] = *st
	}
	return out
}

// Chats merges joined groups with chats seen in message traffic.
func (c *Client) Chats(ctx context.Context) ([]session.Chat, error) {
	wa, err := c.client()
	if err != nil {
		return nil, err
	}
	groups, err := wa.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", translateError(err))
	}

	seen := c.seenChats()
	byID := make(map[string]session.Chat, len(groups)+len(seen))
	for _, g := range groups {
		chat := session.Chat{
			ID:        g.JID.String(),
			Name:      g.Name,
			IsGroup:   true,
			Timestamp: g.GroupCreated,
		}
		byID[chat.ID] = chat
	}
	for id, st := range seen {
		chat, ok := byID[id]
		if !ok {
			chat = session.Chat{ID: id, Name: st.name, IsGroup: st.id.Server == types.GroupServer}
		}
		last := st.last
		chat.LastMessage = &last
		chat.UnreadCount = st.unread
		if st.updated.After(chat.Timestamp) {
			chat.Timestamp = st.updated
		}
		byID[id] = chat
	}

	chats := make([]session.Chat, 0, len(byID))
	for _, chat := range byID {
		c.decorateChat(ctx, &chat)
		chats = append(chats, chat)
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].ID < chats[j].ID })
	return chats, nil
}

// ChatByID returns one chat. Groups are looked up on the server.
func (c *Client) ChatByID(ctx context.Context, chatID string) (*session.Chat, error) {
	wa, err := c.client()
	if err != nil {
		return nil, err
	}
	jid, err := parseDestination(chatID)
	if err != nil {
		return nil, err
	}

	chat := session.Chat{ID: jid.String(), IsGroup: jid.Server == types.GroupServer}
	if chat.IsGroup {
		info, err := wa.GetGroupInfo(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("get group info: %w", translateError(err))
		}
		chat.Name = info.Name
		chat.Timestamp = info.GroupCreated
	}
	if st, ok := c.seenChats()[chat.ID]; ok {
		last := st.last
		chat.LastMessage = &last
		chat.UnreadCount = st.unread
		if chat.Name == "" {
			chat.Name = st.name
		}
		if st.updated.After(chat.Timestamp) {
			chat.Timestamp = st.updated
		}
	}
	c.decorateChat(ctx, &chat)
	return &chat, nil
}

// decorateChat fills the local archive/pin flags and a contact name.
func (c *Client) decorateChat(ctx context.Context, chat *session.Chat) {
	wa, err := c.client()
	if err != nil {
		return
	}
	jid, err := types.ParseJID(chat.ID)
	if err != nil {
		return
	}
	if settings, err := wa.Store.ChatSettings.GetChatSettings(ctx, jid); err == nil && settings.Found {
		chat.IsArchived = settings.Archived
		chat.IsPinned = settings.Pinned
	}
	if chat.Name == "" && !chat.IsGroup {
		if info, err := wa.Store.Contacts.GetContact(ctx, jid); err == nil && info.Found {
			chat.Name = contactName(info)
		}
	}
	if chat.Name == "" {
		chat.Name = jid.User
	}
}

// Contacts returns the synced address book.
func (c *Client) Contacts(ctx context.Context) ([]session.Contact, error) {
	wa, err := c.client()
	if err != nil {
		return nil, err
	}
	all, err := wa.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", translateError(err))
	}
	return convertContacts(all), nil
}

// Groups returns joined groups with participants.
func (c *Client) Groups(ctx context.Context) ([]session.Group, error) {
	wa, err := c.client()
	if err != nil {
		return nil, err
	}
	groups, err := wa.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", translateError(err))
	}

	var own []types.JID
	if wa.Store.ID != nil {
		own = append(own, wa.Store.ID.ToNonAD())
	}
	if !wa.Store.LID.IsEmpty() {
		own = append(own, wa.Store.LID.ToNonAD())
	}
	out := make([]session.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, convertGroup(g, own...))
	}
	return out, nil
}

func contactName(info types.ContactInfo) string {
	switch {
	case info.FullName != "":
		return info.FullName
	case info.FirstName != "":
		return info.FirstName
	case info.BusinessName != "":
		return info.BusinessName
	default:
		return info.PushName
	}
}

func convertContacts(all map[types.JID]types.ContactInfo) []session.Contact {
	out := make([]session.Contact, 0, len(all))
	for jid, info := range all {
		out = append(out, session.Contact{
			ID:          jid.String(),
			Name:        contactName(info),
			Number:      jid.User,
			PushName:    info.PushName,
			IsMyContact: info.FullName != "" || info.FirstName != "",
			IsWAContact: jid.Server == types.DefaultUserServer,
			IsBusiness:  info.BusinessName != "",
		})
	}
	return out
}

func convertGroup(g *types.GroupInfo, own ...types.JID) session.Group {
	group := session.Group{
		ID:                   g.JID.String(),
		Name:                 g.Name,
		Description:          g.Topic,
		ParticipantCount:     len(g.Participants),
		OnlyAdminsCanMessage: g.IsAnnounce,
		Timestamp:            g.GroupCreated,
		Participants:         make([]session.Participant, 0, len(g.Participants)),
	}
	for _, p := range g.Participants {
		admin := p.IsAdmin || p.IsSuperAdmin
		group.Participants = append(group.Participants, session.Participant{
			ID:           p.JID.String(),
			IsAdmin:      admin,
			IsSuperAdmin: p.IsSuperAdmin,
		})
		for _, me := range own {
			if admin && p.JID.User == me.User && p.JID.Server == me.Server {
				group.IsAdmin = true
			}
		}
	}
	return group
}

// convertMessage maps a message event. Protocol-only messages are skipped.
func convertMessage(evt *events.Message, own string) (session.Message, bool) {
	if evt == nil || evt.Message == nil {
		return session.Message{}, false
	}
	body, kind, media := messageContent(evt.Message)
	if kind == "" {
		return session.Message{}, false
	}

	msg := session.Message{
		ID:        evt.Info.ID,
		ChatID:    evt.Info.Chat.String(),
		From:      evt.Info.Sender.ToNonAD().String(),
		To:        own,
		Body:      body,
		Type:      kind,
		FromMe:    evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup,
		HasMedia:  media,
		PushName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp,
	}
	if msg.FromMe {
		msg.To = msg.ChatID
	}
	return msg, true
}

func messageContent(m *waE2E.Message) (body, kind string, media bool) {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation(), "chat", false
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetText(), "chat", false
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetCaption(), "image", true
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage().GetCaption(), "video", true
	case m.GetAudioMessage() != nil:
		if m.GetAudioMessage().GetPTT() {
			return "", "ptt", true
		}
		return "", "audio", true
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage().GetCaption(), "document", true
	case m.GetStickerMessage() != nil:
		return "", "sticker", true
	case m.GetLocationMessage() != nil:
		return m.GetLocationMessage().GetName(), "location", false
	case m.GetContactMessage() != nil:
		return m.GetContactMessage().GetDisplayName(), "vcard", false
	default:
		return "", "", false
	}
}
