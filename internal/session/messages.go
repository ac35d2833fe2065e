package session

import (
	"sync"
)

// DefaultMessagesPerChat is how many recent messages are kept per chat.
const DefaultMessagesPerChat = 50

// MessageCache keeps the most recent messages per session and chat, newest first.
type MessageCache struct {
	mu      sync.RWMutex
	byChat  map[string]map[string][]Message // sessionID -> chatID -> messages
	perChat int
}

// NewMessageCache creates a cache holding at most perChat messages per chat.
func NewMessageCache(perChat int) *MessageCache {
	if perChat <= 0 {
		perChat = DefaultMessagesPerChat
	}
	return &MessageCache{
		byChat:  make(map[string]map[string][]Message),
		perChat: perChat,
	}
}

// Add stores a message. A message with an id already cached for the chat is ignored.
func (c *MessageCache) Add(sessionID string, msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	chats, ok := c.byChat[sessionID]
	if !ok {
		chats = make(map[string][]Message)
		c.byChat[sessionID] = chats
	}

	existing := chats[msg.ChatID]
	if msg.ID != "" {
		for _, m := range existing {
			if m.ID == msg.ID {
				return false
			}
		}
	}

	list := make([]Message, 0, len(existing)+1)
	list = append(list, msg)
	list = append(list, existing...)
	if len(list) > c.perChat {
		list = list[:c.perChat]
	}
	chats[msg.ChatID] = list
	return true
}

// Recent returns up to limit cached messages for a chat, newest first.
func (c *MessageCache) Recent(sessionID, chatID string, limit int) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.byChat[sessionID][chatID]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	result := make([]Message, limit)
	copy(result, msgs[:limit])
	return result
}

// Latest returns the newest cached message of a chat.
func (c *MessageCache) Latest(sessionID, chatID string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.byChat[sessionID][chatID]
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[0], true
}

// Forget drops every cached message of a session.
func (c *MessageCache) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byChat, sessionID)
}

// Find looks a message up by id across the chats of a session.
func (c *MessageCache) Find(sessionID, messageID string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, msgs := range c.byChat[sessionID] {
		for _, m := range msgs {
			if m.ID == messageID {
				return m, true
			}
		}
	}
	return Message{}, false
}

// ForgetChat drops the cached messages of one chat.
func (c *MessageCache) ForgetChat(sessionID, chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byChat[sessionID], chatID)
}
