package hub

import (
	"time"

	"github.com/jklint/chatterd/internal/model"
)

// Event is one outbound frame: a JSON-serialisable map whose "type" key
// names the canonical shape. Constructors below are the only producers.
type Event map[string]any

// Type returns the frame type, or "" for malformed events.
func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

func Connected(userID string) Event {
	return Event{"type": "connected", "user_id": userID, "timestamp": time.Now().UTC()}
}

func ChatJoined(chatID string) Event {
	return Event{"type": "chat_joined", "chat_id": chatID}
}

func ChatLeft(chatID string) Event {
	return Event{"type": "chat_left", "chat_id": chatID}
}

// NewMessage inlines the message fields so clients can render without a
// second fetch.
func NewMessage(m *model.Message) Event {
	e := Event{
		"type":         "new_message",
		"message_id":   m.ID,
		"chat_id":      m.ChatID,
		"sender_id":    m.SenderID,
		"message_type": m.Type,
		"content":      m.Content,
		"created_at":   m.CreatedAt,
	}
	if len(m.Attachments) > 0 {
		e["attachments"] = m.Attachments
	}
	if len(m.Mentions) > 0 {
		e["mentions"] = m.Mentions
	}
	if m.ReplyToID != "" {
		e["reply_to_id"] = m.ReplyToID
	}
	return e
}

// MessageNotification is the lightweight inbox ping for members whose
// sessions are not joined to the room; it intentionally omits content.
func MessageNotification(m *model.Message) Event {
	return Event{
		"type":       "new_message",
		"message_id": m.ID,
		"chat_id":    m.ChatID,
		"sender_id":  m.SenderID,
	}
}

func MessageUpdated(m *model.Message) Event {
	e := Event{
		"type":       "message_updated",
		"message_id": m.ID,
		"chat_id":    m.ChatID,
		"content":    m.Content,
		"is_pinned":  m.IsPinned,
	}
	if m.EditedAt != nil {
		e["edited_at"] = *m.EditedAt
	}
	return e
}

func MessageDeleted(chatID, messageID string) Event {
	return Event{"type": "message_deleted", "chat_id": chatID, "message_id": messageID}
}

func ReactionAdded(chatID string, r *model.Reaction) Event {
	return Event{
		"type":          "reaction_added",
		"chat_id":       chatID,
		"message_id":    r.MessageID,
		"user_id":       r.UserID,
		"reaction_type": r.Type,
	}
}

func ReactionRemoved(chatID, messageID, userID, reactionType string) Event {
	return Event{
		"type":          "reaction_removed",
		"chat_id":       chatID,
		"message_id":    messageID,
		"user_id":       userID,
		"reaction_type": reactionType,
	}
}

func Typing(chatID, userID string, isTyping bool) Event {
	return Event{"type": "typing", "chat_id": chatID, "user_id": userID, "is_typing": isTyping}
}

func ReadReceipt(chatID, userID string, messageIDs []string) Event {
	return Event{"type": "read_receipt", "chat_id": chatID, "user_id": userID, "message_ids": messageIDs}
}

func UserOnline(userID string) Event {
	return Event{"type": "user_online", "user_id": userID}
}

func UserOffline(userID string) Event {
	return Event{"type": "user_offline", "user_id": userID}
}

func Ping() Event {
	return Event{"type": "ping"}
}

// Pong echoes whatever timestamp the client sent.
func Pong(timestamp any) Event {
	return Event{"type": "pong", "timestamp": timestamp}
}
