package model

import "time"

// MessageType distinguishes what a message carries.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageVideo  MessageType = "video"
	MessageAudio  MessageType = "audio"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageFile, MessageSystem:
		return true
	}
	return false
}

// Attachment describes an uploaded blob referenced by a message.
type Attachment struct {
	Location    string `json:"location" bson:"location"`
	FileName    string `json:"file_name" bson:"file_name"`
	ContentType string `json:"content_type" bson:"content_type"`
	Size        int64  `json:"size" bson:"size"`
	Width       int    `json:"width,omitempty" bson:"width,omitempty"`
	Height      int    `json:"height,omitempty" bson:"height,omitempty"`
}

// Reaction is one user's emoji response to a message. A user may hold at
// most one reaction of a given type per message.
type Reaction struct {
	ID        string    `json:"id" bson:"id"`
	MessageID string    `json:"message_id" bson:"message_id"`
	UserID    string    `json:"user_id" bson:"user_id"`
	Type      string    `json:"reaction_type" bson:"reaction_type"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Message is a single chat message. Soft-deleted messages keep their row but
// lose content and pin status.
type Message struct {
	ID          string               `json:"id" bson:"_id"`
	ChatID      string               `json:"chat_id" bson:"chat_id"`
	SenderID    string               `json:"sender_id" bson:"sender_id"`
	Type        MessageType          `json:"message_type" bson:"message_type"`
	Content     string               `json:"content" bson:"content"`
	Attachments []Attachment         `json:"attachments,omitempty" bson:"attachments,omitempty"`
	Mentions    []string             `json:"mentions,omitempty" bson:"mentions,omitempty"`
	ReplyToID   string               `json:"reply_to_id,omitempty" bson:"reply_to_id,omitempty"`
	IsDeleted   bool                 `json:"is_deleted" bson:"is_deleted"`
	IsPinned    bool                 `json:"is_pinned" bson:"is_pinned"`
	Reactions   []Reaction           `json:"reactions" bson:"reactions"`
	ReadBy      map[string]time.Time `json:"read_by,omitempty" bson:"read_by,omitempty"`
	DeliveredTo map[string]time.Time `json:"delivered_to,omitempty" bson:"delivered_to,omitempty"`
	CreatedAt   time.Time            `json:"created_at" bson:"created_at"`
	EditedAt    *time.Time           `json:"edited_at,omitempty" bson:"edited_at,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at" bson:"updated_at"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Attachments = append([]Attachment(nil), m.Attachments...)
	cp.Mentions = append([]string(nil), m.Mentions...)
	cp.Reactions = append([]Reaction(nil), m.Reactions...)
	if m.ReadBy != nil {
		cp.ReadBy = make(map[string]time.Time, len(m.ReadBy))
		for k, v := range m.ReadBy {
			cp.ReadBy[k] = v
		}
	}
	if m.DeliveredTo != nil {
		cp.DeliveredTo = make(map[string]time.Time, len(m.DeliveredTo))
		for k, v := range m.DeliveredTo {
			cp.DeliveredTo[k] = v
		}
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	return &cp
}

// ReactionBy returns the matching reaction for (userID, reactionType), or nil.
func (m *Message) ReactionBy(userID, reactionType string) *Reaction {
	for i := range m.Reactions {
		if m.Reactions[i].UserID == userID && m.Reactions[i].Type == reactionType {
			return &m.Reactions[i]
		}
	}
	return nil
}

// MessageCreate carries a send request. Content may be empty only when
// attachments are present.
type MessageCreate struct {
	ChatID      string       `json:"chat_id" validate:"required"`
	Type        MessageType  `json:"message_type" validate:"omitempty,oneof=text image video audio file system"`
	Content     string       `json:"content" validate:"max=65536"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Mentions    []string     `json:"mentions,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
}

// MessageUpdate is a sender edit; nil fields are left unchanged.
type MessageUpdate struct {
	Content  *string   `json:"content,omitempty" validate:"omitempty,max=65536"`
	Mentions *[]string `json:"mentions,omitempty"`
}

// MessagePatch is the persistence-level partial update for an edit; the
// orchestrator has already encrypted Content when the chat requires it.
type MessagePatch struct {
	Content  *string
	Mentions *[]string
	EditedAt *time.Time
}

// MessageQuery selects a window of a chat's history, newest first.
// BeforeID/AfterID anchor the window on an existing message; Skip/Limit
// offset and cap the result.
type MessageQuery struct {
	BeforeID string
	AfterID  string
	Skip     int
	Limit    int
}

// ChatStats summarizes one chat.
type ChatStats struct {
	ChatID        string `json:"chat_id"`
	MessageCount  int    `json:"message_count"`
	MemberCount   int    `json:"member_count"`
	ReactionCount int    `json:"reaction_count"`
}

// UserStats summarizes one user's activity.
type UserStats struct {
	UserID        string `json:"user_id"`
	MessageCount  int    `json:"message_count"`
	ChatCount     int    `json:"chat_count"`
	ReactionCount int    `json:"reaction_count"`
}
