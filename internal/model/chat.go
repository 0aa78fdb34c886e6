package model

import "time"

// ChatType distinguishes the three room shapes.
type ChatType string

const (
	ChatOneToOne ChatType = "one_to_one"
	ChatGroup    ChatType = "group"
	ChatChannel  ChatType = "channel"
)

func (t ChatType) Valid() bool {
	switch t {
	case ChatOneToOne, ChatGroup, ChatChannel:
		return true
	}
	return false
}

// Role is a member's privilege level within a chat.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Elevated reports whether the role may administer the chat.
func (r Role) Elevated() bool { return r == RoleOwner || r == RoleAdmin }

// ChatMember is one user's membership record inside a chat.
type ChatMember struct {
	UserID            string    `json:"user_id" bson:"user_id"`
	Role              Role      `json:"role" bson:"role"`
	JoinedAt          time.Time `json:"joined_at" bson:"joined_at"`
	LastReadMessageID string    `json:"last_read_message_id,omitempty" bson:"last_read_message_id,omitempty"`
}

// Chat is a conversation room. Messages reference it by id only.
type Chat struct {
	ID               string       `json:"id" bson:"_id"`
	Type             ChatType     `json:"chat_type" bson:"chat_type"`
	Name             string       `json:"name,omitempty" bson:"name,omitempty"`
	Description      string       `json:"description,omitempty" bson:"description,omitempty"`
	Members          []ChatMember `json:"members" bson:"members"`
	PinnedMessageIDs []string     `json:"pinned_message_ids" bson:"pinned_message_ids"`
	IsEncrypted      bool         `json:"is_encrypted" bson:"is_encrypted"`
	CreatedAt        time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" bson:"updated_at"`
}

// Member returns the membership record for userID, or nil.
func (c *Chat) Member(userID string) *ChatMember {
	for i := range c.Members {
		if c.Members[i].UserID == userID {
			return &c.Members[i]
		}
	}
	return nil
}

// HasMember reports whether userID belongs to the chat.
func (c *Chat) HasMember(userID string) bool { return c.Member(userID) != nil }

// MemberIDs returns the ids of all members.
func (c *Chat) MemberIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.UserID
	}
	return ids
}

// CanAdminister reports whether userID holds an owner or admin role.
func (c *Chat) CanAdminister(userID string) bool {
	m := c.Member(userID)
	return m != nil && m.Role.Elevated()
}

// HasPinned reports whether messageID is in the chat's pinned set.
func (c *Chat) HasPinned(messageID string) bool {
	for _, id := range c.PinnedMessageIDs {
		if id == messageID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand across goroutines.
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.Members = append([]ChatMember(nil), c.Members...)
	cp.PinnedMessageIDs = append([]string(nil), c.PinnedMessageIDs...)
	return &cp
}

// ChatCreate carries a chat creation request. The creator is added as owner
// whether or not they appear in MemberIDs.
type ChatCreate struct {
	Type        ChatType `json:"chat_type" validate:"required,oneof=one_to_one group channel"`
	Name        string   `json:"name" validate:"max=128"`
	Description string   `json:"description" validate:"max=1024"`
	MemberIDs   []string `json:"member_ids" validate:"required,min=1"`
	IsEncrypted bool     `json:"is_encrypted"`
}

// ChatUpdate is a partial chat update; nil fields are left unchanged.
type ChatUpdate struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,max=128"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=1024"`
}
