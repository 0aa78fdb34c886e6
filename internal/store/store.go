// Package store defines the persistence capability surface the chat service
// depends on, and a driver registry keyed by database_type.
package store

import (
	"context"
	"time"

	"github.com/jklint/chatterd/internal/model"
)

// Store is everything the orchestrator may ask of persistence. Each method
// is transactional on its own; implementations are safe for concurrent use.
// Absent entities surface as KindNotFound errors, uniqueness violations as
// KindConflict, and backend outages as KindPersistence.
type Store interface {
	// Init creates schema and indexes. Idempotent.
	Init(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(ctx context.Context, u *model.User) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	UpdateUser(ctx context.Context, id string, p model.UserPatch) (*model.User, error)
	DeleteUser(ctx context.Context, id string) error

	CreateChat(ctx context.Context, c *model.Chat) (*model.Chat, error)
	GetChat(ctx context.Context, id string) (*model.Chat, error)
	UpdateChat(ctx context.Context, id string, p model.ChatUpdate) (*model.Chat, error)
	DeleteChat(ctx context.Context, id string) error
	// GetUserChats lists chats the user belongs to, most recently active
	// first (last message time, falling back to chat update time).
	GetUserChats(ctx context.Context, userID string, skip, limit int) ([]*model.Chat, error)
	AddChatMember(ctx context.Context, chatID string, m model.ChatMember) error
	RemoveChatMember(ctx context.Context, chatID, userID string) error

	CreateMessage(ctx context.Context, m *model.Message) (*model.Message, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// GetChatMessages returns a window of non-deleted messages, newest
	// first (created_at, id descending). Window anchors are strict.
	GetChatMessages(ctx context.Context, chatID string, q model.MessageQuery) ([]*model.Message, error)
	UpdateMessage(ctx context.Context, id string, p model.MessagePatch) (*model.Message, error)
	// DeleteMessage soft-deletes by default: the row stays but content is
	// cleared and any pin (flag and chat pinned set) is removed. hard
	// removes the row and its reactions.
	DeleteMessage(ctx context.Context, id string, hard bool) error
	// SetMessagePinned flips the message flag and the chat's
	// pinned_message_ids together, in one transaction.
	SetMessagePinned(ctx context.Context, id string, pinned bool) (*model.Message, error)
	// MarkMessagesRead stamps read_by[userID] (never regressing an existing
	// stamp) and advances the member's last_read_message_id. It returns the
	// ids that were newly read.
	MarkMessagesRead(ctx context.Context, chatID, userID string, messageIDs []string, at time.Time) ([]string, error)
	// UnreadMessageIDs lists non-deleted messages in the chat created at or
	// before until that userID has not read yet.
	UnreadMessageIDs(ctx context.Context, chatID, userID string, until time.Time) ([]string, error)
	MarkMessageDelivered(ctx context.Context, messageID string, userIDs []string, at time.Time) error

	// AddReaction is idempotent per (message, user, type); added reports
	// whether the reaction was newly created.
	AddReaction(ctx context.Context, messageID, userID, reactionType string) (r *model.Reaction, added bool, err error)
	// RemoveReaction is a no-op when absent; removed reports presence.
	RemoveReaction(ctx context.Context, messageID, userID, reactionType string) (removed bool, err error)

	// SearchMessages matches content case-insensitively across the user's
	// chats (or one chat when chatID is set), newest first.
	SearchMessages(ctx context.Context, userID, query, chatID string, skip, limit int) ([]*model.Message, error)
	ChatStats(ctx context.Context, chatID string) (*model.ChatStats, error)
	UserStats(ctx context.Context, userID string) (*model.UserStats, error)
}
