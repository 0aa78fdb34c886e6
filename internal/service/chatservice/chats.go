package chatservice

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jklint/chatterd/internal/hub"
	"github.com/jklint/chatterd/internal/model"
)

// CreateChat builds a room with the caller as owner. One-to-one chats must
// name exactly two distinct members and are unique per pair; the store
// enforces the pair constraint.
func (s *Service) CreateChat(ctx context.Context, creatorID string, in model.ChatCreate) (*model.Chat, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	ids := dedupe(append([]string{creatorID}, in.MemberIDs...))
	for _, id := range ids {
		if _, err := s.Store.GetUser(ctx, id); err != nil {
			if model.IsKind(err, model.KindNotFound) {
				return nil, model.Ef(model.KindValidation, "member %s does not exist", id)
			}
			return nil, err
		}
	}
	if in.Type == model.ChatOneToOne && len(ids) != 2 {
		return nil, model.E(model.KindValidation, "one-to-one chats need exactly two distinct members")
	}
	if in.IsEncrypted && !s.Security.EncryptionEnabled() {
		return nil, model.E(model.KindValidation, "encryption is not enabled on this server")
	}

	now := time.Now().UTC()
	members := make([]model.ChatMember, len(ids))
	for i, id := range ids {
		role := model.RoleMember
		if id == creatorID {
			role = model.RoleOwner
		}
		members[i] = model.ChatMember{UserID: id, Role: role, JoinedAt: now}
	}

	c := &model.Chat{
		ID:          uuid.NewString(),
		Type:        in.Type,
		Name:        in.Name,
		Description: in.Description,
		Members:     members,
		IsEncrypted: in.IsEncrypted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := s.Store.CreateChat(ctx, c)
	if err != nil {
		return nil, err
	}
	log.Info().Str("chat_id", created.ID).Str("chat_type", string(created.Type)).Int("members", len(ids)).Msg("chat created")
	return created, nil
}

// GetChat returns the chat to members only.
func (s *Service) GetChat(ctx context.Context, callerID, chatID string) (*model.Chat, error) {
	return s.memberChat(ctx, chatID, callerID)
}

// GetUserChats lists the caller's chats, most recently active first.
func (s *Service) GetUserChats(ctx context.Context, userID string, skip, limit int) ([]*model.Chat, error) {
	return s.Store.GetUserChats(ctx, userID, skip, limit)
}

// UpdateChat patches name/description. Owners and admins only.
func (s *Service) UpdateChat(ctx context.Context, callerID, chatID string, in model.ChatUpdate) (*model.Chat, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	c, err := s.memberChat(ctx, chatID, callerID)
	if err != nil {
		return nil, err
	}
	if !c.CanAdminister(callerID) {
		return nil, model.E(model.KindAuthz, "only owners and admins can update the chat")
	}
	return s.Store.UpdateChat(ctx, chatID, in)
}

// DeleteChat removes the chat and its messages. Owner only.
func (s *Service) DeleteChat(ctx context.Context, callerID, chatID string) error {
	c, err := s.memberChat(ctx, chatID, callerID)
	if err != nil {
		return err
	}
	if m := c.Member(callerID); m == nil || m.Role != model.RoleOwner {
		return model.E(model.KindAuthz, "only the owner can delete the chat")
	}
	return s.Store.DeleteChat(ctx, chatID)
}

// AddChatMember adds userID with the given role. Owners and admins only;
// one-to-one chats never grow.
func (s *Service) AddChatMember(ctx context.Context, callerID, chatID, userID string, role model.Role) error {
	c, err := s.memberChat(ctx, chatID, callerID)
	if err != nil {
		return err
	}
	if !c.CanAdminister(callerID) {
		return model.E(model.KindAuthz, "only owners and admins can add members")
	}
	if c.Type == model.ChatOneToOne {
		return model.E(model.KindValidation, "cannot add members to a one-to-one chat")
	}
	if role == "" {
		role = model.RoleMember
	}
	if role != model.RoleOwner && role != model.RoleAdmin && role != model.RoleMember {
		return model.Ef(model.KindValidation, "invalid role %q", role)
	}
	if _, err := s.Store.GetUser(ctx, userID); err != nil {
		return err
	}
	return s.Store.AddChatMember(ctx, chatID, model.ChatMember{
		UserID:   userID,
		Role:     role,
		JoinedAt: time.Now().UTC(),
	})
}

// RemoveChatMember removes userID. Owners and admins may remove anyone;
// everyone may remove themselves. The chat must keep at least one elevated
// member.
func (s *Service) RemoveChatMember(ctx context.Context, callerID, chatID, userID string) error {
	c, err := s.memberChat(ctx, chatID, callerID)
	if err != nil {
		return err
	}
	if callerID != userID && !c.CanAdminister(callerID) {
		return model.E(model.KindAuthz, "only owners and admins can remove other members")
	}
	target := c.Member(userID)
	if target == nil {
		return model.E(model.KindNotFound, "user is not a member")
	}
	if target.Role.Elevated() && countElevated(c) == 1 {
		return model.E(model.KindValidation, "chat must keep at least one owner or admin")
	}
	return s.Store.RemoveChatMember(ctx, chatID, userID)
}

// ChatStats reports counters for a chat the caller belongs to.
func (s *Service) ChatStats(ctx context.Context, callerID, chatID string) (*model.ChatStats, error) {
	if _, err := s.memberChat(ctx, chatID, callerID); err != nil {
		return nil, err
	}
	return s.Store.ChatStats(ctx, chatID)
}

// TypingIndicator fans out a typing frame to the chat room, skipping every
// session of the originator. Nothing is persisted.
func (s *Service) TypingIndicator(ctx context.Context, callerID, chatID string, isTyping bool) error {
	if _, err := s.memberChat(ctx, chatID, callerID); err != nil {
		return err
	}
	s.Hub.BroadcastToChatExcept(chatID, hub.Typing(chatID, callerID, isTyping), callerID)
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func countElevated(c *model.Chat) int {
	n := 0
	for _, m := range c.Members {
		if m.Role.Elevated() {
			n++
		}
	}
	return n
}
