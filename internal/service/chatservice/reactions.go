package chatservice

import (
	"context"
	"unicode/utf8"

	"github.com/jklint/chatterd/internal/hub"
	"github.com/jklint/chatterd/internal/model"
)

// AddReaction records one (message, user, type) reaction. Idempotent: the
// duplicate path returns the existing reaction and emits nothing.
func (s *Service) AddReaction(ctx context.Context, callerID, messageID, reactionType string) (*model.Reaction, error) {
	if err := validReactionType(reactionType); err != nil {
		return nil, err
	}
	m, err := s.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.memberChat(ctx, m.ChatID, callerID); err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, model.E(model.KindValidation, "cannot react to a deleted message")
	}
	r, added, err := s.Store.AddReaction(ctx, messageID, callerID, reactionType)
	if err != nil {
		return nil, err
	}
	if added {
		s.Hub.BroadcastToChat(m.ChatID, hub.ReactionAdded(m.ChatID, r))
	}
	return r, nil
}

// RemoveReaction deletes the caller's reaction of the given type; reports
// whether one existed. Emits only on an actual removal.
func (s *Service) RemoveReaction(ctx context.Context, callerID, messageID, reactionType string) (bool, error) {
	if err := validReactionType(reactionType); err != nil {
		return false, err
	}
	m, err := s.Store.GetMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	if _, err := s.memberChat(ctx, m.ChatID, callerID); err != nil {
		return false, err
	}
	removed, err := s.Store.RemoveReaction(ctx, messageID, callerID, reactionType)
	if err != nil {
		return false, err
	}
	if removed {
		s.Hub.BroadcastToChat(m.ChatID, hub.ReactionRemoved(m.ChatID, messageID, callerID, reactionType))
	}
	return removed, nil
}

// PinMessage pins for owners and admins. The message flag and the chat's
// pinned set move together in the store.
func (s *Service) PinMessage(ctx context.Context, callerID, messageID string) (*model.Message, error) {
	return s.setPinned(ctx, callerID, messageID, true)
}

// UnpinMessage is the symmetric operation.
func (s *Service) UnpinMessage(ctx context.Context, callerID, messageID string) (*model.Message, error) {
	return s.setPinned(ctx, callerID, messageID, false)
}

func (s *Service) setPinned(ctx context.Context, callerID, messageID string, pinned bool) (*model.Message, error) {
	m, err := s.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	c, err := s.memberChat(ctx, m.ChatID, callerID)
	if err != nil {
		return nil, err
	}
	if !c.CanAdminister(callerID) {
		return nil, model.E(model.KindAuthz, "only owners and admins can pin messages")
	}
	if pinned && m.IsDeleted {
		return nil, model.E(model.KindValidation, "cannot pin a deleted message")
	}
	updated, err := s.Store.SetMessagePinned(ctx, messageID, pinned)
	if err != nil {
		return nil, err
	}
	s.decryptMessage(c, updated)
	s.Hub.BroadcastToChat(c.ID, hub.MessageUpdated(updated))
	return updated, nil
}

// GetPinnedMessages lists the chat's pinned messages, decrypted, for
// members.
func (s *Service) GetPinnedMessages(ctx context.Context, callerID, chatID string) ([]*model.Message, error) {
	c, err := s.memberChat(ctx, chatID, callerID)
	if err != nil {
		return nil, err
	}
	msgs := make([]*model.Message, 0, len(c.PinnedMessageIDs))
	for _, id := range c.PinnedMessageIDs {
		m, err := s.Store.GetMessage(ctx, id)
		if err != nil {
			if model.IsKind(err, model.KindNotFound) {
				continue
			}
			return nil, err
		}
		s.decryptMessage(c, m)
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func validReactionType(t string) error {
	if t == "" {
		return model.E(model.KindValidation, "reaction type is required")
	}
	if utf8.RuneCountInString(t) > 16 {
		return model.E(model.KindValidation, "reaction type exceeds 16 characters")
	}
	return nil
}
