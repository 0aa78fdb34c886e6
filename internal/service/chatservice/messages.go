package chatservice

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jklint/chatterd/internal/hub"
	"github.com/jklint/chatterd/internal/model"
)

// SendMessage persists a message and fans it out. Content is encrypted at
// rest when the chat demands it; room broadcasts and the returned message
// carry plaintext. Members without a session in the room get an inbox ping
// on their other sessions, and members with any live session are stamped
// into delivered_to.
func (s *Service) SendMessage(ctx context.Context, senderID string, in model.MessageCreate) (*model.Message, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = model.MessageText
	}
	if in.Content == "" && len(in.Attachments) == 0 {
		return nil, model.E(model.KindValidation, "message content is required")
	}

	c, err := s.memberChat(ctx, in.ChatID, senderID)
	if err != nil {
		return nil, err
	}
	if in.ReplyToID != "" {
		parent, err := s.Store.GetMessage(ctx, in.ReplyToID)
		if err != nil {
			if model.IsKind(err, model.KindNotFound) {
				return nil, model.E(model.KindValidation, "reply_to message does not exist")
			}
			return nil, err
		}
		if parent.ChatID != c.ID {
			return nil, model.E(model.KindValidation, "reply_to message belongs to another chat")
		}
	}
	for _, mention := range in.Mentions {
		if !c.HasMember(mention) {
			return nil, model.Ef(model.KindValidation, "mentioned user %s is not a member", mention)
		}
	}

	content, err := s.encryptContent(c, in.Content)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	m := &model.Message{
		ID:          uuid.NewString(),
		ChatID:      c.ID,
		SenderID:    senderID,
		Type:        in.Type,
		Content:     content,
		Attachments: in.Attachments,
		Mentions:    in.Mentions,
		ReplyToID:   in.ReplyToID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	stored, err := s.Store.CreateMessage(ctx, m)
	if err != nil {
		return nil, err
	}
	s.Metrics.MessagesCreated.Inc()

	// Broadcasts and the caller's copy carry plaintext.
	stored.Content = in.Content
	s.Hub.BroadcastToChat(c.ID, hub.NewMessage(stored))
	notify := hub.MessageNotification(stored)
	for _, uid := range c.MemberIDs() {
		if uid == senderID {
			continue
		}
		s.Hub.SendToUserExceptChat(uid, c.ID, notify)
	}
	s.markDelivered(ctx, stored, c)
	return stored, nil
}

// markDelivered stamps delivered_to for every member with a live session.
// Post-commit bookkeeping: failures are logged and swallowed.
func (s *Service) markDelivered(ctx context.Context, m *model.Message, c *model.Chat) {
	online := s.Hub.OnlineUsers(c.MemberIDs())
	if len(online) == 0 {
		return
	}
	at := time.Now().UTC()
	if err := s.Store.MarkMessageDelivered(ctx, m.ID, online, at); err != nil {
		log.Warn().Err(err).Str("message_id", m.ID).Msg("delivered_to stamp failed")
		return
	}
	if m.DeliveredTo == nil {
		m.DeliveredTo = make(map[string]time.Time, len(online))
	}
	for _, uid := range online {
		m.DeliveredTo[uid] = at
	}
}

// GetMessage returns one message, decrypted, to chat members.
func (s *Service) GetMessage(ctx context.Context, callerID, messageID string) (*model.Message, error) {
	m, err := s.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	c, err := s.memberChat(ctx, m.ChatID, callerID)
	if err != nil {
		return nil, err
	}
	s.decryptMessage(c, m)
	return m, nil
}

// GetChatMessages pages through a chat's history, newest first, decrypted.
func (s *Service) GetChatMessages(ctx context.Context, callerID, chatID string, q model.MessageQuery) ([]*model.Message, error) {
	c, err := s.memberChat(ctx, chatID, callerID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.Store.GetChatMessages(ctx, chatID, q)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		s.decryptMessage(c, m)
	}
	return msgs, nil
}

// UpdateMessage edits content and/or mentions. Sender only, within the
// configured edit window; emits message_updated to the room.
func (s *Service) UpdateMessage(ctx context.Context, callerID, messageID string, in model.MessageUpdate) (*model.Message, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.Content == nil && in.Mentions == nil {
		return nil, model.E(model.KindValidation, "nothing to update")
	}
	m, err := s.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != callerID {
		return nil, model.E(model.KindAuthz, "only the sender can edit a message")
	}
	if m.IsDeleted {
		return nil, model.E(model.KindValidation, "cannot edit a deleted message")
	}
	if w := s.Config.EditWindow(); w > 0 && time.Since(m.CreatedAt) > w {
		return nil, model.E(model.KindAuthz, "the edit window for this message has closed")
	}
	c, err := s.Store.GetChat(ctx, m.ChatID)
	if err != nil {
		return nil, err
	}

	p := model.MessagePatch{Mentions: in.Mentions}
	var plaintext string
	if in.Content != nil {
		plaintext = *in.Content
		cipher, err := s.encryptContent(c, plaintext)
		if err != nil {
			return nil, err
		}
		p.Content = &cipher
	}
	if in.Mentions != nil {
		for _, mention := range *in.Mentions {
			if !c.HasMember(mention) {
				return nil, model.Ef(model.KindValidation, "mentioned user %s is not a member", mention)
			}
		}
	}
	now := time.Now().UTC()
	p.EditedAt = &now

	updated, err := s.Store.UpdateMessage(ctx, messageID, p)
	if err != nil {
		return nil, err
	}
	if in.Content != nil {
		updated.Content = plaintext
	} else {
		s.decryptMessage(c, updated)
	}
	s.Hub.BroadcastToChat(c.ID, hub.MessageUpdated(updated))
	return updated, nil
}

// DeleteMessage removes a message: soft by default, hard when the sender
// asks for everyone. Owners and admins may soft-delete anyone's message.
func (s *Service) DeleteMessage(ctx context.Context, callerID, messageID string, forEveryone bool) error {
	m, err := s.Store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	c, err := s.Store.GetChat(ctx, m.ChatID)
	if err != nil {
		return err
	}
	isSender := m.SenderID == callerID
	if forEveryone && !isSender {
		return model.E(model.KindAuthz, "only the sender can delete for everyone")
	}
	if !isSender && !c.CanAdminister(callerID) {
		return model.E(model.KindAuthz, "you cannot delete this message")
	}
	if err := s.Store.DeleteMessage(ctx, messageID, forEveryone); err != nil {
		return err
	}
	s.Hub.BroadcastToChat(c.ID, hub.MessageDeleted(c.ID, messageID))
	return nil
}

// MarkMessagesRead stamps the caller's read receipts. Explicit ids and a
// read_until anchor may combine; the anchor expands to every unread message
// at or before its timestamp. One read_receipt event carries the ids that
// were newly read; nothing is emitted when the set is empty.
func (s *Service) MarkMessagesRead(ctx context.Context, callerID, chatID string, messageIDs []string, readUntilID string) ([]string, error) {
	if _, err := s.memberChat(ctx, chatID, callerID); err != nil {
		return nil, err
	}
	ids := append([]string(nil), messageIDs...)
	if readUntilID != "" {
		until, err := s.Store.GetMessage(ctx, readUntilID)
		if err != nil {
			if model.IsKind(err, model.KindNotFound) {
				return nil, model.E(model.KindValidation, "read_until message does not exist")
			}
			return nil, err
		}
		if until.ChatID != chatID {
			return nil, model.E(model.KindValidation, "read_until message belongs to another chat")
		}
		expanded, err := s.Store.UnreadMessageIDs(ctx, chatID, callerID, until.CreatedAt)
		if err != nil {
			return nil, err
		}
		ids = append(ids, expanded...)
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	newly, err := s.Store.MarkMessagesRead(ctx, chatID, callerID, ids, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if len(newly) > 0 {
		s.Hub.BroadcastToChat(chatID, hub.ReadReceipt(chatID, callerID, newly))
	}
	return newly, nil
}

// SearchMessages matches content case-insensitively across the caller's
// chats, or one chat when chatID is set.
func (s *Service) SearchMessages(ctx context.Context, callerID, query, chatID string, skip, limit int) ([]*model.Message, error) {
	if query == "" {
		return nil, model.E(model.KindValidation, "search query is required")
	}
	if chatID != "" {
		if _, err := s.memberChat(ctx, chatID, callerID); err != nil {
			return nil, err
		}
	}
	msgs, err := s.Store.SearchMessages(ctx, callerID, query, chatID, skip, limit)
	if err != nil {
		return nil, err
	}
	s.decryptMessages(ctx, msgs)
	return msgs, nil
}
