// Package memory is the in-process reference store: mutex-guarded maps with
// the same contracts the SQL and document drivers honor.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jklint/chatterd/internal/model"
)

type Store struct {
	mu          sync.RWMutex
	users       map[string]*model.User
	usersByName map[string]string
	chats       map[string]*model.Chat
	pairKeys    map[string]string // normalized one-to-one pair -> chat id
	messages    map[string]*model.Message
}

func New() *Store {
	return &Store{
		users:       make(map[string]*model.User),
		usersByName: make(map[string]string),
		chats:       make(map[string]*model.Chat),
		pairKeys:    make(map[string]string),
		messages:    make(map[string]*model.Message),
	}
}

func (s *Store) Init(ctx context.Context) error  { return nil }
func (s *Store) Close(ctx context.Context) error { return nil }

// ===========================================================================
// Users
// ===========================================================================

func (s *Store) CreateUser(ctx context.Context, u *model.User) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.usersByName[u.Username]; taken {
		return nil, model.Ef(model.KindConflict, "username %q already taken", u.Username)
	}
	cp := *u
	s.users[cp.ID] = &cp
	s.usersByName[cp.Username] = cp.ID
	out := cp
	return &out, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, model.E(model.KindNotFound, "user not found")
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByName[username]
	if !ok {
		return nil, model.E(model.KindNotFound, "user not found")
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, p model.UserPatch) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, model.E(model.KindNotFound, "user not found")
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.FullName != nil {
		u.FullName = *p.FullName
	}
	if p.HashedPassword != nil {
		u.HashedPassword = *p.HashedPassword
	}
	if p.Status != nil {
		u.Status = *p.Status
	}
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	return &cp, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.E(model.KindNotFound, "user not found")
	}
	delete(s.usersByName, u.Username)
	delete(s.users, id)
	return nil
}

// ===========================================================================
// Chats
// ===========================================================================

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func (s *Store) CreateChat(ctx context.Context, c *model.Chat) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ""
	if c.Type == model.ChatOneToOne && len(c.Members) == 2 {
		key = pairKey(c.Members[0].UserID, c.Members[1].UserID)
		if _, exists := s.pairKeys[key]; exists {
			return nil, model.E(model.KindConflict, "direct chat already exists for this pair")
		}
	}
	cp := c.Clone()
	s.chats[cp.ID] = cp
	if key != "" {
		s.pairKeys[key] = cp.ID
	}
	return cp.Clone(), nil
}

func (s *Store) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, model.E(model.KindNotFound, "chat not found")
	}
	return c.Clone(), nil
}

func (s *Store) UpdateChat(ctx context.Context, id string, p model.ChatUpdate) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, model.E(model.KindNotFound, "chat not found")
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	c.UpdatedAt = time.Now().UTC()
	return c.Clone(), nil
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return model.E(model.KindNotFound, "chat not found")
	}
	if c.Type == model.ChatOneToOne && len(c.Members) == 2 {
		delete(s.pairKeys, pairKey(c.Members[0].UserID, c.Members[1].UserID))
	}
	for mid, m := range s.messages {
		if m.ChatID == id {
			delete(s.messages, mid)
		}
	}
	delete(s.chats, id)
	return nil
}

func (s *Store) GetUserChats(ctx context.Context, userID string, skip, limit int) ([]*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type scored struct {
		chat *model.Chat
		at   time.Time
	}
	var rows []scored
	for _, c := range s.chats {
		if !c.HasMember(userID) {
			continue
		}
		at := c.UpdatedAt
		for _, m := range s.messages {
			if m.ChatID == c.ID && m.CreatedAt.After(at) {
				at = m.CreatedAt
			}
		}
		rows = append(rows, scored{chat: c, at: at})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].at.Equal(rows[j].at) {
			return rows[i].at.After(rows[j].at)
		}
		return rows[i].chat.ID > rows[j].chat.ID
	})
	rows = window(rows, skip, limit)
	out := make([]*model.Chat, len(rows))
	for i, r := range rows {
		out[i] = r.chat.Clone()
	}
	return out, nil
}

func (s *Store) AddChatMember(ctx context.Context, chatID string, m model.ChatMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return model.E(model.KindNotFound, "chat not found")
	}
	if c.HasMember(m.UserID) {
		return model.E(model.KindConflict, "user is already a member")
	}
	c.Members = append(c.Members, m)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) RemoveChatMember(ctx context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return model.E(model.KindNotFound, "chat not found")
	}
	for i := range c.Members {
		if c.Members[i].UserID == userID {
			c.Members = append(c.Members[:i], c.Members[i+1:]...)
			c.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return model.E(model.KindNotFound, "user is not a member")
}

// ===========================================================================
// Messages
// ===========================================================================

func (s *Store) CreateMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[m.ChatID]; !ok {
		return nil, model.E(model.KindNotFound, "chat not found")
	}
	cp := m.Clone()
	s.messages[cp.ID] = cp
	return cp.Clone(), nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, model.E(model.KindNotFound, "message not found")
	}
	return m.Clone(), nil
}

// newer orders messages by (created_at, id); used for cursors and read
// pointers so ties on timestamp stay deterministic.
func newer(a, b *model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (s *Store) GetChatMessages(ctx context.Context, chatID string, q model.MessageQuery) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, model.E(model.KindNotFound, "chat not found")
	}

	anchor := func(id string) (*model.Message, error) {
		a, ok := s.messages[id]
		if !ok || a.ChatID != chatID {
			return nil, model.E(model.KindNotFound, "anchor message not found in chat")
		}
		return a, nil
	}
	var before, after *model.Message
	var err error
	if q.BeforeID != "" {
		if before, err = anchor(q.BeforeID); err != nil {
			return nil, err
		}
	}
	if q.AfterID != "" {
		if after, err = anchor(q.AfterID); err != nil {
			return nil, err
		}
	}

	var rows []*model.Message
	for _, m := range s.messages {
		if m.ChatID != chatID || m.IsDeleted {
			continue
		}
		if before != nil && !newer(before, m) {
			continue
		}
		if after != nil && !newer(m, after) {
			continue
		}
		rows = append(rows, m)
	}
	sort.Slice(rows, func(i, j int) bool { return newer(rows[i], rows[j]) })
	rows = window(rows, q.Skip, q.Limit)
	out := make([]*model.Message, len(rows))
	for i, m := range rows {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id string, p model.MessagePatch) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, model.E(model.KindNotFound, "message not found")
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Mentions != nil {
		m.Mentions = append([]string(nil), (*p.Mentions)...)
	}
	if p.EditedAt != nil {
		t := *p.EditedAt
		m.EditedAt = &t
	}
	m.UpdatedAt = time.Now().UTC()
	return m.Clone(), nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.E(model.KindNotFound, "message not found")
	}
	if hard {
		s.unpinLocked(m)
		delete(s.messages, id)
		return nil
	}
	m.IsDeleted = true
	m.Content = ""
	s.unpinLocked(m)
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// unpinLocked clears the pin flag and the chat's pinned set entry.
func (s *Store) unpinLocked(m *model.Message) {
	m.IsPinned = false
	c, ok := s.chats[m.ChatID]
	if !ok {
		return
	}
	for i, pid := range c.PinnedMessageIDs {
		if pid == m.ID {
			c.PinnedMessageIDs = append(c.PinnedMessageIDs[:i], c.PinnedMessageIDs[i+1:]...)
			return
		}
	}
}

func (s *Store) SetMessagePinned(ctx context.Context, id string, pinned bool) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, model.E(model.KindNotFound, "message not found")
	}
	c, ok := s.chats[m.ChatID]
	if !ok {
		return nil, model.E(model.KindNotFound, "chat not found")
	}
	if pinned {
		m.IsPinned = true
		if !c.HasPinned(id) {
			c.PinnedMessageIDs = append(c.PinnedMessageIDs, id)
		}
	} else {
		s.unpinLocked(m)
	}
	m.UpdatedAt = time.Now().UTC()
	return m.Clone(), nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, chatID, userID string, messageIDs []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, model.E(model.KindNotFound, "chat not found")
	}

	var affected []string
	var latest *model.Message
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.ChatID != chatID {
			continue
		}
		prev, seen := m.ReadBy[userID]
		if seen && !at.After(prev) {
			continue
		}
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]time.Time)
		}
		m.ReadBy[userID] = at
		if !seen {
			affected = append(affected, id)
		}
		if latest == nil || newer(m, latest) {
			latest = m
		}
	}

	if latest != nil {
		if member := c.Member(userID); member != nil {
			cur, ok := s.messages[member.LastReadMessageID]
			if !ok || newer(latest, cur) {
				member.LastReadMessageID = latest.ID
			}
		}
	}
	return affected, nil
}

func (s *Store) UnreadMessageIDs(ctx context.Context, chatID, userID string, until time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, model.E(model.KindNotFound, "chat not found")
	}
	var rows []*model.Message
	for _, m := range s.messages {
		if m.ChatID != chatID || m.IsDeleted || m.CreatedAt.After(until) {
			continue
		}
		if _, seen := m.ReadBy[userID]; seen {
			continue
		}
		rows = append(rows, m)
	}
	sort.Slice(rows, func(i, j int) bool { return newer(rows[j], rows[i]) })
	ids := make([]string, len(rows))
	for i, m := range rows {
		ids[i] = m.ID
	}
	return ids, nil
}

func (s *Store) MarkMessageDelivered(ctx context.Context, messageID string, userIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return model.E(model.KindNotFound, "message not found")
	}
	if m.DeliveredTo == nil {
		m.DeliveredTo = make(map[string]time.Time, len(userIDs))
	}
	for _, uid := range userIDs {
		if _, seen := m.DeliveredTo[uid]; !seen {
			m.DeliveredTo[uid] = at
		}
	}
	return nil
}

// ===========================================================================
// Reactions
// ===========================================================================

func (s *Store) AddReaction(ctx context.Context, messageID, userID, reactionType string) (*model.Reaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, false, model.E(model.KindNotFound, "message not found")
	}
	if r := m.ReactionBy(userID, reactionType); r != nil {
		cp := *r
		return &cp, false, nil
	}
	r := model.Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    userID,
		Type:      reactionType,
		CreatedAt: time.Now().UTC(),
	}
	m.Reactions = append(m.Reactions, r)
	m.UpdatedAt = time.Now().UTC()
	cp := r
	return &cp, true, nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, reactionType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, model.E(model.KindNotFound, "message not found")
	}
	for i := range m.Reactions {
		if m.Reactions[i].UserID == userID && m.Reactions[i].Type == reactionType {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			m.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

// ===========================================================================
// Queries
// ===========================================================================

func (s *Store) SearchMessages(ctx context.Context, userID, query, chatID string, skip, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(query)
	member := func(cid string) bool {
		c, ok := s.chats[cid]
		return ok && c.HasMember(userID)
	}
	var rows []*model.Message
	for _, m := range s.messages {
		if m.IsDeleted {
			continue
		}
		if chatID != "" && m.ChatID != chatID {
			continue
		}
		if !member(m.ChatID) {
			continue
		}
		if !strings.Contains(strings.ToLower(m.Content), needle) {
			continue
		}
		rows = append(rows, m)
	}
	sort.Slice(rows, func(i, j int) bool { return newer(rows[i], rows[j]) })
	rows = window(rows, skip, limit)
	out := make([]*model.Message, len(rows))
	for i, m := range rows {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *Store) ChatStats(ctx context.Context, chatID string) (*model.ChatStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, model.E(model.KindNotFound, "chat not found")
	}
	st := &model.ChatStats{ChatID: chatID, MemberCount: len(c.Members)}
	for _, m := range s.messages {
		if m.ChatID == chatID {
			st.MessageCount++
			st.ReactionCount += len(m.Reactions)
		}
	}
	return st, nil
}

func (s *Store) UserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, model.E(model.KindNotFound, "user not found")
	}
	st := &model.UserStats{UserID: userID}
	for _, c := range s.chats {
		if c.HasMember(userID) {
			st.ChatCount++
		}
	}
	for _, m := range s.messages {
		if m.SenderID == userID {
			st.MessageCount++
		}
		for _, r := range m.Reactions {
			if r.UserID == userID {
				st.ReactionCount++
			}
		}
	}
	return st, nil
}

func window[T any](rows []T, skip, limit int) []T {
	if skip > 0 {
		if skip >= len(rows) {
			return nil
		}
		rows = rows[skip:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
