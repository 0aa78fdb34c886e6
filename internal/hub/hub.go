// Package hub is the connection fan-out engine: it tracks live sessions,
// the user/session and chat/session indices, and delivers typed events to
// the right recipient sets.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jklint/chatterd/internal/metrics"
)

// Session is one live client connection. Implementations must be comparable
// (pointer receivers) and safe for concurrent Send/Close.
type Session interface {
	ID() string
	UserID() string
	// Send queues one event for delivery. An error means the session is
	// unusable and will be purged by the hub.
	Send(Event) error
	Close() error
}

// Hub maintains the four connection indices. All index mutations happen
// under one RWMutex; broadcasts snapshot the recipient list and release the
// lock before writing, so a slow session never stalls the engine.
type Hub struct {
	mu           sync.RWMutex
	userSessions map[string]map[Session]struct{}
	chatSessions map[string]map[Session]struct{}
	sessionChats map[Session]map[string]struct{}
	sessionUser  map[Session]string
	lastSeen     map[Session]time.Time

	pingInterval time.Duration
	metrics      *metrics.Metrics
}

// New builds an empty hub. pingInterval drives the keepalive loop; sessions
// silent for more than twice that are considered dead.
func New(pingInterval time.Duration, m *metrics.Metrics) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Hub{
		userSessions: make(map[string]map[Session]struct{}),
		chatSessions: make(map[string]map[Session]struct{}),
		sessionChats: make(map[Session]map[string]struct{}),
		sessionUser:  make(map[Session]string),
		lastSeen:     make(map[Session]time.Time),
		pingInterval: pingInterval,
		metrics:      m,
	}
}

// Connect registers a session for userID, greets it with a connected frame,
// and announces the user online to every chat room in memberOf.
func (h *Hub) Connect(sess Session, userID string, memberOf []string) {
	h.mu.Lock()
	if h.userSessions[userID] == nil {
		h.userSessions[userID] = make(map[Session]struct{})
	}
	h.userSessions[userID][sess] = struct{}{}
	h.sessionUser[sess] = userID
	h.sessionChats[sess] = make(map[string]struct{})
	h.lastSeen[sess] = time.Now()
	h.mu.Unlock()

	h.metrics.ActiveSessions.Inc()
	log.Debug().Str("session_id", sess.ID()).Str("user_id", userID).Msg("session connected")

	h.trySend(sess, Connected(userID))
	online := UserOnline(userID)
	for _, chatID := range memberOf {
		h.BroadcastToChat(chatID, online)
	}
}

// Disconnect removes the session from every index. No frame is sent to the
// closing peer. The user-offline announcement fires only when this was the
// user's last session.
func (h *Hub) Disconnect(sess Session, userID string, memberOf []string) {
	h.mu.Lock()
	_, known := h.sessionUser[sess]
	h.removeLocked(sess)
	last := known && len(h.userSessions[userID]) == 0
	h.mu.Unlock()

	if !known {
		return
	}
	h.metrics.ActiveSessions.Dec()
	log.Debug().Str("session_id", sess.ID()).Str("user_id", userID).Bool("last", last).Msg("session disconnected")

	if last {
		offline := UserOffline(userID)
		for _, chatID := range memberOf {
			h.BroadcastToChat(chatID, offline)
		}
	}
}

// removeLocked erases every trace of sess. Caller holds the write lock.
func (h *Hub) removeLocked(sess Session) {
	uid, ok := h.sessionUser[sess]
	if !ok {
		return
	}
	delete(h.sessionUser, sess)
	delete(h.lastSeen, sess)
	if set := h.userSessions[uid]; set != nil {
		delete(set, sess)
		if len(set) == 0 {
			delete(h.userSessions, uid)
		}
	}
	for chatID := range h.sessionChats[sess] {
		if set := h.chatSessions[chatID]; set != nil {
			delete(set, sess)
			if len(set) == 0 {
				delete(h.chatSessions, chatID)
			}
		}
	}
	delete(h.sessionChats, sess)
}

// JoinChat subscribes a known session to a chat room. Membership has
// already been authorized by the caller.
func (h *Hub) JoinChat(sess Session, chatID string) bool {
	h.mu.Lock()
	if _, known := h.sessionUser[sess]; !known {
		h.mu.Unlock()
		return false
	}
	if h.chatSessions[chatID] == nil {
		h.chatSessions[chatID] = make(map[Session]struct{})
	}
	h.chatSessions[chatID][sess] = struct{}{}
	h.sessionChats[sess][chatID] = struct{}{}
	h.mu.Unlock()

	h.trySend(sess, ChatJoined(chatID))
	return true
}

// LeaveChat unsubscribes the session from a chat room.
func (h *Hub) LeaveChat(sess Session, chatID string) {
	h.mu.Lock()
	if _, known := h.sessionUser[sess]; !known {
		h.mu.Unlock()
		return
	}
	if set := h.chatSessions[chatID]; set != nil {
		delete(set, sess)
		if len(set) == 0 {
			delete(h.chatSessions, chatID)
		}
	}
	delete(h.sessionChats[sess], chatID)
	h.mu.Unlock()

	h.trySend(sess, ChatLeft(chatID))
}

// BroadcastToChat delivers ev to every session joined to the chat room.
// Best effort: failed recipients are purged, the rest still receive.
func (h *Hub) BroadcastToChat(chatID string, ev Event) {
	h.mu.RLock()
	targets := make([]Session, 0, len(h.chatSessions[chatID]))
	for s := range h.chatSessions[chatID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.trySend(s, ev)
	}
}

// BroadcastToChatExcept is BroadcastToChat minus every session of
// exceptUserID; used for typing indicators so authors never see their own.
func (h *Hub) BroadcastToChatExcept(chatID string, ev Event, exceptUserID string) {
	h.mu.RLock()
	targets := make([]Session, 0, len(h.chatSessions[chatID]))
	for s := range h.chatSessions[chatID] {
		if h.sessionUser[s] == exceptUserID {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.trySend(s, ev)
	}
}

// SendToUser delivers ev to every session of the user, joined or not.
func (h *Hub) SendToUser(userID string, ev Event) {
	h.mu.RLock()
	targets := make([]Session, 0, len(h.userSessions[userID]))
	for s := range h.userSessions[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.trySend(s, ev)
	}
}

// SendToUserExceptChat delivers ev only to the user's sessions that are NOT
// joined to chatID: the inbox-ping path for members outside the room.
func (h *Hub) SendToUserExceptChat(userID, chatID string, ev Event) {
	h.mu.RLock()
	targets := make([]Session, 0, len(h.userSessions[userID]))
	for s := range h.userSessions[userID] {
		if _, joined := h.sessionChats[s][chatID]; joined {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.trySend(s, ev)
	}
}

// SendToSession writes one event to a single session, with the same
// purge-on-failure behavior as the broadcast paths. Reports delivery.
func (h *Hub) SendToSession(sess Session, ev Event) bool {
	return h.trySend(sess, ev)
}

// trySend writes one event; on failure the session is purged and closed.
func (h *Hub) trySend(sess Session, ev Event) bool {
	if err := sess.Send(ev); err != nil {
		h.metrics.SendFailures.Inc()
		log.Warn().Err(err).Str("session_id", sess.ID()).Str("event", ev.Type()).Msg("session write failed, purging")
		h.purge(sess)
		return false
	}
	h.metrics.EventsSent.WithLabelValues(ev.Type()).Inc()
	return true
}

// purge drops a dead session from all indices and closes it.
func (h *Hub) purge(sess Session) {
	h.mu.Lock()
	_, known := h.sessionUser[sess]
	h.removeLocked(sess)
	h.mu.Unlock()
	if known {
		h.metrics.ActiveSessions.Dec()
		h.metrics.SessionsPurged.Inc()
	}
	_ = sess.Close()
}

// Touch records inbound activity; the keepalive loop treats quiet sessions
// as dead after two missed ping intervals.
func (h *Hub) Touch(sess Session) {
	h.mu.Lock()
	if _, known := h.sessionUser[sess]; known {
		h.lastSeen[sess] = time.Now()
	}
	h.mu.Unlock()
}

// IsUserOnline reports whether the user has at least one live session.
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userSessions[userID]) > 0
}

// OnlineUsers filters userIDs down to those with at least one live session.
func (h *Hub) OnlineUsers(userIDs []string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var online []string
	for _, uid := range userIDs {
		if len(h.userSessions[uid]) > 0 {
			online = append(online, uid)
		}
	}
	return online
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessionUser)
}

// Run drives the keepalive loop until ctx is cancelled: each tick pings
// every session and purges the ones that missed two intervals of activity.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(time.Now())
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	idleCutoff := now.Add(-2 * h.pingInterval)

	h.mu.RLock()
	live := make([]Session, 0, len(h.sessionUser))
	var idle []Session
	for s := range h.sessionUser {
		if h.lastSeen[s].Before(idleCutoff) {
			idle = append(idle, s)
			continue
		}
		live = append(live, s)
	}
	h.mu.RUnlock()

	for _, s := range idle {
		log.Info().Str("session_id", s.ID()).Msg("session idle, closing")
		h.purge(s)
	}
	ping := Ping()
	for _, s := range live {
		h.trySend(s, ping)
	}
}

// Close shuts every session down and clears all indices.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]Session, 0, len(h.sessionUser))
	for s := range h.sessionUser {
		sessions = append(sessions, s)
	}
	h.userSessions = make(map[string]map[Session]struct{})
	h.chatSessions = make(map[string]map[Session]struct{})
	h.sessionChats = make(map[Session]map[string]struct{})
	h.sessionUser = make(map[Session]string)
	h.lastSeen = make(map[Session]time.Time)
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
		h.metrics.ActiveSessions.Dec()
	}
	log.Info().Int("sessions", len(sessions)).Msg("hub closed")
}
