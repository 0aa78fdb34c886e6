package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jklint/chatterd/internal/model"
)

// ============================================================================
// Chat REST Handlers
// ============================================================================

// CreateChat handles POST /chats
func (s *Server) CreateChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in model.ChatCreate
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, r, err)
		return
	}

	chat, err := s.Service.CreateChat(ctx, UserID(ctx), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chat)
}

// ListChats handles GET /chats
func (s *Server) ListChats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	skip := parseSkip(r.URL.Query().Get("skip"))
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)

	chats, err := s.Service.GetUserChats(ctx, UserID(ctx), skip, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chats)
}

// GetChat handles GET /chats/{chatID}
func (s *Server) GetChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	chat, err := s.Service.GetChat(ctx, UserID(ctx), chi.URLParam(r, "chatID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chat)
}

// UpdateChat handles PUT /chats/{chatID}
func (s *Server) UpdateChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in model.ChatUpdate
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, r, err)
		return
	}

	chat, err := s.Service.UpdateChat(ctx, UserID(ctx), chi.URLParam(r, "chatID"), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, chat)
}

// DeleteChat handles DELETE /chats/{chatID}
func (s *Server) DeleteChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.Service.DeleteChat(ctx, UserID(ctx), chi.URLParam(r, "chatID")); err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// AddMember handles POST /chats/{chatID}/members/{userID}
func (s *Server) AddMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	role := model.Role(r.URL.Query().Get("role"))
	err := s.Service.AddChatMember(ctx, UserID(ctx), chi.URLParam(r, "chatID"), chi.URLParam(r, "userID"), role)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RemoveMember handles DELETE /chats/{chatID}/members/{userID}
func (s *Server) RemoveMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	err := s.Service.RemoveChatMember(ctx, UserID(ctx), chi.URLParam(r, "chatID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ChatMessages handles GET /chats/{chatID}/messages
func (s *Server) ChatMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := model.MessageQuery{
		BeforeID: r.URL.Query().Get("before_id"),
		AfterID:  r.URL.Query().Get("after_id"),
		Skip:     parseSkip(r.URL.Query().Get("skip")),
		Limit:    parseLimit(r.URL.Query().Get("limit"), 50, 200),
	}

	msgs, err := s.Service.GetChatMessages(ctx, UserID(ctx), chi.URLParam(r, "chatID"), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, msgs)
}

// MarkChatRead handles POST /chats/{chatID}/read
func (s *Server) MarkChatRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in struct {
		MessageIDs  []string `json:"message_ids"`
		ReadUntilID string   `json:"read_until_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, r, err)
		return
	}

	_, err := s.Service.MarkMessagesRead(ctx, UserID(ctx), chi.URLParam(r, "chatID"), in.MessageIDs, in.ReadUntilID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// PinnedMessages handles GET /chats/{chatID}/pinned
func (s *Server) PinnedMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msgs, err := s.Service.GetPinnedMessages(ctx, UserID(ctx), chi.URLParam(r, "chatID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, msgs)
}

// Typing handles POST /chats/{chatID}/typing
func (s *Server) Typing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	isTyping := r.URL.Query().Get("is_typing") != "false"
	err := s.Service.TypingIndicator(ctx, UserID(ctx), chi.URLParam(r, "chatID"), isTyping)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ChatStats handles GET /stats/chat/{chatID}
func (s *Server) ChatStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.Service.ChatStats(ctx, UserID(ctx), chi.URLParam(r, "chatID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
