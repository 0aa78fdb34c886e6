package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jklint/chatterd/internal/blob"
	"github.com/jklint/chatterd/internal/model"
)

// ============================================================================
// Message REST Handlers
// ============================================================================

// SendMessage handles POST /messages
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in model.MessageCreate
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, r, err)
		return
	}

	msg, err := s.Service.SendMessage(ctx, UserID(ctx), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// UpdateMessage handles PUT /messages/{messageID}
func (s *Server) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in model.MessageUpdate
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, r, err)
		return
	}

	msg, err := s.Service.UpdateMessage(ctx, UserID(ctx), chi.URLParam(r, "messageID"), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// DeleteMessage handles DELETE /messages/{messageID}
func (s *Server) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	forEveryone := r.URL.Query().Get("for_everyone") == "true"
	err := s.Service.DeleteMessage(ctx, UserID(ctx), chi.URLParam(r, "messageID"), forEveryone)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// MarkMessageRead handles POST /messages/{messageID}/read
func (s *Server) MarkMessageRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)
	messageID := chi.URLParam(r, "messageID")

	msg, err := s.Service.GetMessage(ctx, userID, messageID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	_, err = s.Service.MarkMessagesRead(ctx, userID, msg.ChatID, []string{messageID}, "")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// AddReaction handles POST /messages/{messageID}/reactions/{reactionType}
func (s *Server) AddReaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	reaction, err := s.Service.AddReaction(ctx, UserID(ctx), chi.URLParam(r, "messageID"), chi.URLParam(r, "reactionType"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, reaction)
}

// RemoveReaction handles DELETE /messages/{messageID}/reactions/{reactionType}
func (s *Server) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	removed, err := s.Service.RemoveReaction(ctx, UserID(ctx), chi.URLParam(r, "messageID"), chi.URLParam(r, "reactionType"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": removed})
}

// PinMessage handles POST /messages/{messageID}/pin
func (s *Server) PinMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msg, err := s.Service.PinMessage(ctx, UserID(ctx), chi.URLParam(r, "messageID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// UnpinMessage handles POST /messages/{messageID}/unpin
func (s *Server) UnpinMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	msg, err := s.Service.UnpinMessage(ctx, UserID(ctx), chi.URLParam(r, "messageID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// Search handles GET /search
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := r.URL.Query().Get("query")
	chatID := r.URL.Query().Get("chat_id")
	skip := parseSkip(r.URL.Query().Get("skip"))
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 100)

	msgs, err := s.Service.SearchMessages(ctx, UserID(ctx), query, chatID, skip, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, msgs)
}

// ============================================================================
// File REST Handlers
// ============================================================================

// Upload handles POST /uploads (multipart form: chat_id, file)
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(s.Config.MaxFileBytes() + (1 << 20)); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	// Read one byte past the cap so the size check downstream still fires.
	data, err := io.ReadAll(io.LimitReader(file, s.Config.MaxFileBytes()+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read file")
		return
	}

	att, err := s.Service.UploadFile(ctx, UserID(ctx), r.FormValue("chat_id"), header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, att)
}

// SendFileMessage handles POST /messages/file
func (s *Server) SendFileMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in struct {
		ChatID      string `json:"chat_id"`
		Location    string `json:"location"`
		FileName    string `json:"file_name"`
		ContentType string `json:"content_type"`
		Size        int64  `json:"size"`
		Caption     string `json:"caption"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, r, err)
		return
	}

	att := model.Attachment{
		Location:    in.Location,
		FileName:    in.FileName,
		ContentType: in.ContentType,
		Size:        in.Size,
	}
	msg, err := s.Service.SendFileMessage(ctx, UserID(ctx), in.ChatID, att, in.Caption)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, msg)
}

// DownloadFile handles GET /files/{location}
func (s *Server) DownloadFile(w http.ResponseWriter, r *http.Request) {
	location := chi.URLParam(r, "location")

	data, err := s.Service.Blob.Fetch(r.Context(), location)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", blob.ContentTypeFor(location))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
