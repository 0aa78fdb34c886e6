package httpapi

import (
	"net/http"

	"github.com/jklint/chatterd/internal/model"
)

// ============================================================================
// Account & Auth REST Handlers
// ============================================================================

// Register handles POST /register
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in model.UserCreate
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, r, err)
		return
	}

	user, err := s.Service.RegisterUser(ctx, in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// Token handles POST /token (form-encoded username/password)
func (s *Server) Token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid form body")
		return
	}

	token, _, err := s.Service.AuthenticateUser(ctx, r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

// Me handles GET /users/me
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, err := s.Service.GetUser(ctx, UserID(ctx))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// UpdateMe handles PUT /users/me
func (s *Server) UpdateMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in model.UserUpdate
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, r, err)
		return
	}

	user, err := s.Service.UpdateUser(ctx, UserID(ctx), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// UpdateStatus handles PUT /users/me/status
func (s *Server) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in struct {
		Status model.Status `json:"status"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeServiceError(w, r, err)
		return
	}

	user, err := s.Service.UpdateUserStatus(ctx, UserID(ctx), in.Status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]model.Status{"status": user.Status})
}

// UserStats handles GET /stats/user
func (s *Server) UserStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.Service.UserStats(ctx, UserID(ctx))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
