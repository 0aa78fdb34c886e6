package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	userIDKey        contextKey = "userId"
	correlationIDKey contextKey = "correlationId"
)

// CorrelationMiddleware reads X-Correlation-ID header and adds it to context.
// Generates a new correlation ID if the client doesn't provide one, enabling
// end-to-end request tracing across client and server logs.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Echo to response headers for client verification
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation ID from context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

// requireAuth verifies the bearer token and stashes the subject user id in
// the request context. Everything behind it can trust UserID(ctx).
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := ""
		if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			tok = h[7:]
		}
		if tok == "" {
			writeError(w, r, http.StatusUnauthorized, "not authenticated")
			return
		}

		uid, err := s.Service.Security.DecodeToken(tok)
		if err != nil {
			log.Ctx(r.Context()).Warn().Err(err).Msg("token rejected")
			writeError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, uid)
		logger := log.Ctx(ctx).With().Str("user_id", uid).Logger()
		ctx = logger.WithContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID extracts the authenticated user id from request context. Empty
// only before requireAuth has run.
func UserID(ctx context.Context) string {
	if uid, ok := ctx.Value(userIDKey).(string); ok {
		return uid
	}
	return ""
}
