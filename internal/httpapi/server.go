// Package httpapi exposes the REST and WebSocket surface. Handlers stay
// thin: decode, call the orchestrator, map domain errors to status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/jklint/chatterd/internal/config"
	"github.com/jklint/chatterd/internal/model"
	"github.com/jklint/chatterd/internal/service/chatservice"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Service  *chatservice.Service
	Config   *config.Config
	Registry *prometheus.Registry
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError renders the error body shape shared by every endpoint.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

// writeServiceError maps a domain error onto the HTTP taxonomy. Unclassified
// errors never leak internals to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var de *model.Error
	if errors.As(err, &de) {
		code := kindStatus(de.Kind)
		if code >= http.StatusInternalServerError {
			log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		}
		writeError(w, r, code, de.Msg)
		return
	}
	log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, r, http.StatusInternalServerError, "internal server error")
}

func kindStatus(k model.Kind) int {
	switch k {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindAuth:
		return http.StatusUnauthorized
	case model.KindAuthz:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a request body into v; the caller reports the failure.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.Wrap(model.KindValidation, "invalid request body", err)
	}
	return nil
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// parseSkip parses a non-negative offset query param.
func parseSkip(q string) int {
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
