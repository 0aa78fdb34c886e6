package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Routes creates the HTTP router: public auth endpoints, the authenticated
// REST surface and the WebSocket entry point.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	// Health check and metrics (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))

	// Auth endpoints, rate limited per client IP
	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(RateLimitInfo{WindowSeconds: 60, MaxRequests: 30, Burst: 10}))

		r.Post("/register", s.Register)
		r.Post("/token", s.Token)
	})

	// WebSocket authenticates via the query token inside the handler
	r.Get("/ws/{userID}", s.WebSocket)

	// Everything else requires a bearer token
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		// Users
		r.Get("/users/me", s.Me)
		r.Put("/users/me", s.UpdateMe)
		r.Put("/users/me/status", s.UpdateStatus)

		// Chats
		r.Post("/chats", s.CreateChat)
		r.Get("/chats", s.ListChats)
		r.Get("/chats/{chatID}", s.GetChat)
		r.Put("/chats/{chatID}", s.UpdateChat)
		r.Delete("/chats/{chatID}", s.DeleteChat)
		r.Post("/chats/{chatID}/members/{userID}", s.AddMember)
		r.Delete("/chats/{chatID}/members/{userID}", s.RemoveMember)
		r.Get("/chats/{chatID}/messages", s.ChatMessages)
		r.Post("/chats/{chatID}/read", s.MarkChatRead)
		r.Get("/chats/{chatID}/pinned", s.PinnedMessages)
		r.Post("/chats/{chatID}/typing", s.Typing)

		// Messages
		r.Post("/messages", s.SendMessage)
		r.Put("/messages/{messageID}", s.UpdateMessage)
		r.Delete("/messages/{messageID}", s.DeleteMessage)
		r.Post("/messages/{messageID}/read", s.MarkMessageRead)
		r.Post("/messages/{messageID}/reactions/{reactionType}", s.AddReaction)
		r.Delete("/messages/{messageID}/reactions/{reactionType}", s.RemoveReaction)
		r.Post("/messages/{messageID}/pin", s.PinMessage)
		r.Post("/messages/{messageID}/unpin", s.UnpinMessage)

		// Files
		r.Post("/uploads", s.Upload)
		r.Post("/messages/file", s.SendFileMessage)
		r.Get("/files/{location}", s.DownloadFile)

		// Search & stats
		r.Get("/search", s.Search)
		r.Get("/stats/chat/{chatID}", s.ChatStats)
		r.Get("/stats/user", s.UserStats)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
