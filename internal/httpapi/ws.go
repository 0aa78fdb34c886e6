package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jklint/chatterd/internal/hub"
)

var (
	errSessionClosed = errors.New("session closed")
	errQueueFull     = errors.New("outbound queue full")
)

// Browsers cannot attach headers to a WebSocket dial, so the token travels
// in the query string and the origin check stays permissive.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientFrame is the envelope for inbound WebSocket frames.
type clientFrame struct {
	Type        string   `json:"type"`
	ChatID      string   `json:"chat_id"`
	IsTyping    bool     `json:"is_typing"`
	MessageIDs  []string `json:"message_ids"`
	ReadUntilID string   `json:"read_until_id"`
	Timestamp   string   `json:"timestamp"`
}

// wsSession adapts one WebSocket connection to the hub. Outbound events are
// queued on a bounded channel drained by a single writer goroutine; a full
// queue means the client stopped reading and the session is shut down.
type wsSession struct {
	id           string
	userID       string
	conn         *websocket.Conn
	out          chan hub.Event
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
}

func newWSSession(conn *websocket.Conn, userID string, queueDepth int, writeTimeout time.Duration) *wsSession {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &wsSession{
		id:           uuid.NewString(),
		userID:       userID,
		conn:         conn,
		out:          make(chan hub.Event, queueDepth),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (s *wsSession) ID() string     { return s.id }
func (s *wsSession) UserID() string { return s.userID }

// Send enqueues an event without blocking. Overflow closes the connection
// with 1013 so the client knows to reconnect and resync.
func (s *wsSession) Send(ev hub.Event) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.out <- ev:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		s.shutdown(websocket.CloseTryAgainLater, "outbound queue overflow")
		return errQueueFull
	}
}

func (s *wsSession) Close() error {
	s.shutdown(websocket.CloseNormalClosure, "")
	return nil
}

// shutdown sends a close frame and tears the connection down exactly once.
// Events still queued are dropped.
func (s *wsSession) shutdown(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		deadline := time.Now().Add(s.writeTimeout)
		s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		s.conn.Close()
	})
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case ev := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.shutdown(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

// WebSocket handles GET /ws/{userID}. The upgrade always succeeds first;
// authentication failures are reported as close code 1008 so clients see a
// proper close frame rather than a failed handshake.
func (s *Server) WebSocket(w http.ResponseWriter, r *http.Request) {
	pathUserID := chi.URLParam(r, "userID")
	logger := log.Ctx(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	token := r.URL.Query().Get("token")
	subject := ""
	if token != "" {
		subject, err = s.Service.Security.DecodeToken(token)
	}
	if token == "" || err != nil || subject != pathUserID {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
		logger.Warn().Str("user_id", pathUserID).Msg("websocket auth rejected")
		return
	}

	sess := newWSSession(conn, subject, s.Config.WebsocketOutboundQueueDepth, s.Config.WriteTimeout())
	go sess.writeLoop()

	s.Service.Hub.Connect(sess, subject, s.memberChatIDs(r.Context(), subject))
	logger.Info().Str("user_id", subject).Str("session_id", sess.ID()).Msg("websocket connected")

	s.readLoop(r.Context(), sess)

	// Membership may have changed while connected; recompute for the
	// offline fan-out. The request context is gone by now.
	s.Service.Hub.Disconnect(sess, subject, s.memberChatIDs(context.Background(), subject))
	sess.shutdown(websocket.CloseNormalClosure, "")
	logger.Info().Str("user_id", subject).Str("session_id", sess.ID()).Msg("websocket disconnected")
}

func (s *Server) memberChatIDs(ctx context.Context, userID string) []string {
	chats, err := s.Service.GetUserChats(ctx, userID, 0, 0)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("failed to load chat membership")
		return nil
	}
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	return ids
}

// readLoop dispatches inbound frames until the connection drops. Frames that
// fail validation or authorization are dropped, not answered.
func (s *Server) readLoop(ctx context.Context, sess *wsSession) {
	logger := log.Ctx(ctx)
	for {
		var frame clientFrame
		if err := sess.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		s.Service.Hub.Touch(sess)

		switch frame.Type {
		case "join_chat":
			// Only members may subscribe to a room.
			if _, err := s.Service.GetChat(ctx, sess.userID, frame.ChatID); err != nil {
				logger.Debug().Err(err).Str("chat_id", frame.ChatID).Msg("join_chat rejected")
				continue
			}
			s.Service.Hub.JoinChat(sess, frame.ChatID)
		case "leave_chat":
			s.Service.Hub.LeaveChat(sess, frame.ChatID)
		case "typing":
			if err := s.Service.TypingIndicator(ctx, sess.userID, frame.ChatID, frame.IsTyping); err != nil {
				logger.Debug().Err(err).Str("chat_id", frame.ChatID).Msg("typing indicator rejected")
			}
		case "read":
			if _, err := s.Service.MarkMessagesRead(ctx, sess.userID, frame.ChatID, frame.MessageIDs, frame.ReadUntilID); err != nil {
				logger.Debug().Err(err).Str("chat_id", frame.ChatID).Msg("read receipt rejected")
			}
		case "ping":
			s.Service.Hub.SendToSession(sess, hub.Pong(frame.Timestamp))
		default:
			// Unknown frame types are ignored.
		}
	}
}
