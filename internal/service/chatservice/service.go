// Package chatservice is the domain orchestrator: every mutation of users,
// chats and messages flows through here. Each method loads the affected
// entities, authorizes the caller, validates invariants, persists, and only
// then emits fan-out events. Fan-out problems never surface to callers.
package chatservice

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/jklint/chatterd/internal/blob"
	"github.com/jklint/chatterd/internal/config"
	"github.com/jklint/chatterd/internal/hub"
	"github.com/jklint/chatterd/internal/metrics"
	"github.com/jklint/chatterd/internal/model"
	"github.com/jklint/chatterd/internal/security"
	"github.com/jklint/chatterd/internal/store"
)

// Service wires the persistence, fan-out, security and blob subsystems
// together. Callers are identified by the user id the transport extracted
// from a verified token.
type Service struct {
	Store    store.Store
	Hub      *hub.Hub
	Security *security.Service
	Blob     blob.Store
	Config   *config.Config
	Metrics  *metrics.Metrics

	validate *validator.Validate
}

func New(st store.Store, h *hub.Hub, sec *security.Service, bl blob.Store, cfg *config.Config, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		Store:    st,
		Hub:      h,
		Security: sec,
		Blob:     bl,
		Config:   cfg,
		Metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// check runs struct-tag validation and folds the result into the domain
// error taxonomy.
func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return model.Ef(model.KindValidation, "field %s failed on %s", f.Field(), f.Tag())
	}
	return model.Wrap(model.KindValidation, "invalid request", err)
}

// memberChat loads a chat and asserts the caller belongs to it.
func (s *Service) memberChat(ctx context.Context, chatID, userID string) (*model.Chat, error) {
	c, err := s.Store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !c.HasMember(userID) {
		return nil, model.E(model.KindAuthz, "you are not a member of this chat")
	}
	return c, nil
}

// decryptMessage replaces ciphertext content with plaintext for reads and
// broadcasts. Messages that fail to decrypt keep their stored content; the
// failure is logged, never propagated.
func (s *Service) decryptMessage(c *model.Chat, m *model.Message) {
	if !c.IsEncrypted || !s.Security.EncryptionEnabled() || m.Content == "" || m.IsDeleted {
		return
	}
	plain, err := s.Security.Decrypt(m.Content)
	if err != nil {
		log.Warn().Err(err).Str("message_id", m.ID).Msg("message decrypt failed, returning stored content")
		return
	}
	m.Content = plain
}

// decryptMessages handles a mixed batch (search results span chats): it
// resolves each distinct chat once and decrypts the messages of the
// encrypted ones.
func (s *Service) decryptMessages(ctx context.Context, msgs []*model.Message) {
	if !s.Security.EncryptionEnabled() {
		return
	}
	chats := make(map[string]*model.Chat)
	for _, m := range msgs {
		c, ok := chats[m.ChatID]
		if !ok {
			var err error
			c, err = s.Store.GetChat(ctx, m.ChatID)
			if err != nil {
				log.Warn().Err(err).Str("chat_id", m.ChatID).Msg("chat lookup failed during decrypt")
				chats[m.ChatID] = nil
				continue
			}
			chats[m.ChatID] = c
		}
		if c != nil {
			s.decryptMessage(c, m)
		}
	}
}

// encryptContent returns the ciphertext to persist for an encrypted chat,
// or the plaintext unchanged otherwise.
func (s *Service) encryptContent(c *model.Chat, content string) (string, error) {
	if !c.IsEncrypted || content == "" {
		return content, nil
	}
	return s.Security.Encrypt(content)
}
