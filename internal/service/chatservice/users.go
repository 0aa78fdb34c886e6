package chatservice

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jklint/chatterd/internal/model"
)

// RegisterUser creates an account with a hashed password. Username clashes
// surface as KindConflict from the store.
func (s *Service) RegisterUser(ctx context.Context, in model.UserCreate) (*model.User, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	hash, err := s.Security.HashPassword(ctx, in.Password)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	u := &model.User{
		ID:             uuid.NewString(),
		Username:       in.Username,
		Email:          in.Email,
		FullName:       in.FullName,
		HashedPassword: hash,
		Status:         model.StatusOffline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := s.Store.CreateUser(ctx, u)
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", created.ID).Str("username", created.Username).Msg("user registered")
	return created, nil
}

// AuthenticateUser verifies credentials and returns a signed bearer token.
// Unknown usernames and wrong passwords are indistinguishable to callers.
func (s *Service) AuthenticateUser(ctx context.Context, username, password string) (string, *model.User, error) {
	u, err := s.Store.GetUserByUsername(ctx, username)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return "", nil, model.E(model.KindAuth, "incorrect username or password")
		}
		return "", nil, err
	}
	if !s.Security.VerifyPassword(ctx, password, u.HashedPassword) {
		return "", nil, model.E(model.KindAuth, "incorrect username or password")
	}
	token, err := s.Security.CreateToken(u.ID)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.Store.GetUser(ctx, id)
}

// UpdateUser patches the caller's own profile. A new password is hashed
// before it reaches the store.
func (s *Service) UpdateUser(ctx context.Context, userID string, in model.UserUpdate) (*model.User, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	p := model.UserPatch{Email: in.Email, FullName: in.FullName}
	if in.Password != nil {
		hash, err := s.Security.HashPassword(ctx, *in.Password)
		if err != nil {
			return nil, err
		}
		p.HashedPassword = &hash
	}
	return s.Store.UpdateUser(ctx, userID, p)
}

// UpdateUserStatus sets the caller's presence status.
func (s *Service) UpdateUserStatus(ctx context.Context, userID string, status model.Status) (*model.User, error) {
	if !status.Valid() {
		return nil, model.Ef(model.KindValidation, "invalid status %q", status)
	}
	return s.Store.UpdateUser(ctx, userID, model.UserPatch{Status: &status})
}

// UserStats reports the caller's own activity counters.
func (s *Service) UserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	return s.Store.UserStats(ctx, userID)
}
