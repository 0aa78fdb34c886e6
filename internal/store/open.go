package store

import (
	"context"

	"github.com/jklint/chatterd/internal/config"
	"github.com/jklint/chatterd/internal/model"
	"github.com/jklint/chatterd/internal/store/memory"
	"github.com/jklint/chatterd/internal/store/mongo"
	"github.com/jklint/chatterd/internal/store/postgres"
)

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
	_ Store = (*mongo.Store)(nil)
)

// Open builds the driver selected by database_type and runs Init on it.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	var s Store
	switch cfg.DatabaseType {
	case "memory":
		s = memory.New()
	case "sql":
		ps, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s = ps
	case "document":
		ms, err := mongo.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s = ms
	default:
		return nil, model.Ef(model.KindConfig, "unknown database_type %q", cfg.DatabaseType)
	}
	if err := s.Init(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}
