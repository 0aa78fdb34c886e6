// Package blob stores message attachments. Drivers are deliberately dumb:
// bytes in, opaque location out. Validation (size, extension) happens in the
// orchestrator before Save is ever called.
package blob

import (
	"context"
	"mime"
	"path/filepath"

	"github.com/jklint/chatterd/internal/config"
	"github.com/jklint/chatterd/internal/model"
)

// Store is the attachment backend.
type Store interface {
	// Save persists data and returns the location to stamp on the
	// attachment record.
	Save(ctx context.Context, data []byte, name, contentType string) (string, error)
	// Fetch returns the stored bytes; Kind=NotFound when the location is
	// unknown.
	Fetch(ctx context.Context, location string) ([]byte, error)
	// Delete removes the object and reports whether it existed.
	Delete(ctx context.Context, location string) (bool, error)
}

// Open builds the driver selected by storage_type.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.StorageType {
	case "local":
		return NewLocal(cfg.StoragePath)
	case "s3":
		return NewS3(cfg.S3Bucket, cfg.S3Region)
	default:
		return nil, model.Ef(model.KindConfig, "unknown storage_type %q", cfg.StorageType)
	}
}

// ContentTypeFor guesses a MIME type from the file extension, falling back
// to application/octet-stream.
func ContentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
