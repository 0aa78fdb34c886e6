package blob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jklint/chatterd/internal/model"
)

// Local keeps blobs as flat files under a root directory. Stored names are
// random UUIDs plus the original extension, so locations never leak user
// input into the filesystem.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, model.E(model.KindConfig, "storage_path is required for local storage")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, model.Wrap(model.KindStorage, "create storage root", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) Save(ctx context.Context, data []byte, name, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", model.Wrap(model.KindStorage, "save cancelled", err)
	}
	location := uuid.NewString() + strings.ToLower(filepath.Ext(name))
	if err := os.WriteFile(filepath.Join(l.root, location), data, 0o644); err != nil {
		return "", model.Wrap(model.KindStorage, "write blob", err)
	}
	return location, nil
}

func (l *Local) Fetch(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Wrap(model.KindStorage, "fetch cancelled", err)
	}
	path, err := l.resolve(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.Ef(model.KindNotFound, "file %s not found", location)
	}
	if err != nil {
		return nil, model.Wrap(model.KindStorage, "read blob", err)
	}
	return data, nil
}

func (l *Local) Delete(ctx context.Context, location string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, model.Wrap(model.KindStorage, "delete cancelled", err)
	}
	path, err := l.resolve(location)
	if err != nil {
		return false, err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, model.Wrap(model.KindStorage, "remove blob", err)
	}
	return true, nil
}

// resolve rejects any location that would escape the storage root.
func (l *Local) resolve(location string) (string, error) {
	if location == "" || strings.Contains(location, "..") {
		return "", model.Ef(model.KindValidation, "invalid file location %q", location)
	}
	path := filepath.Join(l.root, filepath.Clean("/"+location))
	rel, err := filepath.Rel(l.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", model.Ef(model.KindValidation, "invalid file location %q", location)
	}
	return path, nil
}
