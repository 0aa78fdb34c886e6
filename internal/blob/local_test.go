package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jklint/chatterd/internal/model"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

func TestLocalRoundtrip(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	payload := []byte("fake png bytes")
	loc, err := l.Save(ctx, payload, "Photo.PNG", "image/png")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(loc, ".png") {
		t.Errorf("location %q does not keep the lowercased extension", loc)
	}
	if strings.Contains(loc, "Photo") {
		t.Errorf("location %q leaks the original file name", loc)
	}

	got, err := l.Fetch(ctx, loc)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Fetch = %q, want %q", got, payload)
	}

	existed, err := l.Delete(ctx, loc)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Error("Delete reported the blob missing")
	}
	if _, err := l.Fetch(ctx, loc); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("Fetch after delete: err = %v, want KindNotFound", err)
	}
}

func TestLocalDeleteMissing(t *testing.T) {
	l := newLocal(t)
	existed, err := l.Delete(context.Background(), "nope.bin")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if existed {
		t.Error("Delete reported a missing blob as existing")
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	l := newLocal(t)

	// Plant a file outside the root that a traversal would reach.
	outside := filepath.Join(filepath.Dir(l.root), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("plant outside file: %v", err)
	}

	for _, loc := range []string{"../secret.txt", "..", "a/../../secret.txt", ""} {
		if _, err := l.Fetch(context.Background(), loc); !model.IsKind(err, model.KindValidation) {
			t.Errorf("Fetch(%q): err = %v, want KindValidation", loc, err)
		}
		if _, err := l.Delete(context.Background(), loc); !model.IsKind(err, model.KindValidation) {
			t.Errorf("Delete(%q): err = %v, want KindValidation", loc, err)
		}
	}
}

func TestLocalRequiresRoot(t *testing.T) {
	if _, err := NewLocal(""); !model.IsKind(err, model.KindConfig) {
		t.Errorf("NewLocal(\"\"): err = %v, want KindConfig", err)
	}
}

func TestContentTypeFor(t *testing.T) {
	if ct := ContentTypeFor("a.png"); ct != "image/png" {
		t.Errorf("ContentTypeFor(a.png) = %q", ct)
	}
	if ct := ContentTypeFor("blob"); ct != "application/octet-stream" {
		t.Errorf("ContentTypeFor(blob) = %q", ct)
	}
}
