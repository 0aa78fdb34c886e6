package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jklint/chatterd/internal/blob"
	"github.com/jklint/chatterd/internal/config"
	"github.com/jklint/chatterd/internal/hub"
	"github.com/jklint/chatterd/internal/metrics"
	"github.com/jklint/chatterd/internal/security"
	"github.com/jklint/chatterd/internal/service/chatservice"
	"github.com/jklint/chatterd/internal/store/memory"
)

const testPassword = "Password123!"

// newTestServer wires a full in-memory stack behind the real router.
func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()

	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	cfg.StoragePath = t.TempDir()

	sec, err := security.New(security.Config{TokenSecret: cfg.JWTSecret, TokenTTL: cfg.TokenTTL()})
	if err != nil {
		t.Fatalf("security.New: %v", err)
	}
	bl, err := blob.NewLocal(cfg.StoragePath)
	if err != nil {
		t.Fatalf("blob.NewLocal: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := chatservice.New(memory.New(), hub.New(cfg.PingInterval(), m), sec, bl, cfg, m)

	srv := &Server{Service: svc, Config: cfg, Registry: reg}
	return srv, srv.Routes()
}

// doJSON performs a JSON request against the router; token may be empty.
func doJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// decodeBody unmarshals a recorded JSON response.
func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

// registerAndLogin creates a user through the API and returns (id, token).
func registerAndLogin(t *testing.T, router http.Handler, username string) (string, string) {
	t.Helper()

	w := doJSON(t, router, "POST", "/register", "", map[string]string{
		"username":  username,
		"email":     username + "@example.com",
		"password":  testPassword,
		"full_name": username,
	})
	if w.Code != 200 {
		t.Fatalf("register %s: status %d body %s", username, w.Code, w.Body.String())
	}
	user := decodeBody[map[string]any](t, w)
	id, _ := user["id"].(string)
	if id == "" {
		t.Fatalf("register %s: no id in %s", username, w.Body.String())
	}

	form := url.Values{"username": {username}, "password": {testPassword}}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	tok := decodeBody[map[string]string](t, rec)
	return id, tok["access_token"]
}

// createChat makes a group chat through the API and returns its id.
func createChat(t *testing.T, router http.Handler, token, name string, memberIDs []string) string {
	t.Helper()

	w := doJSON(t, router, "POST", "/chats", token, map[string]any{
		"chat_type":  "group",
		"name":       name,
		"member_ids": memberIDs,
	})
	if w.Code != 200 {
		t.Fatalf("create chat %s: status %d body %s", name, w.Code, w.Body.String())
	}
	chat := decodeBody[map[string]any](t, w)
	id, _ := chat["id"].(string)
	if id == "" {
		t.Fatalf("create chat %s: no id in %s", name, w.Body.String())
	}
	return id
}
