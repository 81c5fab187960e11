package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentserver/agentserver/internal/api/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil, nil)
	if auth.Enabled() {
		t.Error("Expected auth to be disabled when no keys are configured")
	}

	var admin bool
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin = middleware.IsAdmin(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Disabled auth: status = %d, want %d", w.Code, http.StatusOK)
	}
	if !admin {
		t.Error("Disabled auth should grant admin rights")
	}
}

func TestAPIKeyAuth_ValidKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"test-key-1", " test-key-2 "}, nil)
	if !auth.Enabled() {
		t.Fatal("Expected auth to be enabled")
	}
	handler := auth.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil)
	req.Header.Set("Authorization", "Bearer test-key-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Valid Bearer key: status = %d, want %d", w.Code, http.StatusOK)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil)
	req2.Header.Set("X-API-Key", "test-key-2")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Errorf("Valid X-API-Key: status = %d, want %d", w2.Code, http.StatusOK)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/api/v1/instances?api_key=test-key-1", nil)
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, req3)
	if w3.Code != http.StatusOK {
		t.Errorf("Valid api_key query: status = %d, want %d", w3.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_InvalidAndMissingKey(t *testing.T) {
	handler := middleware.NewAPIKeyAuth([]string{"valid-key"}, nil).Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Invalid key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusUnauthorized {
		t.Errorf("Missing key: status = %d, want %d", w2.Code, http.StatusUnauthorized)
	}
}

func TestAPIKeyAuth_PublicPaths(t *testing.T) {
	handler := middleware.NewAPIKeyAuth([]string{"valid-key"}, nil).Middleware(okHandler())

	for _, path := range []string{"/health", "/version"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Public path %q: status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

func TestAPIKeyAuth_AdminKeys(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"user-key"}, []string{"root-key"})
	handler := auth.Middleware(middleware.RequireAdmin(okHandler()))

	cases := []struct {
		key  string
		want int
	}{
		{"user-key", http.StatusForbidden},
		{"root-key", http.StatusOK},
		{"nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/scheduler/pause", nil)
		req.Header.Set("X-API-Key", tc.key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("key %q: status = %d, want %d", tc.key, w.Code, tc.want)
		}
	}

	// Without admin keys any valid key is admin.
	open := middleware.NewAPIKeyAuth([]string{"user-key"}, nil).Middleware(middleware.RequireAdmin(okHandler()))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/scheduler/pause", nil)
	req.Header.Set("X-API-Key", "user-key")
	w := httptest.NewRecorder()
	open.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("no admin keys: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_AddRemoveKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil, nil)
	if auth.Enabled() {
		t.Fatal("Should start disabled")
	}

	auth.AddKey("runtime-key")
	if !auth.Enabled() {
		t.Error("Should be enabled after AddKey")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil)
	req.Header.Set("X-API-Key", "runtime-key")
	w := httptest.NewRecorder()
	auth.Middleware(okHandler()).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Runtime key: status = %d, want %d", w.Code, http.StatusOK)
	}

	auth.RemoveKey("runtime-key")
	if auth.Enabled() {
		t.Error("Should be disabled after removing last key")
	}
}

func TestUserExtractor(t *testing.T) {
	var got string
	handler := middleware.UserExtractor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = middleware.GetUser(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/instances?user=bob", nil)
	req.Header.Set("X-User", " alice ")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != "alice" {
		t.Errorf("GetUser() = %q, want alice", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/instances?user=bob", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != "bob" {
		t.Errorf("GetUser() = %q, want bob", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != "" {
		t.Errorf("GetUser() = %q, want empty", got)
	}
}
