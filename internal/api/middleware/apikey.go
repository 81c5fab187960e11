package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

const adminKey contextKey = "admin"

// APIKeyAuth is middleware that validates API key authentication.
//
// When keys are configured (AGENTSERVER_API_KEYS or AGENTSERVER_ADMIN_KEYS),
// all requests to /api/v1/* must include a valid key via:
//   - Authorization: Bearer <key>
//   - X-API-Key: <key>
//   - api_key query parameter
//
// /health and /version are always public. Admin keys are valid API keys
// and additionally mark the request as admin (see IsAdmin).
type APIKeyAuth struct {
	mu     sync.RWMutex
	keys   map[string]bool
	admins map[string]bool
}

// NewAPIKeyAuth creates an API key auth middleware from the given keys.
func NewAPIKeyAuth(keys, adminKeys []string) *APIKeyAuth {
	auth := &APIKeyAuth{
		keys:   make(map[string]bool),
		admins: make(map[string]bool),
	}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			auth.keys[k] = true
		}
	}
	for _, k := range adminKeys {
		if k = strings.TrimSpace(k); k != "" {
			auth.admins[k] = true
		}
	}
	return auth
}

// Enabled returns whether API key auth is active.
func (a *APIKeyAuth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0 || len(a.admins) > 0
}

// AdminEnabled reports whether admin keys are configured. Without them
// admin routes are open to every authenticated caller.
func (a *APIKeyAuth) AdminEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.admins) > 0
}

// AddKey adds a new API key at runtime.
func (a *APIKeyAuth) AddKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = true
}

// RemoveKey removes an API key at runtime.
func (a *APIKeyAuth) RemoveKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, key)
}

// Middleware returns an http.Handler middleware that enforces API key auth.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, true)))
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := extractAPIKey(r)
		if apiKey == "" {
			respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}

		admin := a.match(a.admins, apiKey)
		if !admin && !a.match(a.keys, apiKey) {
			respondUnauthorized(w, "Invalid API key.")
			return
		}
		if !a.AdminEnabled() {
			admin = true
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, admin)))
	})
}

// RequireAdmin rejects requests that did not authenticate with an admin key.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "forbidden",
				"message": "Admin key required.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IsAdmin reports whether the request carries admin rights.
func IsAdmin(ctx context.Context) bool {
	v, _ := ctx.Value(adminKey).(bool)
	return v
}

func (a *APIKeyAuth) match(set map[string]bool, candidate string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for key := range set {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/version"
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentserver"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
