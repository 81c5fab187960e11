package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// UserKey is the context key for the user namespace.
const UserKey contextKey = "user"

// UserExtractor resolves the user namespace of a request from the X-User
// header, falling back to the user query parameter.
func UserExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get("X-User"))
		if user == "" {
			user = strings.TrimSpace(r.URL.Query().Get("user"))
		}
		if user == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserKey, user)))
	})
}

// GetUser retrieves the user namespace from the request context, or "".
func GetUser(ctx context.Context) string {
	if v, ok := ctx.Value(UserKey).(string); ok {
		return v
	}
	return ""
}
