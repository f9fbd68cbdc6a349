package core

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"eventmail/internal/types"
)

// APIKeyMiddleware guards operator routes with the configured admin key,
// accepted as "Authorization: Bearer <key>" or "X-Api-Key: <key>". When no
// key is configured every request is rejected.
func (s *Server) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := extractAPIKey(r)
		if presented == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "API key is required", nil))
			return
		}

		expected := ""
		if s.Config != nil {
			expected = s.Config.Security.AdminAPIKey.Unmask()
		}
		if expected == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			s.Logger.WarnContext(r.Context(), "rejected API key",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
