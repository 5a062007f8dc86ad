package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/chargebridge/chargebridge/pkg/log"
)

// authMiddleware verifies the Bearer token on API requests when an OIDC
// audience is configured. Without an audience the API is open, which is the
// expected setup when the server only listens on a private interface.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verify == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		token, err := s.verify(ctx, raw)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "rejected API request", slog.Any("error", err))
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		log.Ctx(ctx).DebugContext(ctx, "authenticated API request", slog.String("subject", token.Subject))
		next.ServeHTTP(w, r)
	})
}
