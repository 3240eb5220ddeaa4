package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/mealmesh/mealmesh/internal/auth"
)

// NewAuthMiddleware gates admission on a verified bearer credential. The
// token travels out-of-band from message payloads: in the Authorization
// header, or — for browser WebSocket clients, which cannot set headers — in
// the `token` query parameter of the handshake request. Verification happens
// here exactly once per connection; a failure refuses the upgrade before any
// registry admission can occur.
func NewAuthMiddleware(logger *slog.Logger, verifier auth.Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				logger.Warn("credential missing in request", slog.String("ip", reqMeta.IP))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}

			identity, err := verifier.VerifyCredential(tokenString)
			if err != nil {
				logger.Warn("credential rejected", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.ParticipantID = identity.ParticipantID
			reqMeta.Role = identity.Role
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
