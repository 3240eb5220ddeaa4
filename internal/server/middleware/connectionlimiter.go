package middleware

import (
	"log/slog"
	"net/http"

	"github.com/mealmesh/mealmesh/pkg/config"
)

type ConnectionCounter func(participantID string) (int, error)
type ConnectionCycler func(participantID string)

// NewConnectionLimiter caps concurrent connections per participant. Extra
// browser tabs are fine up to the cap; past it, either the request is
// rejected or the participant's oldest connection is cycled out.
// Must run after the auth middleware, which fills in the participant id.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter ConnectionCounter,
	cycler ConnectionCycler,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerParticipant <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if reqMeta.ParticipantID == "" {
				logger.Warn("connection limiter could not determine participant from metadata; blocking request for safety.")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			count, err := counter(reqMeta.ParticipantID)
			if err != nil {
				logger.Error("connection limiter failed to get connection count", slog.Any("error", err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if count < cfg.MaxPerParticipant {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("participant connection limit reached",
				slog.String("participantID", reqMeta.ParticipantID),
				slog.Int("count", count),
			)
			switch cfg.Mode {
			case "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case "cycle":
				cycler(reqMeta.ParticipantID)
				next.ServeHTTP(w, r)
			default:
				logger.Error("invalid connection limit mode configured", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
