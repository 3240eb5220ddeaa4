package router

import (
	"log/slog"

	"github.com/mealmesh/mealmesh/internal/event"
	"github.com/mealmesh/mealmesh/internal/metrics"
	"github.com/mealmesh/mealmesh/pkg/state"
)

// Router pushes typed events into rooms. Delivery is best-effort: each
// connection's outbound queue absorbs or drops the frame independently, so a
// slow peer never blocks delivery to the rest of the room.
type Router struct {
	logger   *slog.Logger
	registry state.Registry
	metrics  *metrics.Metrics
}

func New(logger *slog.Logger, registry state.Registry, m *metrics.Metrics) *Router {
	return &Router{
		logger:   logger.With(slog.String("component", "room_router")),
		registry: registry,
		metrics:  m,
	}
}

// Emit pushes one event to every live connection currently in the room. The
// membership snapshot is taken once, so each connection receives at most one
// copy of this emission. Failures are local to the affected connection.
func (r *Router) Emit(roomName string, kind event.Kind, payload any) {
	frame, err := event.Marshal(kind, payload)
	if err != nil {
		r.logger.Error("failed to marshal event", slog.String("kind", string(kind)), slog.Any("error", err))
		return
	}

	conns := r.registry.RoomSnapshot(roomName)
	if len(conns) == 0 {
		// Nobody home. Events are fire-and-forget; absent participants
		// re-fetch state on reconnect instead of replaying.
		return
	}

	for _, conn := range conns {
		if !conn.Send(frame) {
			if r.metrics != nil {
				r.metrics.SendsDropped.Inc()
			}
			r.logger.Debug("best-effort send failed",
				slog.String("room", roomName),
				slog.String("kind", string(kind)),
				slog.String("connID", conn.ID().String()),
			)
		}
	}
	if r.metrics != nil {
		r.metrics.EventsEmitted.WithLabelValues(string(kind)).Inc()
	}
	r.logger.Debug("event emitted",
		slog.String("room", roomName),
		slog.String("kind", string(kind)),
		slog.Int("connections", len(conns)),
	)
}

// EmitToParticipant pushes to a participant's private channel.
func (r *Router) EmitToParticipant(participantID string, kind event.Kind, payload any) {
	r.Emit(state.ParticipantRoom(participantID), kind, payload)
}
