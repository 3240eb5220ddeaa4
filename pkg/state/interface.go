package state

import (
	"github.com/google/uuid"
)

type Registry interface {
	// --- Connection Lifecycle ---
	// Admit registers a connection under an authenticated identity and joins
	// it to every room derived from that identity. Calling Admit twice for
	// the same connection is a no-op returning the existing record.
	Admit(conn Conn, ipAddr, participantID string, role Role) (*Connection, error)
	// Remove takes the connection out of every room it belongs to. Safe to
	// call for unknown connections; effective exactly once.
	Remove(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	FindOldestParticipantConnection(participantID string) (*Connection, bool)

	// --- Participant Management ---
	FindParticipant(participantID string) (*Participant, bool)
	ParticipantConnectionCount(participantID string) (int, error)
	AllParticipants() ([]*Participant, error)

	// --- Room Membership ---
	// RoomSnapshot returns the live connections currently in a room, with at
	// most one entry per connection. The slice is a copy; broadcasting over
	// it is safe against concurrent admit/remove.
	RoomSnapshot(roomName string) []Conn
}
