package state

import (
	"time"

	"github.com/google/uuid"
)

// Role is the authenticated capacity a participant connects in. It is fixed
// at credential-verification time and never changes for the life of a
// connection.
type Role string

const (
	RoleCustomer        Role = "customer"
	RoleChef            Role = "chef"
	RoleDeliveryPartner Role = "delivery_partner"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleChef, RoleDeliveryPartner:
		return true
	}
	return false
}

// Conn is the transport surface the registry needs: identity, best-effort
// send, teardown. Satisfied by *transport.Connection.
type Conn interface {
	ID() uuid.UUID
	Send(msg []byte) bool
	Close(err error)
}

// representation of a single transport-layer connection.
type Connection struct {
	ID          uuid.UUID
	IPAddress   string
	Transport   Conn         // The actual connection for sending frames
	Participant *Participant // Pointer to the owning participant (nil until admitted)
	CreatedAt   time.Time
}

// canonical representation of a participant, aggregating all their live
// connections. A participant with several browser tabs open holds several
// entries in Connections; all of them receive the same room broadcasts.
type Participant struct {
	ID          string
	Role        Role
	Connections map[uuid.UUID]*Connection // All active connections for this participant
	Rooms       map[string]*Room          // Memberships, keyed by room name
}

// canonical representation of a broadcast group. Rooms are labels plus a
// member set; they are never persisted.
type Room struct {
	Name    string
	Members map[string]*Participant // keyed by participant ID
}
