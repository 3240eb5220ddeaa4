package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mealmesh/mealmesh/pkg/state"
)

// InMemoryRegistry tracks live connections, participants and room memberships
// for a single coordination-server instance. Room membership is derived
// entirely from the participant identity presented at admission; there is no
// join/leave surface reachable from message content.
type InMemoryRegistry struct {
	conns        map[uuid.UUID]*state.Connection
	participants map[string]*state.Participant
	rooms        map[string]*state.Room

	mu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryRegistry(logger *slog.Logger) *InMemoryRegistry {
	return &InMemoryRegistry{
		conns:        make(map[uuid.UUID]*state.Connection),
		participants: make(map[string]*state.Participant),
		rooms:        make(map[string]*state.Room),
		logger:       logger.With(slog.String("component", "registry_inmemory")),
	}
}

// compile-time check to ensure InMemoryRegistry implements Registry.
var _ state.Registry = (*InMemoryRegistry)(nil)

func (m *InMemoryRegistry) Admit(conn state.Conn, ipAddr, participantID string, role state.Role) (*state.Connection, error) {
	if !role.Valid() {
		return nil, errors.New("cannot admit connection with unknown role")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if existing, ok := m.conns[connID]; ok {
		// Idempotent: the connection is already admitted with its derived
		// room set; a second admit must not duplicate memberships.
		return existing, nil
	}

	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn

	// Find or create the participant session.
	p, exists := m.participants[participantID]
	if !exists {
		p = &state.Participant{
			ID:          participantID,
			Role:        role,
			Connections: make(map[uuid.UUID]*state.Connection),
			Rooms:       make(map[string]*state.Room),
		}
		m.participants[participantID] = p
		m.logger.Debug("created participant session", slog.String("participantID", participantID), slog.String("role", string(role)))
	}
	newConn.Participant = p
	p.Connections[connID] = newConn

	// Join the derived room set.
	for _, name := range state.RoomsFor(participantID, role) {
		m.joinLocked(p, name)
	}

	m.logger.Debug("connection admitted",
		slog.String("connID", connID.String()),
		slog.String("participantID", participantID),
		slog.String("role", string(role)),
	)
	return newConn, nil
}

// joinLocked links a participant into a room, creating the room on first use.
// Caller must hold m.mu.
func (m *InMemoryRegistry) joinLocked(p *state.Participant, roomName string) {
	if _, already := p.Rooms[roomName]; already {
		return
	}
	room, ok := m.rooms[roomName]
	if !ok {
		room = &state.Room{
			Name:    roomName,
			Members: make(map[string]*state.Participant),
		}
		m.rooms[roomName] = room
	}
	room.Members[p.ID] = p
	p.Rooms[roomName] = room
}

func (m *InMemoryRegistry) Remove(connID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// already removed
		return nil
	}
	delete(m.conns, connID)

	p := conn.Participant
	if p == nil {
		return nil
	}
	delete(p.Connections, connID)

	// Last connection gone: drop the participant's room memberships so
	// broadcasts do not accumulate unreachable targets.
	if len(p.Connections) == 0 {
		for name, room := range p.Rooms {
			delete(room.Members, p.ID)
			if len(room.Members) == 0 {
				delete(m.rooms, name)
			}
		}
		delete(m.participants, p.ID)
		m.logger.Debug("participant session removed", slog.String("participantID", p.ID))
	}

	m.logger.Debug("connection removed", slog.String("connID", connID.String()))
	return nil
}

func (m *InMemoryRegistry) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryRegistry) FindOldestParticipantConnection(participantID string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.participants[participantID]
	if !ok {
		return nil, false
	}

	var oldest *state.Connection
	for _, conn := range p.Connections {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest, true
}

func (m *InMemoryRegistry) FindParticipant(participantID string) (*state.Participant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[participantID]
	return p, ok
}

func (m *InMemoryRegistry) ParticipantConnectionCount(participantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.participants[participantID]
	if !ok {
		return 0, nil // Participant has no live session, so 0 connections.
	}
	return len(p.Connections), nil
}

func (m *InMemoryRegistry) AllParticipants() ([]*state.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	participants := make([]*state.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		participants = append(participants, p)
	}
	return participants, nil
}

func (m *InMemoryRegistry) RoomSnapshot(roomName string) []state.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomName]
	if !ok {
		return nil
	}

	seen := make(map[uuid.UUID]struct{})
	conns := make([]state.Conn, 0, len(room.Members))
	for _, p := range room.Members {
		for id, c := range p.Connections {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			conns = append(conns, c.Transport)
		}
	}
	return conns
}
