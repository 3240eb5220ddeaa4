package statemanager_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mealmesh/mealmesh/pkg/state"
	"github.com/mealmesh/mealmesh/pkg/state/statemanager"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestRegistry() *statemanager.InMemoryRegistry {
	return statemanager.NewInMemoryRegistry(newTestLogger())
}

// fakeConn satisfies state.Conn without a real transport.
type fakeConn struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New()}
}

func (f *fakeConn) ID() uuid.UUID { return f.id }

func (f *fakeConn) Send(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.frames = append(f.frames, msg)
	return true
}

func (f *fakeConn) Close(error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// --- Connection Lifecycle Tests ---

func TestAdmitAndRemove(t *testing.T) {
	m := newTestRegistry()
	conn := newFakeConn()

	stateConn, err := m.Admit(conn, "127.0.0.1", "cust-1", state.RoleCustomer)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if stateConn.ID != conn.ID() {
		t.Errorf("Admitted connection ID mismatch")
	}

	retrieved, found := m.GetConnection(conn.ID())
	if !found {
		t.Fatal("GetConnection failed to find admitted connection")
	}
	if retrieved.Participant == nil || retrieved.Participant.ID != "cust-1" {
		t.Errorf("Admitted connection not linked to its participant")
	}

	if err := m.Remove(conn.ID()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, found := m.GetConnection(conn.ID()); found {
		t.Error("Found connection after it should have been removed")
	}
	// Removing again must be a no-op.
	if err := m.Remove(conn.ID()); err != nil {
		t.Fatalf("Second Remove errored: %v", err)
	}
}

func TestAdmitRejectsUnknownRole(t *testing.T) {
	m := newTestRegistry()
	if _, err := m.Admit(newFakeConn(), "1.1.1.1", "x", state.Role("admin")); err == nil {
		t.Fatal("Expected Admit to reject an unknown role")
	}
}

func TestAdmitIsIdempotent(t *testing.T) {
	m := newTestRegistry()
	conn := newFakeConn()

	first, err := m.Admit(conn, "1.1.1.1", "chef-1", state.RoleChef)
	if err != nil {
		t.Fatalf("Admit (1) failed: %v", err)
	}
	second, err := m.Admit(conn, "1.1.1.1", "chef-1", state.RoleChef)
	if err != nil {
		t.Fatalf("Admit (2) failed: %v", err)
	}
	if first != second {
		t.Error("Second Admit should return the existing record")
	}

	// A double admit must not produce a double delivery.
	snapshot := m.RoomSnapshot(state.ChefInboxRoom("chef-1"))
	if len(snapshot) != 1 {
		t.Errorf("Expected 1 connection in chef inbox, got %d", len(snapshot))
	}
}

func TestDerivedRoomMemberships(t *testing.T) {
	tests := []struct {
		role       state.Role
		wantRooms  []string
		emptyRooms []string
	}{
		{
			role:       state.RoleCustomer,
			wantRooms:  []string{state.ParticipantRoom("p1"), state.RoleRoom(state.RoleCustomer)},
			emptyRooms: []string{state.ChefInboxRoom("p1"), state.DeliveryInboxRoom("p1")},
		},
		{
			role:       state.RoleChef,
			wantRooms:  []string{state.ParticipantRoom("p1"), state.RoleRoom(state.RoleChef), state.ChefInboxRoom("p1")},
			emptyRooms: []string{state.DeliveryInboxRoom("p1")},
		},
		{
			role:       state.RoleDeliveryPartner,
			wantRooms:  []string{state.ParticipantRoom("p1"), state.RoleRoom(state.RoleDeliveryPartner), state.DeliveryInboxRoom("p1")},
			emptyRooms: []string{state.ChefInboxRoom("p1")},
		},
	}

	for _, tc := range tests {
		t.Run(string(tc.role), func(t *testing.T) {
			m := newTestRegistry()
			conn := newFakeConn()
			if _, err := m.Admit(conn, "1.1.1.1", "p1", tc.role); err != nil {
				t.Fatalf("Admit failed: %v", err)
			}
			for _, room := range tc.wantRooms {
				if len(m.RoomSnapshot(room)) != 1 {
					t.Errorf("Expected membership in room %q", room)
				}
			}
			for _, room := range tc.emptyRooms {
				if len(m.RoomSnapshot(room)) != 0 {
					t.Errorf("Did not expect membership in room %q", room)
				}
			}
		})
	}
}

func TestMultipleConnectionsPerParticipant(t *testing.T) {
	m := newTestRegistry()
	conn1, conn2 := newFakeConn(), newFakeConn()

	m.Admit(conn1, "1.1.1.1", "cust-1", state.RoleCustomer)
	m.Admit(conn2, "2.2.2.2", "cust-1", state.RoleCustomer)

	count, _ := m.ParticipantConnectionCount("cust-1")
	if count != 2 {
		t.Errorf("Expected connection count 2, got %d", count)
	}

	// Both tabs are in the private room.
	if got := len(m.RoomSnapshot(state.ParticipantRoom("cust-1"))); got != 2 {
		t.Errorf("Expected 2 connections in private room, got %d", got)
	}

	// Dropping one keeps the session alive.
	m.Remove(conn1.ID())
	count, _ = m.ParticipantConnectionCount("cust-1")
	if count != 1 {
		t.Errorf("Expected connection count 1 after remove, got %d", count)
	}
	if _, found := m.FindParticipant("cust-1"); !found {
		t.Error("Participant should survive while a connection remains")
	}

	// Dropping the last releases all memberships.
	m.Remove(conn2.ID())
	if _, found := m.FindParticipant("cust-1"); found {
		t.Error("Participant should be gone after last connection removed")
	}
	if got := len(m.RoomSnapshot(state.ParticipantRoom("cust-1"))); got != 0 {
		t.Errorf("Expected empty private room, got %d connections", got)
	}
}

func TestFindOldestParticipantConnection(t *testing.T) {
	m := newTestRegistry()
	conn1, conn2 := newFakeConn(), newFakeConn()

	m.Admit(conn1, "1.1.1.1", "cust-cycle", state.RoleCustomer)
	time.Sleep(5 * time.Millisecond) // Ensure timestamps are different
	m.Admit(conn2, "2.2.2.2", "cust-cycle", state.RoleCustomer)

	oldest, found := m.FindOldestParticipantConnection("cust-cycle")
	if !found {
		t.Fatal("Expected to find oldest connection, but did not")
	}
	if oldest.ID != conn1.ID() {
		t.Errorf("Expected oldest connection ID to be %s, got %s", conn1.ID(), oldest.ID)
	}
}

// Membership sets must stay sound under concurrent admit/remove/snapshot.
func TestConcurrentAdmitRemoveSnapshot(t *testing.T) {
	m := newTestRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := newFakeConn()
			if _, err := m.Admit(conn, "1.1.1.1", "chef-busy", state.RoleChef); err != nil {
				t.Errorf("Admit failed: %v", err)
				return
			}
			for j := 0; j < 10; j++ {
				m.RoomSnapshot(state.ChefInboxRoom("chef-busy"))
			}
			if err := m.Remove(conn.ID()); err != nil {
				t.Errorf("Remove failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(m.RoomSnapshot(state.ChefInboxRoom("chef-busy"))); got != 0 {
		t.Errorf("Expected empty room after churn, got %d connections", got)
	}
}
