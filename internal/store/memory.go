package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mealmesh/mealmesh/pkg/state"
)

// MemoryStore is an in-process OrderStore for tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	partners []Partner
}

var _ OrderStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
	}
}

// AddPartner registers a delivery partner as available for assignment.
func (s *MemoryStore) AddPartner(p Partner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partners = append(s.partners, p)
}

func (s *MemoryStore) CreateOrder(_ context.Context, in CreateOrderInput) (*Order, error) {
	if in.CustomerID == "" || in.ChefID == "" {
		return nil, fmt.Errorf("create order: customer and chef are required")
	}

	now := time.Now().UTC()
	order := &Order{
		ID:                   uuid.NewString(),
		CustomerID:           in.CustomerID,
		ChefID:               in.ChefID,
		Items:                append([]OrderItem(nil), in.Items...),
		TotalAmount:          in.TotalAmount,
		Status:               StatusPending,
		DeliveryAddress:      in.DeliveryAddress,
		DeliveryInstructions: in.DeliveryInstructions,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	s.mu.Lock()
	s.orders[order.ID] = order
	s.mu.Unlock()

	return snapshot(order), nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return snapshot(order), nil
}

func (s *MemoryStore) ListOrdersForParticipant(_ context.Context, participantID string, role state.Role) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Order
	for _, o := range s.orders {
		switch role {
		case state.RoleCustomer:
			if o.CustomerID == participantID {
				out = append(out, snapshot(o))
			}
		case state.RoleChef:
			if o.ChefID == participantID {
				out = append(out, snapshot(o))
			}
		case state.RoleDeliveryPartner:
			if o.DeliveryPartnerID == participantID {
				out = append(out, snapshot(o))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateOrderStatus(_ context.Context, orderID string, newStatus Status, actorID string, actorRole state.Role) (*Order, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if !canUpdate(order, newStatus, actorID, actorRole) {
		return nil, ErrNotPermitted
	}
	if !CanTransition(order.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, newStatus)
	}

	order.Status = newStatus
	order.UpdatedAt = time.Now().UTC()
	if newStatus == StatusAccepted {
		eta := order.UpdatedAt.Add(45 * time.Minute)
		order.EstimatedDeliveryTime = &eta
	}
	return snapshot(order), nil
}

func (s *MemoryStore) AssignDeliveryPartner(_ context.Context, orderID, partnerID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	order.DeliveryPartnerID = partnerID
	order.UpdatedAt = time.Now().UTC()
	return snapshot(order), nil
}

func (s *MemoryStore) ListAvailableDeliveryPartners(_ context.Context) ([]Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Partner(nil), s.partners...), nil
}

// snapshot copies an order so callers never share memory with the store.
func snapshot(o *Order) *Order {
	cp := *o
	cp.Items = append([]OrderItem(nil), o.Items...)
	if o.EstimatedDeliveryTime != nil {
		t := *o.EstimatedDeliveryTime
		cp.EstimatedDeliveryTime = &t
	}
	return &cp
}
