package store

import (
	"context"
	"errors"

	"github.com/mealmesh/mealmesh/pkg/state"
)

var (
	// ErrInvalidTransition rejects a status update that does not follow a
	// permitted state-machine edge. No state is mutated, no event emitted.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOrderNotFound     = errors.New("order not found")
	// ErrNotPermitted rejects an actor updating an order they do not own.
	ErrNotPermitted = errors.New("actor not permitted to update this order")
)

// CreateOrderInput carries the customer-supplied fields of a new order.
type CreateOrderInput struct {
	CustomerID           string
	ChefID               string
	Items                []OrderItem
	TotalAmount          float64
	DeliveryAddress      string
	DeliveryInstructions string
}

// OrderStore is the boundary with the authoritative order record store. The
// coordination layer never caches orders beyond the single event payload
// being relayed.
type OrderStore interface {
	// CreateOrder persists a new order in status pending.
	CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListOrdersForParticipant(ctx context.Context, participantID string, role state.Role) ([]*Order, error)
	// UpdateOrderStatus commits a status transition after checking the
	// state machine and the actor's claim on the order. Fails with
	// ErrInvalidTransition for any edge not in the table.
	UpdateOrderStatus(ctx context.Context, orderID string, newStatus Status, actorID string, actorRole state.Role) (*Order, error)
	// AssignDeliveryPartner writes the partner assignment back before the
	// delivery_assigned event is emitted.
	AssignDeliveryPartner(ctx context.Context, orderID, partnerID string) (*Order, error)
	ListAvailableDeliveryPartners(ctx context.Context) ([]Partner, error)
}

// canUpdate enforces who may drive a given order's status: its chef, or its
// assigned delivery partner. Customers cancel through their own surface, so
// they may only move an order to cancelled.
func canUpdate(o *Order, newStatus Status, actorID string, actorRole state.Role) bool {
	switch actorRole {
	case state.RoleChef:
		return o.ChefID == actorID
	case state.RoleDeliveryPartner:
		return o.DeliveryPartnerID != "" && o.DeliveryPartnerID == actorID
	case state.RoleCustomer:
		return o.CustomerID == actorID && newStatus == StatusCancelled
	}
	return false
}
