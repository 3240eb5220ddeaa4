package store

import (
	"time"
)

// Status is an order's lifecycle state. The happy path is strictly linear;
// cancellation is reachable from any non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusPickedUp  Status = "picked_up"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusPreparing, StatusReady,
		StatusPickedUp, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// next holds the single permitted forward edge for each non-terminal state.
// The UI advances one step at a time; skipping is rejected.
var next = map[Status]Status{
	StatusPending:   StatusAccepted,
	StatusAccepted:  StatusPreparing,
	StatusPreparing: StatusReady,
	StatusReady:     StatusPickedUp,
	StatusPickedUp:  StatusDelivered,
}

// CanTransition reports whether from → to is a permitted edge.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	return next[from] == to
}

// OrderItem is one line of an order. Opaque to the coordination layer.
type OrderItem struct {
	MenuItemID          string  `json:"menu_item_id"`
	Name                string  `json:"name,omitempty"`
	Quantity            int     `json:"quantity"`
	Price               float64 `json:"price"`
	SpecialInstructions string  `json:"special_instructions,omitempty"`
}

// Order is the authoritative record. The coordination layer reads and writes
// only Status and DeliveryPartnerID; everything else is relayed as payload.
type Order struct {
	ID                    string      `json:"id"`
	CustomerID            string      `json:"customer_id"`
	ChefID                string      `json:"chef_id"`
	DeliveryPartnerID     string      `json:"delivery_partner_id,omitempty"`
	Items                 []OrderItem `json:"items"`
	TotalAmount           float64     `json:"total_amount"`
	Status                Status      `json:"status"`
	DeliveryAddress       string      `json:"delivery_address"`
	DeliveryInstructions  string      `json:"delivery_instructions,omitempty"`
	EstimatedDeliveryTime *time.Time  `json:"estimated_delivery_time,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// Partner is a delivery partner as seen by the assignment step.
type Partner struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
