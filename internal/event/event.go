package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the closed set of server→client event types. Dispatch is driven by
// these constants rather than free-form strings, so a mistyped kind is a
// construction-time failure instead of a silently dropped emission.
type Kind string

const (
	KindNewOrder          Kind = "new_order"
	KindOrderCreated      Kind = "order_created"
	KindOrderStatusUpdate Kind = "order_status_update"
	KindOrderRejected     Kind = "order_rejected"
	KindDeliveryAssigned  Kind = "delivery_assigned"
	KindCookingProgress   Kind = "cooking_progress"
	KindFeedbackReceived  Kind = "feedback_received"
)

func (k Kind) Valid() bool {
	switch k {
	case KindNewOrder, KindOrderCreated, KindOrderStatusUpdate, KindOrderRejected,
		KindDeliveryAssigned, KindCookingProgress, KindFeedbackReceived:
		return true
	}
	return false
}

// Envelope is the wire shape of every server push.
type Envelope struct {
	Event     Kind            `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Marshal wraps a payload in an Envelope with the emission timestamp.
func Marshal(kind Kind, payload any) ([]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("refusing to marshal unknown event kind %q", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	env := Envelope{
		Event:     kind,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return json.Marshal(env)
}

// ClientMessage is the wire shape of every client push the coordinator
// understands. Anything with an unrecognized event name is ignored.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound client event names.
const (
	InboundCookingProgress = "cooking_progress"
	InboundFeedback        = "feedback"
)

// CookingProgressReport is a chef's free-form progress note on an order.
type CookingProgressReport struct {
	OrderID  string `json:"order_id" validate:"required"`
	Message  string `json:"message" validate:"required"`
	Progress int    `json:"progress" validate:"gte=0,lte=100"`
}

// FeedbackSubmission is post-delivery feedback routed to the chef.
type FeedbackSubmission struct {
	OrderID string `json:"order_id" validate:"required"`
	ChefID  string `json:"chef_id" validate:"required"`
	Rating  int    `json:"rating" validate:"required,gte=1,lte=5"`
	Comment string `json:"comment"`
}
