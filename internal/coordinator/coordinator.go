package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/mealmesh/mealmesh/internal/event"
	"github.com/mealmesh/mealmesh/internal/metrics"
	"github.com/mealmesh/mealmesh/internal/router"
	"github.com/mealmesh/mealmesh/internal/store"
	"github.com/mealmesh/mealmesh/pkg/state"
)

// Coordinator owns the order lifecycle business logic: given a committed
// transition, it decides which events fire into which rooms. State mutation
// always commits to the store before any emission is attempted; emission
// failures are never propagated back and never roll anything back.
type Coordinator struct {
	logger   *slog.Logger
	store    store.OrderStore
	router   *router.Router
	registry state.Registry
	metrics  *metrics.Metrics
	validate *validator.Validate

	// orderLocks serializes the read→mutate→emit sequence per order id so
	// concurrent updates to one order cannot emit out of commit order.
	orderLocks *keyedMutex
}

func New(logger *slog.Logger, orders store.OrderStore, r *router.Router, registry state.Registry, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		logger:     logger.With(slog.String("component", "order_coordinator")),
		store:      orders,
		router:     r,
		registry:   registry,
		metrics:    m,
		validate:   validator.New(),
		orderLocks: newKeyedMutex(),
	}
}

// --- Outbound payload shapes ---

// OrderNotice carries a full order snapshot plus a presentation line.
type OrderNotice struct {
	Order   *store.Order `json:"order"`
	Message string       `json:"message"`
}

// StatusUpdate is the payload of every order_status_update.
type StatusUpdate struct {
	OrderID string       `json:"order_id"`
	Status  store.Status `json:"status"`
	Order   *store.Order `json:"order"`
	Message string       `json:"message"`
}

// --- Order lifecycle ---

// CreateOrder persists a new pending order and notifies the chef's inbox and
// both private channels.
func (c *Coordinator) CreateOrder(ctx context.Context, in store.CreateOrderInput) (*store.Order, error) {
	order, err := c.store.CreateOrder(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	// The chef hears about new work in the inbox room and the private
	// channel; today both resolve to the same connections, but the rooms are
	// distinct targets and clients may subscribe to either.
	notice := OrderNotice{
		Order:   order,
		Message: "New order received!",
	}
	c.router.Emit(state.ChefInboxRoom(order.ChefID), event.KindNewOrder, notice)
	c.router.EmitToParticipant(order.ChefID, event.KindNewOrder, notice)
	c.router.EmitToParticipant(order.CustomerID, event.KindOrderCreated, OrderNotice{
		Order:   order,
		Message: "Your order has been placed successfully!",
	})

	c.logger.Info("order created",
		slog.String("orderID", order.ID),
		slog.String("customerID", order.CustomerID),
		slog.String("chefID", order.ChefID),
	)
	return order, nil
}

// UpdateOrderStatus commits a status transition and fans the resulting
// events out. Returns store.ErrInvalidTransition for any edge not permitted
// by the state machine; in that case nothing is mutated and nothing emitted.
func (c *Coordinator) UpdateOrderStatus(ctx context.Context, orderID string, newStatus store.Status, actorID string, actorRole state.Role) (*store.Order, error) {
	unlock := c.orderLocks.Lock(orderID)
	defer unlock()

	order, err := c.store.UpdateOrderStatus(ctx, orderID, newStatus, actorID, actorRole)
	if err != nil {
		return nil, err
	}

	// An order going ready without a partner triggers the assignment
	// side-effect before its status update is announced.
	if order.Status == store.StatusReady && order.DeliveryPartnerID == "" {
		if assigned, err := c.assignDeliveryPartner(ctx, order); err != nil {
			c.logger.Warn("delivery partner assignment failed",
				slog.String("orderID", order.ID),
				slog.Any("error", err),
			)
		} else if assigned != nil {
			order = assigned
		}
	}

	update := StatusUpdate{
		OrderID: order.ID,
		Status:  order.Status,
		Order:   order,
		Message: statusMessage(order.Status, actorRole),
	}
	c.router.EmitToParticipant(order.CustomerID, event.KindOrderStatusUpdate, update)
	c.router.EmitToParticipant(order.ChefID, event.KindOrderStatusUpdate, update)
	if order.DeliveryPartnerID != "" {
		c.router.EmitToParticipant(order.DeliveryPartnerID, event.KindOrderStatusUpdate, update)
	}

	// A chef cancelling is a rejection from the customer's point of view.
	if order.Status == store.StatusCancelled && actorRole == state.RoleChef {
		c.router.EmitToParticipant(order.CustomerID, event.KindOrderRejected, OrderNotice{
			Order:   order,
			Message: "The chef is unable to take your order right now",
		})
	}

	c.logger.Info("order status updated",
		slog.String("orderID", order.ID),
		slog.String("status", string(order.Status)),
		slog.String("actorRole", string(actorRole)),
	)
	return order, nil
}

// assignDeliveryPartner picks any available partner, writes the assignment
// back, then announces it. Placeholder policy: a real dispatcher would rank
// by proximity and load; this layer only guarantees the write-back happens
// before the event. No partner available means no event and no assignment.
func (c *Coordinator) assignDeliveryPartner(ctx context.Context, order *store.Order) (*store.Order, error) {
	partners, err := c.store.ListAvailableDeliveryPartners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partners: %w", err)
	}
	if len(partners) == 0 {
		c.logger.Warn("no delivery partner available", slog.String("orderID", order.ID))
		return nil, nil
	}

	partner := partners[0]
	assigned, err := c.store.AssignDeliveryPartner(ctx, order.ID, partner.ID)
	if err != nil {
		return nil, fmt.Errorf("assign partner: %w", err)
	}

	notice := OrderNotice{
		Order:   assigned,
		Message: "New delivery assigned to you!",
	}
	c.router.EmitToParticipant(partner.ID, event.KindDeliveryAssigned, notice)
	c.router.Emit(state.DeliveryInboxRoom(partner.ID), event.KindDeliveryAssigned, notice)

	c.logger.Info("delivery partner assigned",
		slog.String("orderID", order.ID),
		slog.String("partnerID", partner.ID),
	)
	return assigned, nil
}

// --- Inbound client messages ---

// HandleMessage is the transport's inbound handler. The coordinator only
// understands cooking-progress reports and feedback submissions; any other
// event name is ignored, never fatal.
func (c *Coordinator) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := c.registry.GetConnection(connID)
	if !ok || conn.Participant == nil {
		c.logger.Warn("inbound message from unknown connection", slog.String("connID", connID.String()))
		return
	}

	name := gjson.GetBytes(msg, "event").String()
	payload := gjson.GetBytes(msg, "payload").Raw

	switch name {
	case event.InboundCookingProgress:
		c.handleCookingProgress(ctx, conn.Participant, []byte(payload))
	case event.InboundFeedback:
		c.handleFeedback(ctx, conn.Participant, []byte(payload))
	default:
		// Presence pings, location updates and the like are handled
		// elsewhere or not at all.
		if c.metrics != nil {
			c.metrics.InboundIgnored.Inc()
		}
		c.logger.Debug("ignoring inbound event", slog.String("event", name), slog.String("connID", connID.String()))
	}
}

func (c *Coordinator) handleCookingProgress(ctx context.Context, sender *state.Participant, payload []byte) {
	var report event.CookingProgressReport
	if err := json.Unmarshal(payload, &report); err != nil {
		c.dropInbound("malformed cooking progress payload", err)
		return
	}
	if err := c.validate.Struct(report); err != nil {
		c.dropInbound("invalid cooking progress payload", err)
		return
	}

	order, err := c.store.GetOrder(ctx, report.OrderID)
	if err != nil {
		c.dropInbound("cooking progress for unknown order", err)
		return
	}
	// Only the order's own chef may narrate its progress.
	if sender.Role != state.RoleChef || order.ChefID != sender.ID {
		c.dropInbound("cooking progress from non-owning sender", nil)
		return
	}

	c.router.EmitToParticipant(order.CustomerID, event.KindCookingProgress, report)
}

func (c *Coordinator) handleFeedback(ctx context.Context, sender *state.Participant, payload []byte) {
	var fb event.FeedbackSubmission
	if err := json.Unmarshal(payload, &fb); err != nil {
		c.dropInbound("malformed feedback payload", err)
		return
	}
	if err := c.validate.Struct(fb); err != nil {
		c.dropInbound("invalid feedback payload", err)
		return
	}

	order, err := c.store.GetOrder(ctx, fb.OrderID)
	if err != nil {
		c.dropInbound("feedback for unknown order", err)
		return
	}
	// Feedback only flows once the order is complete, from someone on it,
	// to the chef who actually cooked it.
	if order.Status != store.StatusDelivered {
		c.dropInbound("feedback before delivery", nil)
		return
	}
	if order.ChefID != fb.ChefID {
		c.dropInbound("feedback addressed to wrong chef", nil)
		return
	}
	if sender.ID != order.CustomerID && sender.ID != order.ChefID {
		c.dropInbound("feedback from unrelated sender", nil)
		return
	}

	c.router.EmitToParticipant(fb.ChefID, event.KindFeedbackReceived, fb)
}

func (c *Coordinator) dropInbound(reason string, err error) {
	if c.metrics != nil {
		c.metrics.InboundIgnored.Inc()
	}
	c.logger.Debug("dropping inbound message", slog.String("reason", reason), slog.Any("error", err))
}
