package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mealmesh/mealmesh/internal/coordinator"
	"github.com/mealmesh/mealmesh/internal/event"
	"github.com/mealmesh/mealmesh/internal/metrics"
	"github.com/mealmesh/mealmesh/internal/router"
	"github.com/mealmesh/mealmesh/internal/store"
	"github.com/mealmesh/mealmesh/pkg/state"
	"github.com/mealmesh/mealmesh/pkg/state/statemanager"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeConn struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames [][]byte
}

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.New()} }

func (f *fakeConn) ID() uuid.UUID { return f.id }

func (f *fakeConn) Send(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
	return true
}

func (f *fakeConn) Close(error) {}

func (f *fakeConn) envelopes(t *testing.T) []event.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]event.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env event.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) kinds(t *testing.T) []event.Kind {
	t.Helper()
	envs := f.envelopes(t)
	out := make([]event.Kind, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Event)
	}
	return out
}

// harness wires a coordinator over in-memory store, registry and router with
// one connected customer, chef and delivery partner.
type harness struct {
	coord    *coordinator.Coordinator
	store    *store.MemoryStore
	registry *statemanager.InMemoryRegistry

	customer *fakeConn
	chef     *fakeConn
	partner  *fakeConn
}

const (
	custID    = "cust-1"
	chefID    = "chef-1"
	partnerID = "partner-1"
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := newTestLogger()
	registry := statemanager.NewInMemoryRegistry(logger)
	orders := store.NewMemoryStore()
	m := metrics.New()
	r := router.New(logger, registry, m)

	h := &harness{
		coord:    coordinator.New(logger, orders, r, registry, m),
		store:    orders,
		registry: registry,
		customer: newFakeConn(),
		chef:     newFakeConn(),
		partner:  newFakeConn(),
	}

	_, err := registry.Admit(h.customer, "1.1.1.1", custID, state.RoleCustomer)
	require.NoError(t, err)
	_, err = registry.Admit(h.chef, "2.2.2.2", chefID, state.RoleChef)
	require.NoError(t, err)
	_, err = registry.Admit(h.partner, "3.3.3.3", partnerID, state.RoleDeliveryPartner)
	require.NoError(t, err)
	return h
}

func (h *harness) placeOrder(t *testing.T) *store.Order {
	t.Helper()
	order, err := h.coord.CreateOrder(context.Background(), store.CreateOrderInput{
		CustomerID:      custID,
		ChefID:          chefID,
		Items:           []store.OrderItem{{MenuItemID: "dish-1", Quantity: 2, Price: 12.50}},
		TotalAmount:     25.0,
		DeliveryAddress: "12 Curry Lane",
	})
	require.NoError(t, err)
	return order
}

func (h *harness) advance(t *testing.T, orderID string, to store.Status, actorID string, role state.Role) *store.Order {
	t.Helper()
	order, err := h.coord.UpdateOrderStatus(context.Background(), orderID, to, actorID, role)
	require.NoError(t, err)
	return order
}

// --- Order placement ---

func TestCreateOrderNotifiesChefAndCustomer(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	order, err := h.coord.CreateOrder(context.Background(), store.CreateOrderInput{
		CustomerID:      custID,
		ChefID:          chefID,
		Items:           []store.OrderItem{{MenuItemID: "dish-1", Quantity: 2, Price: 125}},
		TotalAmount:     250,
		DeliveryAddress: "12 Curry Lane",
	})
	req.NoError(err)
	req.Equal(store.StatusPending, order.Status)

	// new_order targets the chef's inbox room and private channel; the chef's
	// connection sits in both, so it sees one frame per room.
	chefEnvs := h.chef.envelopes(t)
	req.Len(chefEnvs, 2)
	for _, env := range chefEnvs {
		req.Equal(event.KindNewOrder, env.Event)
		var chefNotice coordinator.OrderNotice
		req.NoError(json.Unmarshal(env.Payload, &chefNotice))
		req.Equal(250.0, chefNotice.Order.TotalAmount)
	}

	// The customer's private room receives exactly one order_created.
	custEnvs := h.customer.envelopes(t)
	req.Len(custEnvs, 1)
	req.Equal(event.KindOrderCreated, custEnvs[0].Event)
	var notice coordinator.OrderNotice
	req.NoError(json.Unmarshal(custEnvs[0].Payload, &notice))
	req.Equal(order.ID, notice.Order.ID)
	req.Equal("Your order has been placed successfully!", notice.Message)

	req.Empty(h.partner.frames, "partners learn nothing until assignment")
}

func TestAcceptedReachesBothPrivateRooms(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	order := h.placeOrder(t)
	h.advance(t, order.ID, store.StatusAccepted, chefID, state.RoleChef)

	for name, conn := range map[string]*fakeConn{"customer": h.customer, "chef": h.chef} {
		found := false
		for _, env := range conn.envelopes(t) {
			if env.Event != event.KindOrderStatusUpdate {
				continue
			}
			var upd coordinator.StatusUpdate
			req.NoError(json.Unmarshal(env.Payload, &upd))
			req.Equal(store.StatusAccepted, upd.Status)
			found = true
		}
		req.True(found, "%s must see the accepted update", name)
	}

	// Cannot jump straight to picked_up from accepted.
	_, err := h.coord.UpdateOrderStatus(context.Background(), order.ID, store.StatusPickedUp, chefID, state.RoleChef)
	req.ErrorIs(err, store.ErrInvalidTransition)
}

// --- Happy path ---

func TestFullLifecycleHappyPath(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.store.AddPartner(store.Partner{ID: partnerID, Name: "Swift"})

	order := h.placeOrder(t)

	order = h.advance(t, order.ID, store.StatusAccepted, chefID, state.RoleChef)
	req.NotNil(order.EstimatedDeliveryTime, "acceptance stamps an ETA")

	order = h.advance(t, order.ID, store.StatusPreparing, chefID, state.RoleChef)
	order = h.advance(t, order.ID, store.StatusReady, chefID, state.RoleChef)
	req.Equal(partnerID, order.DeliveryPartnerID, "ready triggers auto-assignment")

	order = h.advance(t, order.ID, store.StatusPickedUp, partnerID, state.RoleDeliveryPartner)
	order = h.advance(t, order.ID, store.StatusDelivered, partnerID, state.RoleDeliveryPartner)
	req.Equal(store.StatusDelivered, order.Status)

	// Customer sees creation plus every status change, in commit order.
	wantCustomer := []event.Kind{
		event.KindOrderCreated,
		event.KindOrderStatusUpdate, // accepted
		event.KindOrderStatusUpdate, // preparing
		event.KindOrderStatusUpdate, // ready
		event.KindOrderStatusUpdate, // picked_up
		event.KindOrderStatusUpdate, // delivered
	}
	req.Equal(wantCustomer, h.customer.kinds(t))

	var statuses []store.Status
	for _, env := range h.customer.envelopes(t) {
		if env.Event != event.KindOrderStatusUpdate {
			continue
		}
		var upd coordinator.StatusUpdate
		req.NoError(json.Unmarshal(env.Payload, &upd))
		statuses = append(statuses, upd.Status)
	}
	req.Equal([]store.Status{
		store.StatusAccepted, store.StatusPreparing, store.StatusReady,
		store.StatusPickedUp, store.StatusDelivered,
	}, statuses)

	// Partner gets the assignment first, then the updates it is party to.
	partnerKinds := h.partner.kinds(t)
	req.Equal(event.KindDeliveryAssigned, partnerKinds[0], "assignment announced before the ready update")
	req.Contains(partnerKinds, event.KindOrderStatusUpdate)
}

func TestReadyUpdateCarriesAssignedPartner(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.store.AddPartner(store.Partner{ID: partnerID, Name: "Swift"})

	order := h.placeOrder(t)
	h.advance(t, order.ID, store.StatusAccepted, chefID, state.RoleChef)
	h.advance(t, order.ID, store.StatusPreparing, chefID, state.RoleChef)
	h.advance(t, order.ID, store.StatusReady, chefID, state.RoleChef)

	// The ready status update seen by the customer already names the partner:
	// the write-back happened before the announcement.
	envs := h.customer.envelopes(t)
	last := envs[len(envs)-1]
	req.Equal(event.KindOrderStatusUpdate, last.Event)
	var upd coordinator.StatusUpdate
	req.NoError(json.Unmarshal(last.Payload, &upd))
	req.Equal(store.StatusReady, upd.Status)
	req.Equal(partnerID, upd.Order.DeliveryPartnerID)

	// The partner hears the assignment on the private channel and the
	// delivery inbox, both carrying the committed assignment, before the
	// ready status update.
	partnerEnvs := h.partner.envelopes(t)
	req.GreaterOrEqual(len(partnerEnvs), 2)
	for _, env := range partnerEnvs[:2] {
		req.Equal(event.KindDeliveryAssigned, env.Event)
		var notice coordinator.OrderNotice
		req.NoError(json.Unmarshal(env.Payload, &notice))
		req.Equal(partnerID, notice.Order.DeliveryPartnerID)
	}
}

func TestReadyWithNoPartnerAvailable(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	// No partners registered.

	order := h.placeOrder(t)
	h.advance(t, order.ID, store.StatusAccepted, chefID, state.RoleChef)
	h.advance(t, order.ID, store.StatusPreparing, chefID, state.RoleChef)
	order = h.advance(t, order.ID, store.StatusReady, chefID, state.RoleChef)

	req.Empty(order.DeliveryPartnerID, "no partner means no assignment")
	req.Equal(store.StatusReady, order.Status, "the ready transition still commits")
	req.NotContains(h.partner.kinds(t), event.KindDeliveryAssigned)
}

// --- Rejection and cancellation ---

func TestChefCancellationEmitsRejection(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	order := h.placeOrder(t)
	h.advance(t, order.ID, store.StatusAccepted, chefID, state.RoleChef)
	h.advance(t, order.ID, store.StatusPreparing, chefID, state.RoleChef)
	order = h.advance(t, order.ID, store.StatusCancelled, chefID, state.RoleChef)
	req.Equal(store.StatusCancelled, order.Status)

	custKinds := h.customer.kinds(t)
	req.Contains(custKinds, event.KindOrderStatusUpdate)
	req.Contains(custKinds, event.KindOrderRejected)

	for _, env := range h.customer.envelopes(t) {
		if env.Event != event.KindOrderStatusUpdate {
			continue
		}
		var upd coordinator.StatusUpdate
		req.NoError(json.Unmarshal(env.Payload, &upd))
		if upd.Status == store.StatusCancelled {
			req.Equal("Order has been cancelled by the chef", upd.Message)
		}
	}

	_, err := h.coord.UpdateOrderStatus(context.Background(), order.ID, store.StatusReady, chefID, state.RoleChef)
	req.ErrorIs(err, store.ErrInvalidTransition, "a cancelled order cannot move again")
}

func TestCustomerCancellationHasNoRejection(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	order := h.placeOrder(t)
	h.advance(t, order.ID, store.StatusAccepted, chefID, state.RoleChef)
	h.advance(t, order.ID, store.StatusCancelled, custID, state.RoleCustomer)

	req.NotContains(h.customer.kinds(t), event.KindOrderRejected)
}

// --- State machine enforcement ---

func TestSkippingStatesIsRejected(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	order := h.placeOrder(t)
	before := len(h.customer.frames)

	_, err := h.coord.UpdateOrderStatus(context.Background(), order.ID, store.StatusReady, chefID, state.RoleChef)
	req.ErrorIs(err, store.ErrInvalidTransition)

	// Nothing mutated, nothing emitted.
	got, err := h.store.GetOrder(context.Background(), order.ID)
	req.NoError(err)
	req.Equal(store.StatusPending, got.Status)
	req.Len(h.customer.frames, before)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.store.AddPartner(store.Partner{ID: partnerID, Name: "Swift"})

	order := h.placeOrder(t)
	for _, s := range []store.Status{
		store.StatusAccepted, store.StatusPreparing, store.StatusReady,
	} {
		h.advance(t, order.ID, s, chefID, state.RoleChef)
	}
	h.advance(t, order.ID, store.StatusPickedUp, partnerID, state.RoleDeliveryPartner)
	h.advance(t, order.ID, store.StatusDelivered, partnerID, state.RoleDeliveryPartner)

	_, err := h.coord.UpdateOrderStatus(context.Background(), order.ID, store.StatusCancelled, custID, state.RoleCustomer)
	req.ErrorIs(err, store.ErrInvalidTransition, "delivered orders cannot be cancelled")

	cancelled := h.placeOrder(t)
	h.advance(t, cancelled.ID, store.StatusCancelled, custID, state.RoleCustomer)
	_, err = h.coord.UpdateOrderStatus(context.Background(), cancelled.ID, store.StatusAccepted, chefID, state.RoleChef)
	req.ErrorIs(err, store.ErrInvalidTransition, "cancelled orders cannot be revived")
}

func TestUpdateUnknownOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.UpdateOrderStatus(context.Background(), "no-such-order", store.StatusAccepted, chefID, state.RoleChef)
	require.ErrorIs(t, err, store.ErrOrderNotFound)
}

// --- Room isolation ---

func TestEventsStayWithinTheOrderParties(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	otherCust, otherChef := newFakeConn(), newFakeConn()
	_, err := h.registry.Admit(otherCust, "9.9.9.9", "cust-2", state.RoleCustomer)
	req.NoError(err)
	_, err = h.registry.Admit(otherChef, "9.9.9.9", "chef-2", state.RoleChef)
	req.NoError(err)

	order := h.placeOrder(t)
	h.advance(t, order.ID, store.StatusAccepted, chefID, state.RoleChef)

	req.Empty(otherCust.frames, "another customer never hears about this order")
	req.Empty(otherChef.frames, "another chef's inbox stays quiet")
}

// --- Concurrency ---

func TestConcurrentUpdatesOnOneOrder(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	order := h.placeOrder(t)

	// Race the same transition from many goroutines: exactly one commit may
	// win, and the customer sees exactly one accepted update.
	var wg sync.WaitGroup
	var okCount, failCount int
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.UpdateOrderStatus(context.Background(), order.ID, store.StatusAccepted, chefID, state.RoleChef)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				req.ErrorIs(err, store.ErrInvalidTransition)
				failCount++
			} else {
				okCount++
			}
		}()
	}
	wg.Wait()

	req.Equal(1, okCount)
	req.Equal(7, failCount)

	updates := 0
	for _, k := range h.customer.kinds(t) {
		if k == event.KindOrderStatusUpdate {
			updates++
		}
	}
	req.Equal(1, updates)
}

// --- Inbound client messages ---

func inbound(t *testing.T, name string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	msg, err := json.Marshal(event.ClientMessage{Event: name, Payload: raw})
	require.NoError(t, err)
	return msg
}

func TestCookingProgressRelayedToCustomer(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	order := h.placeOrder(t)
	before := len(h.customer.frames)

	h.coord.HandleMessage(context.Background(), h.chef.ID(), inbound(t, event.InboundCookingProgress, event.CookingProgressReport{
		OrderID:  order.ID,
		Message:  "Searing the paneer now",
		Progress: 40,
	}))

	envs := h.customer.envelopes(t)
	req.Len(envs, before+1)
	last := envs[len(envs)-1]
	req.Equal(event.KindCookingProgress, last.Event)

	var report event.CookingProgressReport
	req.NoError(json.Unmarshal(last.Payload, &report))
	req.Equal(40, report.Progress)
}

func TestCookingProgressFromWrongSenderDropped(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	order := h.placeOrder(t)
	before := len(h.customer.frames)

	// The customer cannot narrate their own order's progress.
	h.coord.HandleMessage(context.Background(), h.customer.ID(), inbound(t, event.InboundCookingProgress, event.CookingProgressReport{
		OrderID:  order.ID,
		Message:  "definitely cooking",
		Progress: 99,
	}))
	// Neither can a chef who does not own the order.
	otherChef := newFakeConn()
	_, err := h.registry.Admit(otherChef, "9.9.9.9", "chef-2", state.RoleChef)
	req.NoError(err)
	h.coord.HandleMessage(context.Background(), otherChef.ID(), inbound(t, event.InboundCookingProgress, event.CookingProgressReport{
		OrderID:  order.ID,
		Message:  "stirring",
		Progress: 10,
	}))

	req.Len(h.customer.frames, before)
}

func TestFeedbackRoutedToChefAfterDelivery(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.store.AddPartner(store.Partner{ID: partnerID, Name: "Swift"})

	order := h.placeOrder(t)
	for _, s := range []store.Status{store.StatusAccepted, store.StatusPreparing, store.StatusReady} {
		h.advance(t, order.ID, s, chefID, state.RoleChef)
	}
	h.advance(t, order.ID, store.StatusPickedUp, partnerID, state.RoleDeliveryPartner)
	h.advance(t, order.ID, store.StatusDelivered, partnerID, state.RoleDeliveryPartner)
	before := len(h.chef.frames)

	h.coord.HandleMessage(context.Background(), h.customer.ID(), inbound(t, event.InboundFeedback, event.FeedbackSubmission{
		OrderID: order.ID,
		ChefID:  chefID,
		Rating:  5,
		Comment: "Best biryani in town",
	}))

	envs := h.chef.envelopes(t)
	req.Len(envs, before+1)
	req.Equal(event.KindFeedbackReceived, envs[len(envs)-1].Event)
}

func TestFeedbackBeforeDeliveryDropped(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	order := h.placeOrder(t)
	before := len(h.chef.frames)

	h.coord.HandleMessage(context.Background(), h.customer.ID(), inbound(t, event.InboundFeedback, event.FeedbackSubmission{
		OrderID: order.ID,
		ChefID:  chefID,
		Rating:  1,
		Comment: "preemptive complaint",
	}))

	req.Len(h.chef.frames, before)
}

func TestUnknownInboundEventIgnored(t *testing.T) {
	h := newHarness(t)
	before := len(h.customer.frames) + len(h.chef.frames) + len(h.partner.frames)

	h.coord.HandleMessage(context.Background(), h.customer.ID(), inbound(t, "location_update", map[string]any{"lat": 1.0}))
	h.coord.HandleMessage(context.Background(), h.customer.ID(), []byte(`{not json`))
	h.coord.HandleMessage(context.Background(), uuid.New(), inbound(t, event.InboundFeedback, event.FeedbackSubmission{}))

	after := len(h.customer.frames) + len(h.chef.frames) + len(h.partner.frames)
	require.Equal(t, before, after, "junk input never produces output or panics")
}

// --- Store error mapping ---

func TestCreateOrderStoreFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.CreateOrder(context.Background(), store.CreateOrderInput{ChefID: chefID})
	require.Error(t, err)
	require.False(t, errors.Is(err, store.ErrOrderNotFound))
	require.Empty(t, h.chef.frames, "failed persistence emits nothing")
}
