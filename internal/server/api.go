package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mealmesh/mealmesh/internal/coordinator"
	"github.com/mealmesh/mealmesh/internal/server/middleware"
	"github.com/mealmesh/mealmesh/internal/store"
	"github.com/mealmesh/mealmesh/pkg/state"
)

// api is the thin REST trigger surface. Handlers validate input, call into
// the coordinator or store, and map error kinds onto status codes. All the
// interesting behavior lives behind them.
type api struct {
	logger      *slog.Logger
	coordinator *coordinator.Coordinator
	store       store.OrderStore
	validate    *validator.Validate
}

func newAPI(logger *slog.Logger, coord *coordinator.Coordinator, orders store.OrderStore) *api {
	return &api{
		logger:      logger.With(slog.String("component", "api")),
		coordinator: coord,
		store:       orders,
		validate:    validator.New(),
	}
}

type createOrderRequest struct {
	ChefID               string            `json:"chef_id" validate:"required"`
	Items                []store.OrderItem `json:"items" validate:"required,min=1,dive"`
	TotalAmount          float64           `json:"total_amount" validate:"required,gt=0"`
	DeliveryAddress      string            `json:"delivery_address" validate:"required"`
	DeliveryInstructions string            `json:"delivery_instructions"`
}

func (a *api) createOrder(w http.ResponseWriter, r *http.Request) {
	meta, _ := middleware.ReqMetadataFrom(r.Context())
	if meta.Role != state.RoleCustomer {
		writeError(w, http.StatusForbidden, "only customers can create orders")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := a.coordinator.CreateOrder(r.Context(), store.CreateOrderInput{
		CustomerID:           meta.ParticipantID,
		ChefID:               req.ChefID,
		Items:                req.Items,
		TotalAmount:          req.TotalAmount,
		DeliveryAddress:      req.DeliveryAddress,
		DeliveryInstructions: req.DeliveryInstructions,
	})
	if err != nil {
		a.logger.Error("create order failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to create order")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"order": order})
}

type updateStatusRequest struct {
	Status store.Status `json:"status" validate:"required"`
}

func (a *api) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	meta, _ := middleware.ReqMetadataFrom(r.Context())
	orderID := r.PathValue("id")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := a.coordinator.UpdateOrderStatus(r.Context(), orderID, req.Status, meta.ParticipantID, meta.Role)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
		return
	case errors.Is(err, store.ErrNotPermitted):
		writeError(w, http.StatusForbidden, "not permitted to update this order")
		return
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	default:
		a.logger.Error("status update failed", slog.String("orderID", orderID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to update order status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *api) getOrder(w http.ResponseWriter, r *http.Request) {
	meta, _ := middleware.ReqMetadataFrom(r.Context())
	orderID := r.PathValue("id")

	order, err := a.store.GetOrder(r.Context(), orderID)
	if errors.Is(err, store.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		a.logger.Error("get order failed", slog.String("orderID", orderID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to fetch order")
		return
	}

	// Only the three parties on the order may read it.
	allowed := order.CustomerID == meta.ParticipantID ||
		order.ChefID == meta.ParticipantID ||
		(order.DeliveryPartnerID != "" && order.DeliveryPartnerID == meta.ParticipantID)
	if !allowed {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *api) listMyOrders(w http.ResponseWriter, r *http.Request) {
	meta, _ := middleware.ReqMetadataFrom(r.Context())

	orders, err := a.store.ListOrdersForParticipant(r.Context(), meta.ParticipantID, meta.Role)
	if err != nil {
		a.logger.Error("list orders failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to fetch orders")
		return
	}
	if orders == nil {
		orders = []*store.Order{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}
