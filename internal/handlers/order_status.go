package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/httpx"
)

const maxStatusBodySize = 4 * 1024

// OrderTransitioner advances order status under the ledger's guard.
type OrderTransitioner interface {
	Transition(ctx context.Context, orderID string, status domain.OrderStatus, source domain.OrderSource) (domain.Order, error)
}

// carrierStatuses maps carrier tracking states onto the order lifecycle.
var carrierStatuses = map[string]domain.OrderStatus{
	"accepted":   domain.OrderStatusProcessing,
	"processing": domain.OrderStatusProcessing,
	"shipped":    domain.OrderStatusShipped,
	"in_transit": domain.OrderStatusShipped,
	"arrived":    domain.OrderStatusShipped,
	"delivered":  domain.OrderStatusDelivered,
	"received":   domain.OrderStatusDelivered,
	"returned":   domain.OrderStatusCancelled,
	"refused":    domain.OrderStatusCancelled,
}

// DeliveryWebhookHandlers receives HMAC signed carrier status callbacks.
type DeliveryWebhookHandlers struct {
	orders    OrderTransitioner
	signature func(http.Handler) http.Handler
}

// NewDeliveryWebhookHandlers builds the carrier webhook. signature is the HMAC
// middleware for the carrier secret.
func NewDeliveryWebhookHandlers(orders OrderTransitioner, signature func(http.Handler) http.Handler) *DeliveryWebhookHandlers {
	return &DeliveryWebhookHandlers{orders: orders, signature: signature}
}

func (h *DeliveryWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(g chi.Router) {
		if h.signature != nil {
			g.Use(h.signature)
		}
		g.Post("/delivery/status", h.deliveryStatus)
	})
}

type deliveryStatusRequest struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

func (h *DeliveryWebhookHandlers) deliveryStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	var req deliveryStatusRequest
	if !decodeJSONBody(w, r, maxStatusBodySize, &req) {
		return
	}
	status, ok := carrierStatuses[strings.ToLower(strings.TrimSpace(req.Status))]
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unknown_carrier_status", "carrier status is not recognised", http.StatusUnprocessableEntity))
		return
	}
	order, err := h.orders.Transition(ctx, req.OrderID, status, domain.OrderSourceCarrier)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"orderId": order.OrderID, "status": order.Status})
}

// InternalOrderHandlers lets operations tooling move orders along. The router
// mounts it behind the OIDC middleware.
type InternalOrderHandlers struct {
	orders OrderTransitioner
}

func NewInternalOrderHandlers(orders OrderTransitioner) *InternalOrderHandlers {
	return &InternalOrderHandlers{orders: orders}
}

func (h *InternalOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderId}/status", h.setStatus)
}

type internalStatusRequest struct {
	Status string `json:"status"`
}

func (h *InternalOrderHandlers) setStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	var req internalStatusRequest
	if !decodeJSONBody(w, r, maxStatusBodySize, &req) {
		return
	}
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_status", "status is not a known order status", http.StatusBadRequest))
		return
	}
	order, err := h.orders.Transition(ctx, chi.URLParam(r, "orderId"), status, domain.OrderSourceInternal)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}
