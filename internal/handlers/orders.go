package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

const maxOrderBodySize = 32 * 1024

// OrderWriter is the ledger surface the order routes need.
type OrderWriter interface {
	CreateDirect(ctx context.Context, cmd services.DirectOrderCommand) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
}

// OrderHandlers serves direct order creation and the owner read.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      OrderWriter
	idempotency func(http.Handler) http.Handler
}

type OrderOption func(*OrderHandlers)

// WithOrderIdempotency guards POST /orders with the given middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) { h.idempotency = mw }
}

func NewOrderHandlers(authn *auth.Authenticator, orders OrderWriter, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(create chi.Router) {
		if h.authn != nil {
			create.Use(h.authn.OptionalFirebaseAuth())
		}
		if h.idempotency != nil {
			create.Use(h.idempotency)
		}
		create.Post("/", h.createOrder)
	})
	r.Group(func(read chi.Router) {
		if h.authn != nil {
			read.Use(h.authn.RequireFirebaseAuth())
		}
		read.Get("/{orderId}", h.getOrder)
	})
}

type orderItemRequest struct {
	ProductID    string          `json:"productId"`
	ProductName  string          `json:"productName"`
	ProductImage string          `json:"productImage"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
}

type createOrderRequest struct {
	OrderID              string             `json:"orderId"`
	UserID               string             `json:"userId"`
	CustomerEmail        string             `json:"customerEmail"`
	CustomerFirstName    string             `json:"customerFirstName"`
	CustomerLastName     string             `json:"customerLastName"`
	Items                []orderItemRequest `json:"items"`
	TotalAmount          decimal.Decimal    `json:"totalAmount"`
	PromoCode            string             `json:"promoCode"`
	PromoDiscount        decimal.Decimal    `json:"promoDiscount"`
	DeliveryMethod       string             `json:"deliveryMethod"`
	DeliveryAddress      string             `json:"deliveryAddress"`
	DeliveryCostIncluded bool               `json:"deliveryCostIncluded"`
	PaymentMethod        string             `json:"paymentMethod"`
	Status               string             `json:"status"`
	CreatedAt            flexTime           `json:"createdAt"`
}

// flexTime accepts RFC 3339 strings or epoch milliseconds.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if strings.TrimSpace(raw) == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("createdAt must be RFC 3339: %w", err)
		}
		t.Time = parsed
		return nil
	}
	millis, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("createdAt must be a timestamp: %w", err)
	}
	t.Time = time.UnixMilli(millis)
	return nil
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	var req createOrderRequest
	if !decodeJSONBody(w, r, maxOrderBodySize, &req) {
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		switch {
		case userID == "":
			userID = identity.UID
		case userID != identity.UID:
			httpx.WriteError(ctx, w, httpx.NewError("user_mismatch", "userId does not match the signed-in user", http.StatusForbidden))
			return
		}
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderItem{
			ProductID:    item.ProductID,
			ProductName:  item.ProductName,
			ProductImage: item.ProductImage,
			Price:        item.Price,
			Quantity:     item.Quantity,
		})
	}

	order, err := h.orders.CreateDirect(ctx, services.DirectOrderCommand{
		OrderID:              req.OrderID,
		UserID:               userID,
		CustomerEmail:        req.CustomerEmail,
		CustomerFirstName:    req.CustomerFirstName,
		CustomerLastName:     req.CustomerLastName,
		Items:                items,
		TotalAmount:          req.TotalAmount,
		PromoCode:            req.PromoCode,
		PromoDiscount:        req.PromoDiscount,
		DeliveryMethod:       domain.DeliveryMethod(strings.ToLower(strings.TrimSpace(req.DeliveryMethod))),
		DeliveryAddress:      req.DeliveryAddress,
		DeliveryCostIncluded: req.DeliveryCostIncluded,
		PaymentMethod:        domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		Status:               domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		CreatedAt:            req.CreatedAt.Time,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"order": buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Get(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	// other users' orders read as missing
	if order.UserID != userID {
		writeOrderError(ctx, w, services.ErrOrderNotFound)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

func buildOrderPayload(order domain.Order) map[string]any {
	payload := buildDraftPayload(order.OrderDraft)
	payload["userId"] = order.UserID
	payload["customerEmail"] = order.Customer.Email
	payload["customerFirstName"] = order.Customer.FirstName
	payload["customerLastName"] = order.Customer.LastName
	payload["status"] = order.Status
	payload["source"] = order.Source
	payload["createdAt"] = formatTime(order.CreatedAt)
	payload["updatedAt"] = formatTime(order.UpdatedAt)
	if order.Payment != nil {
		payload["payment"] = map[string]any{
			"provider":      order.Payment.Provider,
			"transactionId": order.Payment.TransactionID,
			"status":        order.Payment.Status,
			"amount":        order.Payment.Amount.StringFixed(2),
			"currency":      order.Payment.Currency,
			"sandbox":       order.Payment.Sandbox,
		}
	}
	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order id is already in use", http.StatusConflict))
	case errors.Is(err, services.ErrOrderTransitionRejected):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_status_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_store_unavailable", "order storage is unavailable, retry later", http.StatusServiceUnavailable))
	default:
		writeRepositoryError(ctx, w, err, "order")
	}
}
