package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

const maxCheckoutBodySize = 8 * 1024

// CheckoutSubmitter turns the signed-in user's cart into an order or a payment form.
type CheckoutSubmitter interface {
	Submit(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error)
	ObserveRedirect(ctx context.Context, userID, orderID, rawURL string) (payments.RedirectOutcome, error)
	PickupPoints() []domain.PickupPoint
}

type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout CheckoutSubmitter
}

func NewCheckoutHandlers(authn *auth.Authenticator, checkout CheckoutSubmitter) *CheckoutHandlers {
	return &CheckoutHandlers{authn: authn, checkout: checkout}
}

func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/pickup-points", h.listPickupPoints)
	r.Post("/orders", h.submit)
	r.Post("/orders/{orderId}/redirect", h.observeRedirect)
}

type checkoutRequest struct {
	DeliveryMethod string `json:"deliveryMethod"`
	PickupPointID  string `json:"pickupPointId"`
	City           string `json:"city"`
	Branch         string `json:"branch"`
	PaymentMethod  string `json:"paymentMethod"`
	PromoCode      string `json:"promoCode"`
	CustomerEmail  string `json:"customerEmail"`
	FirstName      string `json:"customerFirstName"`
	LastName       string `json:"customerLastName"`
}

type redirectRequest struct {
	URL string `json:"url"`
}

func (h *CheckoutHandlers) listPickupPoints(w http.ResponseWriter, r *http.Request) {
	if h.checkout == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("checkout_service_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
		return
	}
	points := h.checkout.PickupPoints()
	items := make([]map[string]string, 0, len(points))
	for _, point := range points {
		items = append(items, map[string]string{"id": point.ID, "address": point.Address})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_service_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if !decodeJSONBody(w, r, maxCheckoutBodySize, &req) {
		return
	}

	customer := domain.Customer{
		Email:     strings.TrimSpace(req.CustomerEmail),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		if customer.Email == "" {
			customer.Email = identity.Email
		}
		if customer.FirstName == "" && customer.LastName == "" {
			customer.FirstName, customer.LastName = identity.FirstName, identity.LastName
		}
	}

	result, err := h.checkout.Submit(ctx, services.CheckoutCommand{
		UserID:         userID,
		DeliveryMethod: domain.DeliveryMethod(strings.ToLower(strings.TrimSpace(req.DeliveryMethod))),
		PickupPointID:  req.PickupPointID,
		City:           req.City,
		Branch:         req.Branch,
		PaymentMethod:  domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		PromoCode:      req.PromoCode,
		Customer:       customer,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	payload := map[string]any{"draft": buildDraftPayload(result.Draft)}
	status := http.StatusOK
	if result.Order != nil {
		payload["order"] = buildOrderPayload(*result.Order)
		status = http.StatusCreated
	}
	if result.Form != nil {
		payload["payment"] = result.Form
	}
	writeJSONResponse(w, status, payload)
}

func (h *CheckoutHandlers) observeRedirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_service_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req redirectRequest
	if !decodeJSONBody(w, r, maxCheckoutBodySize, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "url is required", http.StatusBadRequest))
		return
	}
	outcome, err := h.checkout.ObserveRedirect(ctx, userID, chi.URLParam(r, "orderId"), req.URL)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"outcome": outcome.String()})
}

func buildDraftPayload(draft domain.OrderDraft) map[string]any {
	return map[string]any{
		"orderId":              draft.OrderID,
		"items":                buildItemsPayload(draft.Items),
		"deliveryMethod":       draft.DeliveryMethod,
		"deliveryAddress":      draft.DeliveryAddress,
		"deliveryCostIncluded": draft.DeliveryCostIncluded,
		"paymentMethod":        draft.PaymentMethod,
		"promoCode":            draft.PromoCode,
		"promoDiscount":        draft.PromoDiscountPercent.String(),
		"subtotal":             draft.Subtotal.StringFixed(2),
		"totalAmount":          draft.TotalAmount.StringFixed(2),
		"currency":             draft.Currency,
	}
}

func buildItemsPayload(items []domain.OrderItem) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"productId":    item.ProductID,
			"productName":  item.ProductName,
			"productImage": item.ProductImage,
			"price":        item.Price.StringFixed(2),
			"quantity":     item.Quantity,
		})
	}
	return out
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutDeliveryUnresolved):
		httpx.WriteError(ctx, w, httpx.NewError("delivery_unresolved", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_session_not_found", "no open payment for this order", http.StatusNotFound))
	case errors.Is(err, payments.ErrGatewayNotConfigured):
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "online payment is not configured", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrPromoNotFound), errors.Is(err, services.ErrPromoBelowMinimum), errors.Is(err, services.ErrPromoExpired):
		writePromoError(ctx, w, err)
	default:
		writeOrderError(ctx, w, err)
	}
}
