package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/repositories"
	"github.com/storefront/api/internal/services"
)

const maxCartBodySize = 4 * 1024

// CartSessionManager hands out the per-user cart.
type CartSessionManager interface {
	Open(ctx context.Context, userID string) (*services.CartStore, error)
	Evict(ctx context.Context, userID string) error
}

// PromoPreviewer resolves a code against the user's current cart.
type PromoPreviewer interface {
	PreviewPromo(ctx context.Context, userID, code string) (domain.PromoCode, decimal.Decimal, error)
}

// CartHandlers exposes the signed-in user's cart.
type CartHandlers struct {
	authn        *auth.Authenticator
	carts        CartSessionManager
	catalog      repositories.ProductCatalog
	promos       PromoPreviewer
	promoLimiter attemptLimiter
}

type CartOption func(*CartHandlers)

// WithPromoRateLimit caps promo previews per user per minute.
func WithPromoRateLimit(perMinute int, clock func() time.Time) CartOption {
	return func(h *CartHandlers) {
		h.promoLimiter = newWindowLimiter(perMinute, time.Minute, clock)
	}
}

func NewCartHandlers(authn *auth.Authenticator, carts CartSessionManager, catalog repositories.ProductCatalog, promos PromoPreviewer, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{authn: authn, carts: carts, catalog: catalog, promos: promos}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Patch("/items/{productId}", h.setQuantity)
	r.Delete("/items/{productId}", h.removeItem)
	r.Post("/promo", h.previewPromo)
	r.Delete("/session", h.endSession)
}

type addCartItemRequest struct {
	ProductID string `json:"productId"`
}

type setQuantityRequest struct {
	Quantity *int `json:"quantity"`
}

type promoRequest struct {
	Code string `json:"code"`
}

type cartLinePayload struct {
	ProductID       string `json:"productId"`
	Name            string `json:"name"`
	Image           string `json:"image,omitempty"`
	Price           string `json:"price"`
	DiscountPercent string `json:"discountPercent"`
	UnitPrice       string `json:"unitPrice"`
	Quantity        int    `json:"quantity"`
	Subtotal        string `json:"subtotal"`
}

type cartPayload struct {
	UserID      string            `json:"userId"`
	Lines       []cartLinePayload `json:"lines"`
	Count       int               `json:"count"`
	UniqueCount int               `json:"uniqueCount"`
	Total       string            `json:"total"`
	UpdatedAt   string            `json:"updatedAt,omitempty"`
}

func (h *CartHandlers) open(w http.ResponseWriter, r *http.Request) (*services.CartStore, string, bool) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return nil, "", false
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return nil, "", false
	}
	cart, err := h.carts.Open(ctx, userID)
	if err != nil {
		writeCartError(ctx, w, err)
		return nil, "", false
	}
	return cart, userID, true
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	cart, _, ok := h.open(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"cart": buildCartPayload(cart)})
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cart, _, ok := h.open(w, r)
	if !ok {
		return
	}
	var req addCartItemRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productId is required", http.StatusBadRequest))
		return
	}
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "product catalog is unavailable", http.StatusServiceUnavailable))
		return
	}
	product, err := h.catalog.FindProduct(ctx, productID)
	if err != nil {
		writeRepositoryError(ctx, w, err, "product")
		return
	}

	accepted, err := cart.Add(ctx, product)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"accepted": accepted, "cart": buildCartPayload(cart)})
}

func (h *CartHandlers) setQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cart, _, ok := h.open(w, r)
	if !ok {
		return
	}
	var req setQuantityRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity is required", http.StatusBadRequest))
		return
	}
	cart.SetQuantity(ctx, chi.URLParam(r, "productId"), *req.Quantity)
	writeJSONResponse(w, http.StatusOK, map[string]any{"cart": buildCartPayload(cart)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	cart, _, ok := h.open(w, r)
	if !ok {
		return
	}
	cart.Remove(r.Context(), chi.URLParam(r, "productId"))
	writeJSONResponse(w, http.StatusOK, map[string]any{"cart": buildCartPayload(cart)})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	cart, _, ok := h.open(w, r)
	if !ok {
		return
	}
	cart.Clear(r.Context())
	writeJSONResponse(w, http.StatusOK, map[string]any{"cart": buildCartPayload(cart)})
}

func (h *CartHandlers) previewPromo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if h.promos == nil {
		httpx.WriteError(ctx, w, httpx.NewError("promo_service_unavailable", "promo service is unavailable", http.StatusServiceUnavailable))
		return
	}
	if allowed, retryAfter := h.allowPromo(userID); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many promo attempts", http.StatusTooManyRequests))
		return
	}
	var req promoRequest
	if !decodeJSONBody(w, r, maxCartBodySize, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code is required", http.StatusBadRequest))
		return
	}

	promo, total, err := h.promos.PreviewPromo(ctx, userID, req.Code)
	if err != nil {
		writePromoError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"code":            promo.Code,
		"discountPercent": promo.DiscountPercent.String(),
		"minOrderAmount":  promo.MinOrderAmount.StringFixed(2),
		"discountedTotal": total.StringFixed(2),
	})
}

func (h *CartHandlers) allowPromo(userID string) (bool, time.Duration) {
	if h.promoLimiter == nil {
		return true, 0
	}
	return h.promoLimiter.Allow(userID)
}

func (h *CartHandlers) endSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	if err := h.carts.Evict(ctx, userID); err != nil {
		writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func buildCartPayload(cart *services.CartStore) cartPayload {
	snapshot := cart.Snapshot()
	payload := cartPayload{
		UserID:      snapshot.UserID,
		Lines:       make([]cartLinePayload, 0, len(snapshot.Lines)),
		UniqueCount: len(snapshot.Lines),
		UpdatedAt:   formatTime(snapshot.UpdatedAt),
	}
	total := decimal.Zero
	for _, line := range snapshot.Lines {
		subtotal := line.Subtotal()
		total = total.Add(subtotal)
		payload.Count += line.Quantity
		payload.Lines = append(payload.Lines, cartLinePayload{
			ProductID:       line.Product.ID,
			Name:            line.Product.Name,
			Image:           line.Product.Image,
			Price:           line.Product.Price.StringFixed(2),
			DiscountPercent: line.Product.DiscountPercent.String(),
			UnitPrice:       line.Product.UnitPrice().StringFixed(2),
			Quantity:        line.Quantity,
			Subtotal:        subtotal.StringFixed(2),
		})
	}
	payload.Total = total.StringFixed(2)
	return payload
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartCapacityReached):
		httpx.WriteError(ctx, w, httpx.NewError("cart_capacity_reached", err.Error(), http.StatusConflict).
			WithDetails(map[string]any{"maxLines": domain.MaxCartLines}))
	case errors.Is(err, services.ErrCartInvalidProduct):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_product", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCartUserRequired):
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	default:
		writeRepositoryError(ctx, w, err, "cart")
	}
}

func writePromoError(ctx context.Context, w http.ResponseWriter, err error) {
	var below *services.PromoBelowMinimumError
	switch {
	case errors.As(err, &below):
		httpx.WriteError(ctx, w, httpx.NewError("promo_below_minimum", err.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"minOrderAmount": below.Minimum.StringFixed(2)}))
	case errors.Is(err, services.ErrPromoNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("promo_not_found", "promo code not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPromoExpired):
		httpx.WriteError(ctx, w, httpx.NewError("promo_expired", "promo code has expired", http.StatusUnprocessableEntity))
	default:
		writeCartError(ctx, w, err)
	}
}
