package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/idempotency"
	"github.com/storefront/api/internal/repositories/memory"
	"github.com/storefront/api/internal/services"
)

const testLiqPayPrivateKey = "sandbox_private"

var ledgerNow = time.Date(2026, 3, 1, 9, 31, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*services.OrderLedger, *memory.Orders) {
	t.Helper()
	gw, err := payments.NewLiqPayGateway(payments.LiqPayConfig{
		PublicKey:   "sandbox_public",
		PrivateKey:  testLiqPayPrivateKey,
		CheckoutURL: "https://www.liqpay.ua/api/3/checkout",
		ServerURL:   "https://api.example.com/api/v1/liqpay/callback",
		ResultURL:   "https://shop.example.com/payment/result",
	})
	if err != nil {
		t.Fatalf("NewLiqPayGateway: %v", err)
	}
	orders := memory.NewOrders()
	ledger, err := services.NewOrderLedger(services.OrderLedgerDeps{
		Orders:   orders,
		Verifier: gw,
		Clock:    func() time.Time { return ledgerNow },
	})
	if err != nil {
		t.Fatalf("NewOrderLedger: %v", err)
	}
	return ledger, orders
}

const directOrderBody = `{
	"orderId": "COD-20260301-AB12",
	"userId": "user-1",
	"customerEmail": "buyer@example.com",
	"customerFirstName": "Olena",
	"items": [{"productId": "p1", "productName": "Mug", "price": "450", "quantity": 2}],
	"totalAmount": "900",
	"deliveryMethod": "pickup",
	"deliveryAddress": "Kyiv",
	"paymentMethod": "cash_on_delivery",
	"createdAt": 1772357400000
}`

func newOrderRouter(t *testing.T, opts ...OrderOption) (chi.Router, *memory.Orders) {
	t.Helper()
	ledger, orders := newTestLedger(t)
	router := chi.NewRouter()
	router.Route("/orders", NewOrderHandlers(nil, ledger, opts...).Routes)
	return router, orders
}

func TestOrderHandlersCreateDirect(t *testing.T) {
	router, orders := newOrderRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/orders/", directOrderBody, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	order := decodeBody(t, rr)["order"].(map[string]any)
	if order["status"] != string(domain.OrderStatusPending) || order["totalAmount"] != "900.00" {
		t.Fatalf("unexpected order %v", order)
	}
	if order["createdAt"] != time.UnixMilli(1772357400000).UTC().Format(time.RFC3339Nano) {
		t.Fatalf("expected createdAt from epoch millis, got %v", order["createdAt"])
	}
	if orders.Len() != 1 {
		t.Fatalf("expected one stored order, got %d", orders.Len())
	}
}

func TestOrderHandlersUserMismatch(t *testing.T) {
	router, orders := newOrderRouter(t)
	rr := doJSON(t, router, http.MethodPost, "/orders/", directOrderBody, "user-2")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if orders.Len() != 0 {
		t.Fatalf("expected nothing stored")
	}
}

func TestOrderHandlersFillsUserFromIdentity(t *testing.T) {
	router, orders := newOrderRouter(t)
	body := strings.Replace(directOrderBody, `"userId": "user-1",`, "", 1)
	rr := doJSON(t, router, http.MethodPost, "/orders/", body, "user-1")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	stored, err := orders.Get(context.Background(), "COD-20260301-AB12")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.UserID != "user-1" {
		t.Fatalf("expected user from identity, got %q", stored.UserID)
	}
}

func TestOrderHandlersValidation(t *testing.T) {
	router, _ := newOrderRouter(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "online payment", body: strings.Replace(directOrderBody, "cash_on_delivery", "online", 1), want: http.StatusBadRequest},
		{name: "bad id", body: strings.Replace(directOrderBody, "COD-20260301-AB12", "bad id!", 1), want: http.StatusBadRequest},
		{name: "bad createdAt", body: strings.Replace(directOrderBody, "1772357400000", `"yesterday"`, 1), want: http.StatusBadRequest},
		{name: "empty body", body: "", want: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, router, http.MethodPost, "/orders/", tc.body, "")
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestOrderHandlersConflict(t *testing.T) {
	router, _ := newOrderRouter(t)
	doJSON(t, router, http.MethodPost, "/orders/", directOrderBody, "")
	body := strings.Replace(directOrderBody, `"user-1"`, `"user-9"`, 1)
	rr := doJSON(t, router, http.MethodPost, "/orders/", body, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestOrderHandlersOwnerRead(t *testing.T) {
	router, _ := newOrderRouter(t)
	doJSON(t, router, http.MethodPost, "/orders/", directOrderBody, "")

	rr := doJSON(t, router, http.MethodGet, "/orders/COD-20260301-AB12", "", "user-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, router, http.MethodGet, "/orders/COD-20260301-AB12", "", "user-2")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected other users to see 404, got %d", rr.Code)
	}
	rr = doJSON(t, router, http.MethodGet, "/orders/COD-20260301-AB12", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestOrderHandlersIdempotentReplay(t *testing.T) {
	store := idempotency.NewMemoryStore()
	router, orders := newOrderRouter(t, WithOrderIdempotency(idempotency.Middleware(store, idempotency.WithOptionalKey())))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(directOrderBody))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "order-key-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}
	first := send()
	second := send()
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("expected both 201, got %d and %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("expected replayed body")
	}
	if orders.Writes() != 1 {
		t.Fatalf("expected one write, got %d", orders.Writes())
	}
}

func TestFlexTimeFormats(t *testing.T) {
	var parsed struct {
		At flexTime `json:"at"`
	}
	if err := json.Unmarshal([]byte(`{"at":"2026-03-01T09:30:00Z"}`), &parsed); err != nil {
		t.Fatalf("rfc3339: %v", err)
	}
	if !parsed.At.Equal(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time %v", parsed.At)
	}
	parsed.At = flexTime{}
	if err := json.Unmarshal([]byte(`{"at":null}`), &parsed); err != nil || !parsed.At.IsZero() {
		t.Fatalf("null should be zero, got %v %v", parsed.At, err)
	}
	if err := json.Unmarshal([]byte(`{"at":true}`), &parsed); err == nil {
		t.Fatalf("expected error for boolean")
	}
}
