package handlers

import (
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/api/internal/domain"
)

func newStatusRouter(t *testing.T, signature func(http.Handler) http.Handler) chi.Router {
	t.Helper()
	ledger, _ := newTestLedger(t)
	router := chi.NewRouter()
	router.Route("/orders", NewOrderHandlers(nil, ledger).Routes)
	router.Route("/webhooks", NewDeliveryWebhookHandlers(ledger, signature).Routes)
	router.Route("/internal", NewInternalOrderHandlers(ledger).Routes)
	return router
}

func TestDeliveryWebhookAdvancesStatus(t *testing.T) {
	router := newStatusRouter(t, nil)
	doJSON(t, router, http.MethodPost, "/orders/", directOrderBody, "")

	rr := doJSON(t, router, http.MethodPost, "/webhooks/delivery/status", `{"orderId":"COD-20260301-AB12","status":"In_Transit"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["status"] != string(domain.OrderStatusShipped) {
		t.Fatalf("expected shipped, got %v", body["status"])
	}

	rr = doJSON(t, router, http.MethodPost, "/webhooks/delivery/status", `{"orderId":"COD-20260301-AB12","status":"accepted"}`, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected regression rejected with 409, got %d", rr.Code)
	}

	rr = doJSON(t, router, http.MethodPost, "/webhooks/delivery/status", `{"orderId":"COD-20260301-AB12","status":"lost_in_space"}`, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}

	rr = doJSON(t, router, http.MethodPost, "/webhooks/delivery/status", `{"orderId":"COD-20260301-ZZ99","status":"delivered"}`, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDeliveryWebhookSignatureMiddleware(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	router := newStatusRouter(t, deny)
	rr := doJSON(t, router, http.MethodPost, "/webhooks/delivery/status", `{"orderId":"COD-20260301-AB12","status":"delivered"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected middleware to guard the webhook, got %d", rr.Code)
	}
}

func TestInternalStatusTransition(t *testing.T) {
	router := newStatusRouter(t, nil)
	doJSON(t, router, http.MethodPost, "/orders/", directOrderBody, "")

	rr := doJSON(t, router, http.MethodPost, "/internal/orders/COD-20260301-AB12/status", `{"status":"cancelled"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	order := decodeBody(t, rr)["order"].(map[string]any)
	if order["status"] != string(domain.OrderStatusCancelled) || order["source"] != string(domain.OrderSourceInternal) {
		t.Fatalf("unexpected order %v", order)
	}

	rr = doJSON(t, router, http.MethodPost, "/internal/orders/COD-20260301-AB12/status", `{"status":"paid"}`, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected terminal status to stay, got %d", rr.Code)
	}

	rr = doJSON(t, router, http.MethodPost, "/internal/orders/COD-20260301-AB12/status", `{"status":"teleported"}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
