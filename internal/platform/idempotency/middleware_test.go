package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/storefront/api/internal/platform/auth"
)

var fixedTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func orderRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(DefaultHeader, key)
	}
	return req
}

func TestMiddlewareRequiresKey(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, orderRequest("", `{"orderId":"COD-20260301-AB12"}`))

	if called {
		t.Fatal("handler must not run without a key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_required")
}

func TestMiddlewareOptionalKeyPassesThrough(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore(), WithOptionalKey())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, orderRequest("", `{}`))
	if !called || rr.Code != http.StatusCreated {
		t.Fatalf("expected pass through, called=%v code=%d", called, rr.Code)
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"orderId":"COD-20260301-AB12"}`))
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, orderRequest("k-1", `{"orderId":"COD-20260301-AB12"}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, orderRequest("k-1", `{"orderId":"COD-20260301-AB12"}`))

	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected replay header")
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replayed body mismatch: %q vs %q", second.Body.String(), first.Body.String())
	}
}

func TestMiddlewareRejectsKeyReuseWithDifferentBody(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), orderRequest("k-2", `{"a":1}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, orderRequest("k-2", `{"a":2}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_conflict")
}

func TestMiddlewareScopesKeyByIdentity(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for _, uid := range []string{"user-a", "user-b"} {
		req := orderRequest("shared", `{}`)
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("expected each identity to run the handler, got %d calls", calls)
	}
}

func TestMiddlewareReleasesKeyOnServerError(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, orderRequest("k-3", `{}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, orderRequest("k-3", `{}`))

	if first.Code != http.StatusServiceUnavailable || second.Code != http.StatusCreated {
		t.Fatalf("expected retry after 5xx, got %d then %d", first.Code, second.Code)
	}
}

func TestMiddlewarePendingReservation(t *testing.T) {
	store := NewMemoryStore()
	scoped := "k-4|anonymous"
	req := orderRequest("k-4", `{}`)
	fp := requestFingerprint(req, []byte(`{}`), "anonymous")
	if _, err := store.Reserve(context.Background(), scoped, fp, time.Now(), time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rr := httptest.NewRecorder()
	Middleware(store)(http.NotFoundHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_in_progress")
}

func TestMemoryStoreExpiryAndCleanup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := store.Reserve(ctx, "k", "other", fixedTime.Add(time.Second), time.Minute); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	res, err := store.Reserve(ctx, "k", "other", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected expired key to be reusable, got %+v %v", res, err)
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(time.Hour), 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one removal, got %d %v", removed, err)
	}
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, code string) {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["error"] != code {
		t.Fatalf("expected error %q, got %v", code, payload["error"])
	}
}
