package auth

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type mapSecretProvider map[string]string

func (m mapSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if secret, ok := m[name]; ok {
		return secret, nil
	}
	return "", fmt.Errorf("secret %s not found", name)
}

type verificationRecord struct {
	kind    string
	success bool
	reason  string
}

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{kind: kind, success: success, reason: reason})
}

func signedRequest(t *testing.T, secret string, now time.Time, nonce string, body []byte) *http.Request {
	t.Helper()
	const path = "/api/v1/webhooks/delivery/status"
	ts := now.Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(signatureHeader, SignHMAC(secret, http.MethodPost, path, ts, nonce, body))
	req.Header.Set(timestampHeader, ts)
	req.Header.Set(nonceHeader, nonce)
	return req
}

func TestRequireHMAC_SuccessThenReplay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	metrics := &recordingMetrics{}
	validator := NewHMACValidator(mapSecretProvider{"carrier": "s3cret"}, NewInMemoryNonceStore(),
		WithHMACClock(func() time.Time { return now }),
		WithHMACMetrics(metrics),
	)
	body := []byte(`{"orderId":"COD-20260301-AB12","status":"shipped"}`)

	var received []byte
	handler := validator.RequireHMAC("carrier")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		received = buf.Bytes()
		w.WriteHeader(http.StatusAccepted)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, signedRequest(t, "s3cret", now, "n-1", body))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if !bytes.Equal(received, body) {
		t.Fatalf("expected body to be restored for the handler")
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, signedRequest(t, "s3cret", now, "n-1", body))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected, got %d", rr.Code)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.records) != 2 || !metrics.records[0].success || metrics.records[1].reason != "nonce_replay" {
		t.Fatalf("unexpected metrics %+v", metrics.records)
	}
}

func TestRequireHMAC_Rejections(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	validator := NewHMACValidator(mapSecretProvider{"carrier": "s3cret"}, NewInMemoryNonceStore(),
		WithHMACClock(func() time.Time { return now }),
	)
	handler := validator.RequireHMAC("carrier")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run")
	}))
	body := []byte(`{}`)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{name: "wrong secret", req: signedRequest(t, "other", now, "n-2", body), status: http.StatusUnauthorized},
		{name: "stale timestamp", req: signedRequest(t, "s3cret", now.Add(-10*time.Minute), "n-3", body), status: http.StatusUnauthorized},
		{name: "missing headers", req: httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/delivery/status", bytes.NewReader(body)), status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, tt.req)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
		})
	}
}

func TestRequireHMAC_UnknownSecret(t *testing.T) {
	validator := NewHMACValidator(mapSecretProvider{}, NewInMemoryNonceStore())
	rr := httptest.NewRecorder()
	validator.RequireHMAC("carrier")(http.NotFoundHandler()).ServeHTTP(rr,
		httptest.NewRequest(http.MethodPost, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
