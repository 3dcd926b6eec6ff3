package payments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
)

func newTestGateway(t *testing.T) *LiqPayGateway {
	t.Helper()
	gw, err := NewLiqPayGateway(LiqPayConfig{
		PublicKey:   "sandbox_public",
		PrivateKey:  "sandbox_private",
		CheckoutURL: "https://www.liqpay.ua/api/3/checkout",
		ServerURL:   "https://api.storefront.app/api/v1/liqpay/callback",
		ResultURL:   "https://storefront.app/payment/result",
		Sandbox:     true,
	})
	if err != nil {
		t.Fatalf("NewLiqPayGateway: %v", err)
	}
	return gw
}

func sampleDraft() domain.OrderDraft {
	return domain.OrderDraft{
		OrderID:              "PAY-20260301-AB12",
		UserID:               "user-1",
		Items:                []domain.OrderItem{{ProductID: "p-1", ProductName: "Mug", Price: decimal.RequireFromString("450.00"), Quantity: 2}},
		DeliveryMethod:       domain.DeliveryNovaPoshta,
		DeliveryAddress:      "Kyiv, branch 12",
		PaymentMethod:        domain.PaymentOnline,
		PromoCode:            "WELCOME10",
		PromoDiscountPercent: decimal.NewFromInt(10),
		TotalAmount:          decimal.RequireFromString("810.00"),
		Currency:             "UAH",
		Customer:             domain.Customer{Email: "buyer@example.com", FirstName: "Olena", LastName: "Koval"},
	}
}

func TestSignatureKnownVector(t *testing.T) {
	data := "eyJvcmRlcl9pZCI6IlBBWS0yMDI2MDMwMS1BQjEyIiwic3RhdHVzIjoic3VjY2VzcyJ9"
	if got := Signature("sandbox_private", data); got != "XcJGzPRFFNzujJjti6fJYZWf8TY=" {
		t.Fatalf("unexpected signature %s", got)
	}
}

func TestVerifyRejectsEverySingleBitFlip(t *testing.T) {
	gw := newTestGateway(t)
	data := base64.StdEncoding.EncodeToString([]byte(`{"order_id":"PAY-1","status":"success"}`))
	sig := gw.Sign(data)
	if !gw.Verify(data, sig) {
		t.Fatal("expected signature to verify")
	}

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), raw...)
			flipped[i] ^= 1 << bit
			if gw.Verify(data, base64.StdEncoding.EncodeToString(flipped)) {
				t.Fatalf("bit %d of byte %d flipped still verified", bit, i)
			}
		}
	}
	if gw.Verify(data, "") {
		t.Fatal("empty signature must not verify")
	}
}

func TestPrepareCheckoutPayload(t *testing.T) {
	gw := newTestGateway(t)
	form, err := gw.PrepareCheckout(context.Background(), sampleDraft())
	if err != nil {
		t.Fatalf("PrepareCheckout: %v", err)
	}
	if form.Action != "https://www.liqpay.ua/api/3/checkout" || form.OrderID != "PAY-20260301-AB12" {
		t.Fatalf("unexpected form %+v", form)
	}
	if !gw.Verify(form.Data, form.Signature) {
		t.Fatal("form signature does not verify")
	}

	raw, _ := base64.StdEncoding.DecodeString(form.Data)
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	want := map[string]any{
		"version":    float64(3),
		"public_key": "sandbox_public",
		"action":     "pay",
		"amount":     810.0,
		"currency":   "UAH",
		"order_id":   "PAY-20260301-AB12",
		"sandbox":    float64(1),
		"language":   "uk",
	}
	for key, value := range want {
		if payload[key] != value {
			t.Fatalf("payload[%s] = %v, want %v", key, payload[key], value)
		}
	}

	info, err := DecodeInfo(payload["info"].(string))
	if err != nil {
		t.Fatalf("DecodeInfo: %v", err)
	}
	if info.V != InfoVersion || info.UserID != "user-1" || len(info.Items) != 1 || info.Items[0].Quantity != 2 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestPrepareCheckoutRejectsEmptyDraft(t *testing.T) {
	gw := newTestGateway(t)
	draft := sampleDraft()
	draft.Items = nil
	if _, err := gw.PrepareCheckout(context.Background(), draft); err == nil {
		t.Fatal("expected error for draft without items")
	}
}

func TestNewLiqPayGatewayRequiresKeys(t *testing.T) {
	if _, err := NewLiqPayGateway(LiqPayConfig{PublicKey: "pub"}); !errors.Is(err, ErrGatewayNotConfigured) {
		t.Fatalf("expected ErrGatewayNotConfigured, got %v", err)
	}
}

func TestDecodeCallback(t *testing.T) {
	gw := newTestGateway(t)
	info, _ := EncodeInfo(InfoFromDraft(sampleDraft()))
	body, _ := json.Marshal(map[string]any{
		"order_id":       "PAY-20260301-AB12",
		"status":         "sandbox",
		"amount":         810,
		"currency":       "UAH",
		"payment_id":     1234567,
		"transaction_id": 7654321,
		"create_date":    1772355600000,
		"sender_email":   "buyer@example.com",
		"info":           info,
	})

	cb, err := gw.DecodeCallback(base64.StdEncoding.EncodeToString(body))
	if err != nil {
		t.Fatalf("DecodeCallback: %v", err)
	}
	if !cb.Succeeded() || !cb.Sandbox() {
		t.Fatalf("expected sandbox success, got %q", cb.Status)
	}
	if !cb.Amount.Equal(decimal.NewFromInt(810)) || cb.TransactionID != "7654321" {
		t.Fatalf("unexpected callback %+v", cb)
	}
	if cb.CreatedAt.UnixMilli() != 1772355600000 {
		t.Fatalf("unexpected create date %s", cb.CreatedAt)
	}
	if cb.InfoErr != nil || cb.Info.DeliveryMethod != "nova_poshta" {
		t.Fatalf("unexpected info %+v (%v)", cb.Info, cb.InfoErr)
	}
}

func TestDecodeCallbackMalformed(t *testing.T) {
	gw := newTestGateway(t)
	for _, data := range []string{"%%%", base64.StdEncoding.EncodeToString([]byte("not json")), base64.StdEncoding.EncodeToString([]byte(`{"status":"success"}`))} {
		if _, err := gw.DecodeCallback(data); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("data %q: expected ErrMalformedPayload, got %v", data, err)
		}
	}
}
