package payments

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDecodeLegacyInfoWithStringCartItems(t *testing.T) {
	raw := `{"userId":"user-7","deliveryMethod":"pickup","deliveryAddress":"Kyiv, Khreshchatyk St 22",` +
		`"deliveryCostIncluded":"false","customerEmail":"a@b.c","promoCode":"SALE","promoDiscount":20,` +
		`"cartItems":"[{\"productId\":\"p-9\",\"productName\":\"Lamp\",\"price\":1500,\"quantity\":2}]"}`

	info, err := DecodeInfo(raw)
	if err != nil {
		t.Fatalf("DecodeInfo: %v", err)
	}
	if info.V != InfoVersion || info.UserID != "user-7" || info.DeliveryCostIncluded {
		t.Fatalf("unexpected info %+v", info)
	}
	if !info.PromoDiscount.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("unexpected promo discount %s", info.PromoDiscount)
	}
	items := info.OrderItems()
	if len(items) != 1 || items[0].ProductID != "p-9" || items[0].Quantity != 2 || !items[0].Price.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestDecodeInfoRejectsUnknownVersion(t *testing.T) {
	if _, err := DecodeInfo(`{"v":2}`); err == nil {
		t.Fatal("expected error for unknown version")
	}
	if _, err := DecodeInfo(""); err == nil {
		t.Fatal("expected error for empty info")
	}
}

func TestEncodeInfoRoundTrip(t *testing.T) {
	encoded, err := EncodeInfo(InfoFromDraft(sampleDraft()))
	if err != nil {
		t.Fatalf("EncodeInfo: %v", err)
	}
	info, err := DecodeInfo(encoded)
	if err != nil {
		t.Fatalf("DecodeInfo: %v", err)
	}
	if info.CustomerFirstName != "Olena" || info.PromoCode != "WELCOME10" || !info.Items[0].Price.Equal(decimal.RequireFromString("450")) {
		t.Fatalf("unexpected info %+v", info)
	}
}
