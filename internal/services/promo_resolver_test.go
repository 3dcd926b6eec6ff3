package services

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
)

func testPromoCatalog(validUntil time.Time) []domain.PromoCode {
	return []domain.PromoCode{
		{Code: "SALE", DiscountPercent: decimal.NewFromInt(20), MinOrderAmount: decimal.NewFromInt(3000)},
		{Code: "WELCOME10", DiscountPercent: decimal.NewFromInt(10), MinOrderAmount: decimal.Zero},
		{Code: "SPRING", DiscountPercent: decimal.NewFromInt(15), MinOrderAmount: decimal.Zero, ValidUntil: &validUntil},
	}
}

func newTestPromos(t *testing.T, enforce bool, now time.Time) *PromoResolver {
	t.Helper()
	resolver, err := NewPromoResolver(PromoResolverDeps{
		Catalog:       testPromoCatalog(time.Date(2026, 5, 31, 23, 59, 0, 0, time.UTC)),
		EnforceExpiry: enforce,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewPromoResolver: %v", err)
	}
	return resolver
}

func TestPromoApply(t *testing.T) {
	now := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)
	resolver := newTestPromos(t, true, now)

	tests := []struct {
		name    string
		code    string
		total   int64
		wantErr error
		want    string
	}{
		{name: "below minimum", code: "SALE", total: 900, wantErr: ErrPromoBelowMinimum},
		{name: "at minimum", code: "SALE", total: 3000, want: "SALE"},
		{name: "normalised", code: "  welcome10 ", total: 1, want: "WELCOME10"},
		{name: "unknown", code: "NOPE", total: 5000, wantErr: ErrPromoNotFound},
		{name: "expired", code: "spring", total: 5000, wantErr: ErrPromoExpired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			promo, err := resolver.Apply(tc.code, decimal.NewFromInt(tc.total))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if promo.Code != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, promo.Code)
			}
		})
	}
}

func TestPromoBelowMinimumCarriesMinimum(t *testing.T) {
	resolver := newTestPromos(t, true, time.Now())
	_, err := resolver.Apply("sale", decimal.NewFromInt(900))
	var below *PromoBelowMinimumError
	if !errors.As(err, &below) {
		t.Fatalf("expected PromoBelowMinimumError, got %v", err)
	}
	if !below.Minimum.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected minimum 3000, got %s", below.Minimum)
	}
}

func TestPromoExpiryInformationalWhenDisabled(t *testing.T) {
	resolver := newTestPromos(t, false, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	if _, err := resolver.Apply("SPRING", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("expected expiry ignored, got %v", err)
	}
}

func TestPromoResolverRejectsBadCatalog(t *testing.T) {
	cases := map[string][]domain.PromoCode{
		"zero percent": {{Code: "A", DiscountPercent: decimal.Zero}},
		"over 100":     {{Code: "A", DiscountPercent: decimal.NewFromInt(101)}},
		"duplicate":    {{Code: "a", DiscountPercent: decimal.NewFromInt(5)}, {Code: "A", DiscountPercent: decimal.NewFromInt(5)}},
	}
	for name, catalog := range cases {
		if _, err := NewPromoResolver(PromoResolverDeps{Catalog: catalog}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestApplyDiscountRoundsToCents(t *testing.T) {
	got := ApplyDiscount(decimal.RequireFromString("999.99"), decimal.NewFromInt(15))
	if want := decimal.RequireFromString("849.99"); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
