package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	domain "github.com/storefront/api/internal/domain"
)

var (
	ErrPromoNotFound     = errors.New("promo: code not found")
	ErrPromoBelowMinimum = errors.New("promo: cart total below minimum")
	ErrPromoExpired      = errors.New("promo: code expired")
)

// PromoBelowMinimumError carries the minimum order amount for display.
type PromoBelowMinimumError struct {
	Code    string
	Minimum decimal.Decimal
}

func (e *PromoBelowMinimumError) Error() string {
	return fmt.Sprintf("promo: %s requires a minimum order of %s", e.Code, e.Minimum.StringFixed(2))
}

// Is matches ErrPromoBelowMinimum.
func (e *PromoBelowMinimumError) Is(target error) bool {
	return target == ErrPromoBelowMinimum
}

// PromoResolverDeps configures the static promo catalog.
type PromoResolverDeps struct {
	Catalog []domain.PromoCode
	// EnforceExpiry rejects codes past ValidUntil. When false ValidUntil is informational.
	EnforceExpiry bool
	Clock         func() time.Time
}

// PromoResolver looks codes up in read-only reference data.
type PromoResolver struct {
	codes         map[string]domain.PromoCode
	enforceExpiry bool
	now           func() time.Time
}

// NewPromoResolver indexes the catalog by normalised code. Duplicate codes
// are rejected.
func NewPromoResolver(deps PromoResolverDeps) (*PromoResolver, error) {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	r := &PromoResolver{
		codes:         make(map[string]domain.PromoCode, len(deps.Catalog)),
		enforceExpiry: deps.EnforceExpiry,
		now:           clock,
	}
	hundred := decimal.NewFromInt(100)
	for _, promo := range deps.Catalog {
		code := r.Normalize(promo.Code)
		switch {
		case code == "":
			return nil, errors.New("promo resolver: code is required")
		case !promo.DiscountPercent.IsPositive() || promo.DiscountPercent.GreaterThan(hundred):
			return nil, fmt.Errorf("promo resolver: %s discount must be in (0,100]", code)
		case promo.MinOrderAmount.IsNegative():
			return nil, fmt.Errorf("promo resolver: %s minimum must not be negative", code)
		}
		if _, dup := r.codes[code]; dup {
			return nil, fmt.Errorf("promo resolver: duplicate code %s", code)
		}
		promo.Code = code
		r.codes[code] = promo
	}
	return r, nil
}

// Normalize trims and upper-cases a user supplied code. A Caser is stateful,
// so each call gets its own.
func (r *PromoResolver) Normalize(code string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(code))
}

// Apply resolves code against cartTotal. The result only depends on the inputs
// and the clock.
func (r *PromoResolver) Apply(code string, cartTotal decimal.Decimal) (domain.PromoCode, error) {
	promo, ok := r.codes[r.Normalize(code)]
	if !ok {
		return domain.PromoCode{}, ErrPromoNotFound
	}
	if r.enforceExpiry && promo.ValidUntil != nil && r.now().After(*promo.ValidUntil) {
		return domain.PromoCode{}, ErrPromoExpired
	}
	if cartTotal.LessThan(promo.MinOrderAmount) {
		return domain.PromoCode{}, &PromoBelowMinimumError{Code: promo.Code, Minimum: promo.MinOrderAmount}
	}
	return promo, nil
}

// ApplyDiscount returns total minus percent, rounded to cents.
func ApplyDiscount(total, percent decimal.Decimal) decimal.Decimal {
	if percent.IsZero() {
		return total.Round(2)
	}
	discount := total.Mul(percent).Div(decimal.NewFromInt(100))
	return total.Sub(discount).Round(2)
}
