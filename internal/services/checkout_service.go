package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
)

const (
	defaultCODPrefix    = "COD"
	defaultOnlinePrefix = "PAY"
	orderIDSuffixLength = 4
	orderIDAlphabet     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

var (
	ErrCheckoutEmptyCart          = errors.New("checkout service: cart is empty")
	ErrCheckoutDeliveryUnresolved = errors.New("checkout service: delivery address is unresolved")
	ErrCheckoutInvalidInput       = errors.New("checkout service: invalid input")
)

// DirectOrderWriter persists cash-on-delivery orders.
type DirectOrderWriter interface {
	CreateDirect(ctx context.Context, cmd DirectOrderCommand) (domain.Order, error)
}

// CheckoutServiceDeps wires the checkout aggregator. Sessions, Random and the
// order id prefixes have defaults; the rest is required.
type CheckoutServiceDeps struct {
	Carts        *CartSessions
	Promos       *PromoResolver
	Ledger       DirectOrderWriter
	Gateway      PaymentGateway
	Sessions     *PaymentSessions
	PickupPoints []domain.PickupPoint
	Currency     string
	CODPrefix    string
	OnlinePrefix string
	ResultDomain string
	Clock        func() time.Time
	Random       io.Reader
	Logger       Logger
}

// CheckoutService turns a cart into an order draft and submits it.
type CheckoutService struct {
	carts        *CartSessions
	promos       *PromoResolver
	ledger       DirectOrderWriter
	gateway      PaymentGateway
	sessions     *PaymentSessions
	pickupPoints []domain.PickupPoint
	currency     string
	codPrefix    string
	onlinePrefix string
	resultDomain string
	now          func() time.Time
	random       io.Reader
	logger       Logger
	policy       *bluemonday.Policy
}

// NewCheckoutService validates deps and returns a ready service.
func NewCheckoutService(deps CheckoutServiceDeps) (*CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart sessions are required")
	}
	if deps.Promos == nil {
		return nil, errors.New("checkout service: promo resolver is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("checkout service: order ledger is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}
	if len(deps.PickupPoints) == 0 {
		return nil, errors.New("checkout service: at least one pickup point is required")
	}
	resultDomain := strings.ToLower(strings.TrimSpace(deps.ResultDomain))
	if resultDomain == "" {
		return nil, errors.New("checkout service: result domain is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewPaymentSessions(0, clock)
	}
	random := deps.Random
	if random == nil {
		random = rand.Reader
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "UAH"
	}
	codPrefix := strings.TrimSpace(deps.CODPrefix)
	if codPrefix == "" {
		codPrefix = defaultCODPrefix
	}
	onlinePrefix := strings.TrimSpace(deps.OnlinePrefix)
	if onlinePrefix == "" {
		onlinePrefix = defaultOnlinePrefix
	}

	return &CheckoutService{
		carts:        deps.Carts,
		promos:       deps.Promos,
		ledger:       deps.Ledger,
		gateway:      deps.Gateway,
		sessions:     sessions,
		pickupPoints: append([]domain.PickupPoint(nil), deps.PickupPoints...),
		currency:     currency,
		codPrefix:    codPrefix,
		onlinePrefix: onlinePrefix,
		resultDomain: resultDomain,
		now:          clock,
		random:       random,
		logger:       logger,
		policy:       bluemonday.StrictPolicy(),
	}, nil
}

// CheckoutCommand carries the checkout form.
type CheckoutCommand struct {
	UserID         string
	DeliveryMethod domain.DeliveryMethod
	PickupPointID  string
	City           string
	Branch         string
	PaymentMethod  domain.PaymentMethod
	PromoCode      string
	Customer       domain.Customer
}

// CheckoutResult holds the committed order for cash on delivery, or the
// signed processor form for online payment.
type CheckoutResult struct {
	Draft domain.OrderDraft
	Order *domain.Order
	Form  *payments.PaymentForm
}

// PickupPoints lists the configured pickup locations.
func (s *CheckoutService) PickupPoints() []domain.PickupPoint {
	return append([]domain.PickupPoint(nil), s.pickupPoints...)
}

// BuildDraft snapshots the user's cart into an order draft.
func (s *CheckoutService) BuildDraft(ctx context.Context, cmd CheckoutCommand) (domain.OrderDraft, error) {
	if !cmd.DeliveryMethod.Valid() {
		return domain.OrderDraft{}, fmt.Errorf("%w: deliveryMethod is invalid", ErrCheckoutInvalidInput)
	}
	if !cmd.PaymentMethod.Valid() {
		return domain.OrderDraft{}, fmt.Errorf("%w: paymentMethod is invalid", ErrCheckoutInvalidInput)
	}
	cart, err := s.carts.Open(ctx, cmd.UserID)
	if err != nil {
		return domain.OrderDraft{}, err
	}
	snapshot := cart.Snapshot()
	if len(snapshot.Lines) == 0 {
		return domain.OrderDraft{}, ErrCheckoutEmptyCart
	}
	address, err := s.resolveDelivery(cmd)
	if err != nil {
		return domain.OrderDraft{}, err
	}

	items := make([]domain.OrderItem, 0, len(snapshot.Lines))
	for _, line := range snapshot.Lines {
		items = append(items, domain.OrderItem{
			ProductID:    line.Product.ID,
			ProductName:  line.Product.Name,
			ProductImage: line.Product.Image,
			Price:        line.Product.UnitPrice().Round(2),
			Quantity:     line.Quantity,
		})
	}
	subtotal := linesTotal(snapshot.Lines)

	var promo domain.PromoCode
	if strings.TrimSpace(cmd.PromoCode) != "" {
		promo, err = s.promos.Apply(cmd.PromoCode, subtotal)
		if err != nil {
			return domain.OrderDraft{}, err
		}
	}

	prefix := s.onlinePrefix
	if cmd.PaymentMethod == domain.PaymentCashOnDelivery {
		prefix = s.codPrefix
	}
	orderID, err := s.newOrderID(prefix)
	if err != nil {
		return domain.OrderDraft{}, err
	}

	return domain.OrderDraft{
		OrderID:              orderID,
		UserID:               snapshot.UserID,
		Items:                items,
		DeliveryMethod:       cmd.DeliveryMethod,
		DeliveryAddress:      address,
		DeliveryCostIncluded: cmd.DeliveryMethod == domain.DeliveryPickup,
		PaymentMethod:        cmd.PaymentMethod,
		PromoCode:            promo.Code,
		PromoDiscountPercent: promo.DiscountPercent,
		Subtotal:             subtotal.Round(2),
		TotalAmount:          ApplyDiscount(subtotal, promo.DiscountPercent),
		Currency:             s.currency,
		Customer: domain.Customer{
			Email:     s.text(cmd.Customer.Email),
			FirstName: s.text(cmd.Customer.FirstName),
			LastName:  s.text(cmd.Customer.LastName),
		},
	}, nil
}

func (s *CheckoutService) resolveDelivery(cmd CheckoutCommand) (string, error) {
	if cmd.DeliveryMethod == domain.DeliveryPickup {
		id := strings.TrimSpace(cmd.PickupPointID)
		if id == "" {
			return s.pickupPoints[0].Address, nil
		}
		for _, point := range s.pickupPoints {
			if point.ID == id {
				return point.Address, nil
			}
		}
		return "", fmt.Errorf("%w: unknown pickup point %q", ErrCheckoutDeliveryUnresolved, id)
	}
	city, branch := s.text(cmd.City), s.text(cmd.Branch)
	if city == "" || branch == "" {
		return "", fmt.Errorf("%w: city and branch are required", ErrCheckoutDeliveryUnresolved)
	}
	return city + ", " + branch, nil
}

// Submit builds the draft and hands it to the ledger or the payment gateway.
func (s *CheckoutService) Submit(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	draft, err := s.BuildDraft(ctx, cmd)
	if err != nil {
		return CheckoutResult{}, err
	}

	if draft.PaymentMethod == domain.PaymentCashOnDelivery {
		order, err := s.ledger.CreateDirect(ctx, DirectOrderCommand{
			OrderID:              draft.OrderID,
			UserID:               draft.UserID,
			CustomerEmail:        draft.Customer.Email,
			CustomerFirstName:    draft.Customer.FirstName,
			CustomerLastName:     draft.Customer.LastName,
			Items:                draft.Items,
			TotalAmount:          draft.TotalAmount,
			PromoCode:            draft.PromoCode,
			PromoDiscount:        draft.PromoDiscountPercent,
			DeliveryMethod:       draft.DeliveryMethod,
			DeliveryAddress:      draft.DeliveryAddress,
			DeliveryCostIncluded: draft.DeliveryCostIncluded,
			PaymentMethod:        domain.PaymentCashOnDelivery,
			Status:               domain.OrderStatusPending,
			CreatedAt:            s.now(),
		})
		if err != nil {
			s.logger(ctx, "checkout.submit.failed", map[string]any{"orderId": draft.OrderID, "error": err.Error()})
			return CheckoutResult{}, err
		}
		if cart, err := s.carts.Open(ctx, draft.UserID); err == nil {
			cart.Clear(ctx)
		}
		s.logger(ctx, "checkout.submitted", map[string]any{"orderId": order.OrderID, "paymentMethod": string(order.PaymentMethod)})
		return CheckoutResult{Draft: draft, Order: &order}, nil
	}

	form, err := s.gateway.PrepareCheckout(ctx, draft)
	if err != nil {
		s.logger(ctx, "checkout.payment.failed", map[string]any{"orderId": draft.OrderID, "error": err.Error()})
		return CheckoutResult{}, err
	}
	s.sessions.Register(draft)
	s.logger(ctx, "checkout.payment.prepared", map[string]any{"orderId": draft.OrderID, "total": draft.TotalAmount.StringFixed(2)})
	return CheckoutResult{Draft: draft, Form: &form}, nil
}

// ObserveRedirect reports a navigation inside the payment view. A success
// clears the cart and stays settled briefly, so repeated redirects of the same
// payment view still report success.
func (s *CheckoutService) ObserveRedirect(ctx context.Context, userID, orderID, rawURL string) (payments.RedirectOutcome, error) {
	userID, orderID = strings.TrimSpace(userID), strings.TrimSpace(orderID)
	session, ok := s.sessions.Lookup(userID, orderID)
	if !ok {
		return payments.RedirectContinue, ErrPaymentSessionNotFound
	}
	if session.Settled {
		s.clearCart(ctx, userID)
		return payments.RedirectSuccess, nil
	}

	outcome := payments.ClassifyRedirect(s.resultDomain, rawURL)
	switch outcome {
	case payments.RedirectSuccess:
		s.sessions.Settle(userID, orderID)
		s.clearCart(ctx, userID)
	case payments.RedirectCancelled:
		s.sessions.Discard(userID, orderID)
	}
	if outcome != payments.RedirectContinue {
		s.logger(ctx, "checkout.redirect.observed", map[string]any{"orderId": orderID, "outcome": outcome.String()})
	}
	return outcome, nil
}

func (s *CheckoutService) clearCart(ctx context.Context, userID string) {
	cart, err := s.carts.Open(ctx, userID)
	if err != nil {
		return
	}
	cart.Clear(ctx)
}

func (s *CheckoutService) newOrderID(prefix string) (string, error) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('-')
	b.WriteString(s.now().UTC().Format("20060102"))
	b.WriteByte('-')
	base := big.NewInt(int64(len(orderIDAlphabet)))
	for i := 0; i < orderIDSuffixLength; i++ {
		n, err := rand.Int(s.random, base)
		if err != nil {
			return "", fmt.Errorf("checkout service: order id: %w", err)
		}
		b.WriteByte(orderIDAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func (s *CheckoutService) text(value string) string {
	return plainText(s.policy, value)
}

// PreviewPromo resolves a promo code against the user's current cart total.
func (s *CheckoutService) PreviewPromo(ctx context.Context, userID, code string) (domain.PromoCode, decimal.Decimal, error) {
	cart, err := s.carts.Open(ctx, userID)
	if err != nil {
		return domain.PromoCode{}, decimal.Zero, err
	}
	total := cart.Total()
	promo, err := s.promos.Apply(code, total)
	if err != nil {
		return domain.PromoCode{}, total.Round(2), err
	}
	return promo, ApplyDiscount(total, promo.DiscountPercent), nil
}
