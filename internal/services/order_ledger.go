package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/repositories"
)

const (
	orderCommittedEventType = "order.committed"
	sideEffectTimeout       = 5 * time.Second
	ledgerMeterName         = "github.com/storefront/api/internal/services"
)

var (
	ErrOrderInvalidInput = errors.New("order ledger: invalid input")
	ErrOrderNotFound     = errors.New("order ledger: order not found")
	// ErrOrderConflict means the order id belongs to another user.
	ErrOrderConflict = errors.New("order ledger: order id already used")
	// ErrOrderTransitionRejected means the status change would regress the lifecycle.
	ErrOrderTransitionRejected = errors.New("order ledger: status transition rejected")
	ErrOrderUnavailable        = errors.New("order ledger: storage unavailable")

	ErrCallbackMalformed = errors.New("order ledger: malformed payment callback")
	ErrCallbackSignature = errors.New("order ledger: payment callback signature mismatch")
)

var orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// OrderLedgerDeps wires the ledger.
type OrderLedgerDeps struct {
	Orders   repositories.OrderRepository
	Verifier CallbackVerifier
	Events   OrderEventPublisher
	Archive  CallbackArchiver
	Clock    func() time.Time
	Logger   Logger
	Meter    metric.Meter
	Currency string
}

// OrderLedger is the only writer of orders.
type OrderLedger struct {
	orders   repositories.OrderRepository
	verifier CallbackVerifier
	events   OrderEventPublisher
	archive  CallbackArchiver
	now      func() time.Time
	logger   Logger
	currency string
	policy   *bluemonday.Policy

	written   metric.Int64Counter
	skipped   metric.Int64Counter
	callbacks metric.Int64Counter
}

// NewOrderLedger validates deps and registers the ledger counters on Meter,
// or on the global meter provider when Meter is nil.
func NewOrderLedger(deps OrderLedgerDeps) (*OrderLedger, error) {
	if deps.Orders == nil {
		return nil, errors.New("order ledger: order repository is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("order ledger: callback verifier is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(ledgerMeterName)
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "UAH"
	}

	l := &OrderLedger{
		orders:   deps.Orders,
		verifier: deps.Verifier,
		events:   deps.Events,
		archive:  deps.Archive,
		now:      func() time.Time { return clock().UTC() },
		logger:   logger,
		currency: currency,
		policy:   bluemonday.StrictPolicy(),
	}
	var err error
	if l.written, err = meter.Int64Counter("orders.written", metric.WithDescription("Orders written to the ledger")); err != nil {
		return nil, fmt.Errorf("order ledger: counter: %w", err)
	}
	if l.skipped, err = meter.Int64Counter("orders.write_skipped", metric.WithDescription("Order writes skipped by the status guard")); err != nil {
		return nil, fmt.Errorf("order ledger: counter: %w", err)
	}
	if l.callbacks, err = meter.Int64Counter("payments.callback", metric.WithDescription("Payment callbacks by outcome")); err != nil {
		return nil, fmt.Errorf("order ledger: counter: %w", err)
	}
	return l, nil
}

// DirectOrderCommand is the cash-on-delivery order body.
type DirectOrderCommand struct {
	OrderID              string
	UserID               string
	CustomerEmail        string
	CustomerFirstName    string
	CustomerLastName     string
	Items                []domain.OrderItem
	TotalAmount          decimal.Decimal
	PromoCode            string
	PromoDiscount        decimal.Decimal
	DeliveryMethod       domain.DeliveryMethod
	DeliveryAddress      string
	DeliveryCostIncluded bool
	PaymentMethod        domain.PaymentMethod
	Status               domain.OrderStatus
	CreatedAt            time.Time
}

// CreateDirect writes a pending cash-on-delivery order keyed by the client order id.
func (l *OrderLedger) CreateDirect(ctx context.Context, cmd DirectOrderCommand) (domain.Order, error) {
	order, err := l.directOrder(cmd)
	if err != nil {
		return domain.Order{}, err
	}
	stored, written, err := l.orders.Apply(ctx, order.OrderID, l.put(order, true))
	if err != nil {
		return domain.Order{}, l.translate(err)
	}
	l.committed(ctx, stored, written)
	return stored, nil
}

func (l *OrderLedger) directOrder(cmd DirectOrderCommand) (domain.Order, error) {
	id := strings.TrimSpace(cmd.OrderID)
	if !orderIDPattern.MatchString(id) {
		return domain.Order{}, fmt.Errorf("%w: orderId is invalid", ErrOrderInvalidInput)
	}
	if cmd.PaymentMethod != domain.PaymentCashOnDelivery {
		return domain.Order{}, fmt.Errorf("%w: paymentMethod must be cash_on_delivery", ErrOrderInvalidInput)
	}
	if cmd.Status != "" && cmd.Status != domain.OrderStatusPending {
		return domain.Order{}, fmt.Errorf("%w: status must be pending", ErrOrderInvalidInput)
	}
	if !cmd.DeliveryMethod.Valid() {
		return domain.Order{}, fmt.Errorf("%w: deliveryMethod is invalid", ErrOrderInvalidInput)
	}
	if cmd.TotalAmount.IsNegative() {
		return domain.Order{}, fmt.Errorf("%w: totalAmount must not be negative", ErrOrderInvalidInput)
	}
	items, err := l.cleanItems(cmd.Items)
	if err != nil {
		return domain.Order{}, err
	}

	now := l.now()
	created := cmd.CreatedAt.UTC()
	if created.IsZero() || created.After(now) {
		created = now
	}
	return domain.Order{
		OrderDraft: domain.OrderDraft{
			OrderID:              id,
			UserID:               strings.TrimSpace(cmd.UserID),
			Items:                items,
			DeliveryMethod:       cmd.DeliveryMethod,
			DeliveryAddress:      l.text(cmd.DeliveryAddress),
			DeliveryCostIncluded: cmd.DeliveryCostIncluded,
			PaymentMethod:        domain.PaymentCashOnDelivery,
			PromoCode:            l.text(cmd.PromoCode),
			PromoDiscountPercent: cmd.PromoDiscount,
			TotalAmount:          cmd.TotalAmount.Round(2),
			Currency:             l.currency,
			Customer: domain.Customer{
				Email:     l.text(cmd.CustomerEmail),
				FirstName: l.text(cmd.CustomerFirstName),
				LastName:  l.text(cmd.CustomerLastName),
			},
		},
		Status:    domain.OrderStatusPending,
		Source:    domain.OrderSourceDirect,
		CreatedAt: created,
		UpdatedAt: now,
	}, nil
}

func (l *OrderLedger) cleanItems(items []domain.OrderItem) ([]domain.OrderItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: items are required", ErrOrderInvalidInput)
	}
	out := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" || item.Price.IsNegative() ||
			item.Quantity < domain.MinLineQuantity || item.Quantity > domain.MaxLineQuantity {
			return nil, fmt.Errorf("%w: item %q is invalid", ErrOrderInvalidInput, item.ProductID)
		}
		item.ProductName = l.text(item.ProductName)
		item.ProductImage = strings.TrimSpace(item.ProductImage)
		out = append(out, item)
	}
	return out, nil
}

// CallbackResult reports what a verified callback did.
type CallbackResult struct {
	OrderID string
	Status  string
	Written bool
	// Ignored is set for processor statuses other than success and sandbox.
	Ignored bool
}

// HandlePaymentCallback verifies and applies a LiqPay server callback.
func (l *OrderLedger) HandlePaymentCallback(ctx context.Context, data, signature string) (CallbackResult, error) {
	data, signature = strings.TrimSpace(data), strings.TrimSpace(signature)
	if data == "" || signature == "" {
		l.recordCallback(ctx, "malformed")
		return CallbackResult{}, fmt.Errorf("%w: data and signature are required", ErrCallbackMalformed)
	}
	if !l.verifier.Verify(data, signature) {
		l.recordCallback(ctx, "signature_mismatch")
		l.logger(ctx, "payments.callback.rejected", map[string]any{"reason": "signature_mismatch", "dataLength": len(data)})
		return CallbackResult{}, ErrCallbackSignature
	}
	cb, err := l.verifier.DecodeCallback(data)
	if err != nil {
		l.recordCallback(ctx, "malformed")
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrCallbackMalformed, err)
	}
	l.archiveCallback(ctx, cb.OrderID, data, signature)

	result := CallbackResult{OrderID: cb.OrderID, Status: cb.Status}
	if !cb.Succeeded() {
		result.Ignored = true
		l.recordCallback(ctx, "ignored")
		l.logger(ctx, "payments.callback.ignored", map[string]any{"orderId": cb.OrderID, "status": cb.Status})
		return result, nil
	}
	if cb.InfoErr != nil {
		l.logger(ctx, "payments.callback.info.failed", map[string]any{"orderId": cb.OrderID, "error": cb.InfoErr.Error()})
	}

	order := l.callbackOrder(cb)
	stored, written, err := l.orders.Apply(ctx, order.OrderID, l.put(order, false))
	if err != nil {
		l.recordCallback(ctx, "store_failed")
		return CallbackResult{}, l.translate(err)
	}
	l.recordCallback(ctx, "paid")
	l.committed(ctx, stored, written)
	result.Written = written
	return result, nil
}

func (l *OrderLedger) callbackOrder(cb payments.Callback) domain.Order {
	info := cb.Info
	now := l.now()
	created := cb.CreatedAt
	if created.IsZero() {
		created = now
	}
	currency := strings.ToUpper(strings.TrimSpace(cb.Currency))
	if currency == "" {
		currency = l.currency
	}
	items := info.OrderItems()
	for i := range items {
		items[i].ProductName = l.text(items[i].ProductName)
	}
	return domain.Order{
		OrderDraft: domain.OrderDraft{
			OrderID:              cb.OrderID,
			UserID:               strings.TrimSpace(info.UserID),
			Items:                items,
			DeliveryMethod:       domain.DeliveryMethod(info.DeliveryMethod),
			DeliveryAddress:      l.text(info.DeliveryAddress),
			DeliveryCostIncluded: info.DeliveryCostIncluded,
			PaymentMethod:        domain.PaymentOnline,
			PromoCode:            l.text(info.PromoCode),
			PromoDiscountPercent: info.PromoDiscount,
			TotalAmount:          cb.Amount.Round(2),
			Currency:             currency,
			Customer: domain.Customer{
				Email:     l.text(firstNonEmpty(info.CustomerEmail, cb.SenderEmail)),
				FirstName: l.text(firstNonEmpty(info.CustomerFirstName, cb.SenderFirstName)),
				LastName:  l.text(firstNonEmpty(info.CustomerLastName, cb.SenderLastName)),
			},
		},
		Status: domain.OrderStatusPaid,
		Source: domain.OrderSourceCallback,
		Payment: &domain.OrderPayment{
			Provider:      l.verifier.Provider(),
			TransactionID: cb.TransactionID,
			Status:        cb.Status,
			Amount:        cb.Amount.Round(2),
			Currency:      currency,
			Sandbox:       cb.Sandbox(),
		},
		CreatedAt: created,
		UpdatedAt: now,
	}
}

// put overwrites the stored order unless that would regress its status or
// change nothing. ownerCheck rejects overwriting another user's order.
func (l *OrderLedger) put(next domain.Order, ownerCheck bool) repositories.OrderMutation {
	return func(existing *domain.Order) (domain.Order, bool, error) {
		if existing == nil {
			return next, true, nil
		}
		if ownerCheck && existing.UserID != next.UserID {
			return domain.Order{}, false, ErrOrderConflict
		}
		if !existing.Status.CanAdvanceTo(next.Status) {
			return *existing, false, nil
		}
		if !existing.CreatedAt.IsZero() {
			next.CreatedAt = existing.CreatedAt
		}
		if sameOrder(*existing, next) {
			return *existing, false, nil
		}
		return next, true, nil
	}
}

// Transition advances an existing order under the monotonic status guard.
func (l *OrderLedger) Transition(ctx context.Context, orderID string, status domain.OrderStatus, source domain.OrderSource) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if !orderIDPattern.MatchString(orderID) || !status.Valid() {
		return domain.Order{}, ErrOrderInvalidInput
	}
	now := l.now()
	stored, written, err := l.orders.Apply(ctx, orderID, func(existing *domain.Order) (domain.Order, bool, error) {
		if existing == nil {
			return domain.Order{}, false, ErrOrderNotFound
		}
		if existing.Status == status {
			return *existing, false, nil
		}
		if !existing.Status.CanAdvanceTo(status) {
			return domain.Order{}, false, fmt.Errorf("%w: %s to %s", ErrOrderTransitionRejected, existing.Status, status)
		}
		next := *existing
		next.Status = status
		next.Source = source
		next.UpdatedAt = now
		return next, true, nil
	})
	if err != nil {
		return domain.Order{}, l.translate(err)
	}
	l.committed(ctx, stored, written)
	return stored, nil
}

// Get returns the stored order.
func (l *OrderLedger) Get(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if !orderIDPattern.MatchString(orderID) {
		return domain.Order{}, ErrOrderNotFound
	}
	order, err := l.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, l.translate(err)
	}
	return order, nil
}

func (l *OrderLedger) committed(ctx context.Context, order domain.Order, written bool) {
	attrs := metric.WithAttributes(attribute.String("source", string(order.Source)), attribute.String("status", string(order.Status)))
	if !written {
		l.skipped.Add(ctx, 1, attrs)
		l.logger(ctx, "order.write.skipped", map[string]any{"orderId": order.OrderID, "status": string(order.Status)})
		return
	}
	l.written.Add(ctx, 1, attrs)
	l.logger(ctx, "order.written", map[string]any{
		"orderId": order.OrderID,
		"status":  string(order.Status),
		"source":  string(order.Source),
		"total":   order.TotalAmount.StringFixed(2),
	})
	if l.events == nil {
		return
	}

	event := OrderCommittedEvent{
		EventID:       ulid.Make().String(),
		Type:          orderCommittedEventType,
		OrderID:       order.OrderID,
		UserID:        order.UserID,
		Status:        string(order.Status),
		Source:        string(order.Source),
		PaymentMethod: string(order.PaymentMethod),
		TotalAmount:   order.TotalAmount.StringFixed(2),
		Currency:      order.Currency,
		OccurredAt:    order.UpdatedAt,
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if _, err := l.events.PublishOrderEvent(pubCtx, event); err != nil {
		l.logger(ctx, "order.event.publish.failed", map[string]any{"orderId": order.OrderID, "eventId": event.EventID, "error": err.Error()})
	}
}

func (l *OrderLedger) archiveCallback(ctx context.Context, orderID, data, signature string) {
	if l.archive == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"data":       data,
		"signature":  signature,
		"receivedAt": l.now(),
	})
	if err != nil {
		return
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if _, err := l.archive.Archive(archiveCtx, orderID, payload); err != nil {
		l.logger(ctx, "payments.callback.archive.failed", map[string]any{"orderId": orderID, "error": err.Error()})
	}
}

func (l *OrderLedger) recordCallback(ctx context.Context, outcome string) {
	l.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (l *OrderLedger) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrOrderConflict), errors.Is(err, ErrOrderTransitionRejected):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case repositories.IsNotFound(err):
		return ErrOrderNotFound
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}
	return err
}

func (l *OrderLedger) text(value string) string {
	return plainText(l.policy, value)
}

// sameOrder compares everything except UpdatedAt.
func sameOrder(a, b domain.Order) bool {
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	if len(a.Items) != len(b.Items) || (a.Payment == nil) != (b.Payment == nil) {
		return false
	}
	for i := range a.Items {
		x, y := a.Items[i], b.Items[i]
		if x.ProductID != y.ProductID || x.ProductName != y.ProductName || x.ProductImage != y.ProductImage ||
			!x.Price.Equal(y.Price) || x.Quantity != y.Quantity {
			return false
		}
	}
	if a.Payment != nil {
		p, q := *a.Payment, *b.Payment
		if p.Provider != q.Provider || p.TransactionID != q.TransactionID || p.Status != q.Status ||
			!p.Amount.Equal(q.Amount) || p.Currency != q.Currency || p.Sandbox != q.Sandbox {
			return false
		}
	}
	da, db := a.OrderDraft, b.OrderDraft
	return da.OrderID == db.OrderID && da.UserID == db.UserID &&
		da.DeliveryMethod == db.DeliveryMethod && da.DeliveryAddress == db.DeliveryAddress &&
		da.DeliveryCostIncluded == db.DeliveryCostIncluded && da.PaymentMethod == db.PaymentMethod &&
		da.PromoCode == db.PromoCode && da.PromoDiscountPercent.Equal(db.PromoDiscountPercent) &&
		da.Subtotal.Equal(db.Subtotal) && da.TotalAmount.Equal(db.TotalAmount) && da.Currency == db.Currency &&
		da.Customer == db.Customer && a.Status == b.Status && a.Source == b.Source && a.CreatedAt.Equal(b.CreatedAt)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
