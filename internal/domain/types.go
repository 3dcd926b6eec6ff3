package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cart capacity limits enforced by the cart store.
const (
	MaxCartLines    = 5
	MinLineQuantity = 1
	MaxLineQuantity = 10
)

// ProductRef is the frozen product snapshot stored on a cart line.
type ProductRef struct {
	ID              string
	Name            string
	Image           string
	Price           decimal.Decimal
	DiscountPercent decimal.Decimal
}

// UnitPrice returns the price after the per-product discount.
func (p ProductRef) UnitPrice() decimal.Decimal {
	if p.DiscountPercent.IsZero() {
		return p.Price
	}
	factor := decimal.NewFromInt(100).Sub(p.DiscountPercent).Div(decimal.NewFromInt(100))
	return p.Price.Mul(factor)
}

// CartLine is one distinct product in a cart.
type CartLine struct {
	Product  ProductRef
	Quantity int
}

// Subtotal returns the discounted unit price multiplied by quantity.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.Product.UnitPrice().Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is the persisted snapshot of a user's cart. Lines keep insertion order.
// Version increases with every mutation so instances can tell whose write
// they are looking at.
type Cart struct {
	UserID    string
	Lines     []CartLine
	Version   int64
	UpdatedAt time.Time
}

// PromoCode is static reference data resolved by code.
type PromoCode struct {
	Code            string
	DiscountPercent decimal.Decimal
	MinOrderAmount  decimal.Decimal
	ValidUntil      *time.Time
}

// DeliveryMethod enumerates the supported fulfilment options.
type DeliveryMethod string

const (
	DeliveryPickup     DeliveryMethod = "pickup"
	DeliveryNovaPoshta DeliveryMethod = "nova_poshta"
	DeliveryUkrposhta  DeliveryMethod = "ukrposhta"
)

// Valid reports whether the method is known.
func (m DeliveryMethod) Valid() bool {
	switch m {
	case DeliveryPickup, DeliveryNovaPoshta, DeliveryUkrposhta:
		return true
	}
	return false
}

// IsCarrier reports whether the method ships to a carrier branch.
func (m DeliveryMethod) IsCarrier() bool {
	return m == DeliveryNovaPoshta || m == DeliveryUkrposhta
}

// PaymentMethod enumerates how an order is paid.
type PaymentMethod string

const (
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentOnline         PaymentMethod = "online"
)

// Valid reports whether the method is known.
func (m PaymentMethod) Valid() bool {
	return m == PaymentCashOnDelivery || m == PaymentOnline
}

// PickupPoint is a configured store pickup location.
type PickupPoint struct {
	ID      string
	Address string
}

// OrderItem is a line item with a frozen unit price.
type OrderItem struct {
	ProductID    string
	ProductName  string
	ProductImage string
	Price        decimal.Decimal
	Quantity     int
}

// Customer carries the buyer's contact data.
type Customer struct {
	Email     string
	FirstName string
	LastName  string
}

// OrderDraft is the immutable checkout snapshot handed to the ledger or the gateway.
type OrderDraft struct {
	OrderID              string
	UserID               string
	Items                []OrderItem
	DeliveryMethod       DeliveryMethod
	DeliveryAddress      string
	DeliveryCostIncluded bool
	PaymentMethod        PaymentMethod
	PromoCode            string
	PromoDiscountPercent decimal.Decimal
	Subtotal             decimal.Decimal
	TotalAmount          decimal.Decimal
	Currency             string
	Customer             Customer
}

// OrderStatus enumerates the lifecycle of a persisted order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var orderStatusRank = map[OrderStatus]int{
	OrderStatusPending:    1,
	OrderStatusPaid:       2,
	OrderStatusProcessing: 3,
	OrderStatusShipped:    4,
	OrderStatusDelivered:  5,
	OrderStatusCancelled:  5,
}

// Rank orders statuses along the lifecycle. Unknown statuses rank zero.
func (s OrderStatus) Rank() int {
	return orderStatusRank[s]
}

// Valid reports whether the status is known.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusRank[s]
	return ok
}

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanAdvanceTo reports whether moving from s to next keeps the lifecycle monotonic.
// Cancellation is allowed from any non-terminal status.
func (s OrderStatus) CanAdvanceTo(next OrderStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == "" {
		return true
	}
	if s.Terminal() {
		return s == next
	}
	if next == OrderStatusCancelled {
		return true
	}
	return next.Rank() >= s.Rank()
}

// OrderSource records which entry point wrote an order.
type OrderSource string

const (
	OrderSourceDirect   OrderSource = "direct"
	OrderSourceCallback OrderSource = "liqpay_callback"
	OrderSourceCarrier  OrderSource = "carrier_webhook"
	OrderSourceInternal OrderSource = "internal"
)

// OrderPayment records processor details for online orders.
type OrderPayment struct {
	Provider      string
	TransactionID string
	Status        string
	Amount        decimal.Decimal
	Currency      string
	Sandbox       bool
}

// Order is the committed ledger record keyed by order id.
type Order struct {
	OrderDraft
	Status    OrderStatus
	Source    OrderSource
	Payment   *OrderPayment
	CreatedAt time.Time
	UpdatedAt time.Time
}
