package services

import (
	"context"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
)

// Logger is the structured event callback every service accepts.
type Logger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}

// PaymentGateway turns an online draft into a signed processor request.
type PaymentGateway interface {
	PrepareCheckout(ctx context.Context, draft domain.OrderDraft) (payments.PaymentForm, error)
}

// CallbackVerifier authenticates and decodes processor callbacks.
type CallbackVerifier interface {
	Provider() string
	Verify(data, signature string) bool
	DecodeCallback(data string) (payments.Callback, error)
}

// OrderCommittedEvent is published after the ledger writes an order.
type OrderCommittedEvent struct {
	EventID       string    `json:"eventId"`
	Type          string    `json:"type"`
	OrderID       string    `json:"orderId"`
	UserID        string    `json:"userId,omitempty"`
	Status        string    `json:"status"`
	Source        string    `json:"source"`
	PaymentMethod string    `json:"paymentMethod"`
	TotalAmount   string    `json:"totalAmount"`
	Currency      string    `json:"currency"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// OrderEventPublisher delivers ledger events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderCommittedEvent) (string, error)
}

// CallbackArchiver keeps verified processor payloads for reconciliation.
type CallbackArchiver interface {
	Archive(ctx context.Context, key string, payload []byte) (string, error)
}
