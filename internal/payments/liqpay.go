package payments

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
)

const (
	liqpayAPIVersion = 3
	liqpayProvider   = "liqpay"
	defaultLanguage  = "uk"
)

var (
	// ErrMalformedPayload is returned when callback data is not base64 JSON.
	ErrMalformedPayload = errors.New("payments: malformed liqpay payload")
	// ErrGatewayNotConfigured means the merchant keys are missing.
	ErrGatewayNotConfigured = errors.New("payments: liqpay keys are not configured")
)

// LiqPayConfig holds the merchant keys and the callback endpoints.
type LiqPayConfig struct {
	PublicKey   string
	PrivateKey  string
	CheckoutURL string
	ServerURL   string
	ResultURL   string
	Language    string
	Sandbox     bool
}

// PaymentForm is posted by the client to the LiqPay checkout endpoint.
type PaymentForm struct {
	Action    string `json:"action"`
	Data      string `json:"data"`
	Signature string `json:"signature"`
	OrderID   string `json:"orderId"`
}

// LiqPayGateway signs checkout requests and verifies callbacks with the shared
// private key.
type LiqPayGateway struct {
	cfg LiqPayConfig
}

func NewLiqPayGateway(cfg LiqPayConfig) (*LiqPayGateway, error) {
	cfg.PublicKey = strings.TrimSpace(cfg.PublicKey)
	cfg.PrivateKey = strings.TrimSpace(cfg.PrivateKey)
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, ErrGatewayNotConfigured
	}
	if strings.TrimSpace(cfg.CheckoutURL) == "" {
		return nil, errors.New("payments: liqpay checkout url is required")
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	return &LiqPayGateway{cfg: cfg}, nil
}

// Provider names the gateway in stored payment records.
func (g *LiqPayGateway) Provider() string { return liqpayProvider }

type checkoutPayload struct {
	Version     int         `json:"version"`
	PublicKey   string      `json:"public_key"`
	Action      string      `json:"action"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Description string      `json:"description"`
	OrderID     string      `json:"order_id"`
	ServerURL   string      `json:"server_url,omitempty"`
	ResultURL   string      `json:"result_url,omitempty"`
	Language    string      `json:"language,omitempty"`
	Info        string      `json:"info"`
	Sandbox     int         `json:"sandbox,omitempty"`
}

// PrepareCheckout encodes draft as a signed pay request. The info field carries
// the typed PaymentInfo so the callback can rebuild the order.
func (g *LiqPayGateway) PrepareCheckout(_ context.Context, draft domain.OrderDraft) (PaymentForm, error) {
	if strings.TrimSpace(draft.OrderID) == "" || len(draft.Items) == 0 {
		return PaymentForm{}, errors.New("payments: draft requires order id and items")
	}
	if !draft.TotalAmount.IsPositive() {
		return PaymentForm{}, errors.New("payments: amount must be positive")
	}
	info, err := EncodeInfo(InfoFromDraft(draft))
	if err != nil {
		return PaymentForm{}, err
	}

	payload := checkoutPayload{
		Version:     liqpayAPIVersion,
		PublicKey:   g.cfg.PublicKey,
		Action:      "pay",
		Amount:      json.Number(draft.TotalAmount.StringFixed(2)),
		Currency:    draft.Currency,
		Description: fmt.Sprintf("Order %s", draft.OrderID),
		OrderID:     draft.OrderID,
		ServerURL:   g.cfg.ServerURL,
		ResultURL:   g.cfg.ResultURL,
		Language:    g.cfg.Language,
		Info:        info,
	}
	if g.cfg.Sandbox {
		payload.Sandbox = 1
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return PaymentForm{}, fmt.Errorf("payments: encode checkout payload: %w", err)
	}
	data := base64.StdEncoding.EncodeToString(raw)
	return PaymentForm{
		Action:    g.cfg.CheckoutURL,
		Data:      data,
		Signature: g.Sign(data),
		OrderID:   draft.OrderID,
	}, nil
}

// Sign returns base64(SHA1(privateKey + data + privateKey)).
func (g *LiqPayGateway) Sign(data string) string {
	return Signature(g.cfg.PrivateKey, data)
}

// Verify compares signature against Sign(data) in constant time.
func (g *LiqPayGateway) Verify(data, signature string) bool {
	expected := g.Sign(data)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.TrimSpace(signature))) == 1
}

func Signature(privateKey, data string) string {
	sum := sha1.Sum([]byte(privateKey + data + privateKey))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Callback is the decoded server_url notification.
type Callback struct {
	OrderID         string
	Status          string
	Action          string
	Amount          decimal.Decimal
	Currency        string
	PaymentID       string
	TransactionID   string
	SenderEmail     string
	SenderFirstName string
	SenderLastName  string
	CreatedAt       time.Time
	Info            PaymentInfo
	// InfoErr is set when info was present but could not be decoded.
	InfoErr error
}

// Succeeded reports whether the processor settled the payment.
func (c Callback) Succeeded() bool {
	return c.Status == "success" || c.Status == "sandbox"
}

// Sandbox reports whether the payment was a test transaction.
func (c Callback) Sandbox() bool { return c.Status == "sandbox" }

type callbackPayload struct {
	OrderID         string          `json:"order_id"`
	Status          string          `json:"status"`
	Action          string          `json:"action"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentID       json.Number     `json:"payment_id"`
	TransactionID   json.Number     `json:"transaction_id"`
	SenderEmail     string          `json:"sender_email"`
	SenderFirstName string          `json:"sender_first_name"`
	SenderLastName  string          `json:"sender_last_name"`
	CreateDate      int64           `json:"create_date"`
	Info            string          `json:"info"`
}

// DecodeCallback decodes base64 JSON callback data. It does not verify the
// signature; call Verify first.
func (g *LiqPayGateway) DecodeCallback(data string) (Callback, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var payload callbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(payload.OrderID) == "" {
		return Callback{}, fmt.Errorf("%w: order_id is missing", ErrMalformedPayload)
	}

	cb := Callback{
		OrderID:         strings.TrimSpace(payload.OrderID),
		Status:          strings.ToLower(strings.TrimSpace(payload.Status)),
		Action:          payload.Action,
		Amount:          payload.Amount,
		Currency:        payload.Currency,
		PaymentID:       payload.PaymentID.String(),
		TransactionID:   payload.TransactionID.String(),
		SenderEmail:     payload.SenderEmail,
		SenderFirstName: payload.SenderFirstName,
		SenderLastName:  payload.SenderLastName,
	}
	// create_date is in milliseconds since epoch.
	if payload.CreateDate > 0 {
		cb.CreatedAt = time.UnixMilli(payload.CreateDate).UTC()
	}
	if payload.Info != "" {
		cb.Info, cb.InfoErr = DecodeInfo(payload.Info)
	}
	return cb, nil
}
