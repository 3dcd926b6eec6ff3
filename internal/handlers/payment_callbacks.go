package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

const maxCallbackBodySize = 64 * 1024

// PaymentCallbackHandler applies verified processor callbacks to the ledger.
type PaymentCallbackHandler interface {
	HandlePaymentCallback(ctx context.Context, data, signature string) (services.CallbackResult, error)
}

// PaymentCallbackHandlers serves the public LiqPay server_url endpoint.
// LiqPay retries anything but a 200, so business outcomes are always acknowledged.
type PaymentCallbackHandlers struct {
	ledger PaymentCallbackHandler
}

func NewPaymentCallbackHandlers(ledger PaymentCallbackHandler) *PaymentCallbackHandlers {
	return &PaymentCallbackHandlers{ledger: ledger}
}

func (h *PaymentCallbackHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/callback", h.callback)
}

type callbackRequest struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

func (h *PaymentCallbackHandlers) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment callbacks are not configured", http.StatusServiceUnavailable))
		return
	}
	body, err := readLimitedBody(r, maxCallbackBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	req, err := parseCallbackBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_callback", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.ledger.HandlePaymentCallback(ctx, req.Data, req.Signature)
	switch {
	case errors.Is(err, services.ErrCallbackMalformed):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_callback", "data and signature are required", http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrCallbackSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "signature verification failed", http.StatusForbidden))
		return
	case err != nil:
		// a 5xx makes LiqPay redeliver, which the ledger absorbs
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"orderId": result.OrderID,
		"written": result.Written,
	})
}

// parseCallbackBody accepts the form post LiqPay sends and a JSON body.
func parseCallbackBody(contentType string, body []byte) (callbackRequest, error) {
	var req callbackRequest
	if len(body) == 0 {
		return req, nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" || (mediaType == "" && strings.HasPrefix(strings.TrimSpace(string(body)), "{")) {
		if err := json.Unmarshal(body, &req); err != nil {
			return req, errors.New("invalid JSON payload")
		}
		return req, nil
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return req, errors.New("invalid form payload")
	}
	req.Data = values.Get("data")
	req.Signature = values.Get("signature")
	return req, nil
}
