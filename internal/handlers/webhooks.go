package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/willowmart/api/internal/platform/httpx"
	"github.com/willowmart/api/internal/services"
)

const (
	maxWebhookBodySize    = 256 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

// WebhookHandlers translates PSP callbacks into payment result commands.
type WebhookHandlers struct {
	orders              services.OrderService
	stripeSigningSecret string
	logger              func(ctx context.Context, event string, fields map[string]any)
}

// WebhookOption customises webhook handler construction.
type WebhookOption func(*WebhookHandlers)

// WithWebhookLogger wires the structured logger used for webhook outcomes.
func WithWebhookLogger(logger func(ctx context.Context, event string, fields map[string]any)) WebhookOption {
	return func(h *WebhookHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewWebhookHandlers constructs handlers for the /webhooks route group.
func NewWebhookHandlers(orders services.OrderService, stripeSigningSecret string, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		orders:              orders,
		stripeSigningSecret: strings.TrimSpace(stripeSigningSecret),
		logger:              func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the webhook endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.handleStripe)
}

// stripeCheckoutSession is the subset of the checkout session object the
// payment callback needs.
type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get(stripeSignatureHeader), h.stripeSigningSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger(ctx, "webhook_stripe_signature_rejected", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	var success bool
	var reason string
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		success = true
	case "checkout.session.async_payment_failed":
		success = false
		reason = "payment_failed"
	case "checkout.session.expired":
		success = false
		reason = "session_expired"
	default:
		// Unsubscribed event types are acknowledged without action.
		w.WriteHeader(http.StatusOK)
		return
	}

	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to decode checkout session", http.StatusBadRequest))
		return
	}

	// Sessions completed with deferred payment methods resolve through the
	// async events instead.
	if success && event.Type == "checkout.session.completed" && strings.EqualFold(session.PaymentStatus, "unpaid") {
		w.WriteHeader(http.StatusOK)
		return
	}

	orderID := strings.TrimSpace(session.Metadata["orderId"])
	if orderID == "" {
		h.logger(ctx, "webhook_stripe_missing_order", map[string]any{"sessionId": session.ID, "eventType": string(event.Type)})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session metadata is missing the order id", http.StatusBadRequest))
		return
	}

	order, err := h.orders.HandlePaymentResult(ctx, services.PaymentResultCommand{
		OrderID: orderID,
		Success: success,
		Reason:  reason,
		ActorID: "stripe",
	})
	if err != nil {
		h.writePaymentResultError(ctx, w, orderID, err)
		return
	}

	h.logger(ctx, "webhook_stripe_processed", map[string]any{
		"orderId":   order.ID,
		"eventType": string(event.Type),
		"status":    string(order.Status),
	})
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
	})
}

func (h *WebhookHandlers) writePaymentResultError(ctx context.Context, w http.ResponseWriter, orderID string, err error) {
	h.logger(ctx, "webhook_payment_result_failed", map[string]any{"orderId": orderID, "error": err.Error()})
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		// Non-2xx so the PSP redelivers; the order write may not be visible yet.
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_result_error", "failed to apply payment result", http.StatusInternalServerError))
	}
}
