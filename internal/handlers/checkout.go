package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/platform/auth"
	"github.com/willowmart/api/internal/platform/httpx"
	"github.com/willowmart/api/internal/services"
)

const maxCheckoutRequestBody = 32 * 1024

// CheckoutHandlers exposes the checkout endpoint for authenticated users.
type CheckoutHandlers struct {
	authn             *auth.Authenticator
	checkout          services.CheckoutService
	idempotencyHeader string
	defaultCurrency   string
}

// CheckoutOption customises the checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutDefaultCurrency sets the currency applied when the request omits one.
func WithCheckoutDefaultCurrency(currency string) CheckoutOption {
	return func(h *CheckoutHandlers) {
		if trimmed := strings.TrimSpace(currency); trimmed != "" {
			h.defaultCurrency = trimmed
		}
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, idempotencyHeader string, opts ...CheckoutOption) *CheckoutHandlers {
	header := strings.TrimSpace(idempotencyHeader)
	if header == "" {
		header = "Idempotency-Key"
	}
	handlers := &CheckoutHandlers{
		authn:             authn,
		checkout:          checkout,
		idempotencyHeader: header,
		defaultCurrency:   "JPY",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(handlers)
		}
	}
	return handlers
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/", h.checkoutOrder)
}

type checkoutRequest struct {
	Currency        string                `json:"currency"`
	Lines           []checkoutLineRequest `json:"lines"`
	Contact         checkoutContact       `json:"contact"`
	ShippingAddress *checkoutAddress      `json:"shippingAddress"`
	SuccessURL      string                `json:"successUrl"`
	CancelURL       string                `json:"cancelUrl"`
}

type checkoutLineRequest struct {
	VariantID string `json:"variantId"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
}

type checkoutContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type checkoutAddress struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2"`
	City       string  `json:"city"`
	State      *string `json:"state"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone"`
}

type checkoutResponse struct {
	Order   orderPayload           `json:"order"`
	Pricing checkoutPricingPayload `json:"pricing"`
	Session checkoutSessionPayload `json:"session"`
}

type checkoutPricingPayload struct {
	Currency string `json:"currency"`
	Subtotal int64  `json:"subtotal"`
	Shipping int64  `json:"shipping"`
	Tax      int64  `json:"tax"`
	Total    int64  `json:"total"`
}

type checkoutSessionPayload struct {
	SessionID   string `json:"sessionId"`
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirectUrl"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

func (h *CheckoutHandlers) checkoutOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	if len(req.Lines) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "at least one line is required", http.StatusBadRequest))
		return
	}

	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = h.defaultCurrency
	}

	cmd := services.CheckoutCommand{
		UserID:   identity.UID,
		Currency: currency,
		Contact: domain.OrderContact{
			Name:  strings.TrimSpace(req.Contact.Name),
			Email: strings.TrimSpace(req.Contact.Email),
			Phone: strings.TrimSpace(req.Contact.Phone),
		},
		SuccessURL:     strings.TrimSpace(req.SuccessURL),
		CancelURL:      strings.TrimSpace(req.CancelURL),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(h.idempotencyHeader)),
	}

	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.ReservationLineInput{
			VariantID: strings.TrimSpace(line.VariantID),
			SKU:       strings.TrimSpace(line.SKU),
			Quantity:  line.Quantity,
		})
	}

	if req.ShippingAddress != nil {
		cmd.ShippingAddress = &domain.Address{
			Recipient:  strings.TrimSpace(req.ShippingAddress.Recipient),
			Line1:      strings.TrimSpace(req.ShippingAddress.Line1),
			Line2:      cloneStringPointer(req.ShippingAddress.Line2),
			City:       strings.TrimSpace(req.ShippingAddress.City),
			State:      cloneStringPointer(req.ShippingAddress.State),
			PostalCode: strings.TrimSpace(req.ShippingAddress.PostalCode),
			Country:    strings.ToUpper(strings.TrimSpace(req.ShippingAddress.Country)),
			Phone:      cloneStringPointer(req.ShippingAddress.Phone),
		}
	}

	result, err := h.checkout.Checkout(ctx, cmd)
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	resp := checkoutResponse{
		Order: orderPayloadFrom(result.Order),
		Pricing: checkoutPricingPayload{
			Currency: result.Pricing.Currency,
			Subtotal: result.Pricing.Subtotal,
			Shipping: result.Pricing.Shipping,
			Tax:      result.Pricing.Tax,
			Total:    result.Pricing.Total,
		},
		Session: checkoutSessionPayload{
			SessionID:   result.Session.SessionID,
			Provider:    result.Session.PSP,
			RedirectURL: result.Session.RedirectURL,
		},
	}
	if !result.Session.ExpiresAt.IsZero() {
		resp.Session.ExpiresAt = formatTime(result.Session.ExpiresAt)
	}

	writeJSONResponse(w, http.StatusCreated, resp)
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutVariantNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", "one or more variants do not exist", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock to reserve items", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment session could not be created", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
