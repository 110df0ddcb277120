package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/payments"
)

const (
	checkoutReservationReason        = "checkout"
	checkoutCancelReasonPaymentFail  = "checkout_payment_failed"
	defaultCheckoutReservationTTL    = 15 * time.Minute
	checkoutMetadataOrderIDKey       = "orderId"
	checkoutMetadataReservationIDKey = "reservationId"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutVariantNotFound indicates a requested variant does not exist.
	ErrCheckoutVariantNotFound = errors.New("checkout: variant not found")
	// ErrCheckoutInsufficientStock indicates stock could not be reserved for the requested lines.
	ErrCheckoutInsufficientStock = errors.New("checkout: insufficient stock")
	// ErrCheckoutPaymentFailed indicates the PSP session could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
)

// checkoutSessionManager abstracts payments.Manager for easier testing.
type checkoutSessionManager interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Inventory      InventoryService
	Orders         OrderService
	Pricing        *PricingEngine
	Payments       checkoutSessionManager
	ReservationTTL time.Duration
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	inventory      InventoryService
	orders         OrderService
	pricing        *PricingEngine
	payments       checkoutSessionManager
	reservationTTL time.Duration
	now            func() time.Time
	logger         func(context.Context, string, map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("checkout service: inventory service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("checkout service: pricing engine is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}

	ttl := deps.ReservationTTL
	if ttl <= 0 {
		ttl = defaultCheckoutReservationTTL
	}

	return &checkoutService{
		inventory:      deps.Inventory,
		orders:         deps.Orders,
		pricing:        deps.Pricing,
		payments:       deps.Payments,
		reservationTTL: ttl,
		now:            utcClock(deps.Clock),
		logger:         eventLogger(deps.Logger),
	}, nil
}

// Checkout prices the submitted lines, soft-locks their stock, opens a
// pending order, and creates the PSP session the client is redirected to.
// The reservation holds the stock until the payment signal or the TTL
// resolves it.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	if err := validateCheckoutInput(cmd); err != nil {
		return CheckoutResult{}, err
	}

	items, priceItems, err := s.resolveLines(ctx, cmd.Lines)
	if err != nil {
		return CheckoutResult{}, err
	}

	breakdown, err := s.pricing.Price(ctx, cmd.Currency, priceItems)
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return CheckoutResult{}, err
	}

	idempotencyKey := s.checkoutIdempotencyKey(cmd)

	reservation, err := s.inventory.Reserve(ctx, InventoryReserveCommand{
		UserID:         cmd.UserID,
		Lines:          cmd.Lines,
		TTL:            s.reservationTTL,
		Reason:         checkoutReservationReason,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInventoryInvalidInput):
			return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		case errors.Is(err, ErrInventoryInsufficientStock):
			return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutInsufficientStock, err)
		case errors.Is(err, ErrInventoryVariantNotFound):
			return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutVariantNotFound, err)
		default:
			s.logger(ctx, "checkout_reserve_failed", map[string]any{
				"userId": cmd.UserID,
				"error":  err.Error(),
			})
			return CheckoutResult{}, ErrCheckoutUnavailable
		}
	}

	order, err := s.orders.CreateOrder(ctx, CreateOrderCommand{
		UserID:          cmd.UserID,
		Currency:        breakdown.Currency,
		Items:           items,
		Totals:          totalsFromBreakdown(breakdown),
		Contact:         cmd.Contact,
		ShippingAddress: cmd.ShippingAddress,
		ReservationID:   reservation.ID,
	})
	if err != nil {
		s.releaseReservation(ctx, reservation.ID, "checkout_order_failed")
		return CheckoutResult{}, err
	}

	session, err := s.createPSPSession(ctx, cmd, order, breakdown, idempotencyKey, reservation)
	if err != nil {
		if _, cancelErr := s.orders.Cancel(ctx, CancelOrderCommand{
			OrderID: order.ID,
			Reason:  checkoutCancelReasonPaymentFail,
		}); cancelErr != nil {
			s.logger(ctx, "checkout_rollback_failed", map[string]any{
				"orderId": order.ID,
				"error":   cancelErr.Error(),
			})
		}
		return CheckoutResult{}, err
	}

	return CheckoutResult{
		Order:   order,
		Pricing: breakdown,
		Session: domain.CheckoutSession{
			SessionID:   session.ID,
			PSP:         session.Provider,
			RedirectURL: session.RedirectURL,
			ExpiresAt:   session.ExpiresAt.UTC(),
		},
		Reserved: reservation,
	}, nil
}

// resolveLines loads each variant and snapshots its catalogue data into order items.
func (s *checkoutService) resolveLines(ctx context.Context, lines []ReservationLineInput) ([]domain.OrderLineItem, []PriceItem, error) {
	items := make([]domain.OrderLineItem, 0, len(lines))
	priceItems := make([]PriceItem, 0, len(lines))
	for _, line := range lines {
		variant, err := s.inventory.GetVariant(ctx, line.VariantID)
		if err != nil {
			if errors.Is(err, ErrInventoryVariantNotFound) {
				return nil, nil, fmt.Errorf("%w: %s", ErrCheckoutVariantNotFound, line.VariantID)
			}
			return nil, nil, err
		}

		items = append(items, domain.OrderLineItem{
			VariantID: variant.ID,
			SKU:       variant.SKU,
			Name:      variant.Name,
			Options:   variant.Options,
			Quantity:  line.Quantity,
			UnitPrice: variant.UnitPrice,
			Total:     variant.UnitPrice * int64(line.Quantity),
		})
		priceItems = append(priceItems, PriceItem{
			VariantID: variant.ID,
			SKU:       variant.SKU,
			Quantity:  line.Quantity,
			UnitPrice: variant.UnitPrice,
		})
	}
	return items, priceItems, nil
}

func (s *checkoutService) createPSPSession(ctx context.Context, cmd CheckoutCommand, order Order, breakdown PricingBreakdown, idempotencyKey string, reservation Reservation) (payments.CheckoutSession, error) {
	paymentCtx := payments.PaymentContext{
		Currency: breakdown.Currency,
	}

	lineItems := make([]payments.CheckoutLineItem, 0, len(order.Items)+1)
	for _, item := range order.Items {
		lineItems = append(lineItems, payments.CheckoutLineItem{
			Name:     item.Name,
			SKU:      item.SKU,
			Quantity: int64(item.Quantity),
			Amount:   item.UnitPrice,
			Currency: breakdown.Currency,
		})
	}
	if breakdown.Shipping > 0 {
		lineItems = append(lineItems, payments.CheckoutLineItem{
			Name:     "Shipping",
			Quantity: 1,
			Amount:   breakdown.Shipping,
			Currency: breakdown.Currency,
		})
	}

	session, err := s.payments.CreateCheckoutSession(ctx, paymentCtx, payments.CheckoutSessionRequest{
		Amount:         breakdown.Total,
		Currency:       breakdown.Currency,
		SuccessURL:     cmd.SuccessURL,
		CancelURL:      cmd.CancelURL,
		IdempotencyKey: idempotencyKey,
		Items:          lineItems,
		Metadata: map[string]string{
			checkoutMetadataOrderIDKey:       order.ID,
			checkoutMetadataReservationIDKey: reservation.ID,
		},
	})
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return payments.CheckoutSession{}, ErrCheckoutInvalidInput
		}
		s.logger(ctx, "checkout_payment_session_failed", map[string]any{
			"orderId": order.ID,
			"userId":  cmd.UserID,
			"error":   err.Error(),
		})
		return payments.CheckoutSession{}, ErrCheckoutPaymentFailed
	}
	return session, nil
}

func (s *checkoutService) releaseReservation(ctx context.Context, reservationID, reason string) {
	if strings.TrimSpace(reservationID) == "" {
		return
	}
	if _, err := s.inventory.Release(ctx, InventoryReleaseCommand{
		ReservationID: reservationID,
		Reason:        reason,
	}); err != nil {
		s.logger(ctx, "checkout_release_failed", map[string]any{
			"reservationId": reservationID,
			"reason":        reason,
			"error":         err.Error(),
		})
	}
}

// checkoutIdempotencyKey derives a stable key from the request when the
// client does not supply one, so PSP retries reuse the same session.
func (s *checkoutService) checkoutIdempotencyKey(cmd CheckoutCommand) string {
	if key := strings.TrimSpace(cmd.IdempotencyKey); key != "" {
		return key
	}
	parts := make([]string, 0, len(cmd.Lines)+2)
	parts = append(parts, strings.TrimSpace(cmd.UserID), strings.ToUpper(strings.TrimSpace(cmd.Currency)))
	lineParts := make([]string, 0, len(cmd.Lines))
	for _, line := range cmd.Lines {
		lineParts = append(lineParts, fmt.Sprintf("%s:%d", strings.TrimSpace(line.VariantID), line.Quantity))
	}
	sort.Strings(lineParts)
	parts = append(parts, lineParts...)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func validateCheckoutInput(cmd CheckoutCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrCheckoutInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrCheckoutInvalidInput)
	}
	if strings.TrimSpace(cmd.SuccessURL) == "" || strings.TrimSpace(cmd.CancelURL) == "" {
		return fmt.Errorf("%w: success and cancel urls are required", ErrCheckoutInvalidInput)
	}
	for _, line := range cmd.Lines {
		if strings.TrimSpace(line.VariantID) == "" {
			return fmt.Errorf("%w: line variant id is required", ErrCheckoutInvalidInput)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for %s must be positive", ErrCheckoutInvalidInput, line.VariantID)
		}
	}
	return nil
}

func totalsFromBreakdown(breakdown PricingBreakdown) domain.OrderTotals {
	return domain.OrderTotals{
		Subtotal: breakdown.Subtotal,
		Shipping: breakdown.Shipping,
		Tax:      breakdown.Tax,
		Total:    breakdown.Total,
	}
}
