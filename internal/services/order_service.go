package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/repositories"
)

const (
	orderCounterPrefix = "orders"
	orderNumberPrefix  = "WM"

	releaseReasonPaymentFailed = "payment_failed"
	releaseReasonCancelled     = "cancelled"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid arguments.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the requested status change is not allowed.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates concurrent writers raced on the same order.
	ErrOrderConflict = errors.New("order: conflicting update")
)

// orderTransitions is the single source of truth for the status machine.
// Delivered and cancelled are terminal.
var orderTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:       {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
}

func canTransition(from, to domain.OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NotificationEmitter records notification facts for order lifecycle events.
type NotificationEmitter interface {
	Emit(ctx context.Context, event NotificationEvent) (Notification, error)
}

// OrderServiceDeps bundles the collaborators required to construct an order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Counters      repositories.CounterRepository
	Inventory     InventoryService
	Notifications NotificationEmitter
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	repo          repositories.OrderRepository
	counters      repositories.CounterRepository
	inventory     InventoryService
	notifications NotificationEmitter
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}

	svc := &orderService{
		repo:          deps.Orders,
		counters:      deps.Counters,
		inventory:     deps.Inventory,
		notifications: deps.Notifications,
		clock:         utcClock(deps.Clock),
		newID:         deps.IDGenerator,
		logger:        eventLogger(deps.Logger),
	}
	if svc.newID == nil {
		svc.newID = func() string { return ulid.Make().String() }
	}
	return svc, nil
}

// CreateOrder persists a pending order and announces it to staff devices.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if err := validateCreateOrder(cmd); err != nil {
		return Order{}, err
	}

	now := s.clock()
	number, err := s.nextOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	order := Order{
		ID:          ensureOrderID(s.newID()),
		OrderNumber: number,
		UserID:      strings.TrimSpace(cmd.UserID),
		Status:      domain.OrderStatusPending,
		Currency:    strings.ToUpper(strings.TrimSpace(cmd.Currency)),
		Totals:      cmd.Totals,
		Items:       cmd.Items,
		Contact:     cmd.Contact,
		Notes:       cmd.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cmd.ShippingAddress != nil {
		addr := *cmd.ShippingAddress
		order.ShippingAddress = &addr
	}
	if reservationID := strings.TrimSpace(cmd.ReservationID); reservationID != "" {
		order.ReservationRef = &reservationID
	}

	if err := s.repo.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.emit(ctx, NotificationEvent{
		Type:      domain.NotificationTypeOrderNew,
		RelatedID: order.ID,
		Order:     &order,
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, query OrderListQuery) (domain.CursorPage[Order], error) {
	page, err := s.repo.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(query.UserID),
		Status:     query.Status,
		From:       query.From,
		To:         query.To,
		Pagination: query.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// HandlePaymentResult resolves a pending order after the payment provider
// reports its outcome. Replays of a signal that already took effect return
// the stored order without side effects.
func (s *orderService) HandlePaymentResult(ctx context.Context, cmd PaymentResultCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if cmd.Success {
		return s.applyPaymentSuccess(ctx, order, cmd)
	}
	return s.applyPaymentFailure(ctx, order, cmd)
}

func (s *orderService) applyPaymentSuccess(ctx context.Context, order Order, cmd PaymentResultCommand) (Order, error) {
	switch order.Status {
	case domain.OrderStatusPaid, domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered:
		s.logger(ctx, "order_payment_duplicate", map[string]any{"orderId": order.ID, "status": string(order.Status)})
		return order, nil
	case domain.OrderStatusCancelled:
		return Order{}, fmt.Errorf("%w: payment success for cancelled order %s", ErrOrderInvalidTransition, order.ID)
	case domain.OrderStatusPending:
	default:
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrOrderInvalidTransition, order.ID, order.Status)
	}

	if order.ReservationRef != nil {
		if _, err := s.inventory.Commit(ctx, InventoryCommitCommand{
			ReservationID: *order.ReservationRef,
			OrderID:       order.ID,
		}); err != nil {
			return Order{}, fmt.Errorf("commit reservation for order %s: %w", order.ID, err)
		}
	}

	now := s.clock()
	order.Status = domain.OrderStatusPaid
	order.PaidAt = &now
	order.UpdatedAt = now

	if err := s.repo.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.emitStatusChange(ctx, order, cmd.ActorID)
	return order, nil
}

func (s *orderService) applyPaymentFailure(ctx context.Context, order Order, cmd PaymentResultCommand) (Order, error) {
	switch order.Status {
	case domain.OrderStatusCancelled:
		s.logger(ctx, "order_payment_duplicate", map[string]any{"orderId": order.ID, "status": string(order.Status)})
		return order, nil
	case domain.OrderStatusPending:
	default:
		return Order{}, fmt.Errorf("%w: payment failure for %s order %s", ErrOrderInvalidTransition, order.Status, order.ID)
	}

	s.releaseReservation(ctx, order, releaseReasonPaymentFailed)

	now := s.clock()
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = releaseReasonPaymentFailed
	}
	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &now
	order.CancelledReason = &reason
	order.UpdatedAt = now

	if err := s.repo.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.emit(ctx, NotificationEvent{
		Type:      domain.NotificationTypePaymentFailed,
		RelatedID: order.ID,
		Order:     &order,
		Reason:    reason,
	})
	return order, nil
}

// ReservationExpired cancels the pending order whose stock hold the sweep
// released. Orders that already resolved, and reservations no order holds,
// are left alone.
func (s *orderService) ReservationExpired(ctx context.Context, reservation Reservation) error {
	reservationID := strings.TrimSpace(reservation.ID)
	if reservationID == "" {
		return fmt.Errorf("%w: reservation id is required", ErrOrderInvalidInput)
	}

	order, err := s.repo.FindByReservation(ctx, reservationID)
	if err != nil {
		mapped := s.mapRepositoryError(err)
		if errors.Is(mapped, ErrOrderNotFound) {
			return nil
		}
		return mapped
	}
	if order.Status != domain.OrderStatusPending {
		s.logger(ctx, "order_expiry_skipped", map[string]any{
			"orderId":       order.ID,
			"reservationId": reservationID,
			"status":        string(order.Status),
		})
		return nil
	}

	now := s.clock()
	reason := releaseReasonExpired
	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &now
	order.CancelledReason = &reason
	order.UpdatedAt = now

	if err := s.repo.Update(ctx, order); err != nil {
		return s.mapRepositoryError(err)
	}

	s.emitStatusChange(ctx, order, "")
	return nil
}

func (s *orderService) MarkProcessing(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return s.transition(ctx, cmd.OrderID, domain.OrderStatusProcessing, cmd.ActorID, func(order *Order, now time.Time) error {
		order.ProcessingAt = &now
		return nil
	})
}

func (s *orderService) Ship(ctx context.Context, cmd ShipOrderCommand) (Order, error) {
	tracking := strings.TrimSpace(cmd.TrackingNumber)
	if tracking == "" {
		return Order{}, fmt.Errorf("%w: tracking number is required", ErrOrderInvalidInput)
	}
	return s.transition(ctx, cmd.OrderID, domain.OrderStatusShipped, cmd.ActorID, func(order *Order, now time.Time) error {
		order.TrackingNumber = &tracking
		order.ShippedAt = &now
		return nil
	})
}

func (s *orderService) ConfirmDelivered(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return s.transition(ctx, cmd.OrderID, domain.OrderStatusDelivered, cmd.ActorID, func(order *Order, now time.Time) error {
		order.DeliveredAt = &now
		return nil
	})
}

// Cancel aborts an order before delivery. Stock already consumed by a paid
// order stays consumed; only a still-reserved hold returns to availability.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = releaseReasonCancelled
	}
	return s.transition(ctx, cmd.OrderID, domain.OrderStatusCancelled, cmd.ActorID, func(order *Order, now time.Time) error {
		s.releaseReservation(ctx, *order, reason)
		order.CancelledAt = &now
		order.CancelledReason = &reason
		return nil
	})
}

func (s *orderService) transition(ctx context.Context, orderID string, to domain.OrderStatus, actorID string, apply func(order *Order, now time.Time) error) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !canTransition(order.Status, to) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidTransition, order.Status, to)
	}

	now := s.clock()
	order.Status = to
	order.UpdatedAt = now
	if apply != nil {
		if err := apply(&order, now); err != nil {
			return Order{}, err
		}
	}

	if err := s.repo.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.emitStatusChange(ctx, order, actorID)
	return order, nil
}

// releaseReservation returns unconsumed stock. A reservation that was already
// committed means stock was legitimately consumed; the release outcome is
// logged and swallowed so the order transition still lands.
func (s *orderService) releaseReservation(ctx context.Context, order Order, reason string) {
	if order.ReservationRef == nil {
		return
	}
	_, err := s.inventory.Release(ctx, InventoryReleaseCommand{
		ReservationID: *order.ReservationRef,
		Reason:        reason,
	})
	if err == nil {
		return
	}
	if errors.Is(err, ErrInventoryAlreadyCommitted) || errors.Is(err, ErrInventoryReservationNotFound) {
		s.logger(ctx, "order_release_skipped", map[string]any{
			"orderId":       order.ID,
			"reservationId": *order.ReservationRef,
			"error":         err.Error(),
		})
		return
	}
	s.logger(ctx, "order_release_failed", map[string]any{
		"orderId":       order.ID,
		"reservationId": *order.ReservationRef,
		"error":         err.Error(),
	})
}

func (s *orderService) emitStatusChange(ctx context.Context, order Order, actorID string) {
	event := NotificationEvent{
		Type:      domain.NotificationTypeOrderStatusChange,
		UserID:    stringPtrIfSet(order.UserID),
		RelatedID: order.ID,
		Order:     &order,
	}
	if actor := strings.TrimSpace(actorID); actor != "" {
		event.ActorID = &actor
	}
	s.emit(ctx, event)
}

func (s *orderService) emit(ctx context.Context, event NotificationEvent) {
	if s.notifications == nil {
		return
	}
	if _, err := s.notifications.Emit(ctx, event); err != nil {
		s.logger(ctx, "order_notification_failed", map[string]any{
			"type":    string(event.Type),
			"orderId": event.RelatedID,
			"error":   err.Error(),
		})
	}
}

// nextOrderNumber derives the human readable order number from the yearly counter.
func (s *orderService) nextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	counterID := fmt.Sprintf("%s-%04d", orderCounterPrefix, now.Year())
	seq, err := s.counters.Next(ctx, counterID, 1)
	if err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	return fmt.Sprintf("%s-%04d-%06d", orderNumberPrefix, now.Year(), seq), nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return err
}

func validateCreateOrder(cmd CreateOrderCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrOrderInvalidInput)
	}
	for _, item := range cmd.Items {
		if strings.TrimSpace(item.VariantID) == "" {
			return fmt.Errorf("%w: item variant id is required", ErrOrderInvalidInput)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item quantity must be positive", ErrOrderInvalidInput)
		}
	}
	return nil
}

func ensureOrderID(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = ulid.Make().String()
	}
	if strings.HasPrefix(trimmed, "ord_") {
		return trimmed
	}
	return "ord_" + trimmed
}

func stringPtrIfSet(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
