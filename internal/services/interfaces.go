package services

import (
	"context"
	"time"

	domain "github.com/willowmart/api/internal/domain"
)

// Domain model aliases --------------------------------------------------------

type (
	// Variant mirrors domain.Variant for service consumers.
	Variant = domain.Variant
	// Reservation mirrors domain.Reservation for service consumers.
	Reservation = domain.Reservation
	// Order mirrors domain.Order for service consumers.
	Order = domain.Order
	// OrderStatus mirrors domain.OrderStatus for service consumers.
	OrderStatus = domain.OrderStatus
	// Notification mirrors domain.Notification for service consumers.
	Notification = domain.Notification
	// NotificationType mirrors domain.NotificationType for service consumers.
	NotificationType = domain.NotificationType
	// PushRegistration mirrors domain.PushRegistration for service consumers.
	PushRegistration = domain.PushRegistration
	// UserProfile mirrors domain.UserProfile for service consumers.
	UserProfile = domain.UserProfile
	// PricingBreakdown mirrors domain.PricingBreakdown for service consumers.
	PricingBreakdown = domain.PricingBreakdown
)

// InventoryService ------------------------------------------------------------

// InventoryService owns stock counters and the reservation lifecycle.
type InventoryService interface {
	// Reserve soft-locks stock for every line or fails without partial effects.
	Reserve(ctx context.Context, cmd InventoryReserveCommand) (Reservation, error)
	// Commit consumes reserved stock on payment success. Idempotent on repeats.
	Commit(ctx context.Context, cmd InventoryCommitCommand) (Reservation, error)
	// Release returns reserved stock to the sellable pool. Idempotent on repeats.
	Release(ctx context.Context, cmd InventoryReleaseCommand) (Reservation, error)
	// SweepExpired releases every reservation whose TTL elapsed before now.
	SweepExpired(ctx context.Context, now time.Time) (SweepResult, error)
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	GetVariant(ctx context.Context, variantID string) (Variant, error)
	ListLowStock(ctx context.Context, query LowStockQuery) (domain.CursorPage[Variant], error)
}

// InventoryReserveCommand carries the inputs to create a reservation.
type InventoryReserveCommand struct {
	OrderID        string
	UserID         string
	Lines          []ReservationLineInput
	TTL            time.Duration
	Reason         string
	IdempotencyKey string
}

// ReservationLineInput is a single (variant, quantity) pair requested at checkout.
type ReservationLineInput struct {
	VariantID string
	SKU       string
	Quantity  int
}

// InventoryCommitCommand finalises a reservation after payment success.
type InventoryCommitCommand struct {
	ReservationID string
	OrderID       string
}

// InventoryReleaseCommand returns reserved stock after cancellation, payment
// failure, or TTL expiry.
type InventoryReleaseCommand struct {
	ReservationID string
	Reason        string
}

// SweepResult reports the reservations released by a sweep pass.
type SweepResult struct {
	ReleasedIDs []string
	SweptAt     time.Time
}

// LowStockQuery filters the admin low-stock listing.
type LowStockQuery struct {
	Threshold  int
	Pagination domain.Pagination
}

// OrderService ---------------------------------------------------------------

// OrderService owns order records and validates every status transition.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, query OrderListQuery) (domain.CursorPage[Order], error)
	// HandlePaymentResult drives the pending order to paid or cancelled.
	// Duplicate signals for an order already resolved are absorbed as no-ops.
	HandlePaymentResult(ctx context.Context, cmd PaymentResultCommand) (Order, error)
	// MarkProcessing moves a paid order into fulfilment.
	MarkProcessing(ctx context.Context, cmd OrderActionCommand) (Order, error)
	// Ship records the tracking number and marks the order shipped.
	Ship(ctx context.Context, cmd ShipOrderCommand) (Order, error)
	// ConfirmDelivered closes out a shipped order.
	ConfirmDelivered(ctx context.Context, cmd OrderActionCommand) (Order, error)
	// Cancel aborts an order from pending, paid, or processing.
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// CreateOrderCommand captures the checkout output persisted as a pending order.
type CreateOrderCommand struct {
	UserID          string
	Currency        string
	Items           []domain.OrderLineItem
	Totals          domain.OrderTotals
	Contact         domain.OrderContact
	ShippingAddress *domain.Address
	ReservationID   string
	Notes           map[string]any
}

// OrderListQuery narrows order listings.
type OrderListQuery struct {
	UserID     string
	Status     []OrderStatus
	From       *time.Time
	To         *time.Time
	Pagination domain.Pagination
}

// PaymentResultCommand is the idempotent payment callback contract.
type PaymentResultCommand struct {
	OrderID string
	Success bool
	Reason  string
	ActorID string
}

// OrderActionCommand identifies the order and the staff actor for a transition.
type OrderActionCommand struct {
	OrderID string
	ActorID string
}

// ShipOrderCommand marks an order shipped with its tracking number.
type ShipOrderCommand struct {
	OrderID        string
	TrackingNumber string
	ActorID        string
}

// CancelOrderCommand aborts an order with an operator-supplied reason.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// NotificationService ---------------------------------------------------------

// NotificationService persists notification facts and exposes read surfaces.
// Delivery is the dispatcher's job; emitting only records that something happened.
type NotificationService interface {
	Emit(ctx context.Context, event NotificationEvent) (Notification, error)
	CreateManual(ctx context.Context, cmd ManualNotificationCommand) (Notification, error)
	Get(ctx context.Context, notificationID string) (Notification, error)
	List(ctx context.Context, query NotificationListQuery) (domain.CursorPage[Notification], error)
	MarkRead(ctx context.Context, cmd MarkReadCommand) (Notification, error)
}

// NotificationEvent is the domain event translated into a notification record.
type NotificationEvent struct {
	Type      NotificationType
	UserID    *string
	RelatedID string
	Order     *Order
	Variant   *Variant
	Reason    string
	Data      map[string]any
	ActorID   *string
}

// ManualNotificationCommand carries a staff-authored announcement.
type ManualNotificationCommand struct {
	UserID  *string
	Title   string
	Body    string
	Data    map[string]any
	ActorID string
}

// NotificationListQuery narrows notification listings per recipient.
type NotificationListQuery struct {
	UserID           string
	IncludeBroadcast bool
	Types            []NotificationType
	UnreadOnly       bool
	Pagination       domain.Pagination
}

// MarkReadCommand flips the read flag for the recipient.
type MarkReadCommand struct {
	NotificationID string
	UserID         string
}

// DispatchService -------------------------------------------------------------

// DispatchService resolves the audience for a stored notification and fans the
// push messages out to the gateway in one batch. Safe to invoke repeatedly for
// the same notification; the trigger feed delivers at least once.
type DispatchService interface {
	Dispatch(ctx context.Context, notificationID string) (DispatchReport, error)
}

// DispatchReport aggregates per-token outcomes for one notification event.
type DispatchReport struct {
	NotificationID string
	Requested      int
	Delivered      int
	Failed         []DispatchFailure
	DispatchedAt   time.Time
}

// DispatchFailure records one recipient the gateway rejected.
type DispatchFailure struct {
	Token   string
	Code    string
	Message string
}

// CheckoutService -------------------------------------------------------------

// CheckoutService prices the submitted lines, reserves stock, and opens the
// pending order plus the PSP session.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
}

// CheckoutCommand carries explicit request state into checkout; there is no
// server-side cart.
type CheckoutCommand struct {
	UserID          string
	Currency        string
	Lines           []ReservationLineInput
	Contact         domain.OrderContact
	ShippingAddress *domain.Address
	SuccessURL      string
	CancelURL       string
	IdempotencyKey  string
}

// CheckoutResult reports the created order and the payment session to redirect to.
type CheckoutResult struct {
	Order    Order
	Pricing  PricingBreakdown
	Session  domain.CheckoutSession
	Reserved Reservation
}

// SystemService ---------------------------------------------------------------

// SystemService provides health reports and operational metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// PushTokenService ------------------------------------------------------------

// PushTokenService owns the device token registration surface.
type PushTokenService interface {
	Register(ctx context.Context, cmd RegisterPushTokenCommand) (PushRegistration, error)
	Unregister(ctx context.Context, userID string) error
}

// RegisterPushTokenCommand stores the caller's current device token.
type RegisterPushTokenCommand struct {
	UserID   string
	Token    string
	Platform string
}
