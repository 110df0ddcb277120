package repositories

import (
	"context"
	"time"

	domain "github.com/willowmart/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Inventory() InventoryRepository
	Orders() OrderRepository
	Notifications() NotificationRepository
	PushRegistrations() PushRegistrationRepository
	Users() UserRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// InventoryRepository manages stock counters and reservation lifecycle with transactional guarantees.
type InventoryRepository interface {
	Reserve(ctx context.Context, req InventoryReserveRequest) (InventoryReserveResult, error)
	Commit(ctx context.Context, req InventoryCommitRequest) (InventoryCommitResult, error)
	Release(ctx context.Context, req InventoryReleaseRequest) (InventoryReleaseResult, error)
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
	ListExpired(ctx context.Context, query InventoryExpiredQuery) ([]domain.Reservation, error)
	GetVariant(ctx context.Context, variantID string) (domain.Variant, error)
	ListLowStock(ctx context.Context, query InventoryLowStockQuery) (domain.CursorPage[domain.Variant], error)
}

// InventoryReserveRequest encapsulates reservation creation metadata for the repository.
type InventoryReserveRequest struct {
	Reservation domain.Reservation
	Now         time.Time
}

// InventoryReserveResult returns the saved reservation and updated stock projections.
type InventoryReserveResult struct {
	Reservation domain.Reservation
	Variants    map[string]domain.Variant
}

// InventoryCommitRequest finalises a reservation and consumes on-hand stock.
type InventoryCommitRequest struct {
	ReservationID string
	OrderRef      string
	Now           time.Time
}

// InventoryCommitResult reports the updated reservation and stock metrics after commit.
// AlreadyCommitted is set when the call was a duplicate and no counters changed.
type InventoryCommitResult struct {
	Reservation      domain.Reservation
	Variants         map[string]domain.Variant
	AlreadyCommitted bool
}

// InventoryReleaseRequest restores reserved stock back to availability.
type InventoryReleaseRequest struct {
	ReservationID string
	Reason        string
	Now           time.Time
}

// InventoryReleaseResult reports the reservation and stock metrics after release.
// AlreadyReleased is set when the call was a duplicate and no counters changed.
type InventoryReleaseResult struct {
	Reservation     domain.Reservation
	Variants        map[string]domain.Variant
	AlreadyReleased bool
}

// InventoryExpiredQuery bounds the expired-reservation scan used by the sweep.
type InventoryExpiredQuery struct {
	Now   time.Time
	Limit int
}

// InventoryLowStockQuery controls pagination and threshold filtering for low stock listings.
type InventoryLowStockQuery struct {
	Threshold  int
	Pagination domain.Pagination
}

// OrderRepository persists order headers and provides query helpers for users and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByReservation resolves the order holding the given stock reservation.
	FindByReservation(ctx context.Context, reservationID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderListFilter narrows order listings for customer and admin surfaces.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	From       *time.Time
	To         *time.Time
	Pagination domain.Pagination
}

// NotificationRepository persists notification facts and their read state.
type NotificationRepository interface {
	Insert(ctx context.Context, notification domain.Notification) error
	FindByID(ctx context.Context, notificationID string) (domain.Notification, error)
	List(ctx context.Context, filter NotificationListFilter) (domain.CursorPage[domain.Notification], error)
	MarkRead(ctx context.Context, notificationID string, readAt time.Time) (domain.Notification, error)
}

// NotificationListFilter narrows notification listings per recipient.
type NotificationListFilter struct {
	UserID           string
	IncludeBroadcast bool
	Types            []domain.NotificationType
	UnreadOnly       bool
	Pagination       domain.Pagination
}

// PushRegistrationRepository stores the current device token per profile.
type PushRegistrationRepository interface {
	Upsert(ctx context.Context, registration domain.PushRegistration) error
	Delete(ctx context.Context, userID string) error
	FindByUser(ctx context.Context, userID string) (domain.PushRegistration, error)
	ListAll(ctx context.Context) ([]domain.PushRegistration, error)
}

// UserRepository stores the thin user profile projection.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserProfile, error)
	UpdateProfile(ctx context.Context, profile domain.UserProfile) (domain.UserProfile, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
