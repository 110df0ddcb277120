package firestore

import (
	"context"
	"errors"

	fs "cloud.google.com/go/firestore"

	pfirestore "github.com/willowmart/api/internal/platform/firestore"
	"github.com/willowmart/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract used by dependency injection.
type Registry struct {
	provider      *pfirestore.Provider
	inventory     *InventoryRepository
	orders        *OrderRepository
	notifications *NotificationRepository
	registrations *PushRegistrationRepository
	users         *UserRepository
	counters      *CounterRepository
	health        repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every Firestore repository against the shared provider.
// The health repository is supplied by the caller because its checks span more
// than Firestore.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore: provider is required")
	}

	inventory, err := NewInventoryRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	notifications, err := NewNotificationRepository(provider)
	if err != nil {
		return nil, err
	}
	registrations, err := NewPushRegistrationRepository(provider)
	if err != nil {
		return nil, err
	}
	users, err := NewUserRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:      provider,
		inventory:     inventory,
		orders:        orders,
		notifications: notifications,
		registrations: registrations,
		users:         users,
		counters:      counters,
		health:        health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Inventory returns the stock and reservation repository.
func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Notifications returns the notification repository.
func (r *Registry) Notifications() repositories.NotificationRepository { return r.notifications }

// PushRegistrations returns the device token repository.
func (r *Registry) PushRegistrations() repositories.PushRegistrationRepository {
	return r.registrations
}

// Users returns the profile repository.
func (r *Registry) Users() repositories.UserRepository { return r.users }

// Counters returns the sequence counter repository.
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

// Health returns the dependency health repository, which may be nil.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn inside a Firestore transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *fs.Transaction) error {
		return fn(txCtx)
	})
}
