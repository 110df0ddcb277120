package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/willowmart/api/internal/payments"
	"github.com/willowmart/api/internal/platform/config"
	"github.com/willowmart/api/internal/repositories"
	"github.com/willowmart/api/internal/services"
)

// LogFunc is the structured event logger shared by the service layer.
type LogFunc func(ctx context.Context, event string, fields map[string]any)

// PaymentSessionCreator opens hosted checkout sessions at the configured PSP.
// *payments.Manager satisfies it.
type PaymentSessionCreator interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// Collaborators carries the infrastructure adapters the repositories registry
// does not own: async publishers, the push gateway, the receipt archive, and
// the payment manager.
type Collaborators struct {
	NotificationPublisher services.NotificationCreatedPublisher
	StockEvents           services.InventoryEventPublisher
	PushGateway           services.PushGateway
	Receipts              services.ReceiptArchiver
	Payments              PaymentSessionCreator
	Build                 services.BuildInfo
	Logger                func(component string) LogFunc
}

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Inventory     services.InventoryService
	Orders        services.OrderService
	Notifications services.NotificationService
	Dispatch      services.DispatchService
	Checkout      services.CheckoutService
	PushTokens    services.PushTokenService
	System        services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring supplies real
// clients through Collaborators, while tests can pass in-memory fakes.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, collab Collaborators) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, collab)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, collab Collaborators) (Services, error) {
	var svc Services

	logFor := collab.Logger
	if logFor == nil {
		logFor = func(string) LogFunc { return nil }
	}

	notificationsRepo := reg.Notifications()
	if notificationsRepo != nil {
		notificationSvc, err := services.NewNotificationService(services.NotificationServiceDeps{
			Notifications: notificationsRepo,
			Users:         reg.Users(),
			Publisher:     collab.NotificationPublisher,
			DefaultLocale: cfg.Notifications.DefaultLocale,
			Clock:         time.Now,
			Logger:        logFor("notifications"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build notification service: %w", err)
		}
		svc.Notifications = notificationSvc
	}

	// The inventory sweep cancels pending orders, but the order service is
	// built after inventory because it commits and releases through it. The
	// relay closes that loop once both exist.
	expiryRelay := &reservationExpiryRelay{}

	if inventoryRepo := reg.Inventory(); inventoryRepo != nil {
		var alerts services.StockAlerter
		if svc.Notifications != nil {
			alerts = stockAlertNotifier{notifications: svc.Notifications}
		}
		inventorySvc, err := services.NewInventoryService(services.InventoryServiceDeps{
			Inventory:         inventoryRepo,
			Events:            collab.StockEvents,
			Alerts:            alerts,
			Expiry:            expiryRelay,
			LowThreshold:      cfg.Inventory.LowStockThreshold,
			CriticalThreshold: cfg.Inventory.CriticalStockThreshold,
			Clock:             time.Now,
			Logger:            logFor("inventory"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build inventory service: %w", err)
		}
		svc.Inventory = inventorySvc
	}

	if ordersRepo := reg.Orders(); ordersRepo != nil && reg.Counters() != nil && svc.Inventory != nil {
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:        ordersRepo,
			Counters:      reg.Counters(),
			Inventory:     svc.Inventory,
			Notifications: svc.Notifications,
			Clock:         time.Now,
			Logger:        logFor("orders"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
		if handler, ok := orderSvc.(services.ExpiredReservationHandler); ok {
			expiryRelay.handler = handler
		}
	}

	if svc.Inventory != nil && svc.Orders != nil && collab.Payments != nil {
		pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
			FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
			ShippingFee:           cfg.Pricing.ShippingFee,
			TaxRateBasisPoints:    cfg.Pricing.TaxRateBasisPoints,
			Logger:                logFor("pricing"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build pricing engine: %w", err)
		}
		checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
			Inventory:      svc.Inventory,
			Orders:         svc.Orders,
			Pricing:        pricing,
			Payments:       collab.Payments,
			ReservationTTL: cfg.Inventory.ReservationTTL,
			Clock:          time.Now,
			Logger:         logFor("checkout"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build checkout service: %w", err)
		}
		svc.Checkout = checkoutSvc
	}

	if registrationsRepo := reg.PushRegistrations(); registrationsRepo != nil {
		pushTokenSvc, err := services.NewPushTokenService(services.PushTokenServiceDeps{
			Registrations: registrationsRepo,
			Clock:         time.Now,
			Logger:        logFor("push_tokens"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build push token service: %w", err)
		}
		svc.PushTokens = pushTokenSvc

		if notificationsRepo != nil && collab.PushGateway != nil {
			dispatchSvc, err := services.NewDispatchService(services.DispatchServiceDeps{
				Notifications: notificationsRepo,
				Registrations: registrationsRepo,
				Gateway:       collab.PushGateway,
				Receipts:      collab.Receipts,
				Clock:         time.Now,
				Logger:        logFor("dispatch"),
			})
			if err != nil {
				return Services{}, fmt.Errorf("build dispatch service: %w", err)
			}
			svc.Dispatch = dispatchSvc
		}
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            collab.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

// reservationExpiryRelay defers the sweep's order cancellation hook until the
// order service exists. With no handler attached the sweep only releases stock.
type reservationExpiryRelay struct {
	handler services.ExpiredReservationHandler
}

func (r *reservationExpiryRelay) ReservationExpired(ctx context.Context, reservation services.Reservation) error {
	if r.handler == nil {
		return nil
	}
	return r.handler.ReservationExpired(ctx, reservation)
}

// stockAlertNotifier forwards threshold breaches into the notification log so
// staff devices hear about dwindling stock.
type stockAlertNotifier struct {
	notifications services.NotificationService
}

func (a stockAlertNotifier) StockThresholdBreached(ctx context.Context, variant services.Variant, alertType services.NotificationType) error {
	v := variant
	_, err := a.notifications.Emit(ctx, services.NotificationEvent{
		Type:      alertType,
		RelatedID: v.ID,
		Variant:   &v,
	})
	return err
}
