package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/repositories"
)

type stubOrderRepo struct {
	insertFn            func(ctx context.Context, order domain.Order) error
	updateFn            func(ctx context.Context, order domain.Order) error
	findFn              func(ctx context.Context, orderID string) (domain.Order, error)
	findByReservationFn func(ctx context.Context, reservationID string) (domain.Order, error)
	listFn              func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error)

	inserted []domain.Order
	updated  []domain.Order
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	s.inserted = append(s.inserted, order)
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) error {
	s.updated = append(s.updated, order)
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) FindByReservation(ctx context.Context, reservationID string) (domain.Order, error) {
	if s.findByReservationFn != nil {
		return s.findByReservationFn(ctx, reservationID)
	}
	return domain.Order{}, &fakeRepoError{notFound: true}
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

type stubCounterRepo struct {
	nextFn func(ctx context.Context, counterID string, step int64) (int64, error)
}

func (s *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 1, nil
}

func (s *stubCounterRepo) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	return nil
}

type stubInventoryService struct {
	reserveFn    func(ctx context.Context, cmd InventoryReserveCommand) (Reservation, error)
	commitFn     func(ctx context.Context, cmd InventoryCommitCommand) (Reservation, error)
	releaseFn    func(ctx context.Context, cmd InventoryReleaseCommand) (Reservation, error)
	getVariantFn func(ctx context.Context, variantID string) (Variant, error)

	reserves []InventoryReserveCommand
	commits  []InventoryCommitCommand
	releases []InventoryReleaseCommand
}

func (s *stubInventoryService) Reserve(ctx context.Context, cmd InventoryReserveCommand) (Reservation, error) {
	s.reserves = append(s.reserves, cmd)
	if s.reserveFn != nil {
		return s.reserveFn(ctx, cmd)
	}
	return Reservation{ID: "rsv_stub", Status: domain.ReservationStatusReserved}, nil
}

func (s *stubInventoryService) Commit(ctx context.Context, cmd InventoryCommitCommand) (Reservation, error) {
	s.commits = append(s.commits, cmd)
	if s.commitFn != nil {
		return s.commitFn(ctx, cmd)
	}
	return Reservation{ID: cmd.ReservationID, Status: domain.ReservationStatusCommitted}, nil
}

func (s *stubInventoryService) Release(ctx context.Context, cmd InventoryReleaseCommand) (Reservation, error) {
	s.releases = append(s.releases, cmd)
	if s.releaseFn != nil {
		return s.releaseFn(ctx, cmd)
	}
	return Reservation{ID: cmd.ReservationID, Status: domain.ReservationStatusReleased}, nil
}

func (s *stubInventoryService) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	return SweepResult{}, errors.New("not implemented")
}

func (s *stubInventoryService) GetReservation(ctx context.Context, reservationID string) (Reservation, error) {
	return Reservation{}, errors.New("not implemented")
}

func (s *stubInventoryService) GetVariant(ctx context.Context, variantID string) (Variant, error) {
	if s.getVariantFn != nil {
		return s.getVariantFn(ctx, variantID)
	}
	return Variant{}, errors.New("not implemented")
}

func (s *stubInventoryService) ListLowStock(ctx context.Context, query LowStockQuery) (domain.CursorPage[Variant], error) {
	return domain.CursorPage[Variant]{}, errors.New("not implemented")
}

type captureEmitter struct {
	events []NotificationEvent
	err    error
}

func (c *captureEmitter) Emit(ctx context.Context, event NotificationEvent) (Notification, error) {
	c.events = append(c.events, event)
	if c.err != nil {
		return Notification{}, c.err
	}
	return Notification{ID: "ntf_test"}, nil
}

func (c *captureEmitter) byType(eventType NotificationType) *NotificationEvent {
	for i := range c.events {
		if c.events[i].Type == eventType {
			return &c.events[i]
		}
	}
	return nil
}

type fakeRepoError struct {
	notFound bool
	conflict bool
}

func (e *fakeRepoError) Error() string       { return "repo error" }
func (e *fakeRepoError) IsNotFound() bool    { return e.notFound }
func (e *fakeRepoError) IsConflict() bool    { return e.conflict }
func (e *fakeRepoError) IsUnavailable() bool { return false }

type orderServiceFixture struct {
	orders    *stubOrderRepo
	counters  *stubCounterRepo
	inventory *stubInventoryService
	emitter   *captureEmitter
	logs      *captureLog
	now       time.Time
	svc       OrderService
}

func newOrderServiceFixture(t *testing.T) *orderServiceFixture {
	t.Helper()
	f := &orderServiceFixture{
		orders:    &stubOrderRepo{},
		counters:  &stubCounterRepo{},
		inventory: &stubInventoryService{},
		emitter:   &captureEmitter{},
		logs:      &captureLog{},
		now:       time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC),
	}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:        f.orders,
		Counters:      f.counters,
		Inventory:     f.inventory,
		Notifications: f.emitter,
		Clock:         fixedClock(f.now),
		IDGenerator:   func() string { return "01TESTULID" },
		Logger:        f.logs.log,
	})
	if err != nil {
		t.Fatalf("unexpected error building service: %v", err)
	}
	f.svc = svc
	return f
}

func TestNewOrderService(t *testing.T) {
	base := OrderServiceDeps{
		Orders:    &stubOrderRepo{},
		Counters:  &stubCounterRepo{},
		Inventory: &stubInventoryService{},
	}

	t.Run("requires order repository", func(t *testing.T) {
		deps := base
		deps.Orders = nil
		if _, err := NewOrderService(deps); err == nil {
			t.Fatalf("expected error when order repository missing")
		}
	})

	t.Run("requires counter repository", func(t *testing.T) {
		deps := base
		deps.Counters = nil
		if _, err := NewOrderService(deps); err == nil {
			t.Fatalf("expected error when counter repository missing")
		}
	})

	t.Run("requires inventory service", func(t *testing.T) {
		deps := base
		deps.Inventory = nil
		if _, err := NewOrderService(deps); err == nil {
			t.Fatalf("expected error when inventory service missing")
		}
	})
}

func TestOrderServiceCreateOrder(t *testing.T) {
	t.Run("validates input", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		cases := []struct {
			name string
			cmd  CreateOrderCommand
		}{
			{"missing user", CreateOrderCommand{Currency: "JPY", Items: []domain.OrderLineItem{{VariantID: "var_1", Quantity: 1}}}},
			{"missing currency", CreateOrderCommand{UserID: "user_1", Items: []domain.OrderLineItem{{VariantID: "var_1", Quantity: 1}}}},
			{"no items", CreateOrderCommand{UserID: "user_1", Currency: "JPY"}},
			{"zero quantity", CreateOrderCommand{UserID: "user_1", Currency: "JPY", Items: []domain.OrderLineItem{{VariantID: "var_1"}}}},
		}
		for _, tc := range cases {
			if _, err := f.svc.CreateOrder(context.Background(), tc.cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("%s: expected ErrOrderInvalidInput, got %v", tc.name, err)
			}
		}
	})

	t.Run("persists pending order with yearly number", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		var counterID string
		f.counters.nextFn = func(ctx context.Context, id string, step int64) (int64, error) {
			counterID = id
			return 42, nil
		}

		got, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
			UserID:        " user_1 ",
			Currency:      "jpy",
			Items:         []domain.OrderLineItem{{VariantID: "var_1", Quantity: 2, UnitPrice: 1500, Total: 3000}},
			Totals:        domain.OrderTotals{Subtotal: 3000, Shipping: 500, Tax: 350, Total: 3850},
			ReservationID: "rsv_abc",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if counterID != "orders-2025" {
			t.Fatalf("expected yearly counter id, got %q", counterID)
		}
		if got.OrderNumber != "WM-2025-000042" {
			t.Fatalf("expected order number WM-2025-000042, got %q", got.OrderNumber)
		}
		if got.ID != "ord_01TESTULID" {
			t.Fatalf("expected prefixed order id, got %q", got.ID)
		}
		if got.Status != domain.OrderStatusPending {
			t.Fatalf("expected pending status, got %q", got.Status)
		}
		if got.UserID != "user_1" {
			t.Fatalf("expected trimmed user id, got %q", got.UserID)
		}
		if got.Currency != "JPY" {
			t.Fatalf("expected uppercase currency, got %q", got.Currency)
		}
		if got.ReservationRef == nil || *got.ReservationRef != "rsv_abc" {
			t.Fatalf("expected reservation ref, got %v", got.ReservationRef)
		}
		if len(f.orders.inserted) != 1 {
			t.Fatalf("expected one insert, got %d", len(f.orders.inserted))
		}

		event := f.emitter.byType(domain.NotificationTypeOrderNew)
		if event == nil {
			t.Fatalf("expected order_new notification, got %v", f.emitter.events)
		}
		if event.UserID != nil {
			t.Fatalf("expected staff broadcast for new orders, got user %v", *event.UserID)
		}
		if event.RelatedID != got.ID {
			t.Fatalf("expected related id %q, got %q", got.ID, event.RelatedID)
		}
	})

	t.Run("counter failure aborts creation", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.counters.nextFn = func(ctx context.Context, id string, step int64) (int64, error) {
			return 0, errors.New("counter exhausted")
		}

		_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
			UserID:   "user_1",
			Currency: "JPY",
			Items:    []domain.OrderLineItem{{VariantID: "var_1", Quantity: 1}},
		})
		if err == nil {
			t.Fatalf("expected error when counter fails")
		}
		if len(f.orders.inserted) != 0 {
			t.Fatalf("expected no insert after counter failure, got %d", len(f.orders.inserted))
		}
	})

	t.Run("notification failure does not fail creation", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.emitter.err = errors.New("emitter down")

		if _, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
			UserID:   "user_1",
			Currency: "JPY",
			Items:    []domain.OrderLineItem{{VariantID: "var_1", Quantity: 1}},
		}); err != nil {
			t.Fatalf("expected creation to succeed, got %v", err)
		}
		if !f.logs.has("order_notification_failed") {
			t.Fatalf("expected notification failure log, got %v", f.logs.events)
		}
	})
}

func TestOrderServiceHandlePaymentResult(t *testing.T) {
	reservationRef := "rsv_1"

	pendingOrder := func() domain.Order {
		return domain.Order{
			ID:             "ord_1",
			UserID:         "user_1",
			Status:         domain.OrderStatusPending,
			ReservationRef: &reservationRef,
		}
	}

	t.Run("success commits reservation and marks paid", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			return pendingOrder(), nil
		}

		got, err := f.svc.HandlePaymentResult(context.Background(), PaymentResultCommand{
			OrderID: "ord_1",
			Success: true,
			ActorID: "psp",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got.Status != domain.OrderStatusPaid {
			t.Fatalf("expected paid status, got %q", got.Status)
		}
		if got.PaidAt == nil || !got.PaidAt.Equal(f.now) {
			t.Fatalf("expected paid at %v, got %v", f.now, got.PaidAt)
		}
		if len(f.inventory.commits) != 1 {
			t.Fatalf("expected one commit, got %d", len(f.inventory.commits))
		}
		if f.inventory.commits[0].ReservationID != reservationRef {
			t.Fatalf("expected commit of %q, got %q", reservationRef, f.inventory.commits[0].ReservationID)
		}
		if f.inventory.commits[0].OrderID != "ord_1" {
			t.Fatalf("expected commit order id ord_1, got %q", f.inventory.commits[0].OrderID)
		}

		event := f.emitter.byType(domain.NotificationTypeOrderStatusChange)
		if event == nil {
			t.Fatalf("expected status change notification")
		}
		if event.UserID == nil || *event.UserID != "user_1" {
			t.Fatalf("expected customer-scoped notification, got %v", event.UserID)
		}
		if event.ActorID == nil || *event.ActorID != "psp" {
			t.Fatalf("expected actor psp, got %v", event.ActorID)
		}
	})

	t.Run("duplicate success returns stored order", func(t *testing.T) {
		for _, status := range []domain.OrderStatus{
			domain.OrderStatusPaid,
			domain.OrderStatusProcessing,
			domain.OrderStatusShipped,
			domain.OrderStatusDelivered,
		} {
			f := newOrderServiceFixture(t)
			f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
				order := pendingOrder()
				order.Status = status
				return order, nil
			}

			got, err := f.svc.HandlePaymentResult(context.Background(), PaymentResultCommand{OrderID: "ord_1", Success: true})
			if err != nil {
				t.Fatalf("%s: expected duplicate success to no-op, got %v", status, err)
			}
			if got.Status != status {
				t.Fatalf("%s: expected stored status returned, got %q", status, got.Status)
			}
			if len(f.inventory.commits) != 0 {
				t.Fatalf("%s: expected no commit on duplicate, got %d", status, len(f.inventory.commits))
			}
			if len(f.orders.updated) != 0 {
				t.Fatalf("%s: expected no update on duplicate, got %d", status, len(f.orders.updated))
			}
			if !f.logs.has("order_payment_duplicate") {
				t.Fatalf("%s: expected duplicate log, got %v", status, f.logs.events)
			}
		}
	})

	t.Run("success for cancelled order fails", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			order := pendingOrder()
			order.Status = domain.OrderStatusCancelled
			return order, nil
		}

		if _, err := f.svc.HandlePaymentResult(context.Background(), PaymentResultCommand{OrderID: "ord_1", Success: true}); !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
		}
	})

	t.Run("commit failure leaves order pending", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			return pendingOrder(), nil
		}
		f.inventory.commitFn = func(ctx context.Context, cmd InventoryCommitCommand) (Reservation, error) {
			return Reservation{}, ErrInventoryAlreadyReleased
		}

		if _, err := f.svc.HandlePaymentResult(context.Background(), PaymentResultCommand{OrderID: "ord_1", Success: true}); !errors.Is(err, ErrInventoryAlreadyReleased) {
			t.Fatalf("expected commit error surfaced, got %v", err)
		}
		if len(f.orders.updated) != 0 {
			t.Fatalf("expected no update when commit fails, got %d", len(f.orders.updated))
		}
	})

	t.Run("failure releases reservation and cancels", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			return pendingOrder(), nil
		}

		got, err := f.svc.HandlePaymentResult(context.Background(), PaymentResultCommand{
			OrderID: "ord_1",
			Success: false,
			Reason:  "card_declined",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got.Status != domain.OrderStatusCancelled {
			t.Fatalf("expected cancelled status, got %q", got.Status)
		}
		if got.CancelledReason == nil || *got.CancelledReason != "card_declined" {
			t.Fatalf("expected cancellation reason, got %v", got.CancelledReason)
		}
		if len(f.inventory.releases) != 1 {
			t.Fatalf("expected one release, got %d", len(f.inventory.releases))
		}
		if f.inventory.releases[0].Reason != "payment_failed" {
			t.Fatalf("expected payment_failed release reason, got %q", f.inventory.releases[0].Reason)
		}

		event := f.emitter.byType(domain.NotificationTypePaymentFailed)
		if event == nil {
			t.Fatalf("expected payment failed notification")
		}
		if event.Reason != "card_declined" {
			t.Fatalf("expected reason carried on event, got %q", event.Reason)
		}
	})

	t.Run("failure defaults reason", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			return pendingOrder(), nil
		}

		got, err := f.svc.HandlePaymentResult(context.Background(), PaymentResultCommand{OrderID: "ord_1", Success: false})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.CancelledReason == nil || *got.CancelledReason != "payment_failed" {
			t.Fatalf("expected default reason payment_failed, got %v", got.CancelledReason)
		}
	})

	t.Run("duplicate failure returns cancelled order", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			order := pendingOrder()
			order.Status = domain.OrderStatusCancelled
			return order, nil
		}

		got, err := f.svc.HandlePaymentResult(context.Background(), PaymentResultCommand{OrderID: "ord_1", Success: false})
		if err != nil {
			t.Fatalf("expected duplicate failure to no-op, got %v", err)
		}
		if got.Status != domain.OrderStatusCancelled {
			t.Fatalf("expected cancelled status, got %q", got.Status)
		}
		if len(f.inventory.releases) != 0 {
			t.Fatalf("expected no release on duplicate, got %d", len(f.inventory.releases))
		}
	})

	t.Run("failure for paid order is rejected", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			order := pendingOrder()
			order.Status = domain.OrderStatusPaid
			return order, nil
		}

		if _, err := f.svc.HandlePaymentResult(context.Background(), PaymentResultCommand{OrderID: "ord_1", Success: false}); !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
		}
	})

	t.Run("maps not found", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			return domain.Order{}, &fakeRepoError{notFound: true}
		}

		if _, err := f.svc.HandlePaymentResult(context.Background(), PaymentResultCommand{OrderID: "ord_missing", Success: true}); !errors.Is(err, ErrOrderNotFound) {
			t.Fatalf("expected ErrOrderNotFound, got %v", err)
		}
	})
}

func TestOrderServiceReservationExpired(t *testing.T) {
	reservation := domain.Reservation{ID: "rsv_1", Status: domain.ReservationStatusReleased}

	t.Run("cancels the pending order", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.orders.findByReservationFn = func(ctx context.Context, reservationID string) (domain.Order, error) {
			if reservationID != "rsv_1" {
				t.Fatalf("expected lookup for rsv_1, got %q", reservationID)
			}
			ref := reservationID
			return domain.Order{ID: "ord_1", UserID: "user_1", Status: domain.OrderStatusPending, ReservationRef: &ref}, nil
		}

		expiredHandler, ok := f.svc.(ExpiredReservationHandler)
		if !ok {
			t.Fatalf("expected order service to handle expired reservations")
		}
		if err := expiredHandler.ReservationExpired(context.Background(), reservation); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(f.orders.updated) != 1 {
			t.Fatalf("expected one update, got %d", len(f.orders.updated))
		}
		got := f.orders.updated[0]
		if got.Status != domain.OrderStatusCancelled {
			t.Fatalf("expected cancelled status, got %q", got.Status)
		}
		if got.CancelledReason == nil || *got.CancelledReason != "expired" {
			t.Fatalf("expected expired cancel reason, got %v", got.CancelledReason)
		}
		if got.CancelledAt == nil || !got.CancelledAt.Equal(f.now) {
			t.Fatalf("expected cancelled at %v, got %v", f.now, got.CancelledAt)
		}
		if f.emitter.byType(domain.NotificationTypeOrderStatusChange) == nil {
			t.Fatalf("expected status change notification")
		}
	})

	t.Run("resolved order is left alone", func(t *testing.T) {
		for _, status := range []domain.OrderStatus{
			domain.OrderStatusPaid,
			domain.OrderStatusCancelled,
		} {
			f := newOrderServiceFixture(t)
			f.orders.findByReservationFn = func(ctx context.Context, reservationID string) (domain.Order, error) {
				return domain.Order{ID: "ord_1", Status: status}, nil
			}

			if err := f.svc.(ExpiredReservationHandler).ReservationExpired(context.Background(), reservation); err != nil {
				t.Fatalf("%s: expected no-op, got %v", status, err)
			}
			if len(f.orders.updated) != 0 {
				t.Fatalf("%s: expected no update, got %d", status, len(f.orders.updated))
			}
			if !f.logs.has("order_expiry_skipped") {
				t.Fatalf("%s: expected skip log, got %v", status, f.logs.events)
			}
		}
	})

	t.Run("unlinked reservation is a no-op", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		if err := f.svc.(ExpiredReservationHandler).ReservationExpired(context.Background(), reservation); err != nil {
			t.Fatalf("expected missing order to no-op, got %v", err)
		}
		if len(f.orders.updated) != 0 {
			t.Fatalf("expected no update, got %d", len(f.orders.updated))
		}
	})
}

func TestOrderServiceTransitions(t *testing.T) {
	orderWithStatus := func(status domain.OrderStatus) domain.Order {
		return domain.Order{ID: "ord_1", UserID: "user_1", Status: status}
	}

	t.Run("state machine", func(t *testing.T) {
		cases := []struct {
			name    string
			from    domain.OrderStatus
			run     func(svc OrderService) error
			allowed bool
		}{
			{"paid to processing", domain.OrderStatusPaid, func(svc OrderService) error {
				_, err := svc.MarkProcessing(context.Background(), OrderActionCommand{OrderID: "ord_1"})
				return err
			}, true},
			{"pending to processing", domain.OrderStatusPending, func(svc OrderService) error {
				_, err := svc.MarkProcessing(context.Background(), OrderActionCommand{OrderID: "ord_1"})
				return err
			}, false},
			{"processing to shipped", domain.OrderStatusProcessing, func(svc OrderService) error {
				_, err := svc.Ship(context.Background(), ShipOrderCommand{OrderID: "ord_1", TrackingNumber: "TRK-1"})
				return err
			}, true},
			{"paid to shipped", domain.OrderStatusPaid, func(svc OrderService) error {
				_, err := svc.Ship(context.Background(), ShipOrderCommand{OrderID: "ord_1", TrackingNumber: "TRK-1"})
				return err
			}, false},
			{"shipped to delivered", domain.OrderStatusShipped, func(svc OrderService) error {
				_, err := svc.ConfirmDelivered(context.Background(), OrderActionCommand{OrderID: "ord_1"})
				return err
			}, true},
			{"delivered to cancelled", domain.OrderStatusDelivered, func(svc OrderService) error {
				_, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1"})
				return err
			}, false},
			{"shipped to cancelled", domain.OrderStatusShipped, func(svc OrderService) error {
				_, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1"})
				return err
			}, false},
			{"processing to cancelled", domain.OrderStatusProcessing, func(svc OrderService) error {
				_, err := svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1"})
				return err
			}, true},
			{"cancelled to delivered", domain.OrderStatusCancelled, func(svc OrderService) error {
				_, err := svc.ConfirmDelivered(context.Background(), OrderActionCommand{OrderID: "ord_1"})
				return err
			}, false},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				f := newOrderServiceFixture(t)
				f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
					return orderWithStatus(tc.from), nil
				}

				err := tc.run(f.svc)
				if tc.allowed && err != nil {
					t.Fatalf("expected transition to succeed, got %v", err)
				}
				if !tc.allowed && !errors.Is(err, ErrOrderInvalidTransition) {
					t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
				}
			})
		}
	})

	t.Run("ship requires tracking number", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		if _, err := f.svc.Ship(context.Background(), ShipOrderCommand{OrderID: "ord_1", TrackingNumber: "  "}); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
		}
	})

	t.Run("ship stamps tracking and emits status change", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			return orderWithStatus(domain.OrderStatusProcessing), nil
		}

		got, err := f.svc.Ship(context.Background(), ShipOrderCommand{OrderID: "ord_1", TrackingNumber: " TRK-42 ", ActorID: "staff_1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.TrackingNumber == nil || *got.TrackingNumber != "TRK-42" {
			t.Fatalf("expected trimmed tracking number, got %v", got.TrackingNumber)
		}
		if got.ShippedAt == nil || !got.ShippedAt.Equal(f.now) {
			t.Fatalf("expected shipped at %v, got %v", f.now, got.ShippedAt)
		}

		event := f.emitter.byType(domain.NotificationTypeOrderStatusChange)
		if event == nil {
			t.Fatalf("expected status change notification")
		}
		if event.ActorID == nil || *event.ActorID != "staff_1" {
			t.Fatalf("expected actor staff_1, got %v", event.ActorID)
		}
	})

	t.Run("cancel releases reservation with default reason", func(t *testing.T) {
		reservationRef := "rsv_1"
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			order := orderWithStatus(domain.OrderStatusPending)
			order.ReservationRef = &reservationRef
			return order, nil
		}

		got, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.CancelledReason == nil || *got.CancelledReason != "cancelled" {
			t.Fatalf("expected default cancel reason, got %v", got.CancelledReason)
		}
		if len(f.inventory.releases) != 1 {
			t.Fatalf("expected one release, got %d", len(f.inventory.releases))
		}
		if f.inventory.releases[0].Reason != "cancelled" {
			t.Fatalf("expected cancelled release reason, got %q", f.inventory.releases[0].Reason)
		}
	})

	t.Run("cancel of paid order swallows committed release", func(t *testing.T) {
		reservationRef := "rsv_1"
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			order := orderWithStatus(domain.OrderStatusPaid)
			order.ReservationRef = &reservationRef
			return order, nil
		}
		f.inventory.releaseFn = func(ctx context.Context, cmd InventoryReleaseCommand) (Reservation, error) {
			return Reservation{}, ErrInventoryAlreadyCommitted
		}

		got, err := f.svc.Cancel(context.Background(), CancelOrderCommand{OrderID: "ord_1", Reason: "customer_request"})
		if err != nil {
			t.Fatalf("expected cancel to land despite committed reservation, got %v", err)
		}
		if got.Status != domain.OrderStatusCancelled {
			t.Fatalf("expected cancelled status, got %q", got.Status)
		}
		if !f.logs.has("order_release_skipped") {
			t.Fatalf("expected release skip log, got %v", f.logs.events)
		}
	})

	t.Run("conflict on update surfaces", func(t *testing.T) {
		f := newOrderServiceFixture(t)
		f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
			return orderWithStatus(domain.OrderStatusPaid), nil
		}
		f.orders.updateFn = func(ctx context.Context, order domain.Order) error {
			return &fakeRepoError{conflict: true}
		}

		if _, err := f.svc.MarkProcessing(context.Background(), OrderActionCommand{OrderID: "ord_1"}); !errors.Is(err, ErrOrderConflict) {
			t.Fatalf("expected ErrOrderConflict, got %v", err)
		}
	})
}

func TestOrderServiceListOrders(t *testing.T) {
	f := newOrderServiceFixture(t)
	var captured repositories.OrderListFilter
	f.orders.listFn = func(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
		captured = filter
		return domain.CursorPage[domain.Order]{
			Items:         []domain.Order{{ID: "ord_1"}},
			NextPageToken: "next",
		}, nil
	}

	from := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	page, err := f.svc.ListOrders(context.Background(), OrderListQuery{
		UserID: " user_1 ",
		Status: []OrderStatus{domain.OrderStatusPaid},
		From:   &from,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.UserID != "user_1" {
		t.Fatalf("expected trimmed user id, got %q", captured.UserID)
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.OrderStatusPaid {
		t.Fatalf("expected status filter forwarded, got %v", captured.Status)
	}
	if page.NextPageToken != "next" {
		t.Fatalf("expected next token, got %q", page.NextPageToken)
	}
}

func TestOrderServiceGetOrder(t *testing.T) {
	f := newOrderServiceFixture(t)

	if _, err := f.svc.GetOrder(context.Background(), "   "); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}

	f.orders.findFn = func(ctx context.Context, orderID string) (domain.Order, error) {
		if strings.TrimSpace(orderID) != "ord_1" {
			t.Fatalf("expected trimmed order id, got %q", orderID)
		}
		return domain.Order{ID: "ord_1"}, nil
	}
	got, err := f.svc.GetOrder(context.Background(), " ord_1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "ord_1" {
		t.Fatalf("expected ord_1, got %q", got.ID)
	}
}
