package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/push"
)

type stubRegistrationRepo struct {
	upsertFn     func(ctx context.Context, registration domain.PushRegistration) error
	deleteFn     func(ctx context.Context, userID string) error
	findByUserFn func(ctx context.Context, userID string) (domain.PushRegistration, error)
	listAllFn    func(ctx context.Context) ([]domain.PushRegistration, error)
}

func (s *stubRegistrationRepo) Upsert(ctx context.Context, registration domain.PushRegistration) error {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, registration)
	}
	return nil
}

func (s *stubRegistrationRepo) Delete(ctx context.Context, userID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, userID)
	}
	return nil
}

func (s *stubRegistrationRepo) FindByUser(ctx context.Context, userID string) (domain.PushRegistration, error) {
	if s.findByUserFn != nil {
		return s.findByUserFn(ctx, userID)
	}
	return domain.PushRegistration{}, &fakeRepoError{notFound: true}
}

func (s *stubRegistrationRepo) ListAll(ctx context.Context) ([]domain.PushRegistration, error) {
	if s.listAllFn != nil {
		return s.listAllFn(ctx)
	}
	return nil, nil
}

type captureGateway struct {
	sendFn  func(ctx context.Context, messages []push.Message) ([]push.Ticket, error)
	batches [][]push.Message
}

func (g *captureGateway) SendBatch(ctx context.Context, messages []push.Message) ([]push.Ticket, error) {
	g.batches = append(g.batches, messages)
	if g.sendFn != nil {
		return g.sendFn(ctx, messages)
	}
	tickets := make([]push.Ticket, len(messages))
	for i := range tickets {
		tickets[i] = push.Ticket{Status: push.TicketStatusOK, ID: fmt.Sprintf("tk_%d", i)}
	}
	return tickets, nil
}

type captureArchiver struct {
	reports []DispatchReport
	err     error
}

func (a *captureArchiver) ArchiveDispatchReport(ctx context.Context, report DispatchReport) error {
	if a.err != nil {
		return a.err
	}
	a.reports = append(a.reports, report)
	return nil
}

type dispatchFixture struct {
	notifications *stubNotificationRepo
	registrations *stubRegistrationRepo
	gateway       *captureGateway
	archiver      *captureArchiver
	logs          *captureLog
	now           time.Time
	svc           DispatchService
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		notifications: &stubNotificationRepo{},
		registrations: &stubRegistrationRepo{},
		gateway:       &captureGateway{},
		archiver:      &captureArchiver{},
		logs:          &captureLog{},
		now:           time.Date(2025, time.March, 10, 15, 0, 0, 0, time.UTC),
	}
	svc, err := NewDispatchService(DispatchServiceDeps{
		Notifications: f.notifications,
		Registrations: f.registrations,
		Gateway:       f.gateway,
		Receipts:      f.archiver,
		Clock:         fixedClock(f.now),
		Logger:        f.logs.log,
	})
	if err != nil {
		t.Fatalf("unexpected error building service: %v", err)
	}
	f.svc = svc
	return f
}

func broadcastNotification() domain.Notification {
	related := "ord_1"
	return domain.Notification{
		ID:        "ntf_1",
		Title:     "New order",
		Body:      "Order WM-2025-000042 was placed.",
		Type:      domain.NotificationTypeOrderNew,
		RelatedID: &related,
		Data:      map[string]any{"orderId": "ord_1"},
	}
}

func TestNewDispatchService(t *testing.T) {
	base := DispatchServiceDeps{
		Notifications: &stubNotificationRepo{},
		Registrations: &stubRegistrationRepo{},
		Gateway:       &captureGateway{},
	}

	cases := []struct {
		name   string
		mutate func(deps *DispatchServiceDeps)
	}{
		{"missing notifications", func(deps *DispatchServiceDeps) { deps.Notifications = nil }},
		{"missing registrations", func(deps *DispatchServiceDeps) { deps.Registrations = nil }},
		{"missing gateway", func(deps *DispatchServiceDeps) { deps.Gateway = nil }},
	}
	for _, tc := range cases {
		deps := base
		tc.mutate(&deps)
		if _, err := NewDispatchService(deps); err == nil {
			t.Fatalf("%s: expected constructor error", tc.name)
		}
	}

	// Receipts are optional.
	if _, err := NewDispatchService(base); err != nil {
		t.Fatalf("unexpected error without archiver: %v", err)
	}
}

func TestDispatchBroadcast(t *testing.T) {
	f := newDispatchFixture(t)
	f.notifications.findFn = func(ctx context.Context, notificationID string) (domain.Notification, error) {
		return broadcastNotification(), nil
	}
	f.registrations.listAllFn = func(ctx context.Context) ([]domain.PushRegistration, error) {
		return []domain.PushRegistration{
			{UserID: "staff_1", Token: "ExponentPushToken[aaa]"},
			{UserID: "staff_2", Token: "  "},
			{UserID: "staff_3", Token: "ExponentPushToken[bbb]"},
			{UserID: "staff_4", Token: "ExponentPushToken[aaa]"},
		}, nil
	}

	report, err := f.svc.Dispatch(context.Background(), "ntf_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Requested != 2 {
		t.Fatalf("expected blank and duplicate tokens skipped, requested %d", report.Requested)
	}
	if report.Delivered != 2 {
		t.Fatalf("expected two deliveries, got %d", report.Delivered)
	}
	if len(report.Failed) != 0 {
		t.Fatalf("expected no failures, got %v", report.Failed)
	}
	if !report.DispatchedAt.Equal(f.now) {
		t.Fatalf("expected dispatched at %v, got %v", f.now, report.DispatchedAt)
	}

	if len(f.gateway.batches) != 1 {
		t.Fatalf("expected one gateway batch, got %d", len(f.gateway.batches))
	}
	msg := f.gateway.batches[0][0]
	if msg.To != "ExponentPushToken[aaa]" {
		t.Fatalf("unexpected first recipient %q", msg.To)
	}
	if msg.Title != "New order" || msg.Body == "" {
		t.Fatalf("expected notification content on message, got %+v", msg)
	}
	if msg.CategoryIdentifier != "new_order" {
		t.Fatalf("expected new_order category, got %q", msg.CategoryIdentifier)
	}
	if msg.Priority != push.PriorityHigh || msg.Sound != push.SoundDefault {
		t.Fatalf("expected high priority default sound, got %+v", msg)
	}
	if msg.Data["notificationId"] != "ntf_1" {
		t.Fatalf("expected notification id in payload, got %v", msg.Data)
	}
	if msg.Data["type"] != "order_new" {
		t.Fatalf("expected notification type in payload, got %v", msg.Data)
	}
	if msg.Data["relatedId"] != "ord_1" {
		t.Fatalf("expected related id in payload, got %v", msg.Data)
	}
	if msg.Data["orderId"] != "ord_1" {
		t.Fatalf("expected stored data merged into payload, got %v", msg.Data)
	}

	if len(f.archiver.reports) != 1 {
		t.Fatalf("expected one archived report, got %d", len(f.archiver.reports))
	}
}

func TestDispatchTargetedRecipient(t *testing.T) {
	userID := "user_1"
	targeted := domain.Notification{
		ID:     "ntf_2",
		UserID: &userID,
		Title:  "Order update",
		Body:   "Order WM-2025-000042 is now shipped.",
		Type:   domain.NotificationTypeOrderStatusChange,
	}

	t.Run("sends to the registered device", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.notifications.findFn = func(ctx context.Context, notificationID string) (domain.Notification, error) {
			return targeted, nil
		}
		f.registrations.findByUserFn = func(ctx context.Context, id string) (domain.PushRegistration, error) {
			if id != "user_1" {
				t.Fatalf("expected lookup for user_1, got %q", id)
			}
			return domain.PushRegistration{UserID: id, Token: "ExponentPushToken[ccc]"}, nil
		}

		report, err := f.svc.Dispatch(context.Background(), "ntf_2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if report.Requested != 1 || report.Delivered != 1 {
			t.Fatalf("expected single delivery, got %+v", report)
		}
	})

	t.Run("unregistered recipient yields zero-sent success", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.notifications.findFn = func(ctx context.Context, notificationID string) (domain.Notification, error) {
			return targeted, nil
		}

		report, err := f.svc.Dispatch(context.Background(), "ntf_2")
		if err != nil {
			t.Fatalf("expected success for missing device, got %v", err)
		}
		if report.Requested != 0 || report.Delivered != 0 {
			t.Fatalf("expected empty report, got %+v", report)
		}
		if len(f.gateway.batches) != 0 {
			t.Fatalf("expected no gateway call, got %d", len(f.gateway.batches))
		}
		if !f.logs.has("dispatch_empty_audience") {
			t.Fatalf("expected empty audience log, got %v", f.logs.events)
		}
		if len(f.archiver.reports) != 1 {
			t.Fatalf("expected empty report archived, got %d", len(f.archiver.reports))
		}
	})
}

func TestDispatchFailures(t *testing.T) {
	t.Run("requires notification id", func(t *testing.T) {
		f := newDispatchFixture(t)
		if _, err := f.svc.Dispatch(context.Background(), "  "); !errors.Is(err, ErrDispatchInvalidInput) {
			t.Fatalf("expected ErrDispatchInvalidInput, got %v", err)
		}
	})

	t.Run("maps missing notification", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.notifications.findFn = func(ctx context.Context, notificationID string) (domain.Notification, error) {
			return domain.Notification{}, &fakeRepoError{notFound: true}
		}

		if _, err := f.svc.Dispatch(context.Background(), "ntf_missing"); !errors.Is(err, ErrDispatchNotificationNotFound) {
			t.Fatalf("expected ErrDispatchNotificationNotFound, got %v", err)
		}
	})

	t.Run("gateway failure is retryable", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.notifications.findFn = func(ctx context.Context, notificationID string) (domain.Notification, error) {
			return broadcastNotification(), nil
		}
		f.registrations.listAllFn = func(ctx context.Context) ([]domain.PushRegistration, error) {
			return []domain.PushRegistration{{UserID: "staff_1", Token: "tok"}}, nil
		}
		f.gateway.sendFn = func(ctx context.Context, messages []push.Message) ([]push.Ticket, error) {
			return nil, fmt.Errorf("%w: status 503", push.ErrGateway)
		}

		if _, err := f.svc.Dispatch(context.Background(), "ntf_1"); !errors.Is(err, ErrDispatchGateway) {
			t.Fatalf("expected ErrDispatchGateway, got %v", err)
		}
		if len(f.archiver.reports) != 0 {
			t.Fatalf("expected no receipt on gateway failure, got %d", len(f.archiver.reports))
		}
	})

	t.Run("per-token rejections are collected", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.notifications.findFn = func(ctx context.Context, notificationID string) (domain.Notification, error) {
			notification := broadcastNotification()
			notification.Type = domain.NotificationTypeStockCritical
			return notification, nil
		}
		f.registrations.listAllFn = func(ctx context.Context) ([]domain.PushRegistration, error) {
			return []domain.PushRegistration{
				{UserID: "staff_1", Token: "tok_good"},
				{UserID: "staff_2", Token: "tok_stale"},
			}, nil
		}
		f.gateway.sendFn = func(ctx context.Context, messages []push.Message) ([]push.Ticket, error) {
			bad := push.Ticket{Status: push.TicketStatusError, Message: "device not registered"}
			bad.Details.Error = "DeviceNotRegistered"
			return []push.Ticket{
				{Status: push.TicketStatusOK, ID: "tk_0"},
				bad,
			}, nil
		}

		report, err := f.svc.Dispatch(context.Background(), "ntf_1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if report.Delivered != 1 {
			t.Fatalf("expected one delivery, got %d", report.Delivered)
		}
		if len(report.Failed) != 1 {
			t.Fatalf("expected one failure, got %v", report.Failed)
		}
		failure := report.Failed[0]
		if failure.Token != "tok_stale" {
			t.Fatalf("expected stale token recorded, got %q", failure.Token)
		}
		if failure.Code != "DeviceNotRegistered" {
			t.Fatalf("expected rejection code, got %q", failure.Code)
		}

		if f.gateway.batches[0][0].CategoryIdentifier != "critical_stock" {
			t.Fatalf("expected critical_stock category, got %q", f.gateway.batches[0][0].CategoryIdentifier)
		}
	})

	t.Run("receipt failure is logged not fatal", func(t *testing.T) {
		f := newDispatchFixture(t)
		f.notifications.findFn = func(ctx context.Context, notificationID string) (domain.Notification, error) {
			return broadcastNotification(), nil
		}
		f.registrations.listAllFn = func(ctx context.Context) ([]domain.PushRegistration, error) {
			return []domain.PushRegistration{{UserID: "staff_1", Token: "tok"}}, nil
		}
		f.archiver.err = errors.New("bucket unavailable")

		if _, err := f.svc.Dispatch(context.Background(), "ntf_1"); err != nil {
			t.Fatalf("expected dispatch to succeed despite receipt failure, got %v", err)
		}
		if !f.logs.has("dispatch_receipt_failed") {
			t.Fatalf("expected receipt failure log, got %v", f.logs.events)
		}
	})
}
