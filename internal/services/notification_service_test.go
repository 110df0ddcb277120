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

type stubNotificationRepo struct {
	insertFn   func(ctx context.Context, notification domain.Notification) error
	findFn     func(ctx context.Context, notificationID string) (domain.Notification, error)
	listFn     func(ctx context.Context, filter repositories.NotificationListFilter) (domain.CursorPage[domain.Notification], error)
	markReadFn func(ctx context.Context, notificationID string, readAt time.Time) (domain.Notification, error)

	inserted []domain.Notification
}

func (s *stubNotificationRepo) Insert(ctx context.Context, notification domain.Notification) error {
	s.inserted = append(s.inserted, notification)
	if s.insertFn != nil {
		return s.insertFn(ctx, notification)
	}
	return nil
}

func (s *stubNotificationRepo) FindByID(ctx context.Context, notificationID string) (domain.Notification, error) {
	if s.findFn != nil {
		return s.findFn(ctx, notificationID)
	}
	return domain.Notification{}, errors.New("not implemented")
}

func (s *stubNotificationRepo) List(ctx context.Context, filter repositories.NotificationListFilter) (domain.CursorPage[domain.Notification], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Notification]{}, nil
}

func (s *stubNotificationRepo) MarkRead(ctx context.Context, notificationID string, readAt time.Time) (domain.Notification, error) {
	if s.markReadFn != nil {
		return s.markReadFn(ctx, notificationID, readAt)
	}
	return domain.Notification{ID: notificationID, IsRead: true, ReadAt: &readAt}, nil
}

type stubUserRepo struct {
	findFn func(ctx context.Context, userID string) (domain.UserProfile, error)
}

func (s *stubUserRepo) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if s.findFn != nil {
		return s.findFn(ctx, userID)
	}
	return domain.UserProfile{}, errors.New("not implemented")
}

func (s *stubUserRepo) UpdateProfile(ctx context.Context, profile domain.UserProfile) (domain.UserProfile, error) {
	return profile, nil
}

type captureCreatedPublisher struct {
	published []Notification
	err       error
}

func (c *captureCreatedPublisher) PublishNotificationCreated(ctx context.Context, notification Notification) error {
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, notification)
	return nil
}

type notificationFixture struct {
	repo      *stubNotificationRepo
	users     *stubUserRepo
	publisher *captureCreatedPublisher
	logs      *captureLog
	now       time.Time
	svc       NotificationService
}

func newNotificationFixture(t *testing.T) *notificationFixture {
	t.Helper()
	f := &notificationFixture{
		repo:      &stubNotificationRepo{},
		users:     &stubUserRepo{},
		publisher: &captureCreatedPublisher{},
		logs:      &captureLog{},
		now:       time.Date(2025, time.March, 10, 14, 0, 0, 0, time.UTC),
	}
	svc, err := NewNotificationService(NotificationServiceDeps{
		Notifications: f.repo,
		Users:         f.users,
		Publisher:     f.publisher,
		DefaultLocale: "en",
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

func TestNewNotificationService(t *testing.T) {
	if _, err := NewNotificationService(NotificationServiceDeps{}); err == nil {
		t.Fatalf("expected error when notification repository missing")
	}
}

func TestNotificationServiceEmit(t *testing.T) {
	t.Run("rejects unknown types", func(t *testing.T) {
		f := newNotificationFixture(t)
		if _, err := f.svc.Emit(context.Background(), NotificationEvent{Type: "mystery"}); !errors.Is(err, ErrNotificationUnsupportedType) {
			t.Fatalf("expected ErrNotificationUnsupportedType, got %v", err)
		}
	})

	t.Run("rejects manual type", func(t *testing.T) {
		f := newNotificationFixture(t)
		if _, err := f.svc.Emit(context.Background(), NotificationEvent{Type: domain.NotificationTypeManual}); !errors.Is(err, ErrNotificationInvalidInput) {
			t.Fatalf("expected ErrNotificationInvalidInput, got %v", err)
		}
	})

	t.Run("stores broadcast for new orders", func(t *testing.T) {
		f := newNotificationFixture(t)
		order := Order{ID: "ord_1", OrderNumber: "WM-2025-000042", Status: domain.OrderStatusPending}

		got, err := f.svc.Emit(context.Background(), NotificationEvent{
			Type:      domain.NotificationTypeOrderNew,
			RelatedID: "ord_1",
			Order:     &order,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got.ID != "ntf_01TESTULID" {
			t.Fatalf("expected prefixed id, got %q", got.ID)
		}
		if !got.Broadcast() {
			t.Fatalf("expected broadcast record, got user %v", got.UserID)
		}
		if got.Title != "New order" {
			t.Fatalf("expected rendered title, got %q", got.Title)
		}
		if !strings.Contains(got.Body, "WM-2025-000042") {
			t.Fatalf("expected order number in body, got %q", got.Body)
		}
		if got.Data["action"] != domain.NotificationActionOpenOrder {
			t.Fatalf("expected open_order action, got %v", got.Data["action"])
		}
		if got.Data["orderId"] != "ord_1" {
			t.Fatalf("expected order id in data, got %v", got.Data["orderId"])
		}
		if got.RelatedID == nil || *got.RelatedID != "ord_1" {
			t.Fatalf("expected related id, got %v", got.RelatedID)
		}
		if !got.CreatedAt.Equal(f.now) {
			t.Fatalf("expected created at %v, got %v", f.now, got.CreatedAt)
		}

		if len(f.publisher.published) != 1 {
			t.Fatalf("expected one publish, got %d", len(f.publisher.published))
		}
	})

	t.Run("renders recipient locale", func(t *testing.T) {
		f := newNotificationFixture(t)
		f.users.findFn = func(ctx context.Context, userID string) (domain.UserProfile, error) {
			return domain.UserProfile{ID: userID, Locale: "ja"}, nil
		}
		userID := "user_1"
		order := Order{ID: "ord_1", OrderNumber: "WM-2025-000001", Status: domain.OrderStatusShipped}

		got, err := f.svc.Emit(context.Background(), NotificationEvent{
			Type:      domain.NotificationTypeOrderStatusChange,
			UserID:    &userID,
			RelatedID: "ord_1",
			Order:     &order,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Title != "注文状況の更新" {
			t.Fatalf("expected japanese title, got %q", got.Title)
		}
		if got.UserID == nil || *got.UserID != "user_1" {
			t.Fatalf("expected user-scoped record, got %v", got.UserID)
		}
	})

	t.Run("locale lookup failure falls back to default", func(t *testing.T) {
		f := newNotificationFixture(t)
		f.users.findFn = func(ctx context.Context, userID string) (domain.UserProfile, error) {
			return domain.UserProfile{}, errors.New("not found")
		}
		userID := "user_1"

		got, err := f.svc.Emit(context.Background(), NotificationEvent{
			Type:      domain.NotificationTypeOrderStatusChange,
			UserID:    &userID,
			RelatedID: "ord_1",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Title != "Order update" {
			t.Fatalf("expected default locale title, got %q", got.Title)
		}
	})

	t.Run("stock alerts carry variant data", func(t *testing.T) {
		f := newNotificationFixture(t)
		variant := Variant{ID: "var_a", SKU: "SKU-A", Name: "Blue Mug", Stock: 2}

		got, err := f.svc.Emit(context.Background(), NotificationEvent{
			Type:      domain.NotificationTypeStockCritical,
			RelatedID: "var_a",
			Variant:   &variant,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(got.Body, "Blue Mug (SKU-A)") {
			t.Fatalf("expected variant label in body, got %q", got.Body)
		}
		if !strings.Contains(got.Body, "2") {
			t.Fatalf("expected stock count in body, got %q", got.Body)
		}
		if got.Data["action"] != domain.NotificationActionOpenProduct {
			t.Fatalf("expected open_product action, got %v", got.Data["action"])
		}
		if got.Data["stock"] != 2 {
			t.Fatalf("expected stock in data, got %v", got.Data["stock"])
		}
	})

	t.Run("publish failure is logged not fatal", func(t *testing.T) {
		f := newNotificationFixture(t)
		f.publisher.err = errors.New("topic unavailable")

		if _, err := f.svc.Emit(context.Background(), NotificationEvent{
			Type:      domain.NotificationTypeSystemAlert,
			RelatedID: "sys_1",
		}); err != nil {
			t.Fatalf("expected emit to succeed despite publish failure, got %v", err)
		}
		if len(f.repo.inserted) != 1 {
			t.Fatalf("expected record persisted, got %d", len(f.repo.inserted))
		}
		if !f.logs.has("notification_publish_failed") {
			t.Fatalf("expected publish failure log, got %v", f.logs.events)
		}
	})
}

func TestNotificationServiceCreateManual(t *testing.T) {
	t.Run("sanitises markup", func(t *testing.T) {
		f := newNotificationFixture(t)

		got, err := f.svc.CreateManual(context.Background(), ManualNotificationCommand{
			Title:   `<b>Maintenance</b> window`,
			Body:    `Servers restart at 02:00.<script>alert("x")</script>`,
			ActorID: "staff_1",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Title != "Maintenance window" {
			t.Fatalf("expected tags stripped from title, got %q", got.Title)
		}
		if strings.Contains(got.Body, "<script>") || strings.Contains(got.Body, "alert") {
			t.Fatalf("expected script stripped from body, got %q", got.Body)
		}
		if got.Type != domain.NotificationTypeManual {
			t.Fatalf("expected manual type, got %q", got.Type)
		}
		if got.CreatedBy == nil || *got.CreatedBy != "staff_1" {
			t.Fatalf("expected author recorded, got %v", got.CreatedBy)
		}
	})

	t.Run("rejects markup-only content", func(t *testing.T) {
		f := newNotificationFixture(t)
		if _, err := f.svc.CreateManual(context.Background(), ManualNotificationCommand{
			Title:   `<img src=x onerror=alert(1)>`,
			Body:    "body",
			ActorID: "staff_1",
		}); !errors.Is(err, ErrNotificationInvalidInput) {
			t.Fatalf("expected ErrNotificationInvalidInput, got %v", err)
		}
	})

	t.Run("requires actor", func(t *testing.T) {
		f := newNotificationFixture(t)
		if _, err := f.svc.CreateManual(context.Background(), ManualNotificationCommand{
			Title: "t", Body: "b",
		}); !errors.Is(err, ErrNotificationInvalidInput) {
			t.Fatalf("expected ErrNotificationInvalidInput, got %v", err)
		}
	})

	t.Run("publishes stored announcement", func(t *testing.T) {
		f := newNotificationFixture(t)
		userID := " user_1 "

		got, err := f.svc.CreateManual(context.Background(), ManualNotificationCommand{
			UserID:  &userID,
			Title:   "Heads up",
			Body:    "Inventory recount on Friday.",
			ActorID: "staff_1",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.UserID == nil || *got.UserID != "user_1" {
			t.Fatalf("expected trimmed recipient, got %v", got.UserID)
		}
		if len(f.publisher.published) != 1 {
			t.Fatalf("expected one publish, got %d", len(f.publisher.published))
		}
	})
}

func TestNotificationServiceList(t *testing.T) {
	f := newNotificationFixture(t)
	var captured repositories.NotificationListFilter
	f.repo.listFn = func(ctx context.Context, filter repositories.NotificationListFilter) (domain.CursorPage[domain.Notification], error) {
		captured = filter
		return domain.CursorPage[domain.Notification]{Items: []domain.Notification{{ID: "ntf_1"}}}, nil
	}

	page, err := f.svc.List(context.Background(), NotificationListQuery{
		UserID:           " user_1 ",
		IncludeBroadcast: true,
		UnreadOnly:       true,
		Types:            []NotificationType{domain.NotificationTypeOrderNew},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.UserID != "user_1" {
		t.Fatalf("expected trimmed user id, got %q", captured.UserID)
	}
	if !captured.IncludeBroadcast || !captured.UnreadOnly {
		t.Fatalf("expected flags forwarded, got %+v", captured)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(page.Items))
	}
}

func TestNotificationServiceMarkRead(t *testing.T) {
	t.Run("rejects another recipient", func(t *testing.T) {
		f := newNotificationFixture(t)
		owner := "user_owner"
		f.repo.findFn = func(ctx context.Context, notificationID string) (domain.Notification, error) {
			return domain.Notification{ID: notificationID, UserID: &owner}, nil
		}

		if _, err := f.svc.MarkRead(context.Background(), MarkReadCommand{
			NotificationID: "ntf_1",
			UserID:         "user_other",
		}); !errors.Is(err, ErrNotificationForbidden) {
			t.Fatalf("expected ErrNotificationForbidden, got %v", err)
		}
	})

	t.Run("broadcast may be read by any staff", func(t *testing.T) {
		f := newNotificationFixture(t)
		f.repo.findFn = func(ctx context.Context, notificationID string) (domain.Notification, error) {
			return domain.Notification{ID: notificationID}, nil
		}

		got, err := f.svc.MarkRead(context.Background(), MarkReadCommand{
			NotificationID: "ntf_1",
			UserID:         "staff_1",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got.IsRead {
			t.Fatalf("expected read flag set")
		}
		if got.ReadAt == nil || !got.ReadAt.Equal(f.now) {
			t.Fatalf("expected read at %v, got %v", f.now, got.ReadAt)
		}
	})

	t.Run("already read is a no-op", func(t *testing.T) {
		f := newNotificationFixture(t)
		owner := "user_1"
		readAt := f.now.Add(-time.Hour)
		f.repo.findFn = func(ctx context.Context, notificationID string) (domain.Notification, error) {
			return domain.Notification{ID: notificationID, UserID: &owner, IsRead: true, ReadAt: &readAt}, nil
		}
		f.repo.markReadFn = func(ctx context.Context, notificationID string, at time.Time) (domain.Notification, error) {
			t.Fatalf("expected no repository write for already-read record")
			return domain.Notification{}, nil
		}

		got, err := f.svc.MarkRead(context.Background(), MarkReadCommand{NotificationID: "ntf_1", UserID: "user_1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.ReadAt == nil || !got.ReadAt.Equal(readAt) {
			t.Fatalf("expected original read timestamp, got %v", got.ReadAt)
		}
	})

	t.Run("maps not found", func(t *testing.T) {
		f := newNotificationFixture(t)
		f.repo.findFn = func(ctx context.Context, notificationID string) (domain.Notification, error) {
			return domain.Notification{}, &fakeRepoError{notFound: true}
		}

		if _, err := f.svc.MarkRead(context.Background(), MarkReadCommand{NotificationID: "ntf_missing", UserID: "user_1"}); !errors.Is(err, ErrNotificationNotFound) {
			t.Fatalf("expected ErrNotificationNotFound, got %v", err)
		}
	})
}
