package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/willowmart/api/internal/domain"
)

func TestNewPushTokenService(t *testing.T) {
	if _, err := NewPushTokenService(PushTokenServiceDeps{}); err == nil {
		t.Fatalf("expected error when registration repository missing")
	}
}

func TestPushTokenServiceRegister(t *testing.T) {
	now := time.Date(2025, time.March, 10, 16, 0, 0, 0, time.UTC)

	newService := func(t *testing.T, repo *stubRegistrationRepo, logs *captureLog) PushTokenService {
		t.Helper()
		deps := PushTokenServiceDeps{
			Registrations: repo,
			Clock:         fixedClock(now),
		}
		if logs != nil {
			deps.Logger = logs.log
		}
		svc, err := NewPushTokenService(deps)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return svc
	}

	t.Run("validates input", func(t *testing.T) {
		svc := newService(t, &stubRegistrationRepo{}, nil)

		if _, err := svc.Register(context.Background(), RegisterPushTokenCommand{Token: "tok"}); !errors.Is(err, ErrPushTokenInvalidInput) {
			t.Fatalf("expected ErrPushTokenInvalidInput for missing user, got %v", err)
		}
		if _, err := svc.Register(context.Background(), RegisterPushTokenCommand{UserID: "user_1", Token: "  "}); !errors.Is(err, ErrPushTokenInvalidInput) {
			t.Fatalf("expected ErrPushTokenInvalidInput for missing token, got %v", err)
		}
	})

	t.Run("upserts normalised registration", func(t *testing.T) {
		var captured domain.PushRegistration
		repo := &stubRegistrationRepo{
			upsertFn: func(ctx context.Context, registration domain.PushRegistration) error {
				captured = registration
				return nil
			},
		}
		logs := &captureLog{}
		svc := newService(t, repo, logs)

		got, err := svc.Register(context.Background(), RegisterPushTokenCommand{
			UserID:   " user_1 ",
			Token:    " ExponentPushToken[abc] ",
			Platform: " iOS ",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if captured.UserID != "user_1" {
			t.Fatalf("expected trimmed user id, got %q", captured.UserID)
		}
		if captured.Token != "ExponentPushToken[abc]" {
			t.Fatalf("expected trimmed token, got %q", captured.Token)
		}
		if captured.Platform != "ios" {
			t.Fatalf("expected lowercase platform, got %q", captured.Platform)
		}
		if !captured.UpdatedAt.Equal(now) {
			t.Fatalf("expected updated at %v, got %v", now, captured.UpdatedAt)
		}
		if got.Token != captured.Token {
			t.Fatalf("expected stored registration returned, got %+v", got)
		}
		if !logs.has("push_token_registered") {
			t.Fatalf("expected registration log, got %v", logs.events)
		}
	})

	t.Run("repository failure surfaces", func(t *testing.T) {
		repo := &stubRegistrationRepo{
			upsertFn: func(ctx context.Context, registration domain.PushRegistration) error {
				return errors.New("firestore down")
			},
		}
		svc := newService(t, repo, nil)

		if _, err := svc.Register(context.Background(), RegisterPushTokenCommand{UserID: "user_1", Token: "tok"}); err == nil {
			t.Fatalf("expected repository error to surface")
		}
	})
}

func TestPushTokenServiceUnregister(t *testing.T) {
	svcWith := func(t *testing.T, repo *stubRegistrationRepo) PushTokenService {
		t.Helper()
		svc, err := NewPushTokenService(PushTokenServiceDeps{Registrations: repo})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return svc
	}

	t.Run("requires user id", func(t *testing.T) {
		svc := svcWith(t, &stubRegistrationRepo{})
		if err := svc.Unregister(context.Background(), "  "); !errors.Is(err, ErrPushTokenInvalidInput) {
			t.Fatalf("expected ErrPushTokenInvalidInput, got %v", err)
		}
	})

	t.Run("deletes registration", func(t *testing.T) {
		var deleted string
		repo := &stubRegistrationRepo{
			deleteFn: func(ctx context.Context, userID string) error {
				deleted = userID
				return nil
			},
		}
		svc := svcWith(t, repo)

		if err := svc.Unregister(context.Background(), " user_1 "); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if deleted != "user_1" {
			t.Fatalf("expected trimmed user id, got %q", deleted)
		}
	})
}
