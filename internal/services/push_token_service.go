package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/repositories"
)

// ErrPushTokenInvalidInput signals the caller provided invalid arguments.
var ErrPushTokenInvalidInput = errors.New("push token: invalid input")

// PushTokenServiceDeps bundles the collaborators required to construct a push token service.
type PushTokenServiceDeps struct {
	Registrations repositories.PushRegistrationRepository
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type pushTokenService struct {
	repo   repositories.PushRegistrationRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewPushTokenService wires dependencies into a concrete PushTokenService implementation.
func NewPushTokenService(deps PushTokenServiceDeps) (PushTokenService, error) {
	if deps.Registrations == nil {
		return nil, errors.New("push token service: registration repository is required")
	}
	return &pushTokenService{
		repo:   deps.Registrations,
		clock:  utcClock(deps.Clock),
		logger: eventLogger(deps.Logger),
	}, nil
}

// Register stores the caller's current device token. A later registration
// replaces the earlier one; each profile holds at most one token.
func (s *pushTokenService) Register(ctx context.Context, cmd RegisterPushTokenCommand) (PushRegistration, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return PushRegistration{}, fmt.Errorf("%w: user id is required", ErrPushTokenInvalidInput)
	}
	token := strings.TrimSpace(cmd.Token)
	if token == "" {
		return PushRegistration{}, fmt.Errorf("%w: token is required", ErrPushTokenInvalidInput)
	}

	registration := domain.PushRegistration{
		UserID:    userID,
		Token:     token,
		Platform:  strings.ToLower(strings.TrimSpace(cmd.Platform)),
		UpdatedAt: s.clock(),
	}
	if err := s.repo.Upsert(ctx, registration); err != nil {
		return PushRegistration{}, err
	}

	s.logger(ctx, "push_token_registered", map[string]any{
		"userId":   userID,
		"platform": registration.Platform,
	})
	return registration, nil
}

// Unregister drops the caller's device token. Missing registrations are treated as success.
func (s *pushTokenService) Unregister(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrPushTokenInvalidInput)
	}
	if err := s.repo.Delete(ctx, userID); err != nil {
		return err
	}
	s.logger(ctx, "push_token_unregistered", map[string]any{"userId": userID})
	return nil
}
