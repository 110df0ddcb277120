package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/willowmart/api/internal/push"
	"github.com/willowmart/api/internal/repositories"
)

const (
	categoryNewOrder      = "new_order"
	categoryCriticalStock = "critical_stock"
)

var (
	// ErrDispatchInvalidInput signals the caller provided invalid arguments.
	ErrDispatchInvalidInput = errors.New("dispatch: invalid input")
	// ErrDispatchNotificationNotFound indicates the notification to dispatch is missing.
	ErrDispatchNotificationNotFound = errors.New("dispatch: notification not found")
	// ErrDispatchGateway indicates the push gateway failed; the event may be retried.
	ErrDispatchGateway = errors.New("dispatch: gateway failure")
)

// PushGateway sends prepared messages to the device push infrastructure.
type PushGateway interface {
	SendBatch(ctx context.Context, messages []push.Message) ([]push.Ticket, error)
}

// ReceiptArchiver persists dispatch outcomes for later inspection.
type ReceiptArchiver interface {
	ArchiveDispatchReport(ctx context.Context, report DispatchReport) error
}

// DispatchServiceDeps bundles the collaborators required to construct a dispatch service.
type DispatchServiceDeps struct {
	Notifications repositories.NotificationRepository
	Registrations repositories.PushRegistrationRepository
	Gateway       PushGateway
	Receipts      ReceiptArchiver
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type dispatchService struct {
	notifications repositories.NotificationRepository
	registrations repositories.PushRegistrationRepository
	gateway       PushGateway
	receipts      ReceiptArchiver
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewDispatchService wires dependencies into a concrete DispatchService implementation.
func NewDispatchService(deps DispatchServiceDeps) (DispatchService, error) {
	if deps.Notifications == nil {
		return nil, errors.New("dispatch service: notification repository is required")
	}
	if deps.Registrations == nil {
		return nil, errors.New("dispatch service: push registration repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("dispatch service: push gateway is required")
	}

	return &dispatchService{
		notifications: deps.Notifications,
		registrations: deps.Registrations,
		gateway:       deps.Gateway,
		receipts:      deps.Receipts,
		clock:         utcClock(deps.Clock),
		logger:        eventLogger(deps.Logger),
	}, nil
}

// Dispatch loads the stored notification, resolves its audience, and fans the
// push messages out in one gateway batch. A targeted recipient without a
// registered device yields a successful zero-sent report; only a gateway
// level failure is surfaced for redelivery.
func (s *dispatchService) Dispatch(ctx context.Context, notificationID string) (DispatchReport, error) {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return DispatchReport{}, fmt.Errorf("%w: notification id is required", ErrDispatchInvalidInput)
	}

	notification, err := s.notifications.FindByID(ctx, notificationID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return DispatchReport{}, fmt.Errorf("%w: %s", ErrDispatchNotificationNotFound, notificationID)
		}
		return DispatchReport{}, err
	}

	tokens, err := s.resolveAudience(ctx, notification)
	if err != nil {
		return DispatchReport{}, err
	}

	report := DispatchReport{
		NotificationID: notification.ID,
		Requested:      len(tokens),
		DispatchedAt:   s.clock(),
	}
	if len(tokens) == 0 {
		s.logger(ctx, "dispatch_empty_audience", map[string]any{
			"notificationId": notification.ID,
			"broadcast":      notification.Broadcast(),
		})
		s.archive(ctx, report)
		return report, nil
	}

	messages := make([]push.Message, 0, len(tokens))
	for _, token := range tokens {
		messages = append(messages, buildPushMessage(notification, token))
	}

	tickets, err := s.gateway.SendBatch(ctx, messages)
	if err != nil {
		if errors.Is(err, push.ErrGateway) {
			return DispatchReport{}, fmt.Errorf("%w: %v", ErrDispatchGateway, err)
		}
		return DispatchReport{}, err
	}

	for i, ticket := range tickets {
		if ticket.OK() {
			report.Delivered++
			continue
		}
		report.Failed = append(report.Failed, DispatchFailure{
			Token:   messages[i].To,
			Code:    ticket.ErrorCode(),
			Message: ticket.Message,
		})
	}

	s.logger(ctx, "dispatch_complete", map[string]any{
		"notificationId": notification.ID,
		"requested":      report.Requested,
		"delivered":      report.Delivered,
		"failed":         len(report.Failed),
	})
	s.archive(ctx, report)

	return report, nil
}

// resolveAudience maps the notification's addressing to device tokens. A nil
// recipient means every registered device; a concrete recipient means at most
// one token, and none when the recipient never registered a device.
func (s *dispatchService) resolveAudience(ctx context.Context, notification Notification) ([]string, error) {
	if notification.Broadcast() {
		registrations, err := s.registrations.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		tokens := make([]string, 0, len(registrations))
		seen := make(map[string]struct{}, len(registrations))
		for _, reg := range registrations {
			token := strings.TrimSpace(reg.Token)
			if token == "" {
				continue
			}
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			tokens = append(tokens, token)
		}
		return tokens, nil
	}

	registration, err := s.registrations.FindByUser(ctx, *notification.UserID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil, nil
		}
		return nil, err
	}
	token := strings.TrimSpace(registration.Token)
	if token == "" {
		return nil, nil
	}
	return []string{token}, nil
}

func (s *dispatchService) archive(ctx context.Context, report DispatchReport) {
	if s.receipts == nil {
		return
	}
	if err := s.receipts.ArchiveDispatchReport(ctx, report); err != nil {
		s.logger(ctx, "dispatch_receipt_failed", map[string]any{
			"notificationId": report.NotificationID,
			"error":          err.Error(),
		})
	}
}

func buildPushMessage(notification Notification, token string) push.Message {
	return push.Message{
		To:                 token,
		Sound:              push.SoundDefault,
		Title:              notification.Title,
		Body:               notification.Body,
		Data:               pushDataFor(notification),
		CategoryIdentifier: categoryIdentifierFor(notification.Type),
		Priority:           push.PriorityHigh,
	}
}

// pushDataFor folds the notification identity into the stored payload so the
// device can resolve the record. Stored keys win over the derived ones.
func pushDataFor(notification Notification) map[string]any {
	data := make(map[string]any, len(notification.Data)+3)
	data["notificationId"] = notification.ID
	data["type"] = string(notification.Type)
	if notification.RelatedID != nil {
		data["relatedId"] = *notification.RelatedID
	}
	for key, value := range notification.Data {
		data[key] = value
	}
	return data
}

// categoryIdentifierFor maps the taxonomy to client action categories. Only
// order and stock events carry actionable categories.
func categoryIdentifierFor(t NotificationType) string {
	switch {
	case strings.HasPrefix(string(t), "order_"):
		return categoryNewOrder
	case strings.HasPrefix(string(t), "stock_"):
		return categoryCriticalStock
	}
	return ""
}
