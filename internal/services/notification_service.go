package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/repositories"
)

var (
	// ErrNotificationInvalidInput signals the caller provided invalid arguments.
	ErrNotificationInvalidInput = errors.New("notification: invalid input")
	// ErrNotificationNotFound indicates the notification could not be located.
	ErrNotificationNotFound = errors.New("notification: not found")
	// ErrNotificationForbidden indicates the caller is not the notification's recipient.
	ErrNotificationForbidden = errors.New("notification: forbidden")
	// ErrNotificationUnsupportedType indicates the event type is outside the taxonomy.
	ErrNotificationUnsupportedType = errors.New("notification: unsupported type")
)

// NotificationCreatedPublisher announces freshly stored notifications to the
// asynchronous dispatch pipeline.
type NotificationCreatedPublisher interface {
	PublishNotificationCreated(ctx context.Context, notification Notification) error
}

// NotificationServiceDeps bundles the collaborators required to construct a notification service.
type NotificationServiceDeps struct {
	Notifications repositories.NotificationRepository
	Users         repositories.UserRepository
	Publisher     NotificationCreatedPublisher
	DefaultLocale string
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type notificationService struct {
	repo          repositories.NotificationRepository
	users         repositories.UserRepository
	publisher     NotificationCreatedPublisher
	texts         *notificationCatalog
	sanitizer     *bluemonday.Policy
	defaultLocale string
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewNotificationService wires dependencies into a concrete NotificationService implementation.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Notifications == nil {
		return nil, errors.New("notification service: notification repository is required")
	}

	locale := strings.TrimSpace(deps.DefaultLocale)
	if locale == "" {
		locale = "en"
	}

	svc := &notificationService{
		repo:          deps.Notifications,
		users:         deps.Users,
		publisher:     deps.Publisher,
		texts:         newNotificationCatalog(),
		sanitizer:     bluemonday.StrictPolicy(),
		defaultLocale: locale,
		clock:         utcClock(deps.Clock),
		newID:         deps.IDGenerator,
		logger:        eventLogger(deps.Logger),
	}
	if svc.newID == nil {
		svc.newID = func() string { return ulid.Make().String() }
	}
	return svc, nil
}

// Emit translates a domain event into a stored notification and hands it to
// the dispatch pipeline. Storage is the source of truth; a failed publish is
// logged and recovered by the at-least-once trigger feed.
func (s *notificationService) Emit(ctx context.Context, event NotificationEvent) (Notification, error) {
	if !knownNotificationType(event.Type) {
		return Notification{}, fmt.Errorf("%w: %s", ErrNotificationUnsupportedType, event.Type)
	}
	if event.Type == domain.NotificationTypeManual {
		return Notification{}, fmt.Errorf("%w: manual notifications go through CreateManual", ErrNotificationInvalidInput)
	}

	locale := s.resolveLocale(ctx, event.UserID)
	title, body := s.texts.render(locale, event)

	notification := Notification{
		ID:        ensureNotificationID(s.newID()),
		UserID:    normaliseUserID(event.UserID),
		Title:     title,
		Body:      body,
		Type:      event.Type,
		Data:      buildNotificationData(event),
		CreatedAt: s.clock(),
		CreatedBy: normaliseUserID(event.ActorID),
	}
	if related := strings.TrimSpace(event.RelatedID); related != "" {
		notification.RelatedID = &related
	}

	if err := s.repo.Insert(ctx, notification); err != nil {
		return Notification{}, s.mapRepositoryError(err)
	}
	s.publishCreated(ctx, notification)

	return notification, nil
}

// CreateManual stores a staff-authored announcement. Title and body are
// sanitised down to plain text before persistence.
func (s *notificationService) CreateManual(ctx context.Context, cmd ManualNotificationCommand) (Notification, error) {
	title := strings.TrimSpace(s.sanitizer.Sanitize(cmd.Title))
	body := strings.TrimSpace(s.sanitizer.Sanitize(cmd.Body))
	if title == "" {
		return Notification{}, fmt.Errorf("%w: title is required", ErrNotificationInvalidInput)
	}
	if body == "" {
		return Notification{}, fmt.Errorf("%w: body is required", ErrNotificationInvalidInput)
	}
	actor := strings.TrimSpace(cmd.ActorID)
	if actor == "" {
		return Notification{}, fmt.Errorf("%w: actor id is required", ErrNotificationInvalidInput)
	}

	notification := Notification{
		ID:        ensureNotificationID(s.newID()),
		UserID:    normaliseUserID(cmd.UserID),
		Title:     title,
		Body:      body,
		Type:      domain.NotificationTypeManual,
		Data:      cloneAnyMap(cmd.Data),
		CreatedAt: s.clock(),
		CreatedBy: &actor,
	}

	if err := s.repo.Insert(ctx, notification); err != nil {
		return Notification{}, s.mapRepositoryError(err)
	}
	s.publishCreated(ctx, notification)

	return notification, nil
}

func (s *notificationService) Get(ctx context.Context, notificationID string) (Notification, error) {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return Notification{}, fmt.Errorf("%w: notification id is required", ErrNotificationInvalidInput)
	}
	notification, err := s.repo.FindByID(ctx, notificationID)
	if err != nil {
		return Notification{}, s.mapRepositoryError(err)
	}
	return notification, nil
}

func (s *notificationService) List(ctx context.Context, query NotificationListQuery) (domain.CursorPage[Notification], error) {
	page, err := s.repo.List(ctx, repositories.NotificationListFilter{
		UserID:           strings.TrimSpace(query.UserID),
		IncludeBroadcast: query.IncludeBroadcast,
		Types:            query.Types,
		UnreadOnly:       query.UnreadOnly,
		Pagination:       query.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Notification]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// MarkRead flips the read flag for the calling recipient. Broadcast records
// may be acknowledged by any staff member.
func (s *notificationService) MarkRead(ctx context.Context, cmd MarkReadCommand) (Notification, error) {
	notificationID := strings.TrimSpace(cmd.NotificationID)
	if notificationID == "" {
		return Notification{}, fmt.Errorf("%w: notification id is required", ErrNotificationInvalidInput)
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Notification{}, fmt.Errorf("%w: user id is required", ErrNotificationInvalidInput)
	}

	notification, err := s.repo.FindByID(ctx, notificationID)
	if err != nil {
		return Notification{}, s.mapRepositoryError(err)
	}
	if notification.UserID != nil && *notification.UserID != userID {
		return Notification{}, fmt.Errorf("%w: notification %s belongs to another recipient", ErrNotificationForbidden, notificationID)
	}
	if notification.IsRead {
		return notification, nil
	}

	updated, err := s.repo.MarkRead(ctx, notificationID, s.clock())
	if err != nil {
		return Notification{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *notificationService) publishCreated(ctx context.Context, notification Notification) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishNotificationCreated(ctx, notification); err != nil {
		s.logger(ctx, "notification_publish_failed", map[string]any{
			"notificationId": notification.ID,
			"type":           string(notification.Type),
			"error":          err.Error(),
		})
	}
}

// resolveLocale looks up the recipient's preferred locale. Broadcasts and
// lookup failures fall back to the configured default.
func (s *notificationService) resolveLocale(ctx context.Context, userID *string) string {
	if userID == nil || s.users == nil {
		return s.defaultLocale
	}
	id := strings.TrimSpace(*userID)
	if id == "" {
		return s.defaultLocale
	}
	profile, err := s.users.FindByID(ctx, id)
	if err != nil || strings.TrimSpace(profile.Locale) == "" {
		return s.defaultLocale
	}
	return profile.Locale
}

func (s *notificationService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrNotificationNotFound, err)
	}
	return err
}

func knownNotificationType(t NotificationType) bool {
	switch t {
	case domain.NotificationTypeOrderNew,
		domain.NotificationTypeOrderStatusChange,
		domain.NotificationTypeStockCritical,
		domain.NotificationTypeStockLow,
		domain.NotificationTypePaymentFailed,
		domain.NotificationTypeSystemAlert,
		domain.NotificationTypeManual:
		return true
	}
	return false
}

// buildNotificationData merges event metadata with navigation hints consumed
// by the client application.
func buildNotificationData(event NotificationEvent) map[string]any {
	data := cloneAnyMap(event.Data)
	if data == nil {
		data = map[string]any{}
	}

	switch event.Type {
	case domain.NotificationTypeOrderNew, domain.NotificationTypeOrderStatusChange:
		data["action"] = domain.NotificationActionOpenOrder
	case domain.NotificationTypeStockCritical, domain.NotificationTypeStockLow:
		data["action"] = domain.NotificationActionOpenProduct
	case domain.NotificationTypePaymentFailed:
		data["action"] = domain.NotificationActionOpenFinance
	}

	if event.Order != nil {
		data["orderId"] = event.Order.ID
		data["orderNumber"] = event.Order.OrderNumber
		data["orderStatus"] = string(event.Order.Status)
	}
	if event.Variant != nil {
		data["variantId"] = event.Variant.ID
		data["sku"] = event.Variant.SKU
		data["stock"] = event.Variant.Stock
	}
	if related := strings.TrimSpace(event.RelatedID); related != "" {
		data["relatedId"] = related
	}
	return data
}

func normaliseUserID(userID *string) *string {
	if userID == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*userID)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cloneAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureNotificationID(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = ulid.Make().String()
	}
	if strings.HasPrefix(trimmed, "ntf_") {
		return trimmed
	}
	return "ntf_" + trimmed
}
