package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/willowmart/api/internal/domain"
	pfirestore "github.com/willowmart/api/internal/platform/firestore"
	"github.com/willowmart/api/internal/repositories"
)

const notificationsCollection = "notifications"

// NotificationRepository persists notification facts. Records are immutable
// apart from their read state.
type NotificationRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[notificationDocument]
}

// NewNotificationRepository constructs a Firestore-backed notification repository.
func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[notificationDocument](provider, notificationsCollection, nil, nil)
	return &NotificationRepository{provider: provider, base: base}, nil
}

// Insert creates the notification document, failing when the ID already exists.
func (r *NotificationRepository) Insert(ctx context.Context, notification domain.Notification) error {
	if r == nil || r.base == nil {
		return errors.New("notification repository not initialised")
	}
	if strings.TrimSpace(notification.ID) == "" {
		return errors.New("notification insert: id is required")
	}

	ref, err := r.base.DocumentRef(ctx, notification.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newNotificationDocument(notification)); err != nil {
		return pfirestore.WrapError("notifications.insert", err)
	}
	return nil
}

// FindByID loads a notification by its identifier.
func (r *NotificationRepository) FindByID(ctx context.Context, notificationID string) (domain.Notification, error) {
	if r == nil || r.base == nil {
		return domain.Notification{}, errors.New("notification repository not initialised")
	}
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return domain.Notification{}, errors.New("notification find: id is required")
	}

	doc, err := r.base.Get(ctx, notificationID)
	if err != nil {
		return domain.Notification{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List pages notifications newest first. When UserID is set the results cover
// that recipient's personal records plus broadcasts when IncludeBroadcast is on.
func (r *NotificationRepository) List(ctx context.Context, filter repositories.NotificationListFilter) (domain.CursorPage[domain.Notification], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Notification]{}, errors.New("notification repository not initialised")
	}

	pageSize := clampPageSize(filter.Pagination.PageSize, 20, 100)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, pfirestore.WrapError("notifications.list", err)
	}

	query := client.Collection(notificationsCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		if filter.IncludeBroadcast {
			query = query.Where("userId", "in", []any{userID, nil})
		} else {
			query = query.Where("userId", "==", userID)
		}
	}
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			types = append(types, string(t))
		}
		query = query.Where("type", "in", types)
	}
	if filter.UnreadOnly {
		query = query.Where("isRead", "==", false)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := decodeNotificationPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Notification]{}, pfirestore.WrapError("notifications.list", err)
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var notifications []domain.Notification
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Notification]{}, pfirestore.WrapError("notifications.list", err)
		}
		var doc notificationDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Notification]{}, fmt.Errorf("decode notification %s: %w", snap.Ref.ID, err)
		}
		notifications = append(notifications, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(notifications) > pageSize
	if hasMore {
		notifications = notifications[:pageSize]
	}
	var nextToken string
	if hasMore && len(notifications) > 0 {
		last := notifications[len(notifications)-1]
		encoded, err := encodeNotificationPageToken(notificationPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Notification]{}, pfirestore.WrapError("notifications.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Notification]{Items: notifications, NextPageToken: nextToken}, nil
}

// MarkRead flips the read flag. Repeating the call keeps the original ReadAt.
func (r *NotificationRepository) MarkRead(ctx context.Context, notificationID string, readAt time.Time) (domain.Notification, error) {
	if r == nil || r.provider == nil {
		return domain.Notification{}, errors.New("notification repository not initialised")
	}
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return domain.Notification{}, errors.New("notification mark read: id is required")
	}

	readAt = readAt.UTC()
	var updated domain.Notification
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, notificationID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc notificationDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode notification %s: %w", notificationID, err)
		}
		if !doc.IsRead {
			doc.IsRead = true
			doc.ReadAt = &readAt
			if err := tx.Set(ref, doc); err != nil {
				return err
			}
		}
		updated = doc.toDomain(notificationID)
		return nil
	})
	if err != nil {
		return domain.Notification{}, pfirestore.WrapError("notifications.markRead", err)
	}
	return updated, nil
}

// Helper structures ---------------------------------------------------------

type notificationDocument struct {
	UserID    *string        `firestore:"userId"`
	Title     string         `firestore:"title"`
	Body      string         `firestore:"body"`
	Type      string         `firestore:"type"`
	RelatedID *string        `firestore:"relatedId,omitempty"`
	Data      map[string]any `firestore:"data,omitempty"`
	IsRead    bool           `firestore:"isRead"`
	ReadAt    *time.Time     `firestore:"readAt,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
	CreatedBy *string        `firestore:"createdBy,omitempty"`
}

func newNotificationDocument(n domain.Notification) notificationDocument {
	return notificationDocument{
		UserID:    n.UserID,
		Title:     strings.TrimSpace(n.Title),
		Body:      strings.TrimSpace(n.Body),
		Type:      string(n.Type),
		RelatedID: n.RelatedID,
		Data:      n.Data,
		IsRead:    n.IsRead,
		ReadAt:    n.ReadAt,
		CreatedAt: n.CreatedAt.UTC(),
		CreatedBy: n.CreatedBy,
	}
}

func (d notificationDocument) toDomain(id string) domain.Notification {
	return domain.Notification{
		ID:        id,
		UserID:    d.UserID,
		Title:     strings.TrimSpace(d.Title),
		Body:      strings.TrimSpace(d.Body),
		Type:      domain.NotificationType(strings.TrimSpace(d.Type)),
		RelatedID: d.RelatedID,
		Data:      d.Data,
		IsRead:    d.IsRead,
		ReadAt:    d.ReadAt,
		CreatedAt: d.CreatedAt,
		CreatedBy: d.CreatedBy,
	}
}

type notificationPageToken struct {
	ID        string
	CreatedAt time.Time
}

func encodeNotificationPageToken(token notificationPageToken) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(token); err != nil {
		return "", fmt.Errorf("encode notification page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeNotificationPageToken(encoded string) (*notificationPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode notification page token: %w", err)
	}
	var token notificationPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode notification page token json: %w", err)
	}
	return &token, nil
}
