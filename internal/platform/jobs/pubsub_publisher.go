package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/services"
)

// notificationCreatedMessage is the payload delivered to the dispatch worker.
// The worker re-reads the stored notification; the payload only identifies it.
type notificationCreatedMessage struct {
	NotificationID string    `json:"notificationId"`
	Type           string    `json:"type"`
	UserID         *string   `json:"userId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PubSubNotificationPublisher announces stored notifications on a Pub/Sub
// topic. The push subscription delivers at least once; dispatch tolerates
// replays.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification publisher.
func NewPubSubNotificationPublisher(topic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	return &PubSubNotificationPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishNotificationCreated enqueues the created event on the configured topic.
func (p *PubSubNotificationPublisher) PublishNotificationCreated(ctx context.Context, notification services.Notification) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notification publisher: not initialised")
	}

	data, err := p.marshal(notificationCreatedMessage{
		NotificationID: notification.ID,
		Type:           string(notification.Type),
		UserID:         notification.UserID,
		CreatedAt:      notification.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal notification created: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "notificationId", notification.ID)
	setAttr(attrs, "type", string(notification.Type))
	if notification.UserID != nil {
		setAttr(attrs, "userId", *notification.UserID)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification created: %w", err)
	}
	return nil
}

// PubSubStockEventPublisher emits stock counter adjustments for audit consumers.
type PubSubStockEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubStockEventPublisher constructs a Pub/Sub backed stock event publisher.
func NewPubSubStockEventPublisher(topic *pubsub.Topic) (*PubSubStockEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub stock event publisher: topic is required")
	}
	return &PubSubStockEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishStockEvent enqueues the stock adjustment on the configured topic.
func (p *PubSubStockEventPublisher) PublishStockEvent(ctx context.Context, event domain.StockEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub stock event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stock event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "reservationId", event.ReservationID)
	setAttr(attrs, "variantId", event.VariantID)
	setAttr(attrs, "sku", event.SKU)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish stock event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
