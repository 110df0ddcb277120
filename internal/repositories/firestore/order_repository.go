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
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/willowmart/api/internal/domain"
	pfirestore "github.com/willowmart/api/internal/platform/firestore"
	"github.com/willowmart/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order headers in Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, base: base}, nil
}

// Insert creates the order document, failing when the ID already exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}

	ref, err := r.base.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update replaces the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: id is required")
	}
	if _, err := r.base.Set(ctx, order.ID, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

// FindByID loads the order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByReservation resolves the order holding the given stock reservation.
func (r *OrderRepository) FindByReservation(ctx context.Context, reservationID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return domain.Order{}, errors.New("order find by reservation: reservation id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByReservation", err)
	}

	iter := client.Collection(ordersCollection).
		Where("reservationRef", "==", reservationID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Order{}, pfirestore.WrapError("orders.findByReservation", status.Errorf(codes.NotFound, "no order holds reservation %s", reservationID))
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.findByReservation", err)
	}
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// List pages orders newest first, optionally filtered by user, status, and creation window.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := clampPageSize(filter.Pagination.PageSize, 20, 100)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, string(s))
		}
		query = query.Where("status", "in", statuses)
	}
	if filter.From != nil {
		query = query.Where("createdAt", ">=", filter.From.UTC())
	}
	if filter.To != nil {
		query = query.Where("createdAt", "<", filter.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	OrderNumber     string              `firestore:"orderNumber"`
	UserID          string              `firestore:"userId"`
	Status          string              `firestore:"status"`
	Currency        string              `firestore:"currency"`
	Subtotal        int64               `firestore:"subtotal"`
	Shipping        int64               `firestore:"shipping"`
	Tax             int64               `firestore:"tax"`
	Total           int64               `firestore:"total"`
	Items           []orderItemDocument `firestore:"items"`
	Contact         orderContactDoc     `firestore:"contact"`
	ShippingAddress *addressDocument    `firestore:"shippingAddress,omitempty"`
	ReservationRef  *string             `firestore:"reservationRef,omitempty"`
	TrackingNumber  *string             `firestore:"trackingNumber,omitempty"`
	CancelledReason *string             `firestore:"cancelledReason,omitempty"`
	Notes           map[string]any      `firestore:"notes,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	PaidAt          *time.Time          `firestore:"paidAt,omitempty"`
	ProcessingAt    *time.Time          `firestore:"processingAt,omitempty"`
	ShippedAt       *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	VariantID string            `firestore:"variantId"`
	SKU       string            `firestore:"sku"`
	Name      string            `firestore:"name"`
	Options   map[string]string `firestore:"options,omitempty"`
	Quantity  int               `firestore:"qty"`
	UnitPrice int64             `firestore:"unitPrice"`
	Total     int64             `firestore:"total"`
}

type orderContactDoc struct {
	Name  string `firestore:"name,omitempty"`
	Email string `firestore:"email,omitempty"`
	Phone string `firestore:"phone,omitempty"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			VariantID: strings.TrimSpace(item.VariantID),
			SKU:       strings.TrimSpace(item.SKU),
			Name:      strings.TrimSpace(item.Name),
			Options:   item.Options,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	doc := orderDocument{
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		Status:      string(order.Status),
		Currency:    strings.TrimSpace(order.Currency),
		Subtotal:    order.Totals.Subtotal,
		Shipping:    order.Totals.Shipping,
		Tax:         order.Totals.Tax,
		Total:       order.Totals.Total,
		Items:       items,
		Contact: orderContactDoc{
			Name:  strings.TrimSpace(order.Contact.Name),
			Email: strings.TrimSpace(order.Contact.Email),
			Phone: strings.TrimSpace(order.Contact.Phone),
		},
		ReservationRef:  order.ReservationRef,
		TrackingNumber:  order.TrackingNumber,
		CancelledReason: order.CancelledReason,
		Notes:           order.Notes,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		PaidAt:          order.PaidAt,
		ProcessingAt:    order.ProcessingAt,
		ShippedAt:       order.ShippedAt,
		DeliveredAt:     order.DeliveredAt,
		CancelledAt:     order.CancelledAt,
	}
	if order.ShippingAddress != nil {
		doc.ShippingAddress = newAddressDocument(*order.ShippingAddress)
	}
	return doc
}

func newAddressDocument(addr domain.Address) *addressDocument {
	return &addressDocument{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      addr.Line2,
		City:       strings.TrimSpace(addr.City),
		State:      addr.State,
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.TrimSpace(addr.Country),
		Phone:      addr.Phone,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			VariantID: strings.TrimSpace(item.VariantID),
			SKU:       strings.TrimSpace(item.SKU),
			Name:      strings.TrimSpace(item.Name),
			Options:   item.Options,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	order := domain.Order{
		ID:          id,
		OrderNumber: strings.TrimSpace(d.OrderNumber),
		UserID:      strings.TrimSpace(d.UserID),
		Status:      domain.OrderStatus(strings.TrimSpace(d.Status)),
		Currency:    strings.TrimSpace(d.Currency),
		Totals: domain.OrderTotals{
			Subtotal: d.Subtotal,
			Shipping: d.Shipping,
			Tax:      d.Tax,
			Total:    d.Total,
		},
		Items: items,
		Contact: domain.OrderContact{
			Name:  strings.TrimSpace(d.Contact.Name),
			Email: strings.TrimSpace(d.Contact.Email),
			Phone: strings.TrimSpace(d.Contact.Phone),
		},
		ReservationRef:  d.ReservationRef,
		TrackingNumber:  d.TrackingNumber,
		CancelledReason: d.CancelledReason,
		Notes:           d.Notes,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		PaidAt:          d.PaidAt,
		ProcessingAt:    d.ProcessingAt,
		ShippedAt:       d.ShippedAt,
		DeliveredAt:     d.DeliveredAt,
		CancelledAt:     d.CancelledAt,
	}
	if d.ShippingAddress != nil {
		addr := domain.Address{
			Recipient:  strings.TrimSpace(d.ShippingAddress.Recipient),
			Line1:      strings.TrimSpace(d.ShippingAddress.Line1),
			Line2:      d.ShippingAddress.Line2,
			City:       strings.TrimSpace(d.ShippingAddress.City),
			State:      d.ShippingAddress.State,
			PostalCode: strings.TrimSpace(d.ShippingAddress.PostalCode),
			Country:    strings.TrimSpace(d.ShippingAddress.Country),
			Phone:      d.ShippingAddress.Phone,
		}
		order.ShippingAddress = &addr
	}
	return order
}

type orderPageToken struct {
	ID        string
	CreatedAt time.Time
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(token); err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeOrderPageToken(encoded string) (*orderPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode order page token json: %w", err)
	}
	return &token, nil
}
