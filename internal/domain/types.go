package domain

import (
	"time"
)

// Pagination is the cursor paging input every list operation takes.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder picks the direction for list queries.
type SortOrder string

const (
	// SortAsc orders results oldest or smallest first.
	SortAsc SortOrder = "asc"
	// SortDesc orders results newest or largest first.
	SortDesc SortOrder = "desc"
)

// CursorPage is one page of results plus the opaque token for the next.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Variant represents a purchasable unit (product + size/colour) with its stock counters.
// ReservedStock counts units soft-locked by unexpired pending orders and never
// exceeds Stock; Stock - ReservedStock is the sellable quantity.
type Variant struct {
	ID            string
	ProductRef    string
	SKU           string
	Name          string
	Options       map[string]string
	UnitPrice     int64
	Currency      string
	Stock         int
	ReservedStock int
	UpdatedAt     time.Time
}

// Sellable returns the quantity currently available to buyers.
func (v Variant) Sellable() int {
	return v.Stock - v.ReservedStock
}

// ReservationStatus enumerates reservation lifecycle states.
type ReservationStatus string

const (
	// ReservationStatusReserved indicates stock is soft-locked pending payment resolution.
	ReservationStatusReserved ReservationStatus = "reserved"
	// ReservationStatusCommitted indicates the reserved stock was consumed on payment success.
	ReservationStatusCommitted ReservationStatus = "committed"
	// ReservationStatusReleased indicates the soft lock was returned to the sellable pool.
	ReservationStatusReleased ReservationStatus = "released"
)

// ReservationLine stores the per-variant quantity held by a reservation.
type ReservationLine struct {
	VariantID string
	SKU       string
	Quantity  int
}

// Reservation is a time-bounded soft lock on stock units created at checkout.
// Exactly one terminal outcome applies: committed or released, never both.
type Reservation struct {
	ID             string
	OrderRef       string
	UserRef        string
	Status         ReservationStatus
	Lines          []ReservationLine
	Reason         string
	IdempotencyKey string
	ExpiresAt      time.Time
	CommittedAt    *time.Time
	ReleasedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StockEvent captures a stock counter adjustment for downstream audit surfaces.
type StockEvent struct {
	Type          string    `json:"type"`
	ReservationID string    `json:"reservationId"`
	OrderRef      string    `json:"orderRef,omitempty"`
	VariantID     string    `json:"variantId"`
	SKU           string    `json:"sku,omitempty"`
	DeltaStock    int       `json:"deltaStock"`
	DeltaReserved int       `json:"deltaReserved"`
	Stock         int       `json:"stock"`
	ReservedStock int       `json:"reservedStock"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// OrderStatus is the lifecycle state stamped on an order document.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment resolution.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates payment succeeded and stock was consumed.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusProcessing indicates staff are preparing the order.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the warehouse with a tracking number.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates delivery was confirmed. Terminal.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was abandoned or cancelled. Terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is the order header the services return to handlers.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Status          OrderStatus
	Currency        string
	Totals          OrderTotals
	Items           []OrderLineItem
	Contact         OrderContact
	ShippingAddress *Address
	ReservationRef  *string
	TrackingNumber  *string
	CancelledReason *string
	Notes           map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ProcessingAt    *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Total    int64
}

// OrderLineItem snapshots product data at the time of checkout.
type OrderLineItem struct {
	VariantID string
	SKU       string
	Name      string
	Options   map[string]string
	Quantity  int
	UnitPrice int64
	Total     int64
}

// OrderContact stores the customer contact snapshot for notifications.
type OrderContact struct {
	Name  string
	Email string
	Phone string
}

// Address represents postal address structures shared by user and order layers.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// NotificationType is the closed taxonomy of notification kinds.
type NotificationType string

const (
	// NotificationTypeOrderNew announces a freshly placed order to staff.
	NotificationTypeOrderNew NotificationType = "order_new"
	// NotificationTypeOrderStatusChange reports an order transition to its customer or staff.
	NotificationTypeOrderStatusChange NotificationType = "order_status_change"
	// NotificationTypeStockCritical warns staff that a variant crossed the critical threshold.
	NotificationTypeStockCritical NotificationType = "stock_critical"
	// NotificationTypeStockLow warns staff that a variant crossed the low threshold.
	NotificationTypeStockLow NotificationType = "stock_low"
	// NotificationTypePaymentFailed reports a failed payment attempt to staff.
	NotificationTypePaymentFailed NotificationType = "payment_failed"
	// NotificationTypeSystemAlert carries operational alerts raised by the platform.
	NotificationTypeSystemAlert NotificationType = "system_alert"
	// NotificationTypeManual carries staff-authored announcements.
	NotificationTypeManual NotificationType = "manual"
)

// Navigation hints carried in a notification's data payload.
const (
	NotificationActionOpenOrder    = "open_order"
	NotificationActionOpenProduct  = "open_product"
	NotificationActionOpenCustomer = "open_customer"
	NotificationActionOpenFinance  = "open_finance"
)

// Notification is an immutable persisted fact describing something that happened.
// Only IsRead/ReadAt may change after creation. A nil UserID means the record
// is addressed to all staff devices.
type Notification struct {
	ID        string
	UserID    *string
	Title     string
	Body      string
	Type      NotificationType
	RelatedID *string
	Data      map[string]any
	IsRead    bool
	ReadAt    *time.Time
	CreatedAt time.Time
	CreatedBy *string
}

// Broadcast reports whether the notification targets all staff devices.
func (n Notification) Broadcast() bool {
	return n.UserID == nil
}

// PushRegistration associates a profile with its current device push token.
// Latest write wins; at most one token per profile.
type PushRegistration struct {
	UserID    string
	Token     string
	Platform  string
	UpdatedAt time.Time
}

// UserProfile is the thin projection of a Firebase Auth user consumed by
// notification targeting and localisation.
type UserProfile struct {
	ID          string
	DisplayName string
	Email       string
	Locale      string
	Roles       []string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsStaff reports whether the profile carries a staff-facing role.
func (p UserProfile) IsStaff() bool {
	for _, role := range p.Roles {
		switch role {
		case "admin", "staff", "operator":
			return true
		}
	}
	return false
}

// CheckoutSession represents PSP checkout session metadata stored by services.
type CheckoutSession struct {
	SessionID   string
	PSP         string
	RedirectURL string
	ExpiresAt   time.Time
}

// Health status values reported by the system service.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck captures a single dependency probe result.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probe results for health endpoints.
type SystemHealthReport struct {
	Status      string
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
	Checks      map[string]SystemHealthCheck
}
