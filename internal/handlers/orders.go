package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/platform/auth"
	"github.com/willowmart/api/internal/platform/httpx"
	"github.com/willowmart/api/internal/services"
)

const maxOrderCancelBodySize = 4 * 1024

var userCancellableStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending: {},
	domain.OrderStatusPaid:    {},
}

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:    {},
	domain.OrderStatusPaid:       {},
	domain.OrderStatusProcessing: {},
	domain.OrderStatusShipped:    {},
	domain.OrderStatusDelivered:  {},
	domain.OrderStatusCancelled:  {},
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes order endpoints for authenticated users.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

// requireShopper resolves the signed-in shopper behind the request. A
// false return means the error response was already written.
func (h *OrderHandlers) requireShopper(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return strings.TrimSpace(identity.UID), true
}

func orderIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

// ownsOrder hides other shoppers' orders behind a 404 rather than a 403
// so order ids cannot be enumerated.
func ownsOrder(ctx context.Context, w http.ResponseWriter, order services.Order, uid string) bool {
	if strings.EqualFold(strings.TrimSpace(order.UserID), uid) {
		return true
	}
	httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	return false
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireShopper(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()

	listQuery := services.OrderListQuery{
		UserID:     uid,
		Pagination: parsePagination(query),
	}

	for _, raw := range parseFilterValues(query["status"]) {
		status, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown status", http.StatusBadRequest))
			return
		}
		listQuery.Status = append(listQuery.Status, status)
	}

	for _, window := range []struct {
		key  string
		dest **time.Time
	}{
		{"created_after", &listQuery.From},
		{"created_before", &listQuery.To},
	} {
		raw := strings.TrimSpace(query.Get(window.key))
		if raw == "" {
			continue
		}
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", window.key+" must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		*window.dest = &ts
	}

	page, err := h.orders.ListOrders(ctx, listQuery)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, orderSummaryFrom(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireShopper(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !ownsOrder(ctx, w, order, uid) {
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: orderPayloadFrom(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireShopper(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderCancelBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !ownsOrder(ctx, w, order, uid) {
		return
	}

	if _, cancellable := userCancellableStatuses[order.Status]; !cancellable {
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", "order cannot be cancelled in its current status", http.StatusConflict))
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled_by_customer"
	}

	cancelled, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  reason,
		ActorID: uid,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: orderPayloadFrom(cancelled)})
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"orderNumber"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Total       int64  `json:"total"`
	CreatedAt   string `json:"createdAt"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string               `json:"id"`
	OrderNumber     string               `json:"orderNumber"`
	UserID          string               `json:"userId"`
	Status          string               `json:"status"`
	Currency        string               `json:"currency"`
	Totals          orderTotalsPayload   `json:"totals"`
	Items           []orderItemPayload   `json:"items"`
	Contact         *orderContactPayload `json:"contact,omitempty"`
	ShippingAddress *addressPayload      `json:"shippingAddress,omitempty"`
	ReservationRef  *string              `json:"reservationRef,omitempty"`
	TrackingNumber  *string              `json:"trackingNumber,omitempty"`
	CancelledReason *string              `json:"cancelledReason,omitempty"`
	Notes           map[string]any       `json:"notes,omitempty"`
	CreatedAt       string               `json:"createdAt"`
	UpdatedAt       string               `json:"updatedAt,omitempty"`
	PaidAt          string               `json:"paidAt,omitempty"`
	ProcessingAt    string               `json:"processingAt,omitempty"`
	ShippedAt       string               `json:"shippedAt,omitempty"`
	DeliveredAt     string               `json:"deliveredAt,omitempty"`
	CancelledAt     string               `json:"cancelledAt,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

type orderItemPayload struct {
	VariantID string            `json:"variantId"`
	SKU       string            `json:"sku"`
	Name      string            `json:"name,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	Quantity  int               `json:"quantity"`
	UnitPrice int64             `json:"unitPrice"`
	Total     int64             `json:"total"`
}

type orderContactPayload struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

func orderSummaryFrom(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:       order.Totals.Total,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func orderPayloadFrom(order services.Order) orderPayload {
	payload := orderPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		ReservationRef:  cloneStringPointer(order.ReservationRef),
		TrackingNumber:  cloneStringPointer(order.TrackingNumber),
		CancelledReason: cloneStringPointer(order.CancelledReason),
		Notes:           cloneMap(order.Notes),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		PaidAt:          formatTime(pointerTime(order.PaidAt)),
		ProcessingAt:    formatTime(pointerTime(order.ProcessingAt)),
		ShippedAt:       formatTime(pointerTime(order.ShippedAt)),
		DeliveredAt:     formatTime(pointerTime(order.DeliveredAt)),
		CancelledAt:     formatTime(pointerTime(order.CancelledAt)),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			VariantID: strings.TrimSpace(item.VariantID),
			SKU:       strings.TrimSpace(item.SKU),
			Name:      strings.TrimSpace(item.Name),
			Options:   item.Options,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}

	if order.Contact.Name != "" || order.Contact.Email != "" || order.Contact.Phone != "" {
		payload.Contact = &orderContactPayload{
			Name:  strings.TrimSpace(order.Contact.Name),
			Email: strings.TrimSpace(order.Contact.Email),
			Phone: strings.TrimSpace(order.Contact.Phone),
		}
	}

	if order.ShippingAddress != nil {
		addr := addressPayloadFrom(*order.ShippingAddress)
		payload.ShippingAddress = &addr
	}

	return payload
}

func addressPayloadFrom(address domain.Address) addressPayload {
	return addressPayload{
		Recipient:  strings.TrimSpace(address.Recipient),
		Line1:      strings.TrimSpace(address.Line1),
		Line2:      cloneStringPointer(address.Line2),
		City:       strings.TrimSpace(address.City),
		State:      cloneStringPointer(address.State),
		PostalCode: strings.TrimSpace(address.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(address.Country)),
		Phone:      cloneStringPointer(address.Phone),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func parseOrderStatus(raw string) (services.OrderStatus, bool) {
	status := domain.OrderStatus(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := validOrderStatuses[status]; !ok {
		return "", false
	}
	return status, true
}

func parseTimeParam(value string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, time.RFC3339}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, errors.New("invalid timestamp")
}
