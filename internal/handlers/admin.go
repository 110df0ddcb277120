package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/willowmart/api/internal/platform/auth"
	"github.com/willowmart/api/internal/platform/httpx"
	"github.com/willowmart/api/internal/platform/storage"
	"github.com/willowmart/api/internal/services"
)

const maxAdminRequestBody = 16 * 1024

// DispatchReceiptLister resolves download links for archived dispatch reports.
type DispatchReceiptLister interface {
	ListDispatchReceiptLinks(ctx context.Context, notificationID string) ([]storage.ReceiptLink, error)
}

// AdminHandlers exposes staff-facing fulfilment, inventory, and announcement endpoints.
type AdminHandlers struct {
	authn         *auth.Authenticator
	orders        services.OrderService
	inventory     services.InventoryService
	notifications services.NotificationService
	receipts      DispatchReceiptLister
}

// AdminOption customises the admin handlers.
type AdminOption func(*AdminHandlers)

// WithAdminReceiptLister enables the dispatch receipt download endpoint.
func WithAdminReceiptLister(lister DispatchReceiptLister) AdminOption {
	return func(h *AdminHandlers) {
		h.receipts = lister
	}
}

// NewAdminHandlers constructs handlers for the /admin route group.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, inventory services.InventoryService, notifications services.NotificationService, opts ...AdminOption) *AdminHandlers {
	handlers := &AdminHandlers{
		authn:         authn,
		orders:        orders,
		inventory:     inventory,
		notifications: notifications,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(handlers)
		}
	}
	return handlers
}

// Routes registers the admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:process", h.markProcessing)
	r.Post("/orders/{orderID}:ship", h.shipOrder)
	r.Post("/orders/{orderID}:deliver", h.confirmDelivered)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
	r.Get("/inventory/low-stock", h.listLowStock)
	r.Get("/inventory/reservations/{reservationID}", h.getReservation)
	r.Post("/notifications", h.createManualNotification)
	r.Get("/notifications/{notificationID}/receipts", h.listDispatchReceipts)
}

func (h *AdminHandlers) listDispatchReceipts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.receipts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("receipts_unavailable", "dispatch receipts are not available", http.StatusNotFound))
		return
	}

	notificationID := strings.TrimSpace(chi.URLParam(r, "notificationID"))
	if notificationID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "notification id is required", http.StatusBadRequest))
		return
	}

	links, err := h.receipts.ListDispatchReceiptLinks(ctx, notificationID)
	if err != nil {
		if errors.Is(err, storage.ErrReceiptLinksUnavailable) {
			httpx.WriteError(ctx, w, httpx.NewError("receipts_unavailable", "dispatch receipts are not available", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to list dispatch receipts", http.StatusInternalServerError))
		return
	}

	payload := receiptListResponse{Receipts: make([]receiptLinkPayload, 0, len(links))}
	for _, link := range links {
		payload.Receipts = append(payload.Receipts, receiptLinkPayload{
			Name:      link.Name,
			URL:       link.URL,
			ExpiresAt: formatTime(link.ExpiresAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

type receiptListResponse struct {
	Receipts []receiptLinkPayload `json:"receipts"`
}

type receiptLinkPayload struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	listQuery := services.OrderListQuery{
		UserID:     strings.TrimSpace(query.Get("user_id")),
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

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: orderPayloadFrom(order)})
}

func (h *AdminHandlers) markProcessing(w http.ResponseWriter, r *http.Request) {
	h.transitionOrder(w, r, func(ctx context.Context, orderID, actorID string) (services.Order, error) {
		return h.orders.MarkProcessing(ctx, services.OrderActionCommand{OrderID: orderID, ActorID: actorID})
	})
}

func (h *AdminHandlers) confirmDelivered(w http.ResponseWriter, r *http.Request) {
	h.transitionOrder(w, r, func(ctx context.Context, orderID, actorID string) (services.Order, error) {
		return h.orders.ConfirmDelivered(ctx, services.OrderActionCommand{OrderID: orderID, ActorID: actorID})
	})
}

type shipOrderRequest struct {
	TrackingNumber string `json:"trackingNumber"`
}

func (h *AdminHandlers) shipOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req shipOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.TrackingNumber) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "trackingNumber is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Ship(ctx, services.ShipOrderCommand{
		OrderID:        orderID,
		TrackingNumber: strings.TrimSpace(req.TrackingNumber),
		ActorID:        strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: orderPayloadFrom(order)})
}

func (h *AdminHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxAdminRequestBody)
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

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled_by_staff"
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  reason,
		ActorID: strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: orderPayloadFrom(order)})
}

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request, apply func(context.Context, string, string) (services.Order, error)) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := apply(ctx, orderID, strings.TrimSpace(identity.UID))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: orderPayloadFrom(order)})
}

type variantPayload struct {
	ID            string `json:"id"`
	ProductRef    string `json:"productRef,omitempty"`
	SKU           string `json:"sku"`
	Name          string `json:"name,omitempty"`
	UnitPrice     int64  `json:"unitPrice"`
	Currency      string `json:"currency,omitempty"`
	Stock         int    `json:"stock"`
	ReservedStock int    `json:"reservedStock"`
	Sellable      int    `json:"sellable"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
}

type lowStockResponse struct {
	Items         []variantPayload `json:"items"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
}

func (h *AdminHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	lowStockQuery := services.LowStockQuery{Pagination: parsePagination(query)}
	if raw := strings.TrimSpace(query.Get("threshold")); raw != "" {
		threshold, err := strconv.Atoi(raw)
		if err != nil || threshold < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be a non-negative integer", http.StatusBadRequest))
			return
		}
		lowStockQuery.Threshold = threshold
	}

	page, err := h.inventory.ListLowStock(ctx, lowStockQuery)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	items := make([]variantPayload, 0, len(page.Items))
	for _, variant := range page.Items {
		items = append(items, variantPayload{
			ID:            variant.ID,
			ProductRef:    variant.ProductRef,
			SKU:           variant.SKU,
			Name:          variant.Name,
			UnitPrice:     variant.UnitPrice,
			Currency:      strings.ToUpper(variant.Currency),
			Stock:         variant.Stock,
			ReservedStock: variant.ReservedStock,
			Sellable:      variant.Sellable(),
			UpdatedAt:     formatTime(variant.UpdatedAt),
		})
	}

	writeJSONResponse(w, http.StatusOK, lowStockResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type reservationPayload struct {
	ID          string                   `json:"id"`
	OrderRef    string                   `json:"orderRef,omitempty"`
	UserRef     string                   `json:"userRef,omitempty"`
	Status      string                   `json:"status"`
	Lines       []reservationLinePayload `json:"lines"`
	Reason      string                   `json:"reason,omitempty"`
	ExpiresAt   string                   `json:"expiresAt"`
	CommittedAt string                   `json:"committedAt,omitempty"`
	ReleasedAt  string                   `json:"releasedAt,omitempty"`
	CreatedAt   string                   `json:"createdAt"`
}

type reservationLinePayload struct {
	VariantID string `json:"variantId"`
	SKU       string `json:"sku,omitempty"`
	Quantity  int    `json:"quantity"`
}

func (h *AdminHandlers) getReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	reservationID := strings.TrimSpace(chi.URLParam(r, "reservationID"))
	if reservationID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reservation id is required", http.StatusBadRequest))
		return
	}

	reservation, err := h.inventory.GetReservation(ctx, reservationID)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	payload := reservationPayload{
		ID:          reservation.ID,
		OrderRef:    reservation.OrderRef,
		UserRef:     reservation.UserRef,
		Status:      string(reservation.Status),
		Lines:       make([]reservationLinePayload, 0, len(reservation.Lines)),
		Reason:      reservation.Reason,
		ExpiresAt:   formatTime(reservation.ExpiresAt),
		CommittedAt: formatTime(pointerTime(reservation.CommittedAt)),
		ReleasedAt:  formatTime(pointerTime(reservation.ReleasedAt)),
		CreatedAt:   formatTime(reservation.CreatedAt),
	}
	for _, line := range reservation.Lines {
		payload.Lines = append(payload.Lines, reservationLinePayload{
			VariantID: line.VariantID,
			SKU:       line.SKU,
			Quantity:  line.Quantity,
		})
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

type manualNotificationRequest struct {
	UserID *string        `json:"userId"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data"`
}

func (h *AdminHandlers) createManualNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req manualNotificationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	notification, err := h.notifications.CreateManual(ctx, services.ManualNotificationCommand{
		UserID:  req.UserID,
		Title:   req.Title,
		Body:    req.Body,
		Data:    req.Data,
		ActorID: strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, notificationResponse{Notification: buildNotificationPayload(notification)})
}

func writeInventoryError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInventoryReservationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_not_found", "reservation not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryVariantNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", "variant not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock", http.StatusConflict))
	case errors.Is(err, services.ErrInventoryAlreadyCommitted):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_already_committed", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryAlreadyReleased):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_already_released", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("inventory_error", "failed to process inventory request", http.StatusInternalServerError))
	}
}
