package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/willowmart/api/internal/platform/httpx"
	"github.com/willowmart/api/internal/services"
)

const maxInternalJobBodySize = 64 * 1024

// InternalJobHandlers exposes the server-to-server surface driven by Pub/Sub
// push subscriptions and Cloud Scheduler.
type InternalJobHandlers struct {
	dispatch  services.DispatchService
	inventory services.InventoryService
	orders    services.OrderService
	clock     func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// InternalJobOption customises internal job handler construction.
type InternalJobOption func(*InternalJobHandlers)

// WithInternalJobClock overrides the clock used for sweep runs.
func WithInternalJobClock(clock func() time.Time) InternalJobOption {
	return func(h *InternalJobHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithInternalJobLogger wires the structured logger used for job outcomes.
func WithInternalJobLogger(logger func(ctx context.Context, event string, fields map[string]any)) InternalJobOption {
	return func(h *InternalJobHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewInternalJobHandlers constructs handlers for the /internal route group.
func NewInternalJobHandlers(dispatch services.DispatchService, inventory services.InventoryService, orders services.OrderService, opts ...InternalJobOption) *InternalJobHandlers {
	h := &InternalJobHandlers{
		dispatch:  dispatch,
		inventory: inventory,
		orders:    orders,
		clock:     time.Now,
		logger:    func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the internal endpoints.
func (h *InternalJobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/jobs/notifications/dispatch", h.dispatchNotification)
	r.Post("/jobs/reservations/sweep", h.sweepReservations)
	r.Post("/payments/result", h.applyPaymentResult)
}

// pubsubPushEnvelope mirrors the JSON body of a Pub/Sub push delivery.
type pubsubPushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type dispatchRequest struct {
	NotificationID string `json:"notificationId"`
}

type dispatchResponse struct {
	NotificationID string                   `json:"notificationId"`
	Requested      int                      `json:"requested"`
	Delivered      int                      `json:"delivered"`
	Failed         []dispatchFailurePayload `json:"failed,omitempty"`
	DispatchedAt   string                   `json:"dispatchedAt"`
}

type dispatchFailurePayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (h *InternalJobHandlers) dispatchNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.dispatch == nil {
		httpx.WriteError(ctx, w, httpx.NewError("dispatch_unavailable", "dispatch service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxInternalJobBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	notificationID, err := extractNotificationID(body)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	report, err := h.dispatch.Dispatch(ctx, notificationID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrDispatchNotificationNotFound):
			// Acknowledge so the subscription does not redeliver a poison message.
			h.logger(ctx, "dispatch_notification_missing", map[string]any{"notificationId": notificationID})
			writeJSONResponse(w, http.StatusOK, dispatchResponse{NotificationID: notificationID})
		case errors.Is(err, services.ErrDispatchInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrDispatchGateway):
			// Non-2xx so the push subscription redelivers and the batch retries.
			httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "push gateway unavailable", http.StatusServiceUnavailable))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("dispatch_error", "failed to dispatch notification", http.StatusInternalServerError))
		}
		return
	}

	resp := dispatchResponse{
		NotificationID: report.NotificationID,
		Requested:      report.Requested,
		Delivered:      report.Delivered,
		DispatchedAt:   formatTime(report.DispatchedAt),
	}
	for _, failure := range report.Failed {
		resp.Failed = append(resp.Failed, dispatchFailurePayload{
			Code:    failure.Code,
			Message: failure.Message,
		})
	}

	writeJSONResponse(w, http.StatusOK, resp)
}

// extractNotificationID accepts either a direct dispatch request or a Pub/Sub
// push envelope whose data payload carries the notification id.
func extractNotificationID(body []byte) (string, error) {
	var direct dispatchRequest
	if err := json.Unmarshal(body, &direct); err == nil && strings.TrimSpace(direct.NotificationID) != "" {
		return strings.TrimSpace(direct.NotificationID), nil
	}

	var envelope pubsubPushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", errors.New("request body must be valid JSON")
	}

	if id := strings.TrimSpace(envelope.Message.Attributes["notificationId"]); id != "" {
		return id, nil
	}

	if envelope.Message.Data != "" {
		decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
		if err != nil {
			return "", errors.New("message data must be base64 encoded")
		}
		var payload dispatchRequest
		if err := json.Unmarshal(decoded, &payload); err == nil && strings.TrimSpace(payload.NotificationID) != "" {
			return strings.TrimSpace(payload.NotificationID), nil
		}
	}

	return "", errors.New("notification id not found in request")
}

type sweepResponse struct {
	ReleasedIDs []string `json:"releasedIds"`
	Released    int      `json:"released"`
	SweptAt     string   `json:"sweptAt"`
}

func (h *InternalJobHandlers) sweepReservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	result, err := h.inventory.SweepExpired(ctx, h.clock().UTC())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_error", "failed to sweep expired reservations", http.StatusInternalServerError))
		return
	}

	released := result.ReleasedIDs
	if released == nil {
		released = []string{}
	}

	writeJSONResponse(w, http.StatusOK, sweepResponse{
		ReleasedIDs: released,
		Released:    len(released),
		SweptAt:     formatTime(result.SweptAt),
	})
}

type paymentResultRequest struct {
	OrderID string `json:"orderId"`
	Success *bool  `json:"success"`
	Reason  string `json:"reason"`
}

func (h *InternalJobHandlers) applyPaymentResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxInternalJobBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req paymentResultRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return
	}
	if req.Success == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "success is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.HandlePaymentResult(ctx, services.PaymentResultCommand{
		OrderID: strings.TrimSpace(req.OrderID),
		Success: *req.Success,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: "internal",
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
	})
}
