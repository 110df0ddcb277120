package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/platform/auth"
	"github.com/willowmart/api/internal/platform/httpx"
	"github.com/willowmart/api/internal/services"
)

const (
	maxPushTokenBodySize = 4 * 1024
	defaultListPageSize  = 20
	maxListPageSize      = 100
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// MeHandlers exposes the device token and notification inbox endpoints for the
// authenticated user.
type MeHandlers struct {
	authn         *auth.Authenticator
	pushTokens    services.PushTokenService
	notifications services.NotificationService
}

// NewMeHandlers constructs handlers enforcing Firebase authentication on /me routes.
func NewMeHandlers(authn *auth.Authenticator, pushTokens services.PushTokenService, notifications services.NotificationService) *MeHandlers {
	return &MeHandlers{
		authn:         authn,
		pushTokens:    pushTokens,
		notifications: notifications,
	}
}

// Routes wires the /me endpoints onto the provided router.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Put("/push-token", h.registerPushToken)
	r.Delete("/push-token", h.unregisterPushToken)
	r.Get("/notifications", h.listNotifications)
	r.Get("/notifications/{notificationID}", h.getNotification)
	r.Post("/notifications/{notificationID}:read", h.markNotificationRead)
}

type pushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type pushTokenResponse struct {
	UserID    string `json:"userId"`
	Token     string `json:"token"`
	Platform  string `json:"platform,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func (h *MeHandlers) registerPushToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pushTokens == nil {
		httpx.WriteError(ctx, w, httpx.NewError("push_token_unavailable", "push token service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxPushTokenBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req pushTokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	registration, err := h.pushTokens.Register(ctx, services.RegisterPushTokenCommand{
		UserID:   identity.UID,
		Token:    strings.TrimSpace(req.Token),
		Platform: strings.TrimSpace(req.Platform),
	})
	if err != nil {
		if errors.Is(err, services.ErrPushTokenInvalidInput) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("push_token_error", "failed to register push token", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, pushTokenResponse{
		UserID:    registration.UserID,
		Token:     registration.Token,
		Platform:  registration.Platform,
		UpdatedAt: formatTime(registration.UpdatedAt),
	})
}

func (h *MeHandlers) unregisterPushToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pushTokens == nil {
		httpx.WriteError(ctx, w, httpx.NewError("push_token_unavailable", "push token service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	if err := h.pushTokens.Unregister(ctx, identity.UID); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("push_token_error", "failed to remove push token", http.StatusInternalServerError))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *MeHandlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()
	listQuery := services.NotificationListQuery{
		UserID:           identity.UID,
		IncludeBroadcast: identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin),
		UnreadOnly:       parseBoolParam(query.Get("unread_only")),
		Pagination:       parsePagination(query),
	}
	for _, raw := range parseFilterValues(query["type"]) {
		listQuery.Types = append(listQuery.Types, services.NotificationType(raw))
	}

	page, err := h.notifications.List(ctx, listQuery)
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}

	items := make([]notificationPayload, 0, len(page.Items))
	for _, notification := range page.Items {
		items = append(items, buildNotificationPayload(notification))
	}

	writeJSONResponse(w, http.StatusOK, notificationListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *MeHandlers) getNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	notificationID := strings.TrimSpace(chi.URLParam(r, "notificationID"))
	if notificationID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "notification id is required", http.StatusBadRequest))
		return
	}

	notification, err := h.notifications.Get(ctx, notificationID)
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}

	if !notification.Broadcast() && !strings.EqualFold(strings.TrimSpace(*notification.UserID), strings.TrimSpace(identity.UID)) {
		httpx.WriteError(ctx, w, httpx.NewError("notification_not_found", "notification not found", http.StatusNotFound))
		return
	}
	if notification.Broadcast() && !identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("notification_not_found", "notification not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, notificationResponse{Notification: buildNotificationPayload(notification)})
}

func (h *MeHandlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	notificationID := strings.TrimSpace(chi.URLParam(r, "notificationID"))
	if notificationID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "notification id is required", http.StatusBadRequest))
		return
	}

	notification, err := h.notifications.MarkRead(ctx, services.MarkReadCommand{
		NotificationID: notificationID,
		UserID:         identity.UID,
	})
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, notificationResponse{Notification: buildNotificationPayload(notification)})
}

// Shared payloads and helpers ------------------------------------------------

type notificationListResponse struct {
	Items         []notificationPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type notificationResponse struct {
	Notification notificationPayload `json:"notification"`
}

type notificationPayload struct {
	ID        string         `json:"id"`
	UserID    *string        `json:"userId"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	RelatedID *string        `json:"relatedId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	IsRead    bool           `json:"isRead"`
	ReadAt    string         `json:"readAt,omitempty"`
	CreatedAt string         `json:"createdAt"`
	CreatedBy *string        `json:"createdBy,omitempty"`
}

func buildNotificationPayload(notification services.Notification) notificationPayload {
	return notificationPayload{
		ID:        strings.TrimSpace(notification.ID),
		UserID:    cloneStringPointer(notification.UserID),
		Type:      string(notification.Type),
		Title:     notification.Title,
		Body:      notification.Body,
		RelatedID: cloneStringPointer(notification.RelatedID),
		Data:      cloneMap(notification.Data),
		IsRead:    notification.IsRead,
		ReadAt:    formatTime(pointerTime(notification.ReadAt)),
		CreatedAt: formatTime(notification.CreatedAt),
		CreatedBy: cloneStringPointer(notification.CreatedBy),
	}
}

func writeNotificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotificationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotificationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("notification_not_found", "notification not found", http.StatusNotFound))
	case errors.Is(err, services.ErrNotificationForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("notification_forbidden", "notification belongs to another user", http.StatusForbidden))
	case errors.Is(err, services.ErrNotificationUnsupportedType):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("notification_error", "failed to process notification request", http.StatusInternalServerError))
	}
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxPushTokenBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func cloneStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(src))
	for key, value := range src {
		cloned[key] = value
	}
	return cloned
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func parsePagination(query url.Values) domain.Pagination {
	pagination := domain.Pagination{
		PageSize:  defaultListPageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		if size, err := strconv.Atoi(raw); err == nil {
			switch {
			case size <= 0:
				pagination.PageSize = defaultListPageSize
			case size > maxListPageSize:
				pagination.PageSize = maxListPageSize
			default:
				pagination.PageSize = size
			}
		}
	}
	return pagination
}

func parseBoolParam(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
