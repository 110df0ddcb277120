package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/willowmart/api/internal/platform/requestctx"
)

// Field limits for the error envelope. Codes like out_of_stock stay
// short; messages carry wording shown to shoppers and get more room.
const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxRequestID  = 80
	maxTraceID    = 64
)

// Error is the JSON error envelope every endpoint returns. The mobile
// apps switch on Code (out_of_stock, order_not_found, payment_failed)
// and surface Message verbatim, so both travel on every error.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an envelope. A zero status becomes 500 so a handler
// that forgets the status never writes a 200 with an error body.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, maxCodeLen),
		Message: clip(message, maxMessageLen),
		Status:  status,
	}
}

// WithRequestID overrides the request id taken from the context.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = clip(id, maxRequestID)
	return e
}

// WithTraceID overrides the trace id taken from the context.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = clip(id, maxTraceID)
	return e
}

// WithDetails attaches extra top-level fields to the envelope, such as
// the variant ids that were out of stock on a rejected checkout.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// envelope flattens the error into the wire shape. Details land at the
// top level next to the reserved keys; reserved keys win on collision.
func (e Error) envelope(ctx context.Context) (int, map[string]any) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	body := make(map[string]any, len(e.Details)+5)
	for k, v := range e.Details {
		body[k] = v
	}
	body["error"] = e.Code
	body["message"] = e.Message
	body["status"] = status

	requestID := e.RequestID
	if requestID == "" {
		requestID = clip(middleware.GetReqID(ctx), maxRequestID)
	}
	if requestID != "" {
		body["request_id"] = requestID
	}

	traceID := e.TraceID
	if traceID == "" {
		traceID = clip(requestctx.TraceID(ctx), maxTraceID)
	}
	if traceID != "" {
		body["trace_id"] = traceID
	}

	return status, body
}

// WriteError serialises the envelope as JSON with the matching status.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status, body := err.envelope(ctx)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// clip flattens newlines and bounds the value. Envelope fields echo
// caller input back, so a crafted value must not split a log line or
// bloat the response.
func clip(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, value)
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
