package httpx

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteErrorEnvelopeShape(t *testing.T) {
	rec := httptest.NewRecorder()
	err := NewError("out_of_stock", "variant has no stock left", 409).
		WithDetails(map[string]any{"variantId": "var_42"}).
		WithRequestID("req_123").
		WithTraceID("trace_abc")

	WriteError(context.Background(), rec, err)

	if rec.Code != 409 {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type = %q", got)
	}

	var body map[string]any
	if decodeErr := json.Unmarshal(rec.Body.Bytes(), &body); decodeErr != nil {
		t.Fatalf("decode body: %v", decodeErr)
	}
	if body["error"] != "out_of_stock" {
		t.Fatalf("error = %v", body["error"])
	}
	if body["message"] != "variant has no stock left" {
		t.Fatalf("message = %v", body["message"])
	}
	if body["variantId"] != "var_42" {
		t.Fatalf("detail variantId = %v", body["variantId"])
	}
	if body["request_id"] != "req_123" {
		t.Fatalf("request_id = %v", body["request_id"])
	}
	if body["trace_id"] != "trace_abc" {
		t.Fatalf("trace_id = %v", body["trace_id"])
	}
}

func TestWriteErrorDetailsCannotShadowReservedKeys(t *testing.T) {
	rec := httptest.NewRecorder()
	err := NewError("payment_failed", "card declined", 402).
		WithDetails(map[string]any{"error": "spoofed", "status": 200})

	WriteError(context.Background(), rec, err)

	var body map[string]any
	if decodeErr := json.Unmarshal(rec.Body.Bytes(), &body); decodeErr != nil {
		t.Fatalf("decode body: %v", decodeErr)
	}
	if body["error"] != "payment_failed" {
		t.Fatalf("error = %v", body["error"])
	}
	if int(body["status"].(float64)) != 402 {
		t.Fatalf("status field = %v", body["status"])
	}
}

func TestNewErrorFlattensNewlinesAndDefaultsStatus(t *testing.T) {
	err := NewError("bad_request\nX-Injected: 1", "line one\r\nline two", 0)
	if err.Status != 500 {
		t.Fatalf("status = %d, want 500", err.Status)
	}
	if strings.ContainsAny(err.Code, "\r\n") || strings.ContainsAny(err.Message, "\r\n") {
		t.Fatalf("newlines survived: code=%q message=%q", err.Code, err.Message)
	}
}

func TestNewErrorClipsOversizedMessage(t *testing.T) {
	err := NewError("oversized", strings.Repeat("a", 2048), 400)
	if len(err.Message) != maxMessageLen {
		t.Fatalf("message length = %d, want %d", len(err.Message), maxMessageLen)
	}
}
