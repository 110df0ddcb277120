package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var checkoutTime = time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

func newCheckoutRequest(key, payload string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/checkout", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func newGuardedHandler(t *testing.T, store Store, next http.HandlerFunc) http.Handler {
	t.Helper()
	middleware := Middleware(store, WithClock(func() time.Time { return checkoutTime }))
	return middleware(next)
}

func decodeErrorCode(t *testing.T, payload []byte) string {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return body.Error
}

func TestMiddlewareRejectsCheckoutWithoutKey(t *testing.T) {
	handlerCalled := false
	handler := newGuardedHandler(t, NewMemoryStore(), func(http.ResponseWriter, *http.Request) {
		handlerCalled = true
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newCheckoutRequest("", `{"variantId":"var_1","qty":1}`))

	if handlerCalled {
		t.Fatal("handler ran without an idempotency key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_key_required" {
		t.Fatalf("error code = %q, want idempotency_key_required", code)
	}
}

func TestMiddlewareReplaysStoredCheckoutResponse(t *testing.T) {
	var calls int
	handler := newGuardedHandler(t, NewMemoryStore(), func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"orderId":"ord_91"}`))
	})

	payload := `{"variantId":"var_1","qty":1}`

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newCheckoutRequest("chk-91", payload))

	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
	if rr1.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newCheckoutRequest("chk-91", payload))

	if calls != 1 {
		t.Fatalf("handler ran again on retry, calls = %d", calls)
	}
	if rr2.Code != http.StatusCreated {
		t.Fatalf("replayed status = %d, want 201", rr2.Code)
	}
	if rr2.Header().Get(replayHeaderName) != "true" {
		t.Fatal("replay header missing on second response")
	}
	if got := rr2.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("replayed content type = %q, want application/json", got)
	}
	if rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("replayed body = %s, want %s", rr2.Body.String(), rr1.Body.String())
	}
}

func TestMiddlewareKeyReuseWithChangedCartConflicts(t *testing.T) {
	handler := newGuardedHandler(t, NewMemoryStore(), func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newCheckoutRequest("chk-55", `{"variantId":"var_1","qty":1}`))
	if rr1.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newCheckoutRequest("chk-55", `{"variantId":"var_1","qty":3}`))

	if rr2.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr2.Code)
	}
	if code := decodeErrorCode(t, rr2.Body.Bytes()); code != "idempotency_key_conflict" {
		t.Fatalf("error code = %q, want idempotency_key_conflict", code)
	}
}

func TestMiddlewareInFlightKeyConflicts(t *testing.T) {
	store := NewMemoryStore()
	handler := newGuardedHandler(t, store, func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler ran while the key was held by another request")
	})

	req := newCheckoutRequest("chk-pending", `{"variantId":"var_9","qty":2}`)

	body, err := bufferRequestBody(req)
	if err != nil {
		t.Fatalf("buffer body: %v", err)
	}
	requester := requesterID(req.Context())
	fingerprint := fingerprintOf(req, body, requester)
	scoped := scopeToRequester("chk-pending", requester)
	if _, err := store.Reserve(req.Context(), scoped, fingerprint, checkoutTime, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_in_progress" {
		t.Fatalf("error code = %q, want idempotency_in_progress", code)
	}
}

func TestMiddlewareReleasesKeyWhenPersistFails(t *testing.T) {
	store := &flakyStore{failSave: true}
	handler := newGuardedHandler(t, store, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"orderId":"ord_17"}`))
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newCheckoutRequest("chk-flaky", `{"variantId":"var_2","qty":1}`))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "idempotency_store_error" {
		t.Fatalf("error code = %q, want idempotency_store_error", code)
	}
	if !store.released {
		t.Fatal("reservation not released after persist failure")
	}
}

func TestMiddlewareIgnoresReadOnlyRequests(t *testing.T) {
	handlerCalled := false
	handler := newGuardedHandler(t, NewMemoryStore(), func(w http.ResponseWriter, _ *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/ord_91", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if !handlerCalled {
		t.Fatal("GET request blocked by idempotency middleware")
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

type flakyStore struct {
	failSave bool
	released bool
}

func (s *flakyStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew}, nil
}

func (s *flakyStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	return nil
}

func (s *flakyStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *flakyStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
