package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mapSecretProvider map[string]string

func (m mapSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if secret, ok := m[name]; ok {
		return secret, nil
	}
	return "", fmt.Errorf("secret %s not found", name)
}

func signCallback(req *http.Request, body []byte, secret, timestamp, nonce string) {
	signature := computeHMAC([]byte(secret), canonicalRequest(req, body, timestamp, nonce))
	req.Header.Set(defaultSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	req.Header.Set(defaultTimestampHeader, timestamp)
	req.Header.Set(defaultNonceHeader, nonce)
}

func TestRequireHMACAcceptsSignedCallback(t *testing.T) {
	const secretName = "callbacks/carrier"
	secretValue := "carrier-shared-secret"

	provider := mapSecretProvider{secretName: secretValue}
	store := NewMemoryNonceStore()

	metrics := &recordingMetrics{}
	now := time.Now().UTC().Truncate(time.Second)

	verifier := NewHMACVerifier(provider, store,
		WithHMACLogger(noopLogger{}),
		WithHMACClock(func() time.Time { return now }),
		WithHMACMetrics(metrics),
	)

	body := []byte(`{"trackingNumber":"WM-4417","status":"out_for_delivery"}`)
	req := httptest.NewRequest(http.MethodPost, "/callbacks/shipping/carrier", bytes.NewReader(body))
	signCallback(req, body, secretValue, now.Format(time.RFC3339), "nonce-4417")

	rr := httptest.NewRecorder()

	verifier.RequireHMAC(secretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, ok := HMACResultFromContext(r.Context())
		if !ok {
			t.Fatalf("expected hmac result in context")
		}
		if result.SecretName != secretName {
			t.Fatalf("unexpected secret name %q", result.SecretName)
		}
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.records) != 1 || !metrics.records[0].success {
		t.Fatalf("expected success metric, got %+v", metrics.records)
	}
}

func TestRequireHMACRejectsReplayedNonce(t *testing.T) {
	const secretName = "callbacks/push-receipts"
	secretValue := "receipt-shared-secret"

	provider := mapSecretProvider{secretName: secretValue}
	store := NewMemoryNonceStore()

	now := time.Now().UTC().Truncate(time.Second)
	verifier := NewHMACVerifier(provider, store,
		WithHMACLogger(noopLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	body := []byte(`{"receiptId":"rcpt_19","status":"ok"}`)
	timestamp := now.Format(time.RFC3339)
	nonce := "nonce-replay"

	makeRequest := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/callbacks/push/receipts", bytes.NewReader(body))
		signCallback(req, body, secretValue, timestamp, nonce)
		return req
	}

	handler := verifier.RequireHMAC(secretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, makeRequest())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first callback to succeed, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, makeRequest())
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected with 401, got %d", rr.Code)
	}
}

func TestRequireHMACRejectsTamperedBody(t *testing.T) {
	const secretName = "callbacks/carrier"
	secretValue := "carrier-shared-secret"

	provider := mapSecretProvider{secretName: secretValue}
	store := NewMemoryNonceStore()
	now := time.Now().UTC().Truncate(time.Second)

	verifier := NewHMACVerifier(provider, store,
		WithHMACLogger(noopLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	signedBody := []byte(`{"trackingNumber":"WM-9001","status":"in_transit"}`)
	timestamp := now.Format(time.RFC3339)
	nonce := "nonce-tamper"

	// Sign one body, deliver another.
	req := httptest.NewRequest(http.MethodPost, "/callbacks/shipping/carrier", bytes.NewReader([]byte(`{"trackingNumber":"WM-9001","status":"delivered"}`)))
	signature := computeHMAC([]byte(secretValue), canonicalRequest(req, signedBody, timestamp, nonce))
	req.Header.Set(defaultSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	req.Header.Set(defaultTimestampHeader, timestamp)
	req.Header.Set(defaultNonceHeader, nonce)

	rr := httptest.NewRecorder()
	verifier.RequireHMAC(secretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run on a tampered body")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on tampered body, got %d", rr.Code)
	}
}

func TestRequireHMACRejectsStaleTimestamp(t *testing.T) {
	const secretName = "callbacks/carrier"
	secretValue := "carrier-shared-secret"

	provider := mapSecretProvider{secretName: secretValue}
	store := NewMemoryNonceStore()

	now := time.Now().UTC().Truncate(time.Second)
	verifier := NewHMACVerifier(provider, store,
		WithHMACLogger(noopLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	body := []byte(`{"trackingNumber":"WM-7070","status":"delivered"}`)
	req := httptest.NewRequest(http.MethodPost, "/callbacks/shipping/carrier", bytes.NewReader(body))
	signCallback(req, body, secretValue, now.Add(-10*time.Minute).Format(time.RFC3339), "nonce-stale")

	rr := httptest.NewRecorder()
	verifier.RequireHMAC(secretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run on a stale timestamp")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on stale timestamp, got %d", rr.Code)
	}
}

func TestRequireHMACSecretUnavailable(t *testing.T) {
	provider := SecretProviderFunc(func(context.Context, string) (string, error) {
		return "", fmt.Errorf("secret unavailable")
	})
	store := NewMemoryNonceStore()
	now := time.Now().UTC().Truncate(time.Second)

	verifier := NewHMACVerifier(provider, store,
		WithHMACLogger(noopLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	req := httptest.NewRequest(http.MethodPost, "/callbacks/shipping/carrier", bytes.NewReader(nil))
	rr := httptest.NewRecorder()

	verifier.RequireHMAC("missing/secret")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run when the secret is unavailable")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when secret unavailable, got %d", rr.Code)
	}
}

func TestRequireHMACResolverSelectsSecret(t *testing.T) {
	const secretName = "callbacks/carrier"
	secretValue := "carrier-shared-secret"

	provider := mapSecretProvider{secretName: secretValue}
	store := NewMemoryNonceStore()
	now := time.Now().UTC().Truncate(time.Second)

	verifier := NewHMACVerifier(provider, store,
		WithHMACLogger(noopLogger{}),
		WithHMACClock(func() time.Time { return now }),
	)

	body := []byte(`{"trackingNumber":"WM-1212"}`)
	req := httptest.NewRequest(http.MethodPost, "/callbacks/shipping/carrier", bytes.NewReader(body))
	signCallback(req, body, secretValue, now.Format(time.RFC3339), "resolver-nonce")

	resolver := func(r *http.Request) (string, bool) {
		return secretName, true
	}

	rr := httptest.NewRecorder()
	verifier.RequireHMACResolver(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from resolver middleware, got %d", rr.Code)
	}

	// Unrecognised callback sources fail before signature checks.
	unknown := httptest.NewRecorder()
	verifier.RequireHMACResolver(func(*http.Request) (string, bool) {
		return "", false
	})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run for an unknown source")
	})).ServeHTTP(unknown, httptest.NewRequest(http.MethodPost, "/callbacks/shipping/unknown", nil))

	if unknown.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown source, got %d", unknown.Code)
	}
}
