package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves the shared secrets carriers and partner systems
// sign their callbacks with.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore remembers nonces so a captured callback cannot be replayed.
type NonceStore interface {
	// UseNonce records the nonce within the scope. It returns true when the
	// nonce was fresh and false when it was already spent.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// MemoryNonceStore keeps nonces in process memory. Good enough for a single
// instance and for tests; multi-instance deployments use the Firestore store.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewMemoryNonceStore constructs an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]time.Time)}
}

// UseNonce records the nonce until expiry and rejects repeats until then.
func (s *MemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.sweep(now)

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	key := scope + "::" + nonce
	if spent, ok := s.nonces[key]; ok && spent.After(now) {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// sweep drops lapsed entries. Caller holds the lock.
func (s *MemoryNonceStore) sweep(now time.Time) {
	for key, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, key)
		}
	}
}

// HMACVerifier authenticates signed callbacks from carriers and other ops
// integrations that cannot present Firebase or OIDC tokens.
type HMACVerifier struct {
	provider SecretProvider
	nonces   NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secretCache sync.Map
}

// HMACOption adjusts the verifier.
type HMACOption func(*HMACVerifier)

// NewHMACVerifier builds a verifier over the secret provider and nonce store.
func NewHMACVerifier(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACVerifier {
	verifier := &HMACVerifier{
		provider:        provider,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}

	return verifier
}

// WithHMACLogger replaces the verifier logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACVerifier) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a time source for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders overrides the header names carrying signature material.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACVerifier) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew sets the accepted distance between the signature
// timestamp and the server clock.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACVerifier) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL sets how long spent nonces are remembered.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACVerifier) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// HMACResult describes a verified callback for downstream handlers.
type HMACResult struct {
	SecretName   string
	Timestamp    time.Time
	Nonce        string
	Signature    []byte
	RawSignature string
}

type hmacResultKey struct{}

// WithHMACResult stores the verification result on the context.
func WithHMACResult(ctx context.Context, result *HMACResult) context.Context {
	if result == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacResultKey{}, result)
}

// HMACResultFromContext returns the result stored by RequireHMAC.
func HMACResultFromContext(ctx context.Context) (*HMACResult, bool) {
	result, ok := ctx.Value(hmacResultKey{}).(*HMACResult)
	if !ok || result == nil {
		return nil, false
	}
	return result, true
}

// hmacFailure is a rejected verification attempt.
type hmacFailure struct {
	status  int
	code    string
	message string
	reason  string
}

// RequireHMAC enforces a valid signature computed with the named secret.
func (v *HMACVerifier) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	scopedSecret := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			result, failure := v.verifyRequest(ctx, r, scopedSecret)
			if failure != nil {
				v.record(ctx, false, failure.reason, start)
				writeAuthError(w, failure.status, failure.code, failure.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACResult(ctx, result)))
		})
	}
}

// RequireHMACResolver picks the secret per request, typically from the
// carrier name in the path.
func (v *HMACVerifier) RequireHMACResolver(resolver func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver == nil {
				v.record(r.Context(), false, "secret_not_configured", v.now())
				writeAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "callback secret resolver not configured")
				return
			}

			secretName, ok := resolver(r)
			if !ok || strings.TrimSpace(secretName) == "" {
				v.record(r.Context(), false, "provider_unknown", v.now())
				writeAuthError(w, http.StatusUnauthorized, "unknown_provider", "callback source not recognised")
				return
			}

			v.RequireHMAC(secretName)(next).ServeHTTP(w, r)
		})
	}
}

func (v *HMACVerifier) verifyRequest(ctx context.Context, r *http.Request, scopedSecret string) (*HMACResult, *hmacFailure) {
	if scopedSecret == "" {
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "callback secret not configured", "secret_not_configured"}
	}

	secret, err := v.loadSecret(ctx, scopedSecret)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: callback secret lookup failed: %v", err)
		}
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "callback secret unavailable", "secret_unavailable"}
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if signatureValue == "" {
		return nil, &hmacFailure{http.StatusUnauthorized, "signature_missing", "signature header missing", "signature_missing"}
	}

	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if timestampValue == "" {
		return nil, &hmacFailure{http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing", "timestamp_missing"}
	}

	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return nil, &hmacFailure{http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid", "timestamp_invalid"}
	}

	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, &hmacFailure{http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window", "timestamp_skew"}
	}

	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, &hmacFailure{http.StatusUnauthorized, "nonce_missing", "signature nonce missing", "nonce_missing"}
	}

	bodyBytes, err := readAndRestoreBody(r)
	if err != nil {
		return nil, &hmacFailure{http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", "body_unreadable"}
	}

	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return nil, &hmacFailure{http.StatusUnauthorized, "signature_invalid", "signature encoding invalid", "signature_invalid"}
	}

	expected := computeHMAC(secret, canonicalRequest(r, bodyBytes, timestampValue, nonce))
	if !hmac.Equal(signature, expected) {
		return nil, &hmacFailure{http.StatusUnauthorized, "signature_mismatch", "signature verification failed", "signature_mismatch"}
	}

	if v.nonces == nil {
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable", "nonce_store_unavailable"}
	}

	ttl := timestamp.Add(v.nonceTTL)
	if ttl.Before(v.now()) {
		ttl = v.now().Add(v.nonceTTL)
	}

	fresh, err := v.nonces.UseNonce(ctx, scopedSecret, nonce, ttl)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: nonce store error: %v", err)
		}
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error", "nonce_store_error"}
	}
	if !fresh {
		return nil, &hmacFailure{http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce", "nonce_replay"}
	}

	return &HMACResult{
		SecretName:   scopedSecret,
		Timestamp:    timestamp,
		Nonce:        nonce,
		Signature:    signature,
		RawSignature: signatureValue,
	}, nil
}

func (v *HMACVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

// loadSecret resolves the named secret, caching the bytes for the life
// of the process. Carrier secrets rotate through redeploys, not at
// runtime, so the cache never invalidates.
func (v *HMACVerifier) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(name); ok {
		if secret, _ := cached.([]byte); len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, errors.New("auth: secret is empty")
	}

	secret := []byte(raw)
	v.secretCache.Store(name, secret)
	return secret, nil
}

// readAndRestoreBody drains the request body and puts a replayable copy
// back so the handler behind the middleware can still decode it.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	buf, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// Carriers disagree on encoding, so both base64 and hex are accepted.
func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	for _, decode := range []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		hex.DecodeString,
	} {
		if decoded, err := decode(value); err == nil {
			return decoded, nil
		}
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// canonicalRequest is the signed payload: method, path, timestamp, nonce and
// the hex SHA-256 of the body, newline separated.
func canonicalRequest(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	bodyHash := sha256.Sum256(body)

	var buf bytes.Buffer
	for i, field := range []string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(bodyHash[:]),
	} {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(field)
	}
	return buf.Bytes()
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}
