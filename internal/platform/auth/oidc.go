package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrSigningKeyUnknown is returned when the token's key ID is absent from the key set.
	ErrSigningKeyUnknown = errors.New("auth: signing key not in key set")
	// ErrKeySetUnavailable wraps transport or decoding failures while fetching the key set.
	ErrKeySetUnavailable = errors.New("auth: key set fetch failed")
)

// Logger is the minimal logging contract this package needs.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder receives one record per verification attempt.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

const (
	defaultKeySetRefreshInterval = 15 * time.Minute
	defaultKeySetFetchTimeout    = 5 * time.Second
)

// KeySetCache caches the Google signing keys used to verify scheduler and IAP
// tokens, refreshing them lazily and prefetching before expiry.
type KeySetCache struct {
	url    string
	client *http.Client
	logger Logger
	now    func() time.Time

	refreshInterval time.Duration
	fetchTimeout    time.Duration

	prefetchEnabled bool

	mu       sync.RWMutex
	keys     map[string]jose.JSONWebKey
	expiry   time.Time
	prefetch time.Time

	refreshMu   sync.Mutex
	prefetching atomic.Bool
}

// KeySetOption adjusts KeySetCache behaviour.
type KeySetOption func(*KeySetCache)

// NewKeySetCache builds a cache over the given JWKS endpoint.
func NewKeySetCache(url string, opts ...KeySetOption) *KeySetCache {
	cache := &KeySetCache{
		url:             url,
		client:          &http.Client{Timeout: 10 * time.Second},
		logger:          log.Default(),
		now:             time.Now,
		refreshInterval: defaultKeySetRefreshInterval,
		fetchTimeout:    defaultKeySetFetchTimeout,
		prefetchEnabled: true,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}

	return cache
}

// WithKeySetHTTPClient replaces the HTTP client used for key set fetches.
func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(c *KeySetCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithKeySetLogger replaces the cache logger.
func WithKeySetLogger(logger Logger) KeySetOption {
	return func(c *KeySetCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithKeySetRefreshInterval sets the validity window used when the endpoint
// sends no cache headers.
func WithKeySetRefreshInterval(d time.Duration) KeySetOption {
	return func(c *KeySetCache) {
		if d > 0 {
			c.refreshInterval = d
		}
	}
}

// WithKeySetFetchTimeout bounds each key set fetch.
func WithKeySetFetchTimeout(d time.Duration) KeySetOption {
	return func(c *KeySetCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithKeySetClock injects a time source for tests.
func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(c *KeySetCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithoutKeySetPrefetch disables background prefetching near expiry.
func WithoutKeySetPrefetch() KeySetOption {
	return func(c *KeySetCache) {
		c.prefetchEnabled = false
	}
}

// Keyfunc adapts the cache to the jwt parser's key lookup.
func (c *KeySetCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	if ctx == nil {
		ctx = context.Background()
	}

	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}

		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Method)
		}

		return c.Key(ctx, kid)
	}
}

// Key returns the public key for kid, refreshing the key set when the cache
// is stale or the kid is unknown.
func (c *KeySetCache) Key(ctx context.Context, kid string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := c.now()
	if c.stale(now) {
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
	}

	if key, ok := c.cachedKey(kid); ok {
		if c.nearExpiry(now) {
			c.prefetchAsync()
		}
		return key, nil
	}

	// An unknown kid usually means Google rotated keys since the last fetch.
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	if key, ok := c.cachedKey(kid); ok {
		return key, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrSigningKeyUnknown, kid)
}

func (c *KeySetCache) cachedKey(kid string) (any, bool) {
	c.mu.RLock()
	jwk, ok := c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

// keySetState is a lock-free snapshot of the cache timing fields.
type keySetState struct {
	populated bool
	expiry    time.Time
	prefetch  time.Time
}

func (c *KeySetCache) state() keySetState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keySetState{
		populated: len(c.keys) > 0,
		expiry:    c.expiry,
		prefetch:  c.prefetch,
	}
}

func (c *KeySetCache) stale(now time.Time) bool {
	s := c.state()
	switch {
	case !s.populated:
		return true
	case s.expiry.IsZero():
		return false
	default:
		return !now.Before(s.expiry)
	}
}

func (c *KeySetCache) nearExpiry(now time.Time) bool {
	if !c.prefetchEnabled {
		return false
	}
	s := c.state()
	if s.prefetch.IsZero() || s.expiry.IsZero() || now.After(s.expiry) {
		return false
	}
	return !now.Before(s.prefetch)
}

func (c *KeySetCache) prefetchAsync() {
	if !c.prefetchEnabled {
		return
	}
	if !c.prefetching.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer c.prefetching.Store(false)
		if err := c.refresh(context.Background()); err != nil && c.logger != nil {
			c.logger.Printf("auth: key set prefetch failed: %v", err)
		}
	}()
}

func (c *KeySetCache) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	keys, validity, err := c.fetchKeySet(ctx)
	if err != nil {
		return err
	}
	c.store(keys, validity)

	if c.logger != nil {
		c.logger.Printf("auth: key set refreshed (%d keys, valid %s)", len(keys), validity)
	}

	return nil
}

// store installs a freshly fetched key set. The prefetch point sits at
// half the validity window so a rotation never races the expiry.
func (c *KeySetCache) store(keys map[string]jose.JSONWebKey, validity time.Duration) {
	now := c.now()
	c.mu.Lock()
	c.keys = keys
	c.expiry = now.Add(validity)
	c.prefetch = now.Add(validity / 2)
	c.mu.Unlock()
}

func (c *KeySetCache) fetchKeySet(ctx context.Context) (map[string]jose.JSONWebKey, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("%w: unexpected status %d", ErrKeySetUnavailable, resp.StatusCode)
	}

	keys, err := decodeKeySet(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return keys, c.validityFromHeaders(resp.Header), nil
}

func decodeKeySet(body io.Reader) (map[string]jose.JSONWebKey, error) {
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(body).Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: decode key set: %v", ErrKeySetUnavailable, err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || !jwk.Valid() {
			continue
		}
		keys[jwk.KeyID] = jwk
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty key set", ErrKeySetUnavailable)
	}
	return keys, nil
}

// validityFromHeaders honours the endpoint's cache headers, falling back
// to the configured refresh interval when Google sends none.
func (c *KeySetCache) validityFromHeaders(header http.Header) time.Duration {
	validity := c.refreshInterval
	if maxAge := parseMaxAge(header.Get("Cache-Control")); maxAge > 0 {
		validity = maxAge
	}
	if expires := header.Get("Expires"); expires != "" {
		if ts, err := http.ParseTime(expires); err == nil {
			if delta := ts.Sub(c.now()); delta > 0 {
				validity = delta
			}
		}
	}
	if validity <= 0 {
		validity = defaultKeySetRefreshInterval
	}
	return validity
}

func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		value, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(directive)), "max-age=")
		if !ok {
			continue
		}
		if seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// OIDCVerifier checks the Google-signed OIDC tokens Cloud Scheduler and IAP
// attach when invoking the internal job routes (reservation sweep, reports).
type OIDCVerifier struct {
	cache   *KeySetCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption adjusts the verifier.
type OIDCOption func(*OIDCVerifier)

// NewOIDCVerifier builds an OIDCVerifier over the key set cache.
func NewOIDCVerifier(cache *KeySetCache, opts ...OIDCOption) *OIDCVerifier {
	verifier := &OIDCVerifier{
		cache:  cache,
		logger: log.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}

	return verifier
}

// WithOIDCLogger replaces the verifier logger.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCVerifier) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects a time source for tests.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// ServicePrincipal is the verified service-account caller behind a job or
// internal request.
type ServicePrincipal struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string

	Token  *jwt.Token
	Claims map[string]any
}

type servicePrincipalKey struct{}

// WithServicePrincipal stores the verified caller on the context.
func WithServicePrincipal(ctx context.Context, principal *ServicePrincipal) context.Context {
	if principal == nil {
		return ctx
	}
	return context.WithValue(ctx, servicePrincipalKey{}, principal)
}

// ServicePrincipalFromContext returns the caller stored by RequireOIDC.
func ServicePrincipalFromContext(ctx context.Context) (*ServicePrincipal, bool) {
	principal, ok := ctx.Value(servicePrincipalKey{}).(*ServicePrincipal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// RequireOIDC rejects requests that do not carry a valid Google-signed OIDC
// token for the expected audience.
func (v *OIDCVerifier) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	expectedAudience := strings.TrimSpace(audience)
	allowedIssuers := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowedIssuers[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			if expectedAudience == "" {
				v.record(ctx, false, "audience_not_configured", start)
				writeAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "job audience not configured")
				return
			}

			tokenStr, source := jobToken(r)
			if tokenStr == "" {
				v.record(ctx, false, "token_missing", start)
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "caller token missing")
				return
			}

			if v == nil || v.cache == nil {
				v.record(ctx, false, "cache_unavailable", start)
				writeAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "token verification unavailable")
				return
			}

			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))

			claims := jwt.MapClaims{}
			parsed, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx))
			if err != nil {
				status := http.StatusUnauthorized
				reason := "token_invalid"
				if errors.Is(err, ErrKeySetUnavailable) {
					status = http.StatusServiceUnavailable
					reason = "keyset_unavailable"
				}
				if v.logger != nil {
					v.logger.Printf("auth: caller token rejected (%s): %v", reason, err)
				}
				v.record(ctx, false, reason, start)
				writeAuthError(w, status, "invalid_token", "caller token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(allowedIssuers) > 0 {
				if _, ok := allowedIssuers[issuer]; !ok {
					if v.logger != nil {
						v.logger.Printf("auth: caller issuer %q not allowed", issuer)
					}
					v.record(ctx, false, "issuer_mismatch", start)
					writeAuthError(w, http.StatusUnauthorized, "invalid_token", "caller issuer not allowed")
					return
				}
			}

			if !containsString(audienceClaim(claims), expectedAudience) {
				if v.logger != nil {
					v.logger.Printf("auth: caller audience mismatch, want %q (source=%s)", expectedAudience, source)
				}
				v.record(ctx, false, "audience_mismatch", start)
				writeAuthError(w, http.StatusUnauthorized, "invalid_token", "caller audience mismatch")
				return
			}

			email, _ := claims["email"].(string)
			subject, _ := claims["sub"].(string)

			principal := &ServicePrincipal{
				Subject:  subject,
				Email:    email,
				Issuer:   issuer,
				Audience: expectedAudience,
				Token:    parsed,
				Claims:   copyClaims(claims),
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServicePrincipal(ctx, principal)))
		})
	}
}

func (v *OIDCVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}

func jobToken(r *http.Request) (token string, source string) {
	if r == nil {
		return "", ""
	}
	if authz := r.Header.Get("Authorization"); authz != "" {
		if bearer, ok := bearerToken(authz); ok {
			return bearer, "authorization"
		}
	}
	if assertion := strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion")); assertion != "" {
		return assertion, "iap"
	}
	return "", ""
}

func audienceClaim(claims jwt.MapClaims) []string {
	switch v := claims["aud"].(type) {
	case string:
		return []string{strings.TrimSpace(v)}
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				continue
			}
			if str = strings.TrimSpace(str); str != "" {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func copyClaims(claims jwt.MapClaims) map[string]any {
	out := make(map[string]any, len(claims))
	for key, value := range claims {
		out[key] = value
	}
	return out
}
