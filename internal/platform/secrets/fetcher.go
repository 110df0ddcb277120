// Package secrets resolves secret:// references against Google Secret
// Manager. The storefront keeps its Stripe API keys, webhook signing
// secrets, and carrier callback secrets there; local development reads
// the same references from a .secrets.local file instead.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	metricNamespace     = "github.com/willowmart/api/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// Fetcher turns secret:// references into secret values. Resolved values
// are cached for the process lifetime; Invalidate drops a cached value
// when a secret rotates.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger *zap.Logger

	env           string
	defaultProjID string
	projectMap    map[string]string
	versionPins   map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	mu       sync.RWMutex
	cache    map[string]cachedSecret
	watchers map[string][]chan struct{}

	metrics fetchMetrics
}

// fetchMetrics carries the OpenTelemetry instruments for secret
// resolution. Either instrument may be nil when the meter rejects it;
// recording then degrades to a no-op instead of failing startup.
type fetchMetrics struct {
	latency metric.Float64Histogram
	hits    metric.Int64Counter
}

func newFetchMetrics(meter metric.Meter, logger *zap.Logger) fetchMetrics {
	var m fetchMetrics
	var err error

	m.latency, err = meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent resolving a secret reference"),
	)
	if err != nil {
		logger.Warn("secrets: latency metric unavailable", zap.Error(err))
		m.latency = nil
	}

	m.hits, err = meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from the process cache"),
	)
	if err != nil {
		logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
		m.hits = nil
	}

	return m
}

func (m fetchMetrics) observe(ctx context.Context, elapsed time.Duration, source string, err error) {
	if m.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (m fetchMetrics) hit(ctx context.Context, canonical string) {
	if m.hits == nil {
		return
	}
	m.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", refDigest(canonical))))
}

type cachedSecret struct {
	value     string
	canonical string
	version   string
	fetchedAt time.Time
	source    string
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type fetcherOptions struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectMap   map[string]string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	versionPins  map[string]string
}

// Option configures a Fetcher.
type Option func(*fetcherOptions)

// WithLogger sets the logger for fetch diagnostics. Secret values are
// never logged; references appear only as digests.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherOptions) {
		cfg.logger = logger
	}
}

// WithEnvironment names the deployment environment. The environment
// picks the Secret Manager project and scopes version pins.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherOptions) {
		cfg.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project consulted when the environment has
// no entry in the project map.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherOptions) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithProjectMap maps environment names to Secret Manager project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherOptions) {
		cfg.projectMap = maps.Clone(m)
	}
}

// WithFallbackFile points at the local KEY=VALUE file consulted when
// Secret Manager is unreachable or credentials are missing.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherOptions) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithMeter overrides the OpenTelemetry meter used for fetch metrics.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherOptions) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects the Secret Manager client. Tests use
// this to substitute a fake.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherOptions) {
		cfg.client = client
	}
}

// WithClientOptions forwards Cloud client options when the fetcher
// constructs its own Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherOptions) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// WithVersionPins pins references to explicit versions. Keys are
// canonical references, optionally prefixed "env:" to scope the pin.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherOptions) {
		cfg.versionPins = maps.Clone(pins)
	}
}

func defaultFetcherOptions() fetcherOptions {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT")))
	if env == "" {
		env = defaultEnvironment
	}
	return fetcherOptions{
		logger:       zap.NewNop(),
		env:          env,
		fallbackPath: defaultFallbackPath,
	}
}

// NewFetcher builds a Fetcher. When Secret Manager credentials are
// absent the fetcher still constructs and serves values from the
// fallback file, so local checkouts run without a GCP project.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := defaultFetcherOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	f := &Fetcher{
		logger:        cfg.logger,
		env:           cfg.env,
		defaultProjID: cfg.defaultProj,
		projectMap:    maps.Clone(cfg.projectMap),
		versionPins:   maps.Clone(cfg.versionPins),
		fallbackPath:  cfg.fallbackPath,
		cache:         make(map[string]cachedSecret),
		watchers:      make(map[string][]chan struct{}),
		metrics:       newFetchMetrics(cfg.meter, cfg.logger),
	}

	switch {
	case cfg.client != nil:
		f.client = cfg.client
	default:
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unreachable, serving fallback file only", zap.Error(err))
			break
		}
		f.client = client
		f.ownsClient = true
	}

	return f, nil
}

// Close drops all subscriptions and closes the Secret Manager client if
// the fetcher created it.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	subscriptions := f.watchers
	f.watchers = make(map[string][]chan struct{})
	f.mu.Unlock()

	for _, channels := range subscriptions {
		for _, ch := range channels {
			closeWatcher(ch)
		}
	}

	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind ref. Cache first, then Secret
// Manager, then the fallback file when Secret Manager is unreachable or
// denies access. A NotFound from Secret Manager is a hard error; a
// missing Stripe key should fail checkout loudly rather than pick up a
// stale local value.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseRef(ref)
	if err != nil {
		return "", err
	}

	value, source, err := f.resolve(ctx, parsed)
	f.metrics.observe(ctx, time.Since(start), source, err)
	if err != nil {
		return "", err
	}
	if source == "cache" {
		f.metrics.hit(ctx, parsed.Canonical)
	}
	return value, nil
}

// resolve walks cache, then Secret Manager, then the fallback file, and
// reports which layer answered.
func (f *Fetcher) resolve(ctx context.Context, parsed secretRef) (string, string, error) {
	version := f.pinnedVersion(parsed)
	key := cacheKey(parsed.Canonical, version)

	if value, ok := f.cachedValue(key); ok {
		return value, "cache", nil
	}

	if projectID := f.projectFor(parsed); f.client != nil && projectID != "" {
		value, fetchErr := f.accessRemote(ctx, projectID, parsed.Secret, version)
		switch {
		case fetchErr == nil:
			f.remember(key, value, parsed, version, "remote")
			return value, "remote", nil
		case !fallbackEligible(fetchErr):
			return "", "error", fmt.Errorf("secrets: fetch failed for %s: %w", parsed.Canonical, fetchErr)
		}
		f.logger.Debug("secrets: reading fallback file", zap.String("ref", parsed.Canonical), zap.Error(fetchErr))
	}

	value, ok := f.fallbackValue(parsed, version)
	if !ok {
		return "", "error", fmt.Errorf("secrets: no fallback value for %s", parsed.Canonical)
	}

	f.remember(key, value, parsed, version, "fallback")
	return value, "fallback", nil
}

// Invalidate evicts every cached version of ref and wakes subscribers.
// Called when a rotation event lands, for example a new carrier callback
// secret.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseRef(ref)
	if err != nil {
		return
	}

	f.mu.Lock()
	maps.DeleteFunc(f.cache, func(_ string, entry cachedSecret) bool {
		return entry.canonical == parsed.Canonical
	})
	subscribed := f.watchers[parsed.Canonical]
	f.mu.Unlock()

	for _, ch := range subscribed {
		tickWatcher(ch)
	}
}

// Subscribe returns a channel that receives a tick whenever ref is
// invalidated, plus a cancel func that removes the subscription.
func (f *Fetcher) Subscribe(ref string) (<-chan struct{}, func()) {
	parsed, err := parseRef(ref)
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}

	ch := make(chan struct{}, 1)

	f.mu.Lock()
	f.watchers[parsed.Canonical] = append(f.watchers[parsed.Canonical], ch)
	f.mu.Unlock()

	return ch, func() { f.dropWatcher(parsed.Canonical, ch) }
}

func (f *Fetcher) dropWatcher(canonical string, ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	remaining := slices.DeleteFunc(f.watchers[canonical], func(w chan struct{}) bool {
		return w == ch
	})
	if len(remaining) == 0 {
		delete(f.watchers, canonical)
		return
	}
	f.watchers[canonical] = remaining
}

// Notify records an externally observed rotation for ref.
func (f *Fetcher) Notify(ref string) {
	f.Invalidate(ref)
}

func (f *Fetcher) cachedValue(key string) (string, bool) {
	f.mu.RLock()
	entry, ok := f.cache[key]
	f.mu.RUnlock()
	return entry.value, ok
}

func (f *Fetcher) remember(key, value string, ref secretRef, version, source string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{
		value:     value,
		canonical: ref.Canonical,
		version:   version,
		fetchedAt: time.Now(),
		source:    source,
	}
	f.mu.Unlock()
}

func (f *Fetcher) accessRemote(ctx context.Context, projectID, secretName, version string) (string, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, secretName, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resourceName})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resourceName)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) projectFor(ref secretRef) string {
	if ref.ProjectOverride != "" {
		return ref.ProjectOverride
	}
	if id := strings.TrimSpace(f.projectMap[f.env]); id != "" {
		return id
	}
	return strings.TrimSpace(f.defaultProjID)
}

// pinnedVersion resolves the version to fetch. An explicit ?version=
// wins, then an environment-scoped pin, then a global pin, then latest.
func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.Version != "" {
		return ref.Version
	}
	for _, key := range []string{envScopedKey(f.env, ref.Canonical), ref.Canonical} {
		if pin := strings.TrimSpace(f.versionPins[key]); pin != "" {
			return pin
		}
	}
	return "latest"
}

func (f *Fetcher) fallbackValue(ref secretRef, version string) (string, bool) {
	f.fallbackOnce.Do(f.loadFallbackFile)

	if f.fallbackErr != nil {
		f.logger.Debug("secrets: fallback file unreadable", zap.Error(f.fallbackErr))
		return "", false
	}

	for _, key := range []string{cacheKey(ref.Canonical, version), ref.Canonical} {
		if val, ok := f.fallbackVals[key]; ok {
			return val, true
		}
	}
	return "", false
}

// loadFallbackFile parses the KEY=VALUE fallback file. Keys may be plain
// names, secret:// references, or legacy sm:// references; a missing
// file is not an error.
func (f *Fetcher) loadFallbackFile() {
	values := make(map[string]string)
	f.fallbackVals = values

	path := strings.TrimSpace(f.fallbackPath)
	if path == "" {
		return
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fallbackErr = fmt.Errorf("secrets: unable to open fallback file %s: %w", absPath, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		recordFallbackValue(values, strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: failed reading %s: %w", absPath, err)
	}
}

// recordFallbackValue indexes one fallback entry. Parseable references
// are stored under their canonical form and their versioned cache key so
// lookups hit regardless of how the line spelled the reference.
func recordFallbackValue(values map[string]string, key, value string) {
	if key == "" {
		return
	}
	key = normaliseFallbackKey(key)
	parsed, err := parseRef(key)
	if err != nil {
		values[key] = value
		return
	}
	version := parsed.Version
	if version == "" {
		version = "latest"
	}
	values[parsed.Canonical] = value
	values[cacheKey(parsed.Canonical, version)] = value
}

// tickWatcher posts a single non-blocking rotation tick. A subscriber
// that has not drained its channel already has a tick pending, and a
// channel closed by a concurrent Close is ignored via recover.
func tickWatcher(ch chan struct{}) {
	if ch == nil {
		return
	}
	defer func() { _ = recover() }()
	select {
	case ch <- struct{}{}:
	default:
	}
}

func closeWatcher(ch chan struct{}) {
	if ch == nil {
		return
	}
	defer func() { _ = recover() }()
	close(ch)
}

type secretRef struct {
	Raw             string
	Canonical       string
	Secret          string
	Version         string
	ProjectOverride string
}

// parseRef understands secret://<name>[?version=N][&project=ID]. The
// canonical form strips query and fragment so one secret caches under
// one key regardless of how callers spell the reference.
func parseRef(ref string) (secretRef, error) {
	if strings.TrimSpace(ref) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	secret := strings.Trim(u.Host+u.Path, "/")
	if secret == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	canonical := *u
	canonical.RawQuery, canonical.Fragment = "", ""

	values := u.Query()

	return secretRef{
		Raw:             ref,
		Canonical:       canonical.String(),
		Secret:          secret,
		Version:         strings.TrimSpace(values.Get("version")),
		ProjectOverride: strings.TrimSpace(values.Get("project")),
	}, nil
}

func cacheKey(canonical, version string) string {
	return canonical + "#" + version
}

func envScopedKey(env, canonical string) string {
	if strings.TrimSpace(env) == "" {
		return canonical
	}
	return env + ":" + canonical
}

// refDigest keeps secret names out of metric labels.
func refDigest(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}

// fallbackEligible reports whether a Secret Manager failure should be
// served from the local file. Auth and availability problems qualify;
// NotFound and invalid arguments do not.
func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

// normaliseFallbackKey rewrites legacy sm:// keys to the secret://
// scheme the rest of the fetcher speaks.
func normaliseFallbackKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}
