// Package config loads the storefront's runtime configuration from
// environment variables, an optional .env file for local development,
// and Secret Manager references for anything sensitive. Every key is
// prefixed API_ so the Cloud Run service definition stays greppable.
package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second

	defaultRateLimitDefault      = 120
	defaultRateLimitAuth         = 240
	defaultRateLimitWebhookBurst = 60

	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultSecurityIAPIssuer   = "https://cloud.google.com/iap"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute

	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200

	defaultReservationTTL         = 15 * time.Minute
	defaultLowStockThreshold      = 5
	defaultCriticalStockThreshold = 2
	defaultSweepInterval          = 5 * time.Minute

	defaultPushBatchSize = 100

	defaultPricingCurrency       = "JPY"
	defaultFreeShippingThreshold = 10000
	defaultShippingFee           = 500
	defaultTaxRateBasisPoints    = 1000

	defaultNotificationTopic  = "notification-created"
	defaultStockEventTopic    = "stock-events"
	defaultNotificationLocale = "en"
)

// Config carries every runtime setting, grouped by concern.
type Config struct {
	Server        ServerConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Storage       StorageConfig
	PSP           PSPConfig
	Push          PushConfig
	Inventory     InventoryConfig
	Pricing       PricingConfig
	PubSub        PubSubConfig
	Notifications NotificationsConfig
	Webhooks      WebhookConfig
	RateLimits    RateLimitConfig
	Features      FeatureFlags
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig identifies the Firebase project shoppers sign in to.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig points at the database, or the emulator in local runs.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig names the receipt and log buckets plus the signing key.
type StorageConfig struct {
	ReceiptsBucket string
	LogsBucket     string
	SignedURLKey   string
}

// PSPConfig holds the Stripe credentials. Both values are usually
// secret:// references resolved at load time.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
}

// PushConfig points at the device push gateway.
type PushConfig struct {
	GatewayURL  string
	AccessToken string
	BatchSize   int
}

// InventoryConfig tunes reservation lifetimes and stock alerts.
type InventoryConfig struct {
	ReservationTTL         time.Duration
	LowStockThreshold      int
	CriticalStockThreshold int
	SweepInterval          time.Duration
}

// PricingConfig drives checkout totals, in the smallest currency unit.
type PricingConfig struct {
	Currency              string
	FreeShippingThreshold int64
	ShippingFee           int64
	TaxRateBasisPoints    int64
}

// PubSubConfig names the topics used for asynchronous fan-out.
type PubSubConfig struct {
	ProjectID         string
	NotificationTopic string
	StockEventTopic   string
}

// NotificationsConfig sets notification rendering defaults.
type NotificationsConfig struct {
	DefaultLocale string
}

// WebhookConfig covers carrier callback verification.
type WebhookConfig struct {
	SigningSecret string
	AllowedHosts  []string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
	WebhookBurst           int
}

// FeatureFlags toggle background behaviour without a redeploy.
type FeatureFlags struct {
	EnableSweepWorker  bool
	EnablePushDispatch bool
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls verification of Google-signed service tokens on
// the /internal endpoints.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig captures carrier webhook signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls the idempotency middleware.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves secret:// references. The secrets.Fetcher
// satisfies it in production.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists the config fields that are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError reports a secret reference that could not be resolved.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError means secrets the deployment declared mandatory
// resolved to empty values. Its message only shows digests; the real
// names never reach logs.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns the digested identifiers, safe for logging.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the plain identifiers, for operator-facing tooling.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit key/value pairs. They win over both the
// system environment and the .env file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv ignores os.Getenv, reading only the supplied map and
// .env file. Tests use it to stay hermetic.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks secret identifiers as mandatory. Names
// follow the config field path, such as "PSP.StripeAPIKey" or
// "Security.HMAC.Secrets[carrier]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets makes Load panic instead of returning when
// required secrets are absent, so a misdeployed revision dies at boot.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// sources holds the three environment layers in precedence order:
// explicit map beats system env beats .env file.
type sources struct {
	explicit map[string]string
	system   bool
	dotEnv   map[string]string
}

func (o loaderOptions) gather() (sources, error) {
	dotEnv, err := readEnvFile(o.envFile)
	if err != nil {
		return sources{}, err
	}
	return sources{
		explicit: o.envMap,
		system:   o.useSystemEnv,
		dotEnv:   dotEnv,
	}, nil
}

func (s sources) lookup(key string) (string, bool) {
	if s.explicit != nil {
		if value, ok := s.explicit[key]; ok {
			return value, true
		}
	}
	if s.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	if s.dotEnv != nil {
		if value, ok := s.dotEnv[key]; ok {
			return value, true
		}
	}
	return "", false
}

// flatten materialises the merged map, lowest precedence first.
func (s sources) flatten() map[string]string {
	values := make(map[string]string)
	for key, value := range s.dotEnv {
		values[key] = value
	}
	if s.system {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range s.explicit {
		values[key] = value
	}
	return values
}

// EnvironmentValues returns the merged environment map using the same
// precedence as Load. main uses it to build the secrets fetcher before
// the config itself loads.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	src, err := options.gather()
	if err != nil {
		return nil, err
	}
	return src.flatten(), nil
}

// Load assembles the configuration from defaults, the .env file, the
// environment, and secret resolution, then validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	src, err := options.gather()
	if err != nil {
		return Config{}, err
	}
	env := envReader{src: src}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			ReceiptsBucket: env.str("API_STORAGE_RECEIPTS_BUCKET", ""),
			LogsBucket:     env.str("API_STORAGE_LOGS_BUCKET", ""),
			SignedURLKey:   env.str("API_STORAGE_SIGNER_KEY", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:        env.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: env.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
		},
		Push: PushConfig{
			GatewayURL:  env.str("API_PUSH_GATEWAY_URL", ""),
			AccessToken: env.str("API_PUSH_ACCESS_TOKEN", ""),
			BatchSize:   env.integer("API_PUSH_BATCH_SIZE", defaultPushBatchSize),
		},
		Inventory: InventoryConfig{
			ReservationTTL:         env.duration("API_INVENTORY_RESERVATION_TTL", defaultReservationTTL),
			LowStockThreshold:      env.integer("API_INVENTORY_LOW_STOCK_THRESHOLD", defaultLowStockThreshold),
			CriticalStockThreshold: env.integer("API_INVENTORY_CRITICAL_STOCK_THRESHOLD", defaultCriticalStockThreshold),
			SweepInterval:          env.duration("API_INVENTORY_SWEEP_INTERVAL", defaultSweepInterval),
		},
		Pricing: PricingConfig{
			Currency:              env.str("API_PRICING_CURRENCY", defaultPricingCurrency),
			FreeShippingThreshold: env.integer64("API_PRICING_FREE_SHIPPING_THRESHOLD", defaultFreeShippingThreshold),
			ShippingFee:           env.integer64("API_PRICING_SHIPPING_FEE", defaultShippingFee),
			TaxRateBasisPoints:    env.integer64("API_PRICING_TAX_RATE_BP", defaultTaxRateBasisPoints),
		},
		PubSub: PubSubConfig{
			ProjectID:         env.str("API_PUBSUB_PROJECT_ID", ""),
			NotificationTopic: env.str("API_PUBSUB_NOTIFICATION_TOPIC", defaultNotificationTopic),
			StockEventTopic:   env.str("API_PUBSUB_STOCK_EVENT_TOPIC", defaultStockEventTopic),
		},
		Notifications: NotificationsConfig{
			DefaultLocale: env.str("API_NOTIFICATIONS_DEFAULT_LOCALE", defaultNotificationLocale),
		},
		Webhooks: WebhookConfig{
			SigningSecret: env.str("API_WEBHOOK_SIGNING_SECRET", ""),
			AllowedHosts:  env.list("API_WEBHOOK_ALLOWED_HOSTS"),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       env.integer("API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: env.integer("API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
			WebhookBurst:           env.integer("API_RATELIMIT_WEBHOOK_BURST", defaultRateLimitWebhookBurst),
		},
		Features: FeatureFlags{
			EnableSweepWorker:  env.boolean("API_FEATURE_SWEEP_WORKER", true),
			EnablePushDispatch: env.boolean("API_FEATURE_PUSH_DISPATCH", true),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.list("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         env.pairs("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: env.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: env.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     env.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       env.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        env.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// The Firestore project rides on the Firebase project unless split
	// out explicitly.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}

	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" && cfg.Security.OIDC.Audiences != nil {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolved := make(map[string]string)

	for key, value := range cfg.Security.HMAC.Secrets {
		fieldName := fmt.Sprintf("Security.HMAC.Secrets[%s]", key)
		secret, err := resolveSecret(ctx, value, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = secret
		resolved[fieldName] = strings.TrimSpace(secret)
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"Storage.SignerKey", &cfg.Storage.SignedURLKey},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Push.AccessToken", &cfg.Push.AccessToken},
		{"Webhooks.SigningSecret", &cfg.Webhooks.SigningSecret},
	}
	for _, target := range secretFields {
		secret, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = secret
		resolved[target.name] = strings.TrimSpace(secret)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretRef(value) {
		return value, nil
	}
	ref := canonicalSecretRef(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Storage.ReceiptsBucket == "" {
		missing = append(missing, "Storage.ReceiptsBucket")
	}
	if cfg.Inventory.ReservationTTL <= 0 {
		missing = append(missing, "Inventory.ReservationTTL")
	}
	if cfg.Pricing.TaxRateBasisPoints < 0 || cfg.Pricing.TaxRateBasisPoints > 10000 {
		missing = append(missing, "Pricing.TaxRateBasisPoints")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if strings.TrimSpace(resolved[trimmed]) != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

// isSecretRef accepts both the canonical secret:// scheme and the
// legacy sm:// spelling older deployment manifests still use.
func isSecretRef(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func canonicalSecretRef(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// readEnvFile parses KEY=VALUE lines, tolerating comments, blank lines,
// export prefixes, and quoted values. A missing file is not an error.
func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

// envReader reads typed values from the merged sources. A key that is
// unset, empty, or unparseable falls back to its default.
type envReader struct {
	src sources
}

func (e envReader) str(key, fallback string) string {
	if value, ok := e.src.lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func (e envReader) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := e.src.lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (e envReader) integer(key string, fallback int) int {
	if value, ok := e.src.lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func (e envReader) integer64(key string, fallback int64) int64 {
	if value, ok := e.src.lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func (e envReader) boolean(key string, fallback bool) bool {
	if value, ok := e.src.lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func (e envReader) list(key string) []string {
	raw, ok := e.src.lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// pairs parses "name=value,name=value" maps, lower casing the names so
// environment keys like HMAC secret labels compare predictably.
func (e envReader) pairs(key string) map[string]string {
	values := make(map[string]string)
	raw, ok := e.src.lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name != "" && value != "" {
			values[name] = value
		}
	}
	return values
}
