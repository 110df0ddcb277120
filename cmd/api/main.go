package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/willowmart/api/internal/di"
	"github.com/willowmart/api/internal/handlers"
	"github.com/willowmart/api/internal/payments"
	"github.com/willowmart/api/internal/platform/auth"
	"github.com/willowmart/api/internal/platform/config"
	pfirestore "github.com/willowmart/api/internal/platform/firestore"
	"github.com/willowmart/api/internal/platform/idempotency"
	"github.com/willowmart/api/internal/platform/jobs"
	"github.com/willowmart/api/internal/platform/observability"
	"github.com/willowmart/api/internal/platform/secrets"
	platformstorage "github.com/willowmart/api/internal/platform/storage"
	"github.com/willowmart/api/internal/push"
	"github.com/willowmart/api/internal/repositories"
	firestoreRepo "github.com/willowmart/api/internal/repositories/firestore"
	"github.com/willowmart/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("environment read failed", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("secret fetcher init failed", zap.Error(err))
	}
	defer closeQuietly(logger, "secret fetcher", fetcher.Close)

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("configuration load failed", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("firestore client init failed", zap.Error(err))
	}
	defer closeQuietly(logger, "firestore", func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return firestoreProvider.Close(closeCtx)
	})

	pubsubClient, err := pubsub.NewClient(ctx, pubsubProjectID(cfg))
	if err != nil {
		logger.Fatal("pubsub client init failed", zap.Error(err))
	}
	defer closeQuietly(logger, "pubsub", pubsubClient.Close)

	notificationTopic := pubsubClient.Topic(cfg.PubSub.NotificationTopic)
	stockEventTopic := pubsubClient.Topic(cfg.PubSub.StockEventTopic)
	defer notificationTopic.Stop()
	defer stockEventTopic.Stop()

	notificationPublisher, err := jobs.NewPubSubNotificationPublisher(notificationTopic)
	if err != nil {
		logger.Fatal("notification publisher init failed", zap.Error(err))
	}
	stockEventPublisher, err := jobs.NewPubSubStockEventPublisher(stockEventTopic)
	if err != nil {
		logger.Fatal("stock event publisher init failed", zap.Error(err))
	}

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("storage client init failed", zap.Error(err))
	}
	defer closeQuietly(logger, "storage", storageClient.Close)

	var receiptOpts []platformstorage.ReceiptArchiveOption
	if signerKey := strings.TrimSpace(cfg.Storage.SignedURLKey); signerKey != "" {
		signer, err := platformstorage.NewServiceAccountSignerFromJSON([]byte(signerKey))
		if err != nil {
			logger.Fatal("storage signer key unreadable", zap.Error(err))
		}
		signedURLClient, err := platformstorage.NewClient(signer)
		if err != nil {
			logger.Fatal("signed url client init failed", zap.Error(err))
		}
		receiptOpts = append(receiptOpts, platformstorage.WithReceiptURLSigner(signedURLClient))
	} else {
		logger.Info("storage signer key not configured; receipt download links disabled")
	}
	receiptArchive, err := platformstorage.NewReceiptArchive(storageClient, cfg.Storage.ReceiptsBucket, receiptOpts...)
	if err != nil {
		logger.Fatal("receipt archive init failed", zap.Error(err))
	}

	var pushGateway services.PushGateway
	if cfg.Features.EnablePushDispatch {
		pushLogger := logger.Named("push")
		pushClient, err := push.NewClient(push.ClientConfig{
			BaseURL:     cfg.Push.GatewayURL,
			AccessToken: cfg.Push.AccessToken,
			BatchSize:   cfg.Push.BatchSize,
			Logger:      zapEventLogger(pushLogger),
		})
		if err != nil {
			logger.Fatal("push gateway client init failed", zap.Error(err))
		}
		pushGateway = pushClient
	} else {
		logger.Info("push dispatch disabled by feature flag")
	}

	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		logger.Fatal("stripe api key is required for checkout sessions")
	}
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: zapEventLogger(logger.Named("payments")),
		Clock:  time.Now,
	})
	if err != nil {
		logger.Fatal("stripe provider init failed", zap.Error(err))
	}
	paymentManager, err := payments.NewManager(map[string]payments.Provider{
		"stripe": stripeProvider,
	})
	if err != nil {
		logger.Fatal("payment manager init failed", zap.Error(err))
	}

	healthRepo, err := newHealthRepository(firestoreClient, fetcher, pubsubClient, storageClient, cfg)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("repository wiring failed", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Collaborators{
		NotificationPublisher: notificationPublisher,
		StockEvents:           stockEventPublisher,
		PushGateway:           pushGateway,
		Receipts:              receiptArchive,
		Payments:              paymentManager,
		Build:                 buildInfo,
		Logger: func(component string) di.LogFunc {
			return zapEventLogger(logger.Named(component))
		},
	})
	if err != nil {
		logger.Fatal("service wiring failed", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workerWG sync.WaitGroup

	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupLogger := logger.Named("idempotency")
		runPeriodic(workerCtx, &workerWG, cfg.Idempotency.CleanupInterval, func(runCtx context.Context) {
			removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
			if err != nil {
				cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
				return
			}
			if removed > 0 {
				cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		})
	}

	if cfg.Features.EnableSweepWorker && cfg.Inventory.SweepInterval > 0 && container.Services.Inventory != nil {
		sweepLogger := logger.Named("inventory")
		runPeriodic(workerCtx, &workerWG, cfg.Inventory.SweepInterval, func(runCtx context.Context) {
			result, err := container.Services.Inventory.SweepExpired(runCtx, time.Now().UTC())
			if err != nil {
				sweepLogger.Error("reservation sweep error", zap.Error(err))
				return
			}
			if len(result.ReleasedIDs) > 0 {
				sweepLogger.Info("reservation sweep released holds",
					zap.Int("count", len(result.ReleasedIDs)),
					zap.Strings("reservationIds", result.ReleasedIDs),
				)
			}
		})
	}

	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)
	hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("firebase verifier init failed", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	meHandlers := handlers.NewMeHandlers(authenticator, container.Services.PushTokens, container.Services.Notifications)
	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, container.Services.Checkout, cfg.Idempotency.Header,
		handlers.WithCheckoutDefaultCurrency(cfg.Pricing.Currency),
	)
	adminHandlers := handlers.NewAdminHandlers(authenticator, container.Services.Orders, container.Services.Inventory, container.Services.Notifications,
		handlers.WithAdminReceiptLister(receiptArchive),
	)
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Orders, cfg.PSP.StripeWebhookSecret,
		handlers.WithWebhookLogger(zapEventLogger(logger.Named("webhooks"))),
	)
	internalHandlers := handlers.NewInternalJobHandlers(container.Services.Dispatch, container.Services.Inventory, container.Services.Orders,
		handlers.WithInternalJobLogger(zapEventLogger(logger.Named("internal"))),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		idempotencyMiddleware,
	}
	if cfg.RateLimits.DefaultPerMinute > 0 {
		middlewares = append(middlewares, handlers.RateLimitMiddleware(
			cfg.RateLimits.DefaultPerMinute,
			cfg.RateLimits.AuthenticatedPerMinute,
			nil,
		))
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMeRoutes(meHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	switch {
	case oidcMiddleware != nil:
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	case hmacMiddleware != nil:
		// Without an OIDC issuer the scheduler jobs authenticate with signed requests.
		opts = append(opts, handlers.WithInternalMiddlewares(hmacMiddleware))
	default:
		logger.Warn("internal routes have no server-to-server authentication configured")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("willowmart api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received, draining in-flight requests")

	workerCancel()
	workerWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// closeQuietly runs deferred shutdown for a client, logging instead of
// failing; by that point the process is exiting anyway.
func closeQuietly(logger *zap.Logger, name string, close func() error) {
	if err := close(); err != nil {
		logger.Warn(name+" close error", zap.Error(err))
	}
}

// runPeriodic starts a background worker that invokes task on every tick
// until ctx is cancelled. Each run gets a one minute budget so a stuck
// dependency cannot pile up overlapping runs.
func runPeriodic(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, task func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				task(runCtx)
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// zapEventLogger adapts a zap logger to the event/field callback used by the
// service layer.
func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			zFields = append(zFields, zap.Any(k, fields[k]))
		}
		logger.Info(event, zFields...)
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher, pubsubClient *pubsub.Client, storageClient *cloudstorage.Client, cfg config.Config) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 4)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok {
					switch st.Code() {
					case codes.NotFound:
						return nil
					}
				}
				return err
			},
		})
	}
	if pubsubClient != nil && strings.TrimSpace(cfg.PubSub.NotificationTopic) != "" {
		topic := pubsubClient.Topic(cfg.PubSub.NotificationTopic)
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %q not found", cfg.PubSub.NotificationTopic)
				}
				return nil
			},
		})
	}
	if storageClient != nil && strings.TrimSpace(cfg.Storage.ReceiptsBucket) != "" {
		bucket := storageClient.Bucket(cfg.Storage.ReceiptsBucket)
		checks = append(checks, repositories.DependencyCheck{
			Name:    "storage",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				_, err := bucket.Attrs(ctx)
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewKeySetCache(cfg.Security.OIDC.JWKSURL, auth.WithKeySetLogger(adapter))
	verifier := auth.NewOIDCVerifier(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return verifier.RequireOIDC(audience, issuers)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secrets := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secrets[strings.ToLower(key)] = value
	}
	if cfg.Webhooks.SigningSecret != "" {
		if _, ok := secrets["default"]; !ok {
			secrets["default"] = cfg.Webhooks.SigningSecret
		}
	}
	if len(secrets) == 0 {
		return nil
	}

	provider := staticSecretProvider{secrets: secrets}
	nonces := auth.NewMemoryNonceStore()
	adapter := observability.NewPrintfAdapter(logger)
	verifier := auth.NewHMACVerifier(provider, nonces,
		auth.WithHMACLogger(adapter),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)

	return verifier.RequireHMAC("default")
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

func pubsubProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.PubSub.ProjectID); id != "" {
		return id
	}
	return traceProjectID(cfg)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
	}

	// Optional integrations only require their secret once the matching
	// env key is set at all.
	optional := map[string]string{
		"API_PUSH_ACCESS_TOKEN":      "Push.AccessToken",
		"API_STORAGE_SIGNER_KEY":     "Storage.SignerKey",
		"API_WEBHOOK_SIGNING_SECRET": "Webhooks.SigningSecret",
	}
	for envKey, field := range optional {
		if strings.TrimSpace(env[envKey]) != "" {
			required = append(required, field)
		}
	}

	return uniqueStrings(required)
}

// forEachPair walks a comma separated key=value list, skipping blank or
// malformed entries.
func forEachPair(raw string, fn func(key, value string)) {
	for _, entry := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(entry), "=")
		if !found {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key != "" && value != "" {
			fn(key, value)
		}
	}
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := make(map[string]string)
	forEachPair(env["API_SECRET_PROJECT_IDS"], func(envLabel, project string) {
		projects[strings.ToLower(envLabel)] = project
	})
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := make(map[string]string)
	forEachPair(env["API_SECRET_VERSION_PINS"], func(ref, version string) {
		pins[normalisePinRef(ref)] = version
	})
	return pins
}

// normalisePinRef canonicalises a pin key to the secret:// scheme,
// preserving an optional environment prefix such as "prod:".
func normalisePinRef(ref string) string {
	var prefix string
	if idx := strings.Index(ref, ":"); idx > 0 {
		schemeSplit := strings.Index(ref, "://")
		if schemeSplit == -1 || idx < schemeSplit {
			prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
			ref = strings.TrimSpace(ref[idx+1:])
		}
	}
	if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
		ref = "secret://" + rest
	} else if !strings.HasPrefix(ref, "secret://") {
		ref = "secret://" + ref
	}
	return prefix + ref
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
