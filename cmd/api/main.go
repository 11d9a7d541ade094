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
	"github.com/golang-jwt/jwt/v4"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/giftwell/api/internal/fulfillment"
	"github.com/giftwell/api/internal/handlers"
	"github.com/giftwell/api/internal/payments"
	"github.com/giftwell/api/internal/platform/auth"
	"github.com/giftwell/api/internal/platform/config"
	pfirestore "github.com/giftwell/api/internal/platform/firestore"
	"github.com/giftwell/api/internal/platform/idempotency"
	"github.com/giftwell/api/internal/platform/jobs"
	"github.com/giftwell/api/internal/platform/observability"
	"github.com/giftwell/api/internal/platform/secrets"
	"github.com/giftwell/api/internal/repositories"
	firestoreRepo "github.com/giftwell/api/internal/repositories/firestore"
	"github.com/giftwell/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	idGen := func() string { return ulid.Make().String() }

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	healthRepo, err := newHealthRepository(firestoreClient, pubsubClient, cfg.PubSub.ExecutionTopic, fetcher)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, firestoreRepo.WithHealthRepository(healthRepo))
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	executionTopic := pubsubClient.Topic(cfg.PubSub.ExecutionTopic)
	defer executionTopic.Stop()
	dispatcher, err := jobs.NewPubSubExecutionPublisher(executionTopic)
	if err != nil {
		logger.Fatal("failed to initialise execution dispatcher", zap.Error(err))
	}

	notificationTopic := pubsubClient.Topic(cfg.PubSub.NotificationTopic)
	defer notificationTopic.Stop()
	notifier, err := jobs.NewPubSubNotificationPublisher(notificationTopic)
	if err != nil {
		logger.Fatal("failed to initialise notification publisher", zap.Error(err))
	}

	paymentsLogger := logger.Named("payments")
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.Payments.StripeAPIKey,
		Logger: payments.StripeLogger(zapServiceLogger(paymentsLogger)),
		Clock:  time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}
	paymentManager, err := payments.NewManager(map[string]payments.Provider{
		"stripe": stripeProvider,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	partner, err := fulfillment.NewZMAProvider(fulfillment.ZMAConfig{
		BaseURL:  cfg.Partner.BaseURL,
		APIToken: cfg.Partner.APIToken,
		Timeout:  cfg.Partner.RequestTimeout,
		Logger:   fulfillment.ZMALogger(zapServiceLogger(logger.Named("partner"))),
	})
	if err != nil {
		logger.Fatal("failed to initialise fulfillment partner client", zap.Error(err))
	}

	auditService, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository:  registry.AuditLogs(),
		Clock:       time.Now,
		IDGenerator: idGen,
		Logger:      zapServiceLogger(logger.Named("audit")),
	})
	if err != nil {
		logger.Fatal("failed to initialise audit log service", zap.Error(err))
	}

	guardService, err := services.NewMethodGuardService(services.MethodGuardServiceDeps{
		Orders:      registry.Orders(),
		Notes:       registry.OrderNotes(),
		Clock:       time.Now,
		IDGenerator: idGen,
		Logger:      zapServiceLogger(logger.Named("guard")),
	})
	if err != nil {
		logger.Fatal("failed to initialise method guard", zap.Error(err))
	}

	refundService, err := services.NewRefundEscrowService(services.RefundEscrowServiceDeps{
		Refunds:       registry.RefundRequests(),
		Orders:        registry.Orders(),
		Notes:         registry.OrderNotes(),
		Gateway:       paymentManager,
		Notifications: notifier,
		Clock:         time.Now,
		IDGenerator:   idGen,
		Logger:        zapServiceLogger(logger.Named("refunds")),
	})
	if err != nil {
		logger.Fatal("failed to initialise refund escrow", zap.Error(err))
	}

	lifecycleService, err := services.NewOrderLifecycleService(services.OrderLifecycleServiceDeps{
		Orders:             registry.Orders(),
		Notes:              registry.OrderNotes(),
		Partner:            partner,
		Refunds:            refundService,
		Notifications:      notifier,
		Clock:              time.Now,
		IDGenerator:        idGen,
		Logger:             zapServiceLogger(logger.Named("lifecycle")),
		AbortPollInterval:  cfg.Partner.AbortPollInterval,
		AbortPollAttempts:  cfg.Partner.AbortPollAttempts,
		RetryTimeout:       cfg.Partner.RetryTimeout,
		PartnerCallTimeout: cfg.Partner.RequestTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise order lifecycle service", zap.Error(err))
	}

	selector, err := services.NewBudgetGiftSelector(defaultGiftCatalog())
	if err != nil {
		logger.Fatal("failed to initialise gift selector", zap.Error(err))
	}

	processorService, err := services.NewExecutionProcessor(services.ExecutionProcessorDeps{
		Executions:    registry.Executions(),
		Rules:         registry.Rules(),
		Events:        registry.Events(),
		Orders:        registry.Orders(),
		Notes:         registry.OrderNotes(),
		Counters:      registry.Counters(),
		Selector:      selector,
		Guard:         guardService,
		Gateway:       paymentManager,
		Partner:       partner,
		Audit:         auditService,
		Notifications: notifier,
		Clock:         time.Now,
		IDGenerator:   idGen,
		Logger:        zapServiceLogger(logger.Named("processor")),
	})
	if err != nil {
		logger.Fatal("failed to initialise execution processor", zap.Error(err))
	}

	schedulerService, err := services.NewSchedulerService(services.SchedulerServiceDeps{
		Rules:       registry.Rules(),
		Events:      registry.Events(),
		Executions:  registry.Executions(),
		Dispatcher:  dispatcher,
		Audit:       auditService,
		Clock:       time.Now,
		IDGenerator: idGen,
		Logger:      zapServiceLogger(logger.Named("scheduler")),
	})
	if err != nil {
		logger.Fatal("failed to initialise scheduler", zap.Error(err))
	}

	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: registry.Health(),
		Clock:            time.Now,
		Build:            buildInfo,
	})
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	signingSecret := []byte(cfg.Auth.SigningSecret)
	authenticator := auth.NewAuthenticator(
		func(*jwt.Token) (any, error) { return signingSecret, nil },
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
	)

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg)

	orderHandlers := handlers.NewOrderHandlers(authenticator, lifecycleService,
		handlers.WithOrderRefundService(refundService),
		handlers.WithOrderRateLimit(cfg.RateLimits.AuthenticatedPerMinute, time.Minute),
	)
	adminHandlers := handlers.NewAdminHandlers(authenticator,
		handlers.WithAdminProcessor(processorService),
		handlers.WithAdminLifecycle(lifecycleService),
		handlers.WithAdminRefunds(refundService),
		handlers.WithAdminGuard(guardService),
		handlers.WithAdminAudit(auditService),
	)
	internalHandlers := handlers.NewInternalHandlers(authenticator, schedulerService,
		handlers.WithInternalProcessor(processorService),
	)
	webhookHandlers := handlers.NewWebhookHandlers(lifecycleService)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(systemService),
		handlers.WithHealthVersion(buildInfo.Version),
	)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(cfg.Firestore.ProjectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
		idempotencyMiddleware,
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	}
	if hmacMiddleware != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(hmacMiddleware))
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
		serverLogger.Info("giftwell api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func zapServiceLogger(logger *zap.Logger) services.Logger {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service log", zFields...)
	}
}

// defaultGiftCatalog backs the budget selector when a rule carries no product
// preference. Entries ship in ascending price order for readability only.
func defaultGiftCatalog() []services.GiftSelection {
	return []services.GiftSelection{
		{ProductRef: "prod_greeting_card", Description: "premium greeting card", PriceCents: 900, Currency: "USD"},
		{ProductRef: "prod_chocolates", Description: "assorted chocolate box", PriceCents: 2900, Currency: "USD"},
		{ProductRef: "prod_flowers", Description: "seasonal flower bouquet", PriceCents: 4900, Currency: "USD"},
		{ProductRef: "prod_gift_hamper", Description: "gourmet gift hamper", PriceCents: 9900, Currency: "USD"},
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["GIFTWELL_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: environment,
		StartedAt:   started,
	}
}

func newHealthRepository(client *firestore.Client, pubsubClient *pubsub.Client, executionTopic string, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
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
	if pubsubClient != nil && strings.TrimSpace(executionTopic) != "" {
		topic := pubsubClient.Topic(executionTopic)
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("pubsub: topic %s not found", executionTopic)
				}
				return nil
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
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	hmacSecrets := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		hmacSecrets[strings.ToLower(key)] = value
	}
	if cfg.Partner.WebhookSecret != "" {
		if _, ok := hmacSecrets["partner"]; !ok {
			hmacSecrets["partner"] = cfg.Partner.WebhookSecret
		}
		if _, ok := hmacSecrets["default"]; !ok {
			hmacSecrets["default"] = cfg.Partner.WebhookSecret
		}
	}
	if len(hmacSecrets) == 0 {
		return nil
	}

	provider := staticSecretProvider{secrets: hmacSecrets}
	nonces := auth.NewInMemoryNonceStore()
	adapter := observability.NewPrintfAdapter(logger)
	validator := auth.NewHMACValidator(provider, nonces,
		auth.WithHMACLogger(adapter),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)

	return validator.RequireHMACResolver(webhookSecretResolver(hmacSecrets))
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

// webhookSecretResolver maps a webhook path to a named HMAC secret. The
// partner callback resolves to "partner" with "default" as the fallback.
func webhookSecretResolver(secretsByName map[string]string) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		path := r.URL.Path
		if idx := strings.Index(path, "/webhooks/"); idx >= 0 {
			path = path[idx+len("/webhooks/"):]
		}
		path = strings.Trim(path, "/")

		candidates := make([]string, 0, 3)
		if strings.HasPrefix(path, "partner") {
			candidates = append(candidates, "partner")
		}
		if path != "" {
			candidates = append(candidates, strings.ToLower(strings.SplitN(path, "/", 2)[0]))
		}
		candidates = append(candidates, "default")

		for _, candidate := range candidates {
			if secret, ok := secretsByName[candidate]; ok && secret != "" {
				return candidate, true
			}
		}
		return "", false
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("GIFTWELL_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("GIFTWELL_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("GIFTWELL_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("GIFTWELL_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("GIFTWELL_SECRET_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := parseKeyValueList(lookup("GIFTWELL_SECRET_PROJECT_IDS")); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := parseKeyValueList(lookup("GIFTWELL_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"Payments.StripeAPIKey",
		"Partner.APIToken",
		"Partner.WebhookSecret",
		"Auth.SigningSecret",
	}

	hmacRaw := ""
	if env != nil {
		hmacRaw = strings.TrimSpace(env["GIFTWELL_HMAC_SECRETS"])
	}
	for key := range parseKeyValueList(hmacRaw) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", strings.ToLower(key)))
	}

	return uniqueStrings(required)
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
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
