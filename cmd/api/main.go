package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/bazaar-commerce/api/internal/di"
	"github.com/bazaar-commerce/api/internal/handlers"
	"github.com/bazaar-commerce/api/internal/payments"
	"github.com/bazaar-commerce/api/internal/platform/auth"
	"github.com/bazaar-commerce/api/internal/platform/cache"
	"github.com/bazaar-commerce/api/internal/platform/config"
	pfirestore "github.com/bazaar-commerce/api/internal/platform/firestore"
	"github.com/bazaar-commerce/api/internal/platform/idempotency"
	"github.com/bazaar-commerce/api/internal/platform/jobs"
	"github.com/bazaar-commerce/api/internal/platform/observability"
	"github.com/bazaar-commerce/api/internal/platform/secrets"
	"github.com/bazaar-commerce/api/internal/repositories"
	firestoreRepo "github.com/bazaar-commerce/api/internal/repositories/firestore"
	"github.com/bazaar-commerce/api/internal/services"
)

const (
	firebaseVerifyTimeout = 5 * time.Second
	shutdownTimeout       = 10 * time.Second
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

	var closers []firestoreRepo.RegistryOption
	checks := make([]repositories.DependencyCheck, 0, 3)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, firestoreClientOptions(cfg)...)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	checks = append(checks, repositories.DependencyCheck{Name: "firestore", Timeout: 1500 * time.Millisecond, Check: firestoreProvider.Ping})

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		client := redisClient
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check:   func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
		closers = append(closers, firestoreRepo.WithCloser(func(context.Context) error { return client.Close() }))
	} else {
		logger.Warn("redis address not configured; cache and idempotency keys are kept in process memory")
	}

	var publisher services.EventPublisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.Topic != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, googleClientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(cfg.PubSub.Topic)
		eventPublisher, err := jobs.NewPubSubEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise event publisher", zap.Error(err))
		}
		publisher = eventPublisher
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", cfg.PubSub.Topic)
				}
				return nil
			},
		})
		closers = append(closers, firestoreRepo.WithCloser(func(context.Context) error {
			eventPublisher.Stop()
			return pubsubClient.Close()
		}))
	}

	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, append(closers, firestoreRepo.WithHealthRepository(health))...)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	gateway, err := newPaymentManager(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment providers", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry,
		di.WithPaymentGateway(gateway),
		di.WithEventPublisher(publisher),
		di.WithEventLogger(observability.EventLogger(logger.Named("services"))),
		di.WithBuildInfo(buildInfo),
	)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, firebaseVerifyTimeout)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)
	guests := auth.GuestSessions{CookieName: cfg.Guest.CookieName, TTL: cfg.Guest.TTL, Secure: cfg.Guest.Secure}

	var (
		idemStore  idempotency.Store
		cacheStore cache.Store
	)
	if redisClient != nil {
		idemStore = idempotency.NewRedisStore(redisClient, cfg.Redis.KeyPrefix+":idem")
		cacheStore = cache.NewRedisStore(redisClient, cfg.Redis.KeyPrefix+":cache")
	} else {
		idemStore = idempotency.NewMemoryStore()
		cacheStore = cache.NewMemoryStore(time.Now)
	}
	idempotencyMiddleware := idempotency.Middleware(idemStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	webhookRecorder, err := observability.NewWebhookRecorder()
	if err != nil {
		logger.Warn("webhook metrics disabled", zap.Error(err))
	}

	svc := container.Services
	cartHandlers := handlers.NewCartHandlers(authenticator, guests, svc.Cart)
	orderOpts := []handlers.OrderOption{handlers.WithOrderIdempotency(idempotencyMiddleware)}
	if cfg.Cache.Enabled {
		orderOpts = append(orderOpts, handlers.WithOrderCache(cacheStore, cfg.Cache.TTL))
	}
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, orderOpts...)
	paymentOpts := []handlers.PaymentOption{handlers.WithPaymentIdempotency(idempotencyMiddleware)}
	if webhookRecorder != nil {
		paymentOpts = append(paymentOpts, handlers.WithWebhookRecorder(webhookRecorder))
	}
	var internalOpts []handlers.InternalOption
	if cfg.Cache.Enabled {
		paymentOpts = append(paymentOpts, handlers.WithPaymentOrderCache(cacheStore))
		internalOpts = append(internalOpts, handlers.WithInternalOrderCache(cacheStore))
	}
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, guests, svc.Payments, paymentOpts...)
	adminHandlers := handlers.NewAdminHandlers(authenticator, svc.Promotions, svc.Inventory)
	internalHandlers := handlers.NewInternalHandlers(svc.System, internalOpts...)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	limiter := handlers.NewRateLimiter(handlers.RateLimitTiers{
		DefaultPerMinute:       cfg.RateLimits.DefaultPerMinute,
		AuthenticatedPerMinute: cfg.RateLimits.AuthenticatedPerMinute,
		WebhookPerMinute:       cfg.RateLimits.WebhookPerMinute,
	}, time.Now)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
		limiter.Middleware,
	}
	if cfg.Security.ExposeErrorDetails() {
		middlewares = append(middlewares, handlers.ErrorDetailMiddleware)
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
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
		serverLogger.Info("bazaar api listening", zap.String("version", buildInfo.Version), zap.String("environment", buildInfo.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	eventLogger := observability.EventLogger(logger)
	var providers []payments.Provider

	if rz := cfg.Payments.Razorpay; strings.TrimSpace(rz.KeyID) != "" {
		provider, err := payments.NewRazorpayProvider(payments.RazorpayProviderConfig{
			KeyID:         rz.KeyID,
			KeySecret:     rz.KeySecret,
			WebhookSecret: rz.WebhookSecret,
			Logger:        payments.RazorpayLogger(eventLogger),
			Clock:         time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("razorpay: %w", err)
		}
		providers = append(providers, provider)
	}
	if st := cfg.Payments.Stripe; strings.TrimSpace(st.APIKey) != "" {
		provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        st.APIKey,
			WebhookSecret: st.WebhookSecret,
			Logger:        payments.StripeLogger(eventLogger),
			Clock:         time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		providers = append(providers, provider)
	}
	return payments.NewManager(providers, payments.WithDefaultProvider(cfg.Payments.DefaultProvider))
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
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

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, nil, time.Now)
	validator := auth.NewOIDCValidator(cache, logger, nil)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func googleClientOptions(cfg config.Config) []option.ClientOption {
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		return []option.ClientOption{option.WithCredentialsFile(file)}
	}
	return nil
}

func firestoreClientOptions(cfg config.Config) []pfirestore.ProviderOption {
	clientOpts := googleClientOptions(cfg)
	if len(clientOpts) == 0 {
		return nil
	}
	return []pfirestore.ProviderOption{pfirestore.WithClientOptions(clientOpts...)}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets the configured payment providers cannot run without.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["API_RAZORPAY_KEY_ID"]) != "" {
		required = append(required, "Payments.Razorpay.KeySecret", "Payments.Razorpay.WebhookSecret")
	}
	if strings.TrimSpace(env["API_STRIPE_API_KEY"]) != "" {
		required = append(required, "Payments.Stripe.WebhookSecret")
	}
	return required
}
