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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/storefront/api/internal/di"
	"github.com/storefront/api/internal/handlers"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/config"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/platform/idempotency"
	"github.com/storefront/api/internal/platform/jobs"
	"github.com/storefront/api/internal/platform/observability"
	"github.com/storefront/api/internal/platform/secrets"
	platformstorage "github.com/storefront/api/internal/platform/storage"
	"github.com/storefront/api/internal/repositories"
	"github.com/storefront/api/internal/repositories/cache"
	firestoreRepo "github.com/storefront/api/internal/repositories/firestore"
	"github.com/storefront/api/internal/repositories/memory"
	"github.com/storefront/api/internal/services"
)

const carrierSecretName = "carrier"

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

	var fsOpts []pfirestore.ProviderOption
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		fsOpts = append(fsOpts, pfirestore.WithClientOptions(option.WithCredentialsFile(file)))
	}
	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, fsOpts...)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	var redisClient *redis.Client
	if cfg.Cart.Store == config.CartStoreRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	var events services.OrderEventPublisher
	if topicName := strings.TrimSpace(cfg.Events.Topic); topicName != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic := pubsubClient.Topic(topicName)
		topic.EnableMessageOrdering = true
		defer topic.Stop()
		publisher, err := jobs.NewOrderEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		events = publisher
	}

	var archive services.CallbackArchiver
	if bucket := strings.TrimSpace(cfg.Archive.Bucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		writer, err := platformstorage.NewArchiveWriter(storageClient, bucket, cfg.Archive.Prefix)
		if err != nil {
			logger.Fatal("failed to initialise callback archive", zap.Error(err))
		}
		archive = writer
	}

	snapshots, err := newCartSnapshots(cfg, firestoreProvider, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise cart snapshot repository", zap.Error(err))
	}
	products, err := firestoreRepo.NewProductRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise product repository", zap.Error(err))
	}
	orders, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	health, err := newHealthRepository(firestoreClient, redisClient, fetcher)
	if err != nil {
		logger.Warn("health: dependency checks init failed", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, &runtimeRegistry{
		snapshots: snapshots,
		products:  products,
		orders:    orders,
		health:    health,
	},
		di.WithBuildInfo(buildInfo),
		di.WithOrderEvents(events),
		di.WithCallbackArchive(archive),
		di.WithLogger("cart", services.Logger(observability.NewEventLogger(logger, "cart"))),
		di.WithLogger("checkout", services.Logger(observability.NewEventLogger(logger, "checkout"))),
		di.WithLogger("orders", services.Logger(observability.NewEventLogger(logger, "orders"))),
	)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	svc := container.Services

	idempotencyStore := idempotency.NewFirestoreStore(firestoreProvider, "")
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithOptionalKey(),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(cfg.Idempotency.CleanupInterval)
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

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, 0)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, 0)

	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)
	carrierSignature := buildCarrierSignature(logger.Named("auth"), cfg)

	cartHandlers := handlers.NewCartHandlers(authenticator, svc.Carts, products, svc.Checkout,
		handlers.WithPromoRateLimit(cfg.Promotions.ApplyPerMinute, time.Now),
	)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout)
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Ledger, handlers.WithOrderIdempotency(idempotencyMiddleware))
	callbackHandlers := handlers.NewPaymentCallbackHandlers(svc.Ledger)
	webhookHandlers := handlers.NewDeliveryWebhookHandlers(svc.Ledger, carrierSignature)
	internalHandlers := handlers.NewInternalOrderHandlers(svc.Ledger)

	var healthOpts []handlers.HealthOption
	healthOpts = append(healthOpts, handlers.WithHealthBuildInfo(buildInfo))
	if svc.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(svc.System))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithLiqPayRoutes(callbackHandlers.Routes),
	}
	if carrierSignature != nil {
		opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	} else {
		logger.Warn("auth: carrier hmac secret not configured; delivery webhook disabled")
	}
	if oidcMiddleware != nil {
		opts = append(opts,
			handlers.WithInternalMiddlewares(oidcMiddleware),
			handlers.WithInternalRoutes(internalHandlers.Routes),
		)
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
		serverLogger.Info("storefront api listening", zap.String("cartStore", cfg.Cart.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Error("container close failed", zap.Error(err))
	}
}

// runtimeRegistry exposes the repositories selected by configuration.
type runtimeRegistry struct {
	snapshots repositories.CartSnapshotRepository
	products  repositories.ProductCatalog
	orders    repositories.OrderRepository
	health    repositories.HealthRepository
}

func (r *runtimeRegistry) CartSnapshots() repositories.CartSnapshotRepository { return r.snapshots }
func (r *runtimeRegistry) Products() repositories.ProductCatalog              { return r.products }
func (r *runtimeRegistry) Orders() repositories.OrderRepository               { return r.orders }
func (r *runtimeRegistry) Health() repositories.HealthRepository              { return r.health }

// Close is a no-op; clients are closed by main in reverse order of creation.
func (r *runtimeRegistry) Close(context.Context) error { return nil }

func newCartSnapshots(cfg config.Config, provider *pfirestore.Provider, client *redis.Client) (repositories.CartSnapshotRepository, error) {
	switch cfg.Cart.Store {
	case config.CartStoreRedis:
		if client == nil {
			return nil, errors.New("cart store: redis client is required")
		}
		return cache.NewCartSnapshotRepository(client, cfg.Cart.SnapshotTTL)
	case config.CartStoreMemory:
		return memory.NewCartSnapshots(), nil
	default:
		return firestoreRepo.NewCartSnapshotRepository(provider)
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

func newHealthRepository(client *firestore.Client, redisClient *redis.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
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
	if redisClient != nil {
		rc := redisClient
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: 500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				return rc.Ping(ctx).Err()
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
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, nil)
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(observability.NewPrintfAdapter(logger)))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

// buildCarrierSignature returns nil when no carrier secret is configured.
func buildCarrierSignature(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secretMap := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secretMap[strings.ToLower(strings.TrimSpace(key))] = value
	}
	if _, ok := secretMap[carrierSecretName]; !ok {
		return nil
	}

	provider := auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		if secret, ok := secretMap[strings.ToLower(strings.TrimSpace(name))]; ok {
			return secret, nil
		}
		return "", errors.New("auth: secret not found")
	})
	validator := auth.NewHMACValidator(provider, auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACWindow(cfg.Security.HMAC.ClockSkew, cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireHMAC(carrierSecretName)
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
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projects := parsePairs(lookup("API_SECRET_PROJECT_IDS"), true); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if file := lookup("API_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{"LiqPay.PrivateKey"}
	if strings.EqualFold(strings.TrimSpace(env["API_CART_STORE"]), config.CartStoreRedis) &&
		strings.TrimSpace(env["API_REDIS_PASSWORD"]) != "" {
		required = append(required, "Redis.Password")
	}
	for key := range parsePairs(env["API_SECURITY_HMAC_SECRETS"], false) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return uniqueStrings(required)
}

// parsePairs reads "key=value,key=value" lists.
func parsePairs(raw string, lowerKeys bool) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(strings.TrimSpace(raw), ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if lowerKeys {
			key = strings.ToLower(key)
		}
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
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
