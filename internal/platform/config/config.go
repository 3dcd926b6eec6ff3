package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultCartStore           = CartStoreFirestore
	defaultCartPersistTimeout  = 5 * time.Second
	defaultCartSnapshotTTL     = 30 * 24 * time.Hour
	defaultCartIdleTTL         = 30 * time.Minute
	defaultPromoCatalog        = "SALE:20:3000,WELCOME10:10:500,SPRING15:15:1500:2026-05-31"
	defaultPromoApplyPerMinute = 20
	defaultCODPrefix           = "COD"
	defaultOnlinePrefix        = "PAY"
	defaultCurrency            = "UAH"
	defaultPickupPoints        = "kyiv-central=Kyiv, Khreshchatyk St 22|lviv-rynok=Lviv, Rynok Sq 14"
	defaultLiqPayCheckoutURL   = "https://www.liqpay.ua/api/3/checkout"
	defaultLiqPayResultDomain  = "storefront.app"
	defaultLiqPayLanguage      = "uk"
	defaultOrdersTopic         = "order-events"
	defaultArchivePrefix       = "liqpay/callbacks"
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer          = "https://accounts.google.com"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
)

// Cart snapshot backends.
const (
	CartStoreFirestore = "firestore"
	CartStoreRedis     = "redis"
	CartStoreMemory    = "memory"
)

// Config is the runtime configuration grouped by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Redis       RedisConfig
	Cart        CartConfig
	Promotions  PromotionsConfig
	Checkout    CheckoutConfig
	LiqPay      LiqPayConfig
	Events      EventsConfig
	Archive     ArchiveConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// RedisConfig is only required when Cart.Store is redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CartConfig struct {
	Store          string
	PersistTimeout time.Duration
	SnapshotTTL    time.Duration
	IdleTTL        time.Duration
}

// PromoEntry is one static promo code definition.
type PromoEntry struct {
	Code            string
	DiscountPercent decimal.Decimal
	MinOrderAmount  decimal.Decimal
	ValidUntil      *time.Time
}

type PromotionsConfig struct {
	Catalog        []PromoEntry
	EnforceExpiry  bool
	ApplyPerMinute int
}

// PickupPoint is a store location offered for pickup delivery.
type PickupPoint struct {
	ID      string
	Address string
}

type CheckoutConfig struct {
	CashOnDeliveryPrefix string
	OnlinePrefix         string
	Currency             string
	PickupPoints         []PickupPoint
}

// LiqPayConfig holds the merchant keys and the redirect endpoints.
type LiqPayConfig struct {
	PublicKey    string
	PrivateKey   string
	CheckoutURL  string
	ServerURL    string
	ResultURL    string
	ResultDomain string
	Language     string
	Sandbox      bool
}

type EventsConfig struct {
	Topic string
}

type ArchiveConfig struct {
	Bucket string
	Prefix string
}

type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig maps integration names (e.g. "carrier") to signing secrets.
type HMACConfig struct {
	Secrets   map[string]string
	ClockSkew time.Duration
	NonceTTL  time.Duration
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves secret:// references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists missing or invalid fields.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError wraps a failed secret lookup.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to empty values.
// Only hashed names are printed.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the field names of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns short hashes of the missing secret names.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the .env path.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects values that override both the OS environment and .env.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret fields (e.g. "LiqPay.PrivateKey" or
// "Security.HMAC.Secrets[carrier]") that must resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic instead of returning MissingSecretsError.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Load builds the configuration from defaults, .env, the OS environment and the
// explicit env map, in increasing precedence, then resolves secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	env, err := newEnv(options)
	if err != nil {
		return Config{}, err
	}

	var invalid []string
	catalog, err := parsePromoCatalog(env.str("API_PROMO_CATALOG", defaultPromoCatalog))
	if err != nil {
		invalid = append(invalid, "Promotions.Catalog")
	}
	points := parsePickupPoints(env.str("API_CHECKOUT_PICKUP_POINTS", defaultPickupPoints))

	cfg := Config{
		Server: ServerConfig{
			Port:            env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:     env.str("API_REDIS_ADDR", ""),
			Password: env.str("API_REDIS_PASSWORD", ""),
			DB:       env.integer("API_REDIS_DB", 0),
		},
		Cart: CartConfig{
			Store:          strings.ToLower(env.str("API_CART_STORE", defaultCartStore)),
			PersistTimeout: env.duration("API_CART_PERSIST_TIMEOUT", defaultCartPersistTimeout),
			SnapshotTTL:    env.duration("API_CART_SNAPSHOT_TTL", defaultCartSnapshotTTL),
			IdleTTL:        env.duration("API_CART_IDLE_TTL", defaultCartIdleTTL),
		},
		Promotions: PromotionsConfig{
			Catalog:        catalog,
			EnforceExpiry:  env.boolean("API_PROMO_ENFORCE_EXPIRY", true),
			ApplyPerMinute: env.integer("API_PROMO_APPLY_PER_MIN", defaultPromoApplyPerMinute),
		},
		Checkout: CheckoutConfig{
			CashOnDeliveryPrefix: strings.ToUpper(env.str("API_CHECKOUT_COD_PREFIX", defaultCODPrefix)),
			OnlinePrefix:         strings.ToUpper(env.str("API_CHECKOUT_ONLINE_PREFIX", defaultOnlinePrefix)),
			Currency:             strings.ToUpper(env.str("API_CHECKOUT_CURRENCY", defaultCurrency)),
			PickupPoints:         points,
		},
		LiqPay: LiqPayConfig{
			PublicKey:    env.str("API_LIQPAY_PUBLIC_KEY", ""),
			PrivateKey:   env.str("API_LIQPAY_PRIVATE_KEY", ""),
			CheckoutURL:  env.str("API_LIQPAY_CHECKOUT_URL", defaultLiqPayCheckoutURL),
			ServerURL:    env.str("API_LIQPAY_SERVER_URL", ""),
			ResultURL:    env.str("API_LIQPAY_RESULT_URL", ""),
			ResultDomain: strings.ToLower(env.str("API_LIQPAY_RESULT_DOMAIN", defaultLiqPayResultDomain)),
			Language:     env.str("API_LIQPAY_LANGUAGE", defaultLiqPayLanguage),
			Sandbox:      env.boolean("API_LIQPAY_SANDBOX", false),
		},
		Events: EventsConfig{
			Topic: env.str("API_EVENTS_ORDERS_TOPIC", defaultOrdersTopic),
		},
		Archive: ArchiveConfig{
			Bucket: env.str("API_ARCHIVE_BUCKET", ""),
			Prefix: strings.Trim(env.str("API_ARCHIVE_PREFIX", defaultArchivePrefix), "/"),
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
				Secrets:   env.pairs("API_SECURITY_HMAC_SECRETS"),
				ClockSkew: env.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:  env.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}

	resolver := options.secret
	resolved := make(map[string]string)
	resolve := func(name string, field *string) error {
		value, err := resolveSecret(ctx, *field, resolver)
		if err != nil {
			return err
		}
		*field = value
		resolved[name] = strings.TrimSpace(value)
		return nil
	}
	for _, target := range []struct {
		name  string
		field *string
	}{
		{"LiqPay.PrivateKey", &cfg.LiqPay.PrivateKey},
		{"Redis.Password", &cfg.Redis.Password},
	} {
		if err := resolve(target.name, target.field); err != nil {
			return Config{}, err
		}
	}
	for key := range cfg.Security.HMAC.Secrets {
		value := cfg.Security.HMAC.Secrets[key]
		if err := resolve(fmt.Sprintf("Security.HMAC.Secrets[%s]", key), &value); err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = value
	}

	invalid = append(invalid, validate(cfg)...)
	if len(invalid) > 0 {
		return Config{}, &ValidationError{fields: invalid}
	}

	if missing := missingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

// EnvironmentValues returns the merged key/value view Load works from, so
// dependencies such as the secret fetcher can be built before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	env, err := newEnv(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return env.merged(), nil
}

func validate(cfg Config) []string {
	var fields []string
	check := func(ok bool, name string) {
		if !ok {
			fields = append(fields, name)
		}
	}
	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	switch cfg.Cart.Store {
	case CartStoreFirestore, CartStoreMemory:
	case CartStoreRedis:
		check(cfg.Redis.Addr != "", "Redis.Addr")
	default:
		fields = append(fields, "Cart.Store")
	}
	check(cfg.Cart.PersistTimeout > 0, "Cart.PersistTimeout")
	check(cfg.Cart.IdleTTL > 0, "Cart.IdleTTL")
	check(cfg.Checkout.CashOnDeliveryPrefix != "", "Checkout.CashOnDeliveryPrefix")
	check(cfg.Checkout.OnlinePrefix != "" && cfg.Checkout.OnlinePrefix != cfg.Checkout.CashOnDeliveryPrefix, "Checkout.OnlinePrefix")
	check(len(cfg.Checkout.PickupPoints) > 0, "Checkout.PickupPoints")
	check(cfg.LiqPay.CheckoutURL != "", "LiqPay.CheckoutURL")
	check(cfg.LiqPay.ResultDomain != "", "LiqPay.ResultDomain")
	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")
	return fields
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "secret://"), "sm://")
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func missingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var names []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; name == "" || dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &MissingSecretsError{names: names}
}
