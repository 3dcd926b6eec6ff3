package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{"API_FIREBASE_PROJECT_ID": "storefront-dev"}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Firestore.ProjectID != "storefront-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Cart.Store != CartStoreFirestore {
		t.Errorf("expected firestore cart store, got %s", cfg.Cart.Store)
	}
	if cfg.Checkout.CashOnDeliveryPrefix != "COD" || cfg.Checkout.OnlinePrefix != "PAY" || cfg.Checkout.Currency != "UAH" {
		t.Errorf("unexpected checkout defaults %+v", cfg.Checkout)
	}
	if len(cfg.Checkout.PickupPoints) != 2 || cfg.Checkout.PickupPoints[0].ID != "kyiv-central" {
		t.Errorf("expected ordered default pickup points, got %+v", cfg.Checkout.PickupPoints)
	}
	if cfg.Checkout.PickupPoints[0].Address != "Kyiv, Khreshchatyk St 22" {
		t.Errorf("expected address with comma preserved, got %q", cfg.Checkout.PickupPoints[0].Address)
	}
	if len(cfg.Promotions.Catalog) != 3 || !cfg.Promotions.EnforceExpiry {
		t.Errorf("unexpected promotion defaults %+v", cfg.Promotions)
	}
	sale := cfg.Promotions.Catalog[0]
	if sale.Code != "SALE" || sale.DiscountPercent.String() != "20" || sale.MinOrderAmount.String() != "3000" || sale.ValidUntil != nil {
		t.Errorf("unexpected SALE entry %+v", sale)
	}
	spring := cfg.Promotions.Catalog[2]
	if spring.ValidUntil == nil || spring.ValidUntil.Format(time.DateOnly) != "2026-05-31" || spring.ValidUntil.Hour() != 23 {
		t.Errorf("expected inclusive end of day for SPRING15, got %v", spring.ValidUntil)
	}
	if cfg.LiqPay.CheckoutURL != defaultLiqPayCheckoutURL || cfg.LiqPay.ResultDomain != defaultLiqPayResultDomain {
		t.Errorf("unexpected liqpay defaults %+v", cfg.LiqPay)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != defaultOIDCIssuer {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader || cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatch {
		t.Errorf("unexpected idempotency defaults %+v", cfg.Idempotency)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":     "storefront-prod",
		"API_FIRESTORE_PROJECT_ID":    "storefront-data",
		"API_CART_STORE":              "Redis",
		"API_REDIS_ADDR":              "10.0.0.5:6379",
		"API_REDIS_PASSWORD":          "sm://redis/auth",
		"API_PROMO_CATALOG":           "vip:50:0",
		"API_PROMO_ENFORCE_EXPIRY":    "false",
		"API_CHECKOUT_PICKUP_POINTS":  "odesa=Odesa, Deribasivska 1",
		"API_LIQPAY_PUBLIC_KEY":       "sandbox_i000",
		"API_LIQPAY_PRIVATE_KEY":      "secret://liqpay/private",
		"API_LIQPAY_SANDBOX":          "1",
		"API_SECURITY_ENVIRONMENT":    "prod",
		"API_SECURITY_OIDC_AUDIENCES": "prod=https://api.storefront.app,stg=https://stg.storefront.app",
		"API_SECURITY_HMAC_SECRETS":   "carrier=secret://hmac/carrier",
		"API_IDEMPOTENCY_TTL":         "48h",
	}
	secrets := map[string]string{
		"secret://redis/auth":     "redis-pass",
		"secret://liqpay/private": "liqpay-private",
		"secret://hmac/carrier":   "carrier-secret",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithSecretResolver(resolver), WithRequiredSecrets("LiqPay.PrivateKey", "Security.HMAC.Secrets[carrier]"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firestore.ProjectID != "storefront-data" {
		t.Errorf("expected explicit firestore project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Cart.Store != CartStoreRedis || cfg.Redis.Password != "redis-pass" {
		t.Errorf("unexpected redis config %+v / %+v", cfg.Cart, cfg.Redis)
	}
	if len(cfg.Promotions.Catalog) != 1 || cfg.Promotions.Catalog[0].Code != "VIP" || cfg.Promotions.EnforceExpiry {
		t.Errorf("unexpected promotions %+v", cfg.Promotions)
	}
	if cfg.LiqPay.PrivateKey != "liqpay-private" || !cfg.LiqPay.Sandbox {
		t.Errorf("unexpected liqpay config %+v", cfg.LiqPay)
	}
	if cfg.Security.OIDC.Audience != "https://api.storefront.app" {
		t.Errorf("expected audience selected by environment, got %s", cfg.Security.OIDC.Audience)
	}
	if cfg.Security.HMAC.Secrets["carrier"] != "carrier-secret" {
		t.Errorf("expected carrier secret resolved, got %v", cfg.Security.HMAC.Secrets)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"API_CART_STORE":             "redis",
		"API_CHECKOUT_ONLINE_PREFIX": "cod",
		"API_PROMO_CATALOG":          "BROKEN:150:0",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := map[string]bool{
		"Firebase.ProjectID":    true,
		"Firestore.ProjectID":   true,
		"Redis.Addr":            true,
		"Checkout.OnlinePrefix": true,
		"Promotions.Catalog":    true,
	}
	for _, field := range verr.Fields() {
		delete(want, field)
	}
	if len(want) != 0 {
		t.Fatalf("expected fields %v in %v", want, verr.Fields())
	}
}

func TestLoadSecretWithoutResolver(t *testing.T) {
	env := baseEnv()
	env["API_LIQPAY_PRIVATE_KEY"] = "secret://liqpay/private"
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var serr *SecretError
	if !errors.As(err, &serr) || serr.Ref != "secret://liqpay/private" {
		t.Fatalf("expected SecretError for liqpay key, got %v", err)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("LiqPay.PrivateKey"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "LiqPay.PrivateKey" {
		t.Fatalf("unexpected names %v", names)
	}
	if redacted := missing.RedactedNames(); len(redacted) != 1 || redacted[0] == "LiqPay.PrivateKey" {
		t.Fatalf("expected redacted name, got %v", redacted)
	}
}

func TestPanicOnMissingSecrets(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	_, _ = Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("LiqPay.PrivateKey"), WithPanicOnMissingSecrets())
}

func TestDotEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local\nexport API_FIREBASE_PROJECT_ID=from-dotenv\nAPI_SERVER_PORT=\"7070\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_SERVER_PORT": "6060"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "from-dotenv" {
		t.Errorf("expected dotenv project, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected env map to win over dotenv, got %s", cfg.Server.Port)
	}

	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("EnvironmentValues: %v", err)
	}
	if values["API_SERVER_PORT"] != "7070" {
		t.Errorf("expected unquoted dotenv value, got %q", values["API_SERVER_PORT"])
	}
}
