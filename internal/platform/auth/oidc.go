package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// Logger is the printf contract used by the validators.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	f(ctx, kind, success, reason, duration)
}

const defaultJWKSValidity = 15 * time.Minute

// JWKSCache fetches Google's signing keys and keeps them until the
// Cache-Control max-age elapses. An unknown kid forces one refetch.
type JWKSCache struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time
}

// NewJWKSCache builds a cache for url. A nil client uses a 10s timeout client.
func NewJWKSCache(url string, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSCache{url: url, client: client, now: time.Now}
}

// Keyfunc resolves RS256 verification keys by kid.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key returns the public key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.keys) == 0 || !c.now().Before(c.expiry) {
		if err := c.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := maxAge(resp.Header.Get("Cache-Control"))
	if validity <= 0 {
		validity = defaultJWKSValidity
	}
	c.keys = keys
	c.expiry = c.now().Add(validity)
	return nil
}

func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// ServiceIdentity is the Google service account that called an internal route.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// OIDCValidator checks Google signed ID tokens on internal routes (Cloud
// Scheduler, Cloud Tasks, IAP).
type OIDCValidator struct {
	keys    *JWKSCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

type OIDCOption func(*OIDCValidator)

func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) { v.logger = logger }
}

func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) { v.metrics = recorder }
}

func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

func NewOIDCValidator(keys *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{keys: keys, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireOIDC accepts tokens whose audience is audience and whose issuer is one of issuers.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			identity, status, reason := v.verify(r, audience, issuers)
			if identity == nil {
				v.record(r, false, reason, start)
				if v.logger != nil {
					v.logger.Printf("auth: oidc verification failed: %s", reason)
				}
				code := "invalid_token"
				if status == http.StatusServiceUnavailable {
					code = "verification_unavailable"
				}
				respondAuthError(w, status, code, "oidc token verification failed")
				return
			}
			v.record(r, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(r.Context(), identity)))
		})
	}
}

func (v *OIDCValidator) verify(r *http.Request, audience string, issuers []string) (*ServiceIdentity, int, string) {
	if audience == "" || v.keys == nil {
		return nil, http.StatusServiceUnavailable, "not_configured"
	}
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		raw = strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
	}
	if raw == "" {
		return nil, http.StatusUnauthorized, "token_missing"
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, claims, v.keys.Keyfunc(r.Context())); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, http.StatusServiceUnavailable, "jwks_unavailable"
		}
		return nil, http.StatusUnauthorized, "token_invalid"
	}
	if !claims.VerifyAudience(audience, true) {
		return nil, http.StatusUnauthorized, "audience_mismatch"
	}
	issuer, _ := claims["iss"].(string)
	if len(issuers) > 0 && !containsString(issuers, issuer) {
		return nil, http.StatusUnauthorized, "issuer_mismatch"
	}
	subject, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	return &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer}, http.StatusOK, ""
}

func (v *OIDCValidator) record(r *http.Request, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(r.Context(), "oidc", success, reason, v.now().Sub(start))
	}
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if strings.TrimSpace(value) == target {
			return true
		}
	}
	return false
}
