// Package secrets resolves secret:// references through Google Secret Manager.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
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
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	meterName           = "github.com/storefront/api/internal/platform/secrets"
)

// SecretManagerClient is the subset of the Secret Manager client the fetcher calls.
type SecretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves references of the form secret://NAME?version=V&project=P.
// Values are cached for a bounded time so rotated keys are eventually picked
// up. When Secret Manager is unreachable or denies access the fetcher reads
// the local fallback file, which is how developers run without GCP access.
type Fetcher struct {
	client     SecretManagerClient
	ownsClient bool
	logger     *zap.Logger
	now        func() time.Time

	project  string
	cacheTTL time.Duration

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]cached

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type cached struct {
	value   string
	expires time.Time
}

type settings struct {
	logger       *zap.Logger
	environment  string
	project      string
	projectMap   map[string]string
	fallbackPath string
	cacheTTL     time.Duration
	meter        metric.Meter
	client       SecretManagerClient
	clientOpts   []option.ClientOption
	now          func() time.Time
}

// Option customises NewFetcher.
type Option func(*settings)

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithEnvironment selects the entry of the project map to use.
func WithEnvironment(env string) Option {
	return func(s *settings) { s.environment = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject is used when the project map has no entry for the environment.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environments to Secret Manager projects.
func WithProjectMap(m map[string]string) Option {
	return func(s *settings) { s.projectMap = m }
}

// WithFallbackFile overrides the local fallback path. An empty path disables it.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackPath = strings.TrimSpace(path) }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithSecretManagerClient injects a client, mostly for tests.
func WithSecretManagerClient(client SecretManagerClient) Option {
	return func(s *settings) { s.client = client }
}

// WithClientOptions are passed to secretmanager.NewClient.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

func withClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// NewFetcher builds a Fetcher. Failing to create the Secret Manager client is
// not fatal: the fetcher then serves from the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{
		logger:       zap.NewNop(),
		fallbackPath: defaultFallbackPath,
		cacheTTL:     defaultCacheTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		client:       s.client,
		logger:       s.logger,
		now:          s.now,
		project:      s.project,
		cacheTTL:     s.cacheTTL,
		fallbackPath: s.fallbackPath,
		cache:        make(map[string]cached),
	}
	if id := strings.TrimSpace(s.projectMap[s.environment]); id != "" {
		f.project = id
	}

	var err error
	if f.latency, err = s.meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"), metric.WithDescription("Secret resolution latency")); err != nil {
		s.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}
	if f.cacheHits, err = s.meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from cache")); err != nil {
		s.logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
	}

	if f.client == nil && f.project != "" {
		client, err := secretmanager.NewClient(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secrets: secret manager unavailable, using fallback file", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client if the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret implements config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the secret value for ref.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := f.now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.name + "#" + parsed.version

	f.mu.Lock()
	entry, ok := f.cache[key]
	f.mu.Unlock()
	if ok && f.now().Before(entry.expires) {
		if f.cacheHits != nil {
			f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", mask(parsed.name))))
		}
		f.observe(ctx, start, "cache")
		return entry.value, nil
	}

	project := parsed.project
	if project == "" {
		project = f.project
	}
	if project != "" && f.client != nil {
		value, err := f.access(ctx, project, parsed)
		if err == nil {
			f.store(key, value)
			f.observe(ctx, start, "remote")
			return value, nil
		}
		if !fallbackable(err) {
			f.observe(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", parsed.name, err)
		}
		f.logger.Debug("secrets: remote fetch failed, trying fallback", zap.String("secret", mask(parsed.name)), zap.Error(err))
	}

	value, ok := f.lookupFallback(parsed)
	if !ok {
		f.observe(ctx, start, "error")
		return "", fmt.Errorf("secrets: no value for %s", parsed.name)
	}
	f.store(key, value)
	f.observe(ctx, start, "fallback")
	return value, nil
}

// Invalidate drops every cached version of ref.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		if strings.HasPrefix(key, parsed.name+"#") {
			delete(f.cache, key)
		}
	}
}

func (f *Fetcher) access(ctx context.Context, project string, ref reference) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", ref.name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = cached{value: value, expires: f.now().Add(f.cacheTTL)}
	f.mu.Unlock()
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	if f.latency == nil {
		return
	}
	ms := float64(f.now().Sub(start)) / float64(time.Millisecond)
	f.latency.Record(ctx, ms, metric.WithAttributes(attribute.String("source", source)))
}

// lookupFallback reads NAME=VALUE or secret://NAME=VALUE lines. Fallback values
// are not versioned.
func (f *Fetcher) lookupFallback(ref reference) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallback = map[string]string{}
		if f.fallbackPath == "" {
			return
		}
		file, err := os.Open(f.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("secrets: fallback file unreadable", zap.Error(err))
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
			key, value, ok := strings.Cut(line, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				continue
			}
			if !strings.Contains(key, "://") {
				key = "secret://" + key
			}
			if parsed, err := parseReference(key); err == nil {
				f.fallback[parsed.name] = strings.TrimSpace(value)
			}
		}
	})
	value, ok := f.fallback[ref.name]
	return value, ok
}

type reference struct {
	name    string
	version string
	project string
}

func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, errors.New("secrets: missing secret name")
	}
	q := u.Query()
	parsed := reference{name: name, version: "latest", project: strings.TrimSpace(q.Get("project"))}
	if v := strings.TrimSpace(q.Get("version")); v != "" {
		parsed.version = v
	}
	return parsed, nil
}

func fallbackable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func mask(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:6])
}
