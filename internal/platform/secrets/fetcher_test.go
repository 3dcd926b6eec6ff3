package secrets

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const liqpayResource = "projects/storefront/secrets/liqpay-private-key/versions/latest"

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[liqpayResource] = "remote-secret"

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("storefront"),
		WithLogger(zap.NewNop()),
		WithFallbackFile(""),
		WithCacheTTL(time.Minute),
		withClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, "secret://liqpay-private-key")
		if err != nil || got != "remote-secret" {
			t.Fatalf("Resolve #%d = %q, %v", i, got, err)
		}
	}
	if calls := client.callCount(liqpayResource); calls != 1 {
		t.Fatalf("expected one remote fetch, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := fetcher.Resolve(ctx, "sm://liqpay-private-key"); err != nil {
		t.Fatalf("Resolve after expiry: %v", err)
	}
	if calls := client.callCount(liqpayResource); calls != 2 {
		t.Fatalf("expected refetch after cache ttl, got %d", calls)
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/other/secrets/carrier-hmac/versions/3"] = "v3"

	fetcher, _ := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("storefront"), WithFallbackFile(""))
	got, err := fetcher.Resolve(ctx, "secret://carrier-hmac?version=3&project=other")
	if err != nil || got != "v3" {
		t.Fatalf("expected pinned version from override project, got %q, %v", got, err)
	}
}

func TestResolveUsesProjectMap(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/storefront-prod/secrets/liqpay-private-key/versions/latest"] = "prod"

	fetcher, _ := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithEnvironment("PROD"),
		WithProjectMap(map[string]string{"prod": "storefront-prod"}),
		WithDefaultProject("storefront"),
		WithFallbackFile(""),
	)
	if got, err := fetcher.Resolve(ctx, "secret://liqpay-private-key"); err != nil || got != "prod" {
		t.Fatalf("expected environment project, got %q, %v", got, err)
	}
}

func TestResolveFallsBackWhenPermissionDenied(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors[liqpayResource] = status.Error(codes.PermissionDenied, "denied")

	fetcher, _ := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("storefront"),
		WithFallbackFile(writeFallback(t, "# local keys\nliqpay-private-key=local-secret\n")),
	)
	got, err := fetcher.Resolve(ctx, "secret://liqpay-private-key")
	if err != nil || got != "local-secret" {
		t.Fatalf("expected fallback value, got %q, %v", got, err)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()

	fetcher, _ := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("storefront"),
		WithFallbackFile(writeFallback(t, "secret://liqpay-private-key=local-secret\n")),
	)
	if _, err := fetcher.Resolve(ctx, "secret://liqpay-private-key"); err == nil {
		t.Fatalf("expected error for a secret missing in Secret Manager")
	}
}

func TestResolveWithoutProjectUsesFallbackOnly(t *testing.T) {
	ctx := context.Background()
	fetcher, err := NewFetcher(ctx, WithFallbackFile(writeFallback(t, "secret://carrier-hmac=abc==\n")))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	got, err := fetcher.ResolveSecret(ctx, "secret://carrier-hmac")
	if err != nil || got != "abc==" {
		t.Fatalf("expected fallback value with padding, got %q, %v", got, err)
	}
	if _, err := fetcher.Resolve(ctx, "secret://unknown"); err == nil {
		t.Fatalf("expected error for unknown secret")
	}
	if _, err := fetcher.Resolve(ctx, "https://not-a-secret"); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[liqpayResource] = "v1"
	fetcher, _ := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("storefront"), WithFallbackFile(""))

	_, _ = fetcher.Resolve(ctx, "secret://liqpay-private-key")
	client.set(liqpayResource, "v2")
	fetcher.Invalidate("secret://liqpay-private-key")

	if got, _ := fetcher.Resolve(ctx, "secret://liqpay-private-key"); got != "v2" {
		t.Fatalf("expected rotated value, got %q", got)
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter[req.GetName()]++
	if err := f.errors[req.GetName()]; err != nil {
		return nil, err
	}
	if value, ok := f.values[req.GetName()]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) set(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
}

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
