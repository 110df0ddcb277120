package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const stripeKeyRef = "secret://stripe_secret_key"

func stripeKeyResource(version string) string {
	return "projects/willowmart-test/secrets/stripe_secret_key/versions/" + version
}

type stubSecretManager struct {
	mu       sync.Mutex
	payloads map[string]string
	failures map[string]error
	accesses map[string]int
}

func newStubSecretManager() *stubSecretManager {
	return &stubSecretManager{
		payloads: make(map[string]string),
		failures: make(map[string]error),
		accesses: make(map[string]int),
	}
}

func (s *stubSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := req.GetName()
	s.accesses[name]++

	if err, ok := s.failures[name]; ok && err != nil {
		return nil, err
	}
	if payload, ok := s.payloads[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(payload)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (s *stubSecretManager) Close() error { return nil }

func (s *stubSecretManager) accessCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accesses[name]
}

func newTestFetcher(t *testing.T, client secretManagerClient, extra ...Option) *Fetcher {
	t.Helper()
	opts := append([]Option{
		WithSecretManagerClient(client),
		WithDefaultProject("willowmart-test"),
		WithLogger(zap.NewNop()),
	}, extra...)
	fetcher, err := NewFetcher(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	t.Cleanup(func() { fetcher.Close() })
	return fetcher
}

func writeFallbackFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestResolveFetchesOnceThenServesCache(t *testing.T) {
	ctx := context.Background()

	sm := newStubSecretManager()
	sm.payloads[stripeKeyResource("latest")] = "sk_live_willow"

	fetcher := newTestFetcher(t, sm)

	for i := 0; i < 3; i++ {
		got, err := fetcher.Resolve(ctx, stripeKeyRef)
		if err != nil {
			t.Fatalf("Resolve call %d: %v", i+1, err)
		}
		if got != "sk_live_willow" {
			t.Fatalf("Resolve call %d = %q, want sk_live_willow", i+1, got)
		}
	}

	if n := sm.accessCount(stripeKeyResource("latest")); n != 1 {
		t.Fatalf("secret manager accessed %d times, want 1", n)
	}
}

func TestResolveReadsFallbackFileWhenAccessDenied(t *testing.T) {
	ctx := context.Background()

	path := writeFallbackFile(t, "# local overrides\n"+stripeKeyRef+"=sk_test_local\n")

	sm := newStubSecretManager()
	sm.failures[stripeKeyResource("latest")] = status.Error(codes.PermissionDenied, "denied")

	fetcher := newTestFetcher(t, sm, WithFallbackFile(path))

	got, err := fetcher.Resolve(ctx, stripeKeyRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk_test_local" {
		t.Fatalf("Resolve = %q, want sk_test_local", got)
	}
}

func TestResolveAcceptsLegacyFallbackKeys(t *testing.T) {
	ctx := context.Background()

	path := writeFallbackFile(t, "sm://carrier_webhook_secret=whsec_local\n")

	sm := newStubSecretManager()
	sm.failures["projects/willowmart-test/secrets/carrier_webhook_secret/versions/latest"] = status.Error(codes.Unavailable, "down")

	fetcher := newTestFetcher(t, sm, WithFallbackFile(path))

	got, err := fetcher.Resolve(ctx, "secret://carrier_webhook_secret")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_local" {
		t.Fatalf("Resolve = %q, want whsec_local", got)
	}
}

func TestResolveMissingSecretIsHardError(t *testing.T) {
	ctx := context.Background()

	path := writeFallbackFile(t, stripeKeyRef+"=sk_test_local\n")

	sm := newStubSecretManager()
	sm.failures[stripeKeyResource("latest")] = status.Error(codes.NotFound, "missing")

	fetcher := newTestFetcher(t, sm, WithFallbackFile(path))

	if _, err := fetcher.Resolve(ctx, stripeKeyRef); err == nil {
		t.Fatal("Resolve succeeded for a missing secret, want error")
	}
}

func TestResolveHonoursVersionPin(t *testing.T) {
	ctx := context.Background()

	sm := newStubSecretManager()
	sm.payloads[stripeKeyResource("7")] = "sk_live_v7"

	fetcher := newTestFetcher(t, sm, WithVersionPins(map[string]string{
		stripeKeyRef: "7",
	}))

	got, err := fetcher.Resolve(ctx, stripeKeyRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk_live_v7" {
		t.Fatalf("Resolve = %q, want sk_live_v7", got)
	}
	if n := sm.accessCount(stripeKeyResource("7")); n != 1 {
		t.Fatalf("pinned version accessed %d times, want 1", n)
	}
	if n := sm.accessCount(stripeKeyResource("latest")); n != 0 {
		t.Fatalf("latest version accessed %d times, want 0", n)
	}
}

func TestInvalidateEvictsCacheAndSignalsSubscribers(t *testing.T) {
	ctx := context.Background()

	sm := newStubSecretManager()
	sm.payloads[stripeKeyResource("latest")] = "sk_live_old"

	fetcher := newTestFetcher(t, sm)

	if _, err := fetcher.Resolve(ctx, stripeKeyRef); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	ch, cancel := fetcher.Subscribe(stripeKeyRef)
	defer cancel()

	sm.mu.Lock()
	sm.payloads[stripeKeyResource("latest")] = "sk_live_rotated"
	sm.mu.Unlock()

	fetcher.Invalidate(stripeKeyRef)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no rotation signal after Invalidate")
	}

	got, err := fetcher.Resolve(ctx, stripeKeyRef)
	if err != nil {
		t.Fatalf("Resolve after rotation: %v", err)
	}
	if got != "sk_live_rotated" {
		t.Fatalf("Resolve after rotation = %q, want sk_live_rotated", got)
	}
}

func TestNewFetcherWithoutCredentialsServesFallback(t *testing.T) {
	ctx := context.Background()

	originalFactory := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() {
		secretManagerClientFactory = originalFactory
	})

	path := writeFallbackFile(t, stripeKeyRef+"=sk_test_local\n")

	fetcher, err := NewFetcher(ctx, WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	got, err := fetcher.Resolve(ctx, stripeKeyRef)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk_test_local" {
		t.Fatalf("Resolve = %q, want sk_test_local", got)
	}
}
