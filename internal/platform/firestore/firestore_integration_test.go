//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	pconfig "github.com/willowmart/api/internal/platform/config"
	pfirestore "github.com/willowmart/api/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type variantDoc struct {
	SKU       string `firestore:"sku"`
	Available int    `firestore:"available"`
}

func TestProviderRepositoryRoundTripIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	requireDockerDaemon(t)

	port := reservePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := runEmulator(t, port)
	defer stopEmulator(containerID)

	awaitEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "willowmart-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if client == nil {
		t.Fatal("provider returned nil client")
	}

	repo := pfirestore.NewBaseRepository[variantDoc](provider, "product_variants", nil, nil)

	if _, err := repo.Set(ctx, "var_desk", variantDoc{SKU: "DESK-WAL-01", Available: 4}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	doc, err := repo.Get(ctx, "var_desk")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.ID != "var_desk" {
		t.Fatalf("doc id = %s, want var_desk", doc.ID)
	}
	if doc.Data.SKU != "DESK-WAL-01" || doc.Data.Available != 4 {
		t.Fatalf("doc data = %#v", doc.Data)
	}
	if doc.UpdateTime.IsZero() {
		t.Fatal("update time not set")
	}

	if _, err := repo.Update(ctx, "var_desk", []firestore.Update{{Path: "available", Value: 3}}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	doc, err = repo.Get(ctx, "var_desk")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if doc.Data.Available != 3 {
		t.Fatalf("available = %d, want 3", doc.Data.Available)
	}

	docs, err := repo.Query(ctx, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("query returned %d documents, want 1", len(docs))
	}

	_, err = repo.Get(ctx, "var_missing")
	if err == nil {
		t.Fatal("Get for a missing variant succeeded")
	}
	type notFoundClassifier interface{ IsNotFound() bool }
	var cls notFoundClassifier
	if !errors.As(err, &cls) {
		t.Fatalf("error %v does not classify", err)
	}
	if !cls.IsNotFound() {
		t.Fatal("missing variant not classified as not found")
	}

	if err := provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := repo.DocumentRef(ctx, "var_desk")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var variant variantDoc
		if err := snap.DataTo(&variant); err != nil {
			return err
		}
		variant.Available--
		return tx.Set(ref, variant)
	}); err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}

	doc, err = repo.Get(ctx, "var_desk")
	if err != nil {
		t.Fatalf("Get after transaction: %v", err)
	}
	if doc.Data.Available != 2 {
		t.Fatalf("available after txn = %d, want 2", doc.Data.Available)
	}

	cancelledCtx, cancelTxn := context.WithCancel(context.Background())
	cancelTxn()
	if err := provider.RunTransaction(cancelledCtx, func(context.Context, *firestore.Transaction) error {
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled transaction returned %v, want context.Canceled", err)
	}
}

func reservePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func runEmulator(t *testing.T, port int) string {
	t.Helper()
	cmd := exec.Command("docker",
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatal("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopEmulator(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
}

func awaitEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator never became ready: %v", lastErr)
}

func requireDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
