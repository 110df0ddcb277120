package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/willowmart/api/internal/domain"
)

var probeClock = time.Date(2026, time.May, 20, 9, 0, 0, 0, time.UTC)

func respondAfter(delay time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestDependencyHealthAllProbesPass(t *testing.T) {
	checks := []DependencyCheck{
		{Name: "firestore", Check: respondAfter(10 * time.Millisecond)},
		{Name: "storage", Check: func(context.Context) error { return nil }},
	}

	repo, err := NewDependencyHealthRepository(checks,
		WithDependencyClock(func() time.Time { return probeClock }),
	)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if report.Status != domain.HealthStatusOK {
		t.Fatalf("status = %s, want ok", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("checks = %d, want 2", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK {
			t.Fatalf("%s status = %s, want ok", name, check.Status)
		}
		if check.CheckedAt != probeClock {
			t.Fatalf("%s checkedAt = %s, want %s", name, check.CheckedAt, probeClock)
		}
	}
	if report.GeneratedAt != probeClock {
		t.Fatalf("generatedAt = %s, want %s", report.GeneratedAt, probeClock)
	}
}

func TestDependencyHealthFailedProbeDegradesReport(t *testing.T) {
	probeErr := errors.New("firestore: deadline exceeded on ping read")
	checks := []DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return probeErr }},
		{Name: "pubsub", Check: func(context.Context) error { return nil }},
	}

	repo, err := NewDependencyHealthRepository(checks)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("status = %s, want degraded", report.Status)
	}
	check := report.Checks["firestore"]
	if check.Status != domain.HealthStatusDegraded {
		t.Fatalf("firestore status = %s, want degraded", check.Status)
	}
	if check.Error != probeErr.Error() {
		t.Fatalf("error = %q, want %q", check.Error, probeErr.Error())
	}
	if report.Checks["pubsub"].Status != domain.HealthStatusOK {
		t.Fatalf("pubsub status = %s, want ok", report.Checks["pubsub"].Status)
	}
}

func TestDependencyHealthSlowProbeTimesOut(t *testing.T) {
	checks := []DependencyCheck{
		{
			Name:    "secrets",
			Timeout: 5 * time.Millisecond,
			Check:   respondAfter(20 * time.Millisecond),
		},
	}

	repo, err := NewDependencyHealthRepository(checks)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if report.Status != domain.HealthStatusError {
		t.Fatalf("status = %s, want error", report.Status)
	}
	check := report.Checks["secrets"]
	if check.Status != domain.HealthStatusError {
		t.Fatalf("secrets status = %s, want error", check.Status)
	}
	if check.Detail != "timeout" {
		t.Fatalf("detail = %s, want timeout", check.Detail)
	}
}

func TestDependencyHealthRejectsMalformedChecks(t *testing.T) {
	if _, err := NewDependencyHealthRepository(nil); err == nil {
		t.Fatal("expected error for empty check set")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: " ", Check: func(context.Context) error { return nil }}}); err == nil {
		t.Fatal("expected error for blank probe name")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: "firestore"}}); err == nil {
		t.Fatal("expected error for missing check function")
	}
}
