package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/willowmart/api/internal/domain"
	"github.com/willowmart/api/internal/services"
)

type healthReportStub struct {
	report domain.SystemHealthReport
	err    error
}

func (s *healthReportStub) HealthReport(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

var _ services.SystemService = (*healthReportStub)(nil)

var healthClock = time.Date(2026, 4, 7, 12, 0, 0, 0, time.UTC)

func storefrontBuild() services.BuildInfo {
	return services.BuildInfo{
		Version:     "2.3.1",
		CommitSHA:   "9f2e1ab",
		Environment: "production",
		StartedAt:   healthClock.Add(-45 * time.Second),
	}
}

func probeRequest(t *testing.T, handler http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	handler(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthzReportsBuildAndUptime(t *testing.T) {
	handlers := NewHealthHandlers(
		WithHealthBuildInfo(storefrontBuild()),
		WithHealthClock(func() time.Time { return healthClock }),
	)

	rr := probeRequest(t, handlers.Healthz, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode healthz body: %v", err)
	}
	if body["status"] != domain.HealthStatusOK {
		t.Fatalf("status = %v, want ok", body["status"])
	}
	if body["version"] != "2.3.1" || body["commitSha"] != "9f2e1ab" {
		t.Fatalf("build info = %v / %v", body["version"], body["commitSha"])
	}
	if body["environment"] != "production" {
		t.Fatalf("environment = %v", body["environment"])
	}
	if body["uptime"] == "" {
		t.Fatal("uptime missing from healthz body")
	}
}

func TestReadyzHealthyWhenAllChecksPass(t *testing.T) {
	svc := &healthReportStub{
		report: domain.SystemHealthReport{
			Status:      domain.HealthStatusOK,
			Version:     "2.3.1",
			CommitSHA:   "9f2e1ab",
			Environment: "production",
			Uptime:      45 * time.Second,
			GeneratedAt: healthClock,
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK, Latency: 8 * time.Millisecond, CheckedAt: healthClock},
				"pubsub":    {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond, CheckedAt: healthClock},
			},
		},
	}

	handlers := NewHealthHandlers(
		WithHealthSystemService(svc),
		WithHealthClock(func() time.Time { return healthClock }),
	)

	rr := probeRequest(t, handlers.Readyz, "/readyz")
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", rr.Code)
	}

	var body struct {
		Status string `json:"status"`
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	if body.Status != domain.HealthStatusOK {
		t.Fatalf("status = %s, want ok", body.Status)
	}
	if len(body.Details) != 0 {
		t.Fatalf("details = %v, want empty", body.Details)
	}
	for _, dep := range []string{"firestore", "pubsub"} {
		if body.Checks[dep].Status != domain.HealthStatusOK {
			t.Fatalf("%s status = %s, want ok", dep, body.Checks[dep].Status)
		}
	}
}

func TestReadyzDegradedDependencyReturns503(t *testing.T) {
	svc := &healthReportStub{
		report: domain.SystemHealthReport{
			Status: domain.HealthStatusDegraded,
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
				"pubsub":    {Status: domain.HealthStatusDegraded, Error: "publish failed"},
			},
		},
	}

	handlers := NewHealthHandlers(
		WithHealthSystemService(svc),
		WithHealthClock(func() time.Time { return healthClock }),
	)

	rr := probeRequest(t, handlers.Readyz, "/readyz")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", rr.Code)
	}

	var body struct {
		Status  string   `json:"status"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	if body.Status != domain.HealthStatusDegraded {
		t.Fatalf("status = %s, want degraded", body.Status)
	}
	if len(body.Details) != 1 || body.Details[0] != "pubsub: publish failed" {
		t.Fatalf("details = %v, want the pubsub failure", body.Details)
	}
}
