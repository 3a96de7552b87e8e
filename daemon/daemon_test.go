// ABOUTME: Daemon wiring tests: a default config builds a working process and serves its routes.
// ABOUTME: Uses temp storage and never starts the real listener.

package daemon

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pandora-research/pandora/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.Storage.IndexPath = filepath.Join(t.TempDir(), "index.db")
	return cfg
}

func TestNewBuildsFromDefaults(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.teardown()
	if d.Handler() == nil {
		t.Fatal("nil handler")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.Mode = "yolo"
	if _, err := New(cfg); err == nil {
		t.Fatal("invalid policy mode accepted")
	}
}

func TestHandlerServesHealthAndMetrics(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.teardown()

	ts := httptest.NewServer(d.Handler())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestJanitorKeepsFinishedJobsForAnHour(t *testing.T) {
	if jobRetention != time.Hour {
		t.Fatalf("jobRetention = %v, want %v", jobRetention, time.Hour)
	}
}

func TestMetricsDisabledDropsRoute(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MetricsEnabled = false
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.teardown()

	ts := httptest.NewServer(d.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /metrics = %d, want 404", resp.StatusCode)
	}
}
