package boot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func writeBootConfig(t *testing.T, dir string, heal, scanner bool) string {
	t.Helper()
	body := fmt.Sprintf(`server:
  host: "127.0.0.1"
  port: %d
  region: "us-east-1"
  volumes: %q
maintenance:
  enableHeal: %v
  enableScanner: %v
  scanInterval: "1h"
`, freePort(t), filepath.Join(dir, "vol{1...4}"), heal, scanner)
	path := filepath.Join(dir, "config.dev.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// startApp boots a full runtime from a throwaway config and registers its
// teardown. Environment flag overrides are pinned off so the config file is
// the only source of truth.
func startApp(t *testing.T, heal, scanner bool) (*Runtime, *Coordinator) {
	t.Helper()
	t.Setenv("ORBITFS_ENABLE_HEAL", "")
	t.Setenv("ORBITFS_ENABLE_SCANNER", "")
	t.Setenv("ORBITFS_ADDR", "")
	t.Setenv("ORBITFS_PPROF_ADDR", "")

	dir := t.TempDir()
	path := writeBootConfig(t, dir, heal, scanner)
	app := NewApp(context.Background(), discardLogger(), "test")
	rt, err := Run(context.Background(), app, RunOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	co := &Coordinator{Grace: 10 * time.Millisecond, StopTimeout: 5 * time.Second}
	t.Cleanup(func() { _ = co.Shutdown(rt) })
	return rt, co
}

func TestBootstrapRunsAndServes(t *testing.T) {
	rt, _ := startApp(t, true, true)

	if got := rt.App.State.State(); got != StateRunning {
		t.Fatalf("state after bootstrap = %v, want Running", got)
	}
	if rt.App.State.Uptime() <= 0 {
		t.Fatal("uptime should advance once Running")
	}
	if !rt.App.Config.Ready() {
		t.Fatal("config slot should be populated")
	}
	if rt.Engine == nil || rt.API == nil || rt.Notify == nil || rt.Identity == nil {
		t.Fatal("core subsystems missing from runtime")
	}

	h := rt.API.Handler()
	for _, path := range []string{"/livez", "/readyz", "/healthz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var doc struct {
		Status  string            `json:"status"`
		Uptime  float64           `json:"uptime"`
		Details map[string]string `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode health document: %v", err)
	}
	if doc.Status != "ok" || doc.Uptime <= 0 {
		t.Fatalf("health document = %+v", doc)
	}
	for _, probe := range []string{"storage", "identity"} {
		if doc.Details[probe] != "connected" {
			t.Errorf("health detail %s = %q, want connected", probe, doc.Details[probe])
		}
	}
}

func TestBootstrapMissingConfigIsConfigurationError(t *testing.T) {
	app := NewApp(context.Background(), discardLogger(), "test")
	_, err := Run(context.Background(), app, RunOptions{
		ConfigPath: filepath.Join(t.TempDir(), "absent.yaml"),
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("error = %v, want ErrConfiguration", err)
	}
	if app.State.State() != StateStarting {
		t.Fatalf("state after failed bootstrap = %v, want Starting", app.State.State())
	}
}

func TestBootstrapUnreachableDatabaseAborts(t *testing.T) {
	t.Setenv("ORBITFS_ENABLE_HEAL", "")
	t.Setenv("ORBITFS_ENABLE_SCANNER", "")
	t.Setenv("ORBITFS_ADDR", "")

	dir := t.TempDir()
	body := fmt.Sprintf(`server:
  host: "127.0.0.1"
  port: %d
  volumes: %q
database:
  host: "127.0.0.1"
  port: %d
  connection:
    timeout: "1s"
`, freePort(t), filepath.Join(dir, "vol{1...4}"), freePort(t))
	path := filepath.Join(dir, "config.dev.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	app := NewApp(context.Background(), discardLogger(), "test")
	rt, err := Run(context.Background(), app, RunOptions{ConfigPath: path})
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("error = %v, want ErrConnection", err)
	}
	if rt.Metrics != nil || rt.API != nil {
		t.Fatal("later stages must not run after the database stage fails")
	}
	co := &Coordinator{Grace: time.Millisecond}
	if err := co.Shutdown(rt); err != nil {
		t.Fatalf("teardown of partial runtime: %v", err)
	}
	if got := app.State.State(); got != StateStopped {
		t.Fatalf("state = %v, want Stopped", got)
	}
}

func TestMaintenanceFlagCombinations(t *testing.T) {
	cases := []struct {
		name          string
		heal, scanner bool
	}{
		{"both-on", true, true},
		{"heal-only", true, false},
		{"scanner-only", false, true},
		{"both-off", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt, co := startApp(t, tc.heal, tc.scanner)
			if got := rt.Healer != nil; got != tc.heal {
				t.Errorf("healer running = %v, want %v", got, tc.heal)
			}
			if got := rt.Scanner != nil; got != tc.scanner {
				t.Errorf("scanner running = %v, want %v", got, tc.scanner)
			}
			if rt.Flags.EnableHeal != tc.heal || rt.Flags.EnableScanner != tc.scanner {
				t.Error("resolved flags should mirror the loaded configuration")
			}
			if err := co.Shutdown(rt); err != nil {
				t.Errorf("shutdown: %v", err)
			}
			if got := rt.App.State.State(); got != StateStopped {
				t.Errorf("state after shutdown = %v, want Stopped", got)
			}
		})
	}
}

func TestShutdownHoldsGracePeriod(t *testing.T) {
	rt, _ := startApp(t, false, false)
	co := &Coordinator{Grace: 100 * time.Millisecond, StopTimeout: 5 * time.Second}

	start := time.Now()
	if err := co.Shutdown(rt); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("shutdown returned after %v, want at least the 100ms grace", elapsed)
	}
	if got := rt.App.State.State(); got != StateStopped {
		t.Fatalf("state = %v, want Stopped", got)
	}

	rec := httptest.NewRecorder()
	rt.API.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after shutdown = %d, want 503", rec.Code)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	rt, _ := startApp(t, false, false)
	co := &Coordinator{Grace: 50 * time.Millisecond, StopTimeout: 5 * time.Second}
	first := co.Shutdown(rt)

	start := time.Now()
	second := co.Shutdown(rt)
	if elapsed := time.Since(start); elapsed >= 50*time.Millisecond {
		t.Fatalf("second shutdown took %v, should return without re-running", elapsed)
	}
	if !errors.Is(second, first) && second != first {
		t.Fatalf("second shutdown = %v, want the first result %v", second, first)
	}
}
