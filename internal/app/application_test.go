package app

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"kioskqueue/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Auth.JWTSecret = "secret"
	cfg.Kiosk.Count = 2
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	if _, err := NewApplication(nil); err == nil {
		t.Error("nil config should fail")
	}

	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""
	if _, err := NewApplication(cfg); err == nil {
		t.Error("config without a JWT secret should fail")
	}
}

func TestNewApplication_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"

	if _, err := NewApplication(cfg); err == nil {
		t.Error("unreachable redis should fail startup")
	}
}

func TestApplication_StartServeStop(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	kiosks, err := app.kiosks.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(kiosks) != 2 {
		t.Errorf("expected 2 provisioned kiosks, got %d", len(kiosks))
	}

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d: %s", rec.Code, rec.Body.String())
	}

	resp, err := http.Get("http://" + app.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health over the listener: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("listener health = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if app.messageHub.IsRunning() {
		t.Error("hub should be stopped")
	}
}

func TestApplication_StopBackgroundStopsHubCleanly(t *testing.T) {
	for i := 0; i < 20; i++ {
		cfg := testConfig(t)
		app, err := NewApplication(cfg)
		if err != nil {
			t.Fatalf("NewApplication: %v", err)
		}
		if err := app.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}

		if err := app.stopBackground(); err != nil {
			t.Fatalf("run %d: hub shutdown reported %v", i, err)
		}
		if app.messageHub.IsRunning() {
			t.Fatal("hub should be stopped")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = app.httpServer.Shutdown(ctx)
		cancel()
		if err := app.dbManager.Close(); err != nil {
			t.Errorf("database close: %v", err)
		}
	}
}
