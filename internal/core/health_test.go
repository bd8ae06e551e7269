package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serveHealth(t *testing.T, probes ...HealthProbe) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	srv, _ := newTestServer(t)
	srv.Config.Build.Version = "1.2.3"
	srv.HealthProbes = probes
	srv.MountRoutes()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v (body %s)", err, rec.Body.String())
	}
	return rec, resp
}

func healthy(name string) HealthProbe {
	return NewProbe(name, func(context.Context) error { return nil })
}

func TestHandleHealth_NoProbes(t *testing.T) {
	rec, resp := serveHealth(t)
	if rec.Code != http.StatusOK || resp.Status != "healthy" {
		t.Errorf("got %d %+v", rec.Code, resp)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q", resp.Version)
	}
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	rec, resp := serveHealth(t, healthy("database"), healthy("queue"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(resp.Components) != 2 || resp.Components["database"].Status != "healthy" {
		t.Errorf("components = %+v", resp.Components)
	}
}

func TestHandleHealth_FailingProbe(t *testing.T) {
	failing := NewProbe("database", func(context.Context) error {
		return errors.New("connection refused")
	})
	rec, resp := serveHealth(t, failing, healthy("queue"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	db := resp.Components["database"]
	if db.Status != "unhealthy" || db.Message != "connection refused" {
		t.Errorf("database = %+v", db)
	}
	if resp.Components["queue"].Status != "healthy" {
		t.Errorf("queue = %+v", resp.Components["queue"])
	}
}

func TestHandleHealth_PanickingProbe(t *testing.T) {
	rec, resp := serveHealth(t, NewProbe("database", func(context.Context) error { panic("nil pool") }))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp.Components["database"].Message != "probe panicked: nil pool" {
		t.Errorf("message = %q", resp.Components["database"].Message)
	}
}

func TestHandleHealth_SlowProbeTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the health deadline")
	}
	release := make(chan struct{})
	defer close(release)
	slow := NewProbe("database", func(ctx context.Context) error {
		<-release
		return nil
	})

	start := time.Now()
	rec, resp := serveHealth(t, slow)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp.Components["database"].Message != "health check timed out" {
		t.Errorf("message = %q", resp.Components["database"].Message)
	}
	if elapsed := time.Since(start); elapsed > healthCheckTimeout+time.Second {
		t.Errorf("health check took %s", elapsed)
	}
}
