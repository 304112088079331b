package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/enginehost/enginehost/pkg/config"
	"github.com/enginehost/enginehost/pkg/daemon"
	"github.com/enginehost/enginehost/pkg/logger"
	"github.com/enginehost/enginehost/pkg/metrics"
)

func newTestServer(t *testing.T) (*Server, *daemon.Host) {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.StepInterval = 0
	cfg.Liveness.Enabled = false

	m := metrics.New()
	h := daemon.NewHost(daemon.Options{Config: cfg, Metrics: m})
	return NewServer(":0", h, m, logger.NewNopLogger()), h
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode
}

func TestHealthzEndpoint(t *testing.T) {
	srv, host := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body healthResponse
	if code := getJSON(t, ts.URL+"/healthz", &body); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while stopped", code)
	}
	if body.State != "stopped" {
		t.Errorf("state = %q, want stopped", body.State)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer host.Stop(ctx)

	if code := getJSON(t, ts.URL+"/healthz", &body); code != http.StatusOK {
		t.Errorf("status = %d, want 200 while ready", code)
	}
	if body.Status != "ok" || body.State != "ready" {
		t.Errorf("body = %+v, want ok/ready", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, host := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := host.Bind(ctx); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer host.Unbind(ctx)

	var status daemon.Status
	if code := getJSON(t, ts.URL+"/v1/status", &status); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if !status.Running || status.State != "ready" || status.Binds != 1 {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.PID == 0 {
		t.Error("pid missing from status")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, host := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}
	defer host.Stop(ctx)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)
	for _, want := range []string{
		`enginehost_lifecycle_state{state="ready"} 1`,
		`enginehost_lifecycle_transitions_total{event="start"} 1`,
		"enginehost_queue_depth",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestPanicRecovery(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := config.Default()
	h := daemon.NewHost(daemon.Options{Config: cfg})
	srv := NewServer("127.0.0.1:0", h, nil, logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
