package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	server := NewHTTPServer(svc, "*")

	rr := do(server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	response := decode[map[string]any](t, rr)
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin *, got %q", origin)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestReadyEndpoint_WithoutDecisionLog(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	server := NewHTTPServer(svc, "*")

	rr := do(server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestReadyEndpoint_DatabaseDown(t *testing.T) {
	decisions := &fakeDecisions{
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	}
	svc, _ := newTestService(t, Options{Decisions: decisions})
	server := NewHTTPServer(svc, "*")

	rr := do(server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	response := decode[map[string]any](t, rr)
	if response["status"] != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", response["status"])
	}
	checks, _ := response["checks"].(map[string]any)
	check, _ := checks["decisionLog"].(map[string]any)
	if check["error"] != "connection refused" {
		t.Errorf("expected the ping error in checks, got %v", checks)
	}
}

func TestOptionsPreflight(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	server := NewHTTPServer(svc, "https://notebooks.example")

	rr := do(server, http.MethodOptions, "/api/notebook/suggestions", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "https://notebooks.example" {
		t.Errorf("unexpected CORS origin %q", origin)
	}
}
