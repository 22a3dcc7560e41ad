package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	h := New()
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "state_store", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "event_bus", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["state_store"] != "ok" {
		t.Errorf("state_store check = %q, want %q", body.Checks["state_store"], "ok")
	}
	if body.Checks["event_bus"] != "ok" {
		t.Errorf("event_bus check = %q, want %q", body.Checks["event_bus"], "ok")
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "state_store", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "event_bus", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["state_store"] != "fail: connection refused" {
		t.Errorf("state_store check = %q, want %q", body.Checks["state_store"], "fail: connection refused")
	}
	if body.Checks["event_bus"] != "ok" {
		t.Errorf("event_bus check = %q, want %q", body.Checks["event_bus"], "ok")
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllCheckersFail(t *testing.T) {
	h := New(
		Checker{Name: "state_store", Check: func(_ context.Context) error {
			return errors.New("timeout")
		}},
		Checker{Name: "event_bus", Check: func(_ context.Context) error {
			return errors.New("nats: connection closed")
		}},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["state_store"] != "fail: timeout" {
		t.Errorf("state_store check = %q", body.Checks["state_store"])
	}
	if body.Checks["event_bus"] != "fail: nats: connection closed" {
		t.Errorf("event_bus check = %q", body.Checks["event_bus"])
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(_ context.Context) error { return nil }},
	)

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/health", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHealth_IncludesOptionalCheckers(t *testing.T) {
	h := New(
		Checker{Name: "state_store", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "tts:elevenlabs", Optional: true, Check: func(_ context.Context) error {
			return errors.New("circuit open")
		}},
		Checker{Name: "telephony", Optional: true, Check: func(_ context.Context) error { return nil }},
	)

	// Readiness ignores the failing provider.
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d, want %d", rec.Code, http.StatusOK)
	}
	var ready result
	if err := json.NewDecoder(rec.Body).Decode(&ready); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if _, ok := ready.Checks["tts:elevenlabs"]; ok {
		t.Error("optional checker evaluated by readyz")
	}

	// The aggregated report does not.
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Checks["tts:elevenlabs"] != "fail: circuit open" {
		t.Errorf("tts check = %q", body.Checks["tts:elevenlabs"])
	}
	if body.Checks["telephony"] != "ok" || body.Checks["state_store"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestHealth_RunsCheckersConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	blocking := func(_ context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	h := New(
		Checker{Name: "a", Check: blocking},
		Checker{Name: "b", Check: blocking},
	)

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest("GET", "/health", nil))
		done <- rec.Code
	}()

	<-started
	<-started
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
}
