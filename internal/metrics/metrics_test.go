package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snapetech/reconciler/internal/cache"
)

func TestServeHealth_loadingUntilMarkReady(t *testing.T) {
	cch := cache.New(time.Hour)
	defer cch.Close()
	s := NewServer(NewCounters(), cch)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 before MarkReady", rec.Code)
	}

	s.MarkReady()
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after MarkReady", rec.Code)
	}
	var body healthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("Status = %q, want ok", body.Status)
	}
}

func TestServeSnapshot_reflectsCounters(t *testing.T) {
	cch := cache.New(time.Hour)
	defer cch.Close()
	counters := NewCounters()
	counters.IncForcedImport()
	counters.IncForcedImport()
	counters.IncWebhookEvent("Grab")

	s := NewServer(counters, cch)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ForcedImports != 2 {
		t.Fatalf("ForcedImports = %d, want 2", snap.ForcedImports)
	}
	if snap.WebhookEventsByType["Grab"] != 1 {
		t.Fatalf("WebhookEventsByType[Grab] = %d, want 1", snap.WebhookEventsByType["Grab"])
	}
}

func TestServePromExposition(t *testing.T) {
	cch := cache.New(time.Hour)
	defer cch.Close()
	s := NewServer(NewCounters(), cch)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prom", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(rec.Body.Bytes()) == 0 {
		t.Fatal("expected non-empty prometheus exposition body")
	}
}
