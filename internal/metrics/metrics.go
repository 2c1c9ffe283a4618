// Package metrics is the counters and health surface: a RWMutex-guarded counter
// block exposed as a JSON snapshot, a health endpoint, and a Prometheus exposition.
// Shaped after a serveHealth()-style handler (RWMutex-guarded state, 503 while
// loading, JSON body) generalized from "channel count loaded" to the full
// counter set this system needs.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/reconciler/internal/cache"
)

// Version is set at build time via -ldflags; defaults to "dev".
var Version = "dev"

// Counters holds the process's running totals: scan activity, decisions made,
// webhook traffic, and auth/rate-limit rejections. All fields are accessed
// only through the exported Inc* methods; direct field access from outside
// the package would race.
type Counters struct {
	mu sync.RWMutex

	QueueScans     int64
	ItemsProcessed int64
	ForcedImports  int64
	Removals       int64
	Keeps          int64
	NoActions      int64

	WebhookEventsByType map[string]int64
	AuthFailures        int64
	RateLimitRejections int64

	ManagerAPICallsTotal int64
}

// NewCounters returns a zeroed Counters block.
func NewCounters() *Counters {
	return &Counters{WebhookEventsByType: make(map[string]int64)}
}

func (c *Counters) IncQueueScan()     { c.mu.Lock(); c.QueueScans++; c.mu.Unlock() }
func (c *Counters) IncItemProcessed() { c.mu.Lock(); c.ItemsProcessed++; c.mu.Unlock() }
func (c *Counters) IncForcedImport()  { c.mu.Lock(); c.ForcedImports++; c.mu.Unlock() }
func (c *Counters) IncRemoval()       { c.mu.Lock(); c.Removals++; c.mu.Unlock() }
func (c *Counters) IncKeep()          { c.mu.Lock(); c.Keeps++; c.mu.Unlock() }
func (c *Counters) IncNoAction()      { c.mu.Lock(); c.NoActions++; c.mu.Unlock() }

func (c *Counters) IncWebhookEvent(eventType string) {
	c.mu.Lock()
	c.WebhookEventsByType[eventType]++
	c.mu.Unlock()
}

func (c *Counters) IncAuthFailure()        { c.mu.Lock(); c.AuthFailures++; c.mu.Unlock() }
func (c *Counters) IncRateLimitRejection() { c.mu.Lock(); c.RateLimitRejections++; c.mu.Unlock() }
func (c *Counters) IncManagerAPICall()     { c.mu.Lock(); c.ManagerAPICallsTotal++; c.mu.Unlock() }

// snapshot is the JSON shape returned by ServeSnapshot.
type snapshot struct {
	QueueScans           int64            `json:"queue_scans"`
	ItemsProcessed       int64            `json:"items_processed"`
	ForcedImports        int64            `json:"forced_imports"`
	Removals             int64            `json:"removals"`
	Keeps                int64            `json:"keeps"`
	NoActions            int64            `json:"no_actions"`
	WebhookEventsByType  map[string]int64 `json:"webhook_events_by_type"`
	AuthFailures         int64            `json:"auth_failures"`
	RateLimitRejections  int64            `json:"rate_limit_rejections"`
	CacheHits            int64            `json:"cache_hits"`
	CacheMisses          int64            `json:"cache_misses"`
	ManagerAPICallsTotal int64            `json:"manager_api_calls_total"`
}

func (c *Counters) snapshot(cch *cache.Cache) snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byType := make(map[string]int64, len(c.WebhookEventsByType))
	for k, v := range c.WebhookEventsByType {
		byType[k] = v
	}
	stats := cch.Stats()
	return snapshot{
		QueueScans:           c.QueueScans,
		ItemsProcessed:       c.ItemsProcessed,
		ForcedImports:        c.ForcedImports,
		Removals:             c.Removals,
		Keeps:                c.Keeps,
		NoActions:            c.NoActions,
		WebhookEventsByType:  byType,
		AuthFailures:         c.AuthFailures,
		RateLimitRejections:  c.RateLimitRejections,
		CacheHits:            stats.Hits,
		CacheMisses:          stats.Misses,
		ManagerAPICallsTotal: c.ManagerAPICallsTotal,
	}
}

// Server serves /health and /metrics. It becomes healthy once MarkReady is
// called; before that, /health reports 503 with a "loading" status.
type Server struct {
	counters  *Counters
	cache     *cache.Cache
	startedAt time.Time

	mu    sync.RWMutex
	ready bool

	promRegistry *prometheus.Registry
}

// NewServer builds a metrics Server backed by counters and cch.
func NewServer(counters *Counters, cch *cache.Cache) *Server {
	s := &Server{
		counters:     counters,
		cache:        cch,
		startedAt:    time.Now(),
		promRegistry: prometheus.NewRegistry(),
	}
	s.registerProm()
	return s
}

// MarkReady flips the health endpoint from "loading" to "ok". Call once the
// manager client has completed its first successful queue fetch.
func (s *Server) MarkReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
}

func (s *Server) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Handler returns a mux serving /health, /metrics (JSON snapshot), and
// /metrics/prom (Prometheus exposition). Used directly by tests; Mount is
// used by cmd/reconciler/main.go to share one listener with the webhook
// receiver.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Mount(mux)
	return mux
}

// Mount registers the health and metrics routes onto mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.Handle("/health", s.serveHealth())
	mux.Handle("/metrics", s.serveSnapshot())
	mux.Handle("/metrics/prom", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
}

type healthBody struct {
	Status         string      `json:"status"`
	Service        string      `json:"service"`
	Version        string      `json:"version"`
	Timestamp      time.Time   `json:"timestamp"`
	UptimeSeconds  float64     `json:"uptime_seconds"`
	Cache          cache.Stats `json:"cache"`
}

func (s *Server) serveHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !s.isReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(healthBody{Status: "loading", Service: "reconciler", Version: Version, Timestamp: time.Now()})
			return
		}
		body := healthBody{
			Status:        "ok",
			Service:       "reconciler",
			Version:       Version,
			Timestamp:     time.Now(),
			UptimeSeconds: time.Since(s.startedAt).Seconds(),
			Cache:         s.cache.Stats(),
		}
		_ = json.NewEncoder(w).Encode(body)
	})
}

func (s *Server) serveSnapshot() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.counters.snapshot(s.cache))
	})
}

// registerProm gives this codebase's previously-unwired prometheus/client_golang
// dependency its first real job: mirroring the JSON counters as GaugeFuncs
// sampled at scrape time. The per-type webhook event counts are not mirrored.
func (s *Server) registerProm() {
	reg := func(name, help string, val func() float64) {
		c := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, val)
		s.promRegistry.MustRegister(c)
	}
	reg("reconciler_queue_scans_total", "Queue scans performed", func() float64 {
		s.counters.mu.RLock()
		defer s.counters.mu.RUnlock()
		return float64(s.counters.QueueScans)
	})
	reg("reconciler_items_processed_total", "Queue items processed", func() float64 {
		s.counters.mu.RLock()
		defer s.counters.mu.RUnlock()
		return float64(s.counters.ItemsProcessed)
	})
	reg("reconciler_forced_imports_total", "Forced imports issued", func() float64 {
		s.counters.mu.RLock()
		defer s.counters.mu.RUnlock()
		return float64(s.counters.ForcedImports)
	})
	reg("reconciler_removals_total", "Queue item removals issued", func() float64 {
		s.counters.mu.RLock()
		defer s.counters.mu.RUnlock()
		return float64(s.counters.Removals)
	})
	reg("reconciler_keeps_total", "keep_private decisions", func() float64 {
		s.counters.mu.RLock()
		defer s.counters.mu.RUnlock()
		return float64(s.counters.Keeps)
	})
	reg("reconciler_no_actions_total", "no_action decisions", func() float64 {
		s.counters.mu.RLock()
		defer s.counters.mu.RUnlock()
		return float64(s.counters.NoActions)
	})
	reg("reconciler_auth_failures_total", "Webhook auth failures", func() float64 {
		s.counters.mu.RLock()
		defer s.counters.mu.RUnlock()
		return float64(s.counters.AuthFailures)
	})
	reg("reconciler_rate_limit_rejections_total", "Webhook rate-limit rejections", func() float64 {
		s.counters.mu.RLock()
		defer s.counters.mu.RUnlock()
		return float64(s.counters.RateLimitRejections)
	})
	reg("reconciler_manager_api_calls_total", "Manager API calls issued", func() float64 {
		s.counters.mu.RLock()
		defer s.counters.mu.RUnlock()
		return float64(s.counters.ManagerAPICallsTotal)
	})
	reg("reconciler_cache_hits_total", "Manager-client cache hits", func() float64 {
		return float64(s.cache.Stats().Hits)
	})
	reg("reconciler_cache_misses_total", "Manager-client cache misses", func() float64 {
		return float64(s.cache.Stats().Misses)
	})
}
