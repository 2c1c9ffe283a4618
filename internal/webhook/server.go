// Package webhook is the secured webhook receiver: an HTTP endpoint accepting
// manager event deliveries, gated by dual auth schemes, a per-address rate
// limiter, and a dedup window, dispatching recognized event types into
// immediate or delayed reconciliation work. Shaped after a Run(ctx)-style
// HTTP server (mux assembly, logRequests middleware composed around the mux,
// graceful shutdown via srv.Shutdown with a context timeout) — the
// middleware chain here generalizes a single logRequests(mux) wrap into a
// short ordered stack of func(http.Handler) http.Handler stages.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/snapetech/reconciler/internal/engine"
	"github.com/snapetech/reconciler/internal/metrics"
	"github.com/snapetech/reconciler/internal/model"
	"github.com/snapetech/reconciler/internal/scheduler"
)

// Config controls webhook server behavior.
type Config struct {
	Addr             string
	Secret           string
	RateLimitPerMin  int
	ImportCheckDelay time.Duration
}

// Server is the webhook HTTP server.
type Server struct {
	cfg      Config
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	counters *metrics.Counters

	limiter *rateLimiter
	dedupe  *deduper
}

// New builds a webhook Server. eng and sched may be the same process-wide
// instances the scanner and scheduler goroutines also use.
func New(cfg Config, eng *engine.Engine, sched *scheduler.Scheduler, counters *metrics.Counters) *Server {
	if cfg.ImportCheckDelay <= 0 {
		cfg.ImportCheckDelay = 600 * time.Second
	}
	if cfg.Secret == "" {
		log.Warn().Msg("webhook: no secret configured; endpoint accepts any request")
	}
	return &Server{
		cfg:      cfg,
		engine:   eng,
		sched:    sched,
		counters: counters,
		limiter:  newRateLimiter(cfg.RateLimitPerMin),
		dedupe:   newDeduper(),
	}
}

// Handler returns the fully composed mux, standalone. Used directly by tests;
// Mount is used by cmd/reconciler/main.go to share one listener with the
// metrics/health endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Mount(mux)
	return mux
}

// Mount registers the webhook route, wrapped in its middleware chain, onto mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.Handle("/webhook/sonarr", s.chain(http.HandlerFunc(s.handleWebhook)))
}

// chain composes request-logging -> rate-limit -> auth around next, outermost
// first so every request is logged even when rejected downstream.
func (s *Server) chain(next http.Handler) http.Handler {
	return s.logRequests(s.rateLimit(s.authenticate(next)))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		log.Info().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", lw.status).Dur("dur", time.Since(start)).
			Str("remote", r.RemoteAddr).Msg("webhook: request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := remoteHost(r.RemoteAddr)
		if !s.limiter.Allow(addr) {
			s.counters.IncRateLimitRejection()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// authenticate accepts either the shared-secret header or the HMAC signature
// header, both compared in constant time. When no secret is configured the
// request passes through (a startup warning was already logged).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ok := checkSecret(s.cfg.Secret, r.Header.Get("X-Webhook-Secret")) ||
			checkSignature(s.cfg.Secret, body, []byte(r.Header.Get("X-Webhook-Signature")))
		if !ok {
			s.counters.IncAuthFailure()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type wireWebhookEvent struct {
	EventType  string `json:"eventType"`
	DownloadID string `json:"downloadId"`
	EventID    string `json:"eventId"`
	Episode    *struct {
		ID       int `json:"id"`
		SeriesID int `json:"seriesId"`
	} `json:"episode"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var wire wireWebhookEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&wire); err != nil {
		http.Error(w, "malformed json", http.StatusBadRequest)
		return
	}

	ev := model.WebhookEvent{EventType: wire.EventType, DownloadID: wire.DownloadID, EventID: wire.EventID}
	if wire.Episode != nil {
		ev.Episode = &model.EpisodeRef{ID: wire.Episode.ID, SeriesID: wire.Episode.SeriesID}
	}

	s.counters.IncWebhookEvent(ev.EventType)

	if s.dedupe.Seen(ev) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	status, err := s.dispatch(r.Context(), ev)
	if err != nil {
		log.Error().Err(err).Str("event_type", ev.EventType).Msg("webhook: dispatch failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// dispatch routes a decoded event to its side effect: schedule, cancel, an
// immediate reconcile, or nothing. The returned string is the acknowledgement
// body sent back to the manager.
func (s *Server) dispatch(ctx context.Context, ev model.WebhookEvent) (string, error) {
	switch ev.EventType {
	case "Test":
		return "ok", nil

	case "Grab":
		if ev.Episode == nil {
			return "", fmt.Errorf("grab event missing episode")
		}
		fp := model.Fingerprint{EpisodeID: ev.Episode.ID, DownloadID: ev.DownloadID}
		s.sched.Schedule(fp, time.Now().Add(s.cfg.ImportCheckDelay), model.TriggerPostGrabCheck)
		return "accepted", nil

	case "Download", "Import":
		if ev.Episode != nil {
			s.sched.Cancel(model.Fingerprint{EpisodeID: ev.Episode.ID, DownloadID: ev.DownloadID})
			s.engine.InvalidateEpisodeCache(ev.Episode.ID)
		} else if ev.DownloadID != "" {
			// Some deliveries omit the episode body; the download ID is still
			// enough to find and cancel the pending check.
			for _, fp := range s.sched.CancelDownload(ev.DownloadID) {
				s.engine.InvalidateEpisodeCache(fp.EpisodeID)
			}
		}
		return "accepted", nil

	case "ImportFailure", "DownloadFailure":
		if ev.Episode == nil {
			return "", fmt.Errorf("%s event missing episode", ev.EventType)
		}
		return "accepted", s.engine.ReconcileEpisode(ctx, ev.Episode.ID)

	case "HealthIssue":
		log.Warn().Msg("webhook: manager reported a health issue")
		return "accepted", nil

	default:
		return "ignored", nil
	}
}
