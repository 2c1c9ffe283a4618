// Command reconciler runs the decision and reconciliation engine: it watches
// a media manager's download queue, cross-checks grab-time and import-time
// custom-format scores, and corrects the discrepancy via the manager's API.
// Mirrors cmd/plex-tuner/main.go's shape (flags, component construction,
// goroutines, signal-driven shutdown), upgraded to a cancellable root context
// and a graceful HTTP drain per internal/tuner/server.go's Run(ctx).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/snapetech/reconciler/internal/cache"
	"github.com/snapetech/reconciler/internal/config"
	"github.com/snapetech/reconciler/internal/engine"
	"github.com/snapetech/reconciler/internal/errs"
	"github.com/snapetech/reconciler/internal/managerclient"
	"github.com/snapetech/reconciler/internal/metrics"
	"github.com/snapetech/reconciler/internal/model"
	"github.com/snapetech/reconciler/internal/scheduler"
	"github.com/snapetech/reconciler/internal/webhook"
)

// process exit codes.
const (
	exitNormal       = 0
	exitConfigError  = 1
	exitAuthFailure  = 2
	exitRuntimePanic = 3
)

func main() {
	versionFlag := flag.Bool("version", false, "print version and exit")
	envFile := flag.String("env", ".env", "optional env file seeding the process environment")
	flag.Parse()

	if *versionFlag {
		fmt.Println(metrics.Version)
		return
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %v\n", *envFile, err)
		os.Exit(exitConfigError)
	}
	cfg := config.Load()
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("config error")
		os.Exit(exitConfigError)
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = uuid.NewString()
		log.Warn().Str("generated_secret", cfg.WebhookSecret).
			Msg("no RECONCILER_WEBHOOK_SECRET configured; generated one for this process")
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("reconciler: fatal panic in main")
			os.Exit(exitRuntimePanic)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cch := cache.New(30 * time.Second)
	defer cch.Close()

	counters := metrics.NewCounters()
	metricsSrv := metrics.NewServer(counters, cch)

	client := managerclient.New(managerclient.Config{
		BaseURL:  cfg.ManagerURL,
		APIKey:   cfg.ManagerAPIKey,
		PoolSize: cfg.ManagerPoolSize,
		Timeout:  cfg.ManagerTimeout,
		DryRun:   cfg.DryRun,
		Counters: counters,
	}, cch)

	// The scheduler is built first because engine.New takes it (for retry
	// tasks). Its handler closes over eng, which is assigned just below; the
	// closure only reads eng when a task fires, after sched.Run starts, so the
	// forward reference is safe.
	var eng *engine.Engine
	sched := scheduler.New(func(ctx context.Context, fp model.Fingerprint, trigger model.TaskTrigger) {
		eng.PostGrabCheckHandler(ctx, fp, trigger)
	})

	eng = engine.New(client, sched, counters, engine.Config{
		MonitoringInterval:   cfg.MonitoringInterval,
		ForceImportThreshold: cfg.ForceImportThreshold,
		RemovePublicFailures: cfg.RemovePublicFailures,
		ProtectPrivateRatio:  cfg.ProtectPrivateRatio,
		PrivateTrackers:      cfg.PrivateTrackers,
		PublicTrackers:       cfg.PublicTrackers,
	})

	webhookSrv := webhook.New(webhook.Config{
		Secret:           cfg.WebhookSecret,
		RateLimitPerMin:  cfg.WebhookRateLimitPerMin,
		ImportCheckDelay: cfg.ImportCheckDelay,
	}, eng, sched, counters)

	var wg sync.WaitGroup

	if _, err := client.FetchQueue(ctx); err != nil {
		var authErr *errs.AuthError
		if errors.As(err, &authErr) {
			log.Error().Err(err).Msg("reconciler: manager rejected the API key")
			os.Exit(exitAuthFailure)
		}
		log.Warn().Err(err).Msg("reconciler: initial queue fetch failed; health will report loading until one succeeds")
		go func() {
			ticker := time.NewTicker(cfg.MonitoringInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := client.FetchQueue(ctx); err == nil {
						metricsSrv.MarkReady()
						return
					}
				}
			}
		}()
	} else {
		metricsSrv.MarkReady()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	// One listener carries both surfaces; disabling the webhook only unmounts
	// its route, health and metrics stay reachable.
	mux := http.NewServeMux()
	metricsSrv.Mount(mux)
	if cfg.WebhookEnabled {
		webhookSrv.Mount(mux)
	}
	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.WebhookHost, cfg.WebhookPort), Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", srv.Addr).Bool("webhook", cfg.WebhookEnabled).
			Msg("reconciler: http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("reconciler: http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		log.Info().Msg("reconciler: shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("reconciler: http shutdown")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("reconciler: shutdown signal received, draining")
	wg.Wait()
	log.Info().Msg("reconciler: shutdown complete")
	os.Exit(exitNormal)
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
