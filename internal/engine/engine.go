// Package engine is the reconciliation engine: a long-lived component with two
// entry points, a periodic queue scan and an on-demand reconcile, both
// converging on the same reconcile(item) routine. Shaped after three source
// files: internal/sdtprobe/worker.go's Run(ctx) loop shape (StartDelay, ticker
// sweeps, a buffered "force now" channel) for the scan loop;
// internal/plex/dvr_sync.go's ReconcileDVRs, an idempotent per-item reconcile
// returning one result per item and never letting a single item's error abort
// the batch; and internal/tuner/plex_session_reaper.go's per-key state map for
// the recently_acted_on TTL set (see idempotence.go).
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/snapetech/reconciler/internal/analyzer"
	"github.com/snapetech/reconciler/internal/errs"
	"github.com/snapetech/reconciler/internal/metrics"
	"github.com/snapetech/reconciler/internal/model"
	"github.com/snapetech/reconciler/internal/scheduler"
)

// managerClient is the subset of *managerclient.Client the engine calls.
// Declaring it here (rather than depending on the concrete type directly)
// lets tests substitute a fake the same way an ActiveStreamser-style
// interface lets a worker depend on another package's behavior without
// importing that package.
type managerClient interface {
	FetchQueue(ctx context.Context) ([]model.QueueItem, error)
	FetchHistory(ctx context.Context, episodeID int) ([]model.HistoryEvent, error)
	FetchEpisodeFile(ctx context.Context, episodeID int) (model.EpisodeFile, bool, error)
	ScoreForFormats(ctx context.Context, seriesID int, formatNames []string) (int, error)
	ResolveSeries(ctx context.Context, seriesID int) (model.SeriesInfo, error)
	RemoveQueueItem(ctx context.Context, queueID int64, episodeID int, blockRelease bool) error
	ManualImport(ctx context.Context, outputPath string, episodeID, qualityProfileID int, customFormats []string) error
	InvalidateEpisode(episodeID int)
}

// Config controls engine policy. Populated from the process Config at startup.
type Config struct {
	MonitoringInterval   time.Duration
	ForceImportThreshold int
	RemovePublicFailures bool

	// ProtectPrivateRatio, when false, lets unknown-class indexers be treated
	// as public (and so removable). Explicitly private indexers are always
	// protected from removal regardless of this setting.
	ProtectPrivateRatio bool
	PrivateTrackers      []string
	PublicTrackers       []string
	ActedOnTTL           time.Duration // default 10m
	GrabLookback         time.Duration // default 24h
}

// Engine is the reconciliation engine. Safe for concurrent use; Run and
// ReconcileEpisode may be called from different goroutines.
type Engine struct {
	client   managerClient
	sched    *scheduler.Scheduler
	counters *metrics.Counters
	cfg      Config

	acted *recentlyActedOn
	keymu *keyMutex
}

// New builds an Engine. sched may be nil if scheduling is handled elsewhere
// (tests exercising reconcile directly don't need one).
func New(client managerClient, sched *scheduler.Scheduler, counters *metrics.Counters, cfg Config) *Engine {
	if cfg.GrabLookback <= 0 {
		cfg.GrabLookback = 24 * time.Hour
	}
	return &Engine{
		client:   client,
		sched:    sched,
		counters: counters,
		cfg:      cfg,
		acted:    newRecentlyActedOn(cfg.ActedOnTTL),
		keymu:    newKeyMutex(),
	}
}

// Run performs a queue scan every cfg.MonitoringInterval until ctx is
// cancelled. A fixed-interval sweep loop, minus the StartDelay/ForceRescan
// machinery this domain does not need (the webhook receiver's
// immediate-reconcile path covers that role instead).
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.MonitoringInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scan(ctx)
		}
	}
}

// scan fetches the queue once, selects stuck candidates, and reconciles each
// in turn. One item's error never aborts the scan, except AuthError, which
// aborts the whole call — it is logged and the scan returns early; the next
// tick tries again.
func (e *Engine) scan(ctx context.Context) {
	e.acted.prune()

	queue, err := e.client.FetchQueue(ctx)
	if err != nil {
		var authErr *errs.AuthError
		if errors.As(err, &authErr) {
			log.Error().Err(err).Msg("engine: auth failure fetching queue, aborting scan")
			return
		}
		log.Warn().Err(err).Msg("engine: fetch queue failed, will retry next interval")
		return
	}
	e.counters.IncQueueScan()

	for _, item := range queue {
		if ctx.Err() != nil {
			return
		}
		if !item.IsStuck() {
			continue
		}
		if err := e.reconcileSafe(ctx, item); err != nil {
			var authErr *errs.AuthError
			if errors.As(err, &authErr) {
				log.Error().Msg("engine: auth failure during reconcile, aborting scan")
				return
			}
		}
	}
}

// reconcileSafe wraps reconcile with panic recovery and per-key serialization,
// so one candidate's bug or slow call cannot take down the scan or race with
// a concurrent webhook-triggered reconcile of the same download. It logs and
// returns reconcile's error so scan can stop on an AuthError.
func (e *Engine) reconcileSafe(ctx context.Context, item model.QueueItem) error {
	unlock := e.keymu.Lock(item.DownloadID)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("episode_id", item.EpisodeID).
				Str("download_id", item.DownloadID).Msg("engine: reconcile panicked")
		}
	}()

	e.counters.IncItemProcessed()
	decision, err := e.reconcile(ctx, item)
	if err != nil {
		e.logReconcileErr(item, err)
		var transient *errs.TransientError
		if errors.As(err, &transient) && e.sched != nil {
			// Deferred, not failed: make sure a follow-up happens even if the
			// item came in through the webhook path rather than the scan loop.
			fp := model.Fingerprint{EpisodeID: item.EpisodeID, DownloadID: item.DownloadID}
			e.sched.Schedule(fp, time.Now().Add(e.retryDelay()), model.TriggerRetry)
		}
		return err
	}
	log.Info().Str("download_id", item.DownloadID).Int("episode_id", item.EpisodeID).
		Str("decision", string(decision.Kind)).Str("reason", decision.Reason).
		Msg("engine: reconcile decided")
	return nil
}

func (e *Engine) retryDelay() time.Duration {
	if e.cfg.MonitoringInterval > 0 {
		return e.cfg.MonitoringInterval
	}
	return 60 * time.Second
}

func (e *Engine) logReconcileErr(item model.QueueItem, err error) {
	var notFound *errs.NotFoundError
	if errors.As(err, &notFound) {
		log.Debug().Str("download_id", item.DownloadID).Int("episode_id", item.EpisodeID).
			Msg("engine: benign not-found during reconcile, dropping")
		return
	}
	var transient *errs.TransientError
	if errors.As(err, &transient) {
		log.Warn().Err(err).Str("download_id", item.DownloadID).Int("episode_id", item.EpisodeID).
			Msg("engine: transient error, deferring to next scan")
		return
	}
	var authErr *errs.AuthError
	if errors.As(err, &authErr) {
		log.Error().Err(err).Str("download_id", item.DownloadID).
			Msg("engine: auth failure during reconcile")
		return
	}
	log.Warn().Err(err).Str("download_id", item.DownloadID).Int("episode_id", item.EpisodeID).
		Msg("engine: reconcile error")
}

// reconcile runs the deterministic decision-and-action routine for a single
// queue item: classify its tracker, locate the grab that produced it, compare
// scores, decide, and execute. It returns the analyzer's Decision even when no
// mutating action was taken.
func (e *Engine) reconcile(ctx context.Context, item model.QueueItem) (model.Decision, error) {
	trackerClass := ClassifyTracker(item.Indexer, e.cfg.PrivateTrackers, e.cfg.PublicTrackers)
	if trackerClass == model.TrackerUnknown && !e.cfg.ProtectPrivateRatio {
		// Unclassified indexers are protected by default, on the theory that
		// an unrecognized tracker is more likely an unlisted private one than
		// a public one; ProtectPrivateRatio=false opts out of that caution.
		// Indexers the operator explicitly listed as private are never
		// reclassified: those items stay protected no matter the score.
		trackerClass = model.TrackerPublic
	}

	history, err := e.client.FetchHistory(ctx, item.EpisodeID)
	if err != nil {
		return model.Decision{}, fmt.Errorf("fetch history: %w", err)
	}

	grab := selectGrabEvent(history, item.DownloadID, e.cfg.GrabLookback)
	if grab == nil {
		// No corroborating grab event: nothing to compare against, and that's
		// a legitimate outcome, not a failure.
		return model.Decision{Kind: model.NoAction, Reason: "no matching grab event in history"}, nil
	}

	ef, hasCurrent, err := e.client.FetchEpisodeFile(ctx, item.EpisodeID)
	if err != nil {
		return model.Decision{}, fmt.Errorf("fetch episode file: %w", err)
	}

	grabScore := 0
	if grab.CustomFormatScore != nil {
		grabScore = *grab.CustomFormatScore
	} else if len(grab.CustomFormats) > 0 {
		// Manager omitted the score on this event; compute it from the event's
		// formats under the series' profile.
		grabScore, err = e.client.ScoreForFormats(ctx, item.SeriesID, grab.CustomFormats)
		if err != nil {
			return model.Decision{}, fmt.Errorf("compute grab score: %w", err)
		}
	}

	decision := analyzer.Decide(analyzer.Input{
		GrabScore:      grabScore,
		CurrentScore:   ef.CustomFormatScore,
		HasCurrent:     hasCurrent,
		Threshold:      e.cfg.ForceImportThreshold,
		TrackerClass:   trackerClass,
		GrabFormats:    grab.CustomFormats,
		CurrentFormats: ef.CustomFormats,
	})

	key := fmt.Sprintf("%d:%s:%s", item.EpisodeID, item.DownloadID, decision.Kind)
	if e.acted.Contains(key) {
		return decision, nil
	}

	if err := e.execute(ctx, item, grab, decision); err != nil {
		return decision, fmt.Errorf("execute decision: %w", err)
	}
	e.acted.Record(key)
	return decision, nil
}

// execute carries out the mutating side of a decision. The manager client
// itself honors dry-run mode (logging the would-be call instead of issuing
// it), so execute need not branch on dry-run separately.
func (e *Engine) execute(ctx context.Context, item model.QueueItem, grab *model.HistoryEvent, decision model.Decision) error {
	if decision.IsMutating() {
		if item.DownloadID == "" {
			log.Warn().Int("episode_id", item.EpisodeID).Msg("engine: refusing to mutate, queue item missing download_id")
			return nil
		}
		stillCurrent, err := e.downloadIDStillCurrent(ctx, item)
		if err != nil {
			return fmt.Errorf("verify current snapshot: %w", err)
		}
		if !stillCurrent {
			log.Info().Int("episode_id", item.EpisodeID).Str("download_id", item.DownloadID).
				Msg("engine: queue snapshot changed since decision, aborting mutating action")
			return nil
		}
	}

	switch decision.Kind {
	case model.ForceImport:
		if item.OutputPath == "" {
			log.Warn().Int("episode_id", item.EpisodeID).Str("download_id", item.DownloadID).
				Msg("engine: refusing force_import, queue item missing output_path")
			return nil
		}
		series, err := e.client.ResolveSeries(ctx, item.SeriesID)
		if err != nil {
			return fmt.Errorf("resolve series: %w", err)
		}
		if err := e.client.ManualImport(ctx, item.OutputPath, item.EpisodeID, series.QualityProfileID, grab.CustomFormats); err != nil {
			return fmt.Errorf("manual import: %w", err)
		}
		e.counters.IncForcedImport()
		return nil

	case model.RemovePublic:
		if !e.cfg.RemovePublicFailures {
			e.counters.IncKeep()
			return nil
		}
		if err := e.client.RemoveQueueItem(ctx, item.ID, item.EpisodeID, true); err != nil {
			return fmt.Errorf("remove queue item: %w", err)
		}
		e.counters.IncRemoval()
		return nil

	case model.KeepPrivate:
		e.counters.IncKeep()
		return nil

	default:
		e.counters.IncNoAction()
		return nil
	}
}

// downloadIDStillCurrent re-checks the queue for item.ID and reports whether its
// download_id still matches what the decision was made against. The queue read
// goes through the manager client's 60s cache, so this is cheap in the common case
// where nothing changed; it only observes a real mismatch when the manager's own
// state moved between the start of reconcile and this call. A queue item that has
// disappeared entirely is treated as no-longer-current rather than an error: it
// already left the state the decision was based on.
func (e *Engine) downloadIDStillCurrent(ctx context.Context, item model.QueueItem) (bool, error) {
	queue, err := e.client.FetchQueue(ctx)
	if err != nil {
		return false, err
	}
	for _, q := range queue {
		if q.ID == item.ID {
			return q.DownloadID == item.DownloadID, nil
		}
	}
	return false, nil
}

// ReconcileEpisode looks up the queue item for episodeID and reconciles it
// immediately, if present. Used by the webhook receiver's ImportFailure /
// DownloadFailure handling.
func (e *Engine) ReconcileEpisode(ctx context.Context, episodeID int) error {
	queue, err := e.client.FetchQueue(ctx)
	if err != nil {
		return fmt.Errorf("fetch queue: %w", err)
	}
	for _, item := range queue {
		if item.EpisodeID != episodeID {
			continue
		}
		e.reconcileSafe(ctx, item)
		return nil
	}
	log.Debug().Int("episode_id", episodeID).Msg("engine: no queue item for episode, nothing to reconcile")
	return nil
}

// InvalidateEpisodeCache drops cached history/episode-file entries for
// episodeID. Used by the webhook receiver when a Download/Import event
// confirms the manager's own state has moved past what was cached.
func (e *Engine) InvalidateEpisodeCache(episodeID int) {
	e.client.InvalidateEpisode(episodeID)
}

// PostGrabCheckHandler is a scheduler.Handler for the post_grab_check task
// scheduled on a Grab webhook event: if the matching download is still queued
// and stuck, reconcile it; otherwise it imported in time and nothing is done.
func (e *Engine) PostGrabCheckHandler(ctx context.Context, fp model.Fingerprint, trigger model.TaskTrigger) {
	queue, err := e.client.FetchQueue(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("engine: post_grab_check: fetch queue failed")
		return
	}
	for _, item := range queue {
		if item.EpisodeID != fp.EpisodeID || item.DownloadID != fp.DownloadID {
			continue
		}
		if item.IsStuck() {
			e.reconcileSafe(ctx, item)
		} else {
			log.Debug().Int("episode_id", fp.EpisodeID).Str("download_id", fp.DownloadID).
				Msg("engine: post_grab_check: item no longer stuck")
		}
		return
	}
	log.Debug().Int("episode_id", fp.EpisodeID).Str("download_id", fp.DownloadID).
		Msg("engine: post_grab_check: imported in time, no longer in queue")
}
