package engine

import (
	"context"
	"testing"
	"time"

	"github.com/snapetech/reconciler/internal/errs"
	"github.com/snapetech/reconciler/internal/metrics"
	"github.com/snapetech/reconciler/internal/model"
	"github.com/snapetech/reconciler/internal/scheduler"
)

// fakeClient is a minimal managerClient double, in the ActiveStreamser-style
// interface-injection pattern: depend on behavior, not a concrete
// HTTP-backed type.
type fakeClient struct {
	queue          []model.QueueItem
	history        map[int][]model.HistoryEvent
	episodeFiles   map[int]model.EpisodeFile
	hasFile        map[int]bool
	series         map[int]model.SeriesInfo
	computedScores map[int]int // format-set size -> score, for score-less grab events
	historyErr     error
	episodeErr     error

	removedIDs    []int64
	importedPaths []string
}

func (f *fakeClient) FetchQueue(context.Context) ([]model.QueueItem, error) { return f.queue, nil }

func (f *fakeClient) FetchHistory(_ context.Context, episodeID int) ([]model.HistoryEvent, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history[episodeID], nil
}

func (f *fakeClient) FetchEpisodeFile(_ context.Context, episodeID int) (model.EpisodeFile, bool, error) {
	if f.episodeErr != nil {
		return model.EpisodeFile{}, false, f.episodeErr
	}
	return f.episodeFiles[episodeID], f.hasFile[episodeID], nil
}

func (f *fakeClient) ScoreForFormats(_ context.Context, _ int, formatNames []string) (int, error) {
	return f.computedScores[len(formatNames)], nil
}

func (f *fakeClient) ResolveSeries(_ context.Context, seriesID int) (model.SeriesInfo, error) {
	return f.series[seriesID], nil
}

func (f *fakeClient) RemoveQueueItem(_ context.Context, queueID int64, _ int, _ bool) error {
	f.removedIDs = append(f.removedIDs, queueID)
	return nil
}

func (f *fakeClient) ManualImport(_ context.Context, outputPath string, _, _ int, _ []string) error {
	f.importedPaths = append(f.importedPaths, outputPath)
	return nil
}

func (f *fakeClient) InvalidateEpisode(int) {}

func baseConfig() Config {
	return Config{
		ForceImportThreshold: 10,
		RemovePublicFailures: true,
		ProtectPrivateRatio:  true,
		PrivateTrackers:      []string{"beyondhd"},
		PublicTrackers:       []string{"animetosho", "nyaa"},
	}
}

func scoreRef(n int) *int { return &n }

func TestReconcile_forceImportStraightforward(t *testing.T) {
	fc := &fakeClient{
		queue: []model.QueueItem{{ID: 1, DownloadID: "D1", EpisodeID: 42, SeriesID: 98, Indexer: "AnimeTosho", OutputPath: "/downloads/ep1.mkv"}},
		history: map[int][]model.HistoryEvent{
			42: {{EventType: model.EventGrabbed, DownloadID: "D1", EpisodeID: 42, Date: time.Now(), CustomFormatScore: scoreRef(3161), CustomFormats: []string{"A", "B", "C", "D", "E", "F", "G"}}},
		},
		episodeFiles: map[int]model.EpisodeFile{42: {EpisodeID: 42, CustomFormatScore: 2160}},
		hasFile:      map[int]bool{42: true},
		series:       map[int]model.SeriesInfo{98: {ID: 98, QualityProfileID: 7}},
	}
	e := New(fc, nil, metrics.NewCounters(), baseConfig())

	decision, err := e.reconcile(context.Background(), fc.queue[0])
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if decision.Kind != model.ForceImport {
		t.Fatalf("Kind = %v, want ForceImport", decision.Kind)
	}
	if len(fc.importedPaths) != 1 || fc.importedPaths[0] != "/downloads/ep1.mkv" {
		t.Fatalf("importedPaths = %v, want one call with the queue item's output path", fc.importedPaths)
	}
}

func TestReconcile_privateTrackerKeep(t *testing.T) {
	fc := &fakeClient{
		queue: []model.QueueItem{{ID: 2, DownloadID: "D2", EpisodeID: 43, Indexer: "BeyondHD"}},
		history: map[int][]model.HistoryEvent{
			43: {{EventType: model.EventGrabbed, DownloadID: "D2", EpisodeID: 43, Date: time.Now(), CustomFormatScore: scoreRef(80)}},
		},
		episodeFiles: map[int]model.EpisodeFile{43: {EpisodeID: 43, CustomFormatScore: 100}},
		hasFile:      map[int]bool{43: true},
	}
	e := New(fc, nil, metrics.NewCounters(), baseConfig())

	decision, err := e.reconcile(context.Background(), fc.queue[0])
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if decision.Kind != model.KeepPrivate {
		t.Fatalf("Kind = %v, want KeepPrivate", decision.Kind)
	}
	if len(fc.removedIDs) != 0 || len(fc.importedPaths) != 0 {
		t.Fatal("expected zero mutating calls for a private-tracker keep")
	}
}

func TestReconcile_privateProtectedEvenWithRatioProtectionOff(t *testing.T) {
	fc := &fakeClient{
		queue: []model.QueueItem{{ID: 10, DownloadID: "D10", EpisodeID: 50, Indexer: "BeyondHD"}},
		history: map[int][]model.HistoryEvent{
			50: {{EventType: model.EventGrabbed, DownloadID: "D10", EpisodeID: 50, Date: time.Now(), CustomFormatScore: scoreRef(80)}},
		},
		episodeFiles: map[int]model.EpisodeFile{50: {EpisodeID: 50, CustomFormatScore: 100}},
		hasFile:      map[int]bool{50: true},
	}
	cfg := baseConfig()
	cfg.ProtectPrivateRatio = false
	e := New(fc, nil, metrics.NewCounters(), cfg)

	decision, err := e.reconcile(context.Background(), fc.queue[0])
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if decision.Kind != model.KeepPrivate {
		t.Fatalf("Kind = %v, want KeepPrivate: an explicitly private indexer stays protected", decision.Kind)
	}
	if len(fc.removedIDs) != 0 || len(fc.importedPaths) != 0 {
		t.Fatal("expected zero mutating calls against a private-tracker item")
	}
}

func TestReconcile_unknownTrackerRemovableWhenProtectionDisabled(t *testing.T) {
	fc := &fakeClient{
		queue: []model.QueueItem{{ID: 11, DownloadID: "D11", EpisodeID: 51, Indexer: "SomeMysteryIndexer"}},
		history: map[int][]model.HistoryEvent{
			51: {{EventType: model.EventGrabbed, DownloadID: "D11", EpisodeID: 51, Date: time.Now(), CustomFormatScore: scoreRef(80)}},
		},
		episodeFiles: map[int]model.EpisodeFile{51: {EpisodeID: 51, CustomFormatScore: 100}},
		hasFile:      map[int]bool{51: true},
	}
	cfg := baseConfig()
	cfg.ProtectPrivateRatio = false
	e := New(fc, nil, metrics.NewCounters(), cfg)

	decision, err := e.reconcile(context.Background(), fc.queue[0])
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if decision.Kind != model.RemovePublic {
		t.Fatalf("Kind = %v, want RemovePublic when unknown-tracker protection is opted out", decision.Kind)
	}
	if len(fc.removedIDs) != 1 || fc.removedIDs[0] != 11 {
		t.Fatalf("removedIDs = %v, want [11]", fc.removedIDs)
	}
}

func TestReconcile_unknownTrackerProtectedByDefault(t *testing.T) {
	fc := &fakeClient{
		queue: []model.QueueItem{{ID: 12, DownloadID: "D12", EpisodeID: 52, Indexer: "SomeMysteryIndexer"}},
		history: map[int][]model.HistoryEvent{
			52: {{EventType: model.EventGrabbed, DownloadID: "D12", EpisodeID: 52, Date: time.Now(), CustomFormatScore: scoreRef(80)}},
		},
		episodeFiles: map[int]model.EpisodeFile{52: {EpisodeID: 52, CustomFormatScore: 100}},
		hasFile:      map[int]bool{52: true},
	}
	e := New(fc, nil, metrics.NewCounters(), baseConfig())

	decision, err := e.reconcile(context.Background(), fc.queue[0])
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if decision.Kind != model.KeepPrivate {
		t.Fatalf("Kind = %v, want KeepPrivate for an unknown tracker by default", decision.Kind)
	}
	if len(fc.removedIDs) != 0 {
		t.Fatalf("removedIDs = %v, want none", fc.removedIDs)
	}
}

func TestReconcile_publicRemoval(t *testing.T) {
	fc := &fakeClient{
		queue: []model.QueueItem{{ID: 3, DownloadID: "D3", EpisodeID: 44, Indexer: "nyaa"}},
		history: map[int][]model.HistoryEvent{
			44: {{EventType: model.EventGrabbed, DownloadID: "D3", EpisodeID: 44, Date: time.Now(), CustomFormatScore: scoreRef(80)}},
		},
		episodeFiles: map[int]model.EpisodeFile{44: {EpisodeID: 44, CustomFormatScore: 100}},
		hasFile:      map[int]bool{44: true},
	}
	e := New(fc, nil, metrics.NewCounters(), baseConfig())

	decision, err := e.reconcile(context.Background(), fc.queue[0])
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if decision.Kind != model.RemovePublic {
		t.Fatalf("Kind = %v, want RemovePublic", decision.Kind)
	}
	if len(fc.removedIDs) != 1 || fc.removedIDs[0] != 3 {
		t.Fatalf("removedIDs = %v, want [3]", fc.removedIDs)
	}
}

func TestReconcile_noGrabEventIsNoActionNotError(t *testing.T) {
	fc := &fakeClient{
		queue:   []model.QueueItem{{ID: 4, DownloadID: "D4", EpisodeID: 45, Indexer: "nyaa"}},
		history: map[int][]model.HistoryEvent{45: nil},
	}
	e := New(fc, nil, metrics.NewCounters(), baseConfig())

	decision, err := e.reconcile(context.Background(), fc.queue[0])
	if err != nil {
		t.Fatalf("reconcile: %v, want nil error", err)
	}
	if decision.Kind != model.NoAction {
		t.Fatalf("Kind = %v, want NoAction", decision.Kind)
	}
}

func TestReconcile_idempotentWithinCooldown(t *testing.T) {
	fc := &fakeClient{
		queue: []model.QueueItem{{ID: 3, DownloadID: "D3", EpisodeID: 44, Indexer: "nyaa"}},
		history: map[int][]model.HistoryEvent{
			44: {{EventType: model.EventGrabbed, DownloadID: "D3", EpisodeID: 44, Date: time.Now(), CustomFormatScore: scoreRef(80)}},
		},
		episodeFiles: map[int]model.EpisodeFile{44: {EpisodeID: 44, CustomFormatScore: 100}},
		hasFile:      map[int]bool{44: true},
	}
	cfg := baseConfig()
	cfg.ActedOnTTL = time.Hour
	e := New(fc, nil, metrics.NewCounters(), cfg)

	if _, err := e.reconcile(context.Background(), fc.queue[0]); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if _, err := e.reconcile(context.Background(), fc.queue[0]); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(fc.removedIDs) != 1 {
		t.Fatalf("removedIDs = %v, want exactly one mutating call across two reconciles", fc.removedIDs)
	}
}

func TestReconcile_fallsBackToRecentGrabWithinLookback(t *testing.T) {
	fc := &fakeClient{
		queue: []model.QueueItem{{ID: 5, DownloadID: "D-other", EpisodeID: 46, Indexer: "nyaa"}},
		history: map[int][]model.HistoryEvent{
			46: {{EventType: model.EventGrabbed, DownloadID: "D5", EpisodeID: 46, Date: time.Now().Add(-2 * time.Hour), CustomFormatScore: scoreRef(200)}},
		},
		episodeFiles: map[int]model.EpisodeFile{46: {EpisodeID: 46, CustomFormatScore: 50}},
		hasFile:      map[int]bool{46: true},
	}
	e := New(fc, nil, metrics.NewCounters(), baseConfig())

	decision, err := e.reconcile(context.Background(), fc.queue[0])
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if decision.Kind != model.ForceImport {
		t.Fatalf("Kind = %v, want ForceImport via 24h lookback fallback", decision.Kind)
	}
}

func TestReconcile_computesScoreWhenGrabEventOmitsIt(t *testing.T) {
	fc := &fakeClient{
		queue: []model.QueueItem{{ID: 7, DownloadID: "D7", EpisodeID: 48, SeriesID: 98, Indexer: "nyaa", OutputPath: "/downloads/ep7.mkv"}},
		history: map[int][]model.HistoryEvent{
			48: {{EventType: model.EventGrabbed, DownloadID: "D7", EpisodeID: 48, Date: time.Now(), CustomFormats: []string{"A", "B"}}},
		},
		episodeFiles:   map[int]model.EpisodeFile{48: {EpisodeID: 48, CustomFormatScore: 10}},
		hasFile:        map[int]bool{48: true},
		series:         map[int]model.SeriesInfo{98: {ID: 98, QualityProfileID: 7}},
		computedScores: map[int]int{2: 120}, // two formats -> score 120
	}
	e := New(fc, nil, metrics.NewCounters(), baseConfig())

	decision, err := e.reconcile(context.Background(), fc.queue[0])
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if decision.GrabScore != 120 {
		t.Fatalf("GrabScore = %d, want 120 computed from the grab event's formats", decision.GrabScore)
	}
	if decision.Kind != model.ForceImport {
		t.Fatalf("Kind = %v, want ForceImport", decision.Kind)
	}
}

func TestReconcile_transientHistoryErrorPropagates(t *testing.T) {
	fc := &fakeClient{
		queue:      []model.QueueItem{{ID: 6, DownloadID: "D6", EpisodeID: 47, Indexer: "nyaa"}},
		historyErr: &errs.TransientError{URL: "http://manager/history", Err: context.DeadlineExceeded},
	}
	e := New(fc, nil, metrics.NewCounters(), baseConfig())

	_, err := e.reconcile(context.Background(), fc.queue[0])
	if err == nil {
		t.Fatal("expected error from transient history failure")
	}
}

func TestReconcileSafe_transientErrorSchedulesRetry(t *testing.T) {
	fc := &fakeClient{
		historyErr: &errs.TransientError{URL: "http://manager/history", Err: context.DeadlineExceeded},
	}
	sched := scheduler.New(func(context.Context, model.Fingerprint, model.TaskTrigger) {})
	e := New(fc, sched, metrics.NewCounters(), baseConfig())

	e.reconcileSafe(context.Background(), model.QueueItem{ID: 9, DownloadID: "D9", EpisodeID: 49, Indexer: "nyaa"})
	if sched.Len() != 1 {
		t.Fatalf("scheduler.Len() = %d, want a retry task after a transient reconcile failure", sched.Len())
	}
}

func TestScan_processesAllCandidatesDespiteOneEmptyHistory(t *testing.T) {
	fc := &fakeClient{
		queue: []model.QueueItem{
			{ID: 1, DownloadID: "D1", EpisodeID: 1, TrackedState: model.StateImportPending, Indexer: "nyaa"},
			{ID: 2, DownloadID: "D2", EpisodeID: 2, TrackedState: model.StateImportPending, Indexer: "nyaa"},
		},
		history: map[int][]model.HistoryEvent{
			1: nil, // history fetch for episode 1 returns empty -> no grab event -> NoAction, no panic
			2: {{EventType: model.EventGrabbed, DownloadID: "D2", EpisodeID: 2, Date: time.Now(), CustomFormatScore: scoreRef(50)}},
		},
		episodeFiles: map[int]model.EpisodeFile{2: {EpisodeID: 2, CustomFormatScore: 40}},
		hasFile:      map[int]bool{2: true},
	}
	e := New(fc, nil, metrics.NewCounters(), baseConfig())

	// scan should process both candidates without panicking the test.
	e.scan(context.Background())

	// The second candidate is still reached and decided after the first one
	// yields no grab event.
	if !e.acted.Contains("2:D2:force_import") {
		t.Fatal("second candidate was not reconciled after the first had an empty history")
	}
}
