// Package model holds the shared data types observed from, or derived about, the
// media manager's queue and history. All types here are read-only snapshots; nothing
// in this package mutates manager state.
package model

import (
	"strings"
	"time"
)

// QueueStatus is the manager's coarse status for a pending download.
type QueueStatus string

const (
	StatusQueued      QueueStatus = "queued"
	StatusDownloading QueueStatus = "downloading"
	StatusCompleted   QueueStatus = "completed"
	StatusFailed      QueueStatus = "failed"
)

// TrackedState is the manager's finer-grained import-pipeline state for a queue item.
type TrackedState string

const (
	StateImporting      TrackedState = "importing"
	StateImportPending  TrackedState = "importPending"
	StateImportBlocked  TrackedState = "importBlocked"
	StateDownloadFailed TrackedState = "downloadFailed"
	StateImportFailed   TrackedState = "importFailed"
)

// QueueItem is a snapshot of one pending download as reported by the manager.
type QueueItem struct {
	ID             int64
	DownloadID     string
	EpisodeID      int
	SeriesID       int
	Status         QueueStatus
	TrackedState   TrackedState
	StatusMessages []string
	Indexer        string
	OutputPath     string
}

// knownStuckMarkers are status-message substrings (case-insensitive) that indicate a
// queue item is not progressing on its own even when TrackedState looks benign.
var knownStuckMarkers = []string{
	"manual import required",
	"no files found",
	"unable to import",
	"quality not permitted",
}

// IsStuck reports whether this item should be treated as a reconciliation candidate:
// its tracked state indicates stalled import/failure, or a status message names a
// known stuck condition.
func (q QueueItem) IsStuck() bool {
	switch q.TrackedState {
	case StateImportPending, StateImportBlocked, StateDownloadFailed, StateImportFailed:
		return true
	}
	for _, msg := range q.StatusMessages {
		low := strings.ToLower(msg)
		for _, marker := range knownStuckMarkers {
			if strings.Contains(low, marker) {
				return true
			}
		}
	}
	return false
}

// HistoryEvent is one manager-recorded event for an episode. Identity is the triple
// (episode ID, date, event type); events are append-only upstream.
type HistoryEvent struct {
	EventType         string
	Date              time.Time
	DownloadID        string
	EpisodeID         int
	SourceTitle       string
	Indexer           string
	CustomFormatScore *int // nil when the manager omitted a score
	CustomFormats     []string
}

const (
	EventGrabbed              = "grabbed"
	EventDownloadFolderImport = "downloadFolderImported"
	EventDownloadFailed       = "downloadFailed"
	EventEpisodeFileDeleted   = "episodeFileDeleted"
	EventGrabbedImportPending = "grabbedImportPending"
)

// EpisodeFile is the currently-imported file for an episode, if any.
type EpisodeFile struct {
	EpisodeID         int
	CustomFormatScore int
	CustomFormats     []string
	QualityProfileID  int
}

// CustomFormatDef is one entry of the custom-format catalog: a named rule's ID and
// name. The score it contributes lives per profile in QualityProfile.FormatScores.
type CustomFormatDef struct {
	ID   int
	Name string
}

// QualityProfile maps custom-format IDs to the score they contribute in this profile.
type QualityProfile struct {
	ID           int
	Name         string
	FormatScores map[int]int // custom format ID -> score
}

// SeriesInfo is the result of resolving a series to its quality profile.
type SeriesInfo struct {
	ID               int
	Title            string
	QualityProfileID int
}

// TrackerClass is this system's classification of an indexer.
type TrackerClass string

const (
	TrackerPrivate TrackerClass = "private"
	TrackerPublic  TrackerClass = "public"
	TrackerUnknown TrackerClass = "unknown"
)

// DecisionKind is the action an analyzer decision calls for.
type DecisionKind string

const (
	ForceImport  DecisionKind = "force_import"
	RemovePublic DecisionKind = "remove_public"
	KeepPrivate  DecisionKind = "keep_private"
	NoAction     DecisionKind = "no_action"
)

// Decision is the immutable output of the score analyzer.
type Decision struct {
	Kind         DecisionKind
	Reason       string
	GrabScore    int
	CurrentScore int
	HasCurrent   bool
	Threshold    int
	TrackerClass TrackerClass
}

// IsMutating reports whether executing this decision requires a manager API call.
func (d Decision) IsMutating() bool {
	return d.Kind == ForceImport || d.Kind == RemovePublic
}

// TaskTrigger names what caused a ReconciliationTask to be scheduled.
type TaskTrigger string

const (
	TriggerPostGrabCheck TaskTrigger = "post_grab_check"
	TriggerRetry         TaskTrigger = "retry"
)

// Fingerprint identifies a reconciliation target: one episode's one download attempt.
type Fingerprint struct {
	EpisodeID  int
	DownloadID string
}

// EpisodeRef is the episode identity carried in a webhook payload.
type EpisodeRef struct {
	ID       int
	SeriesID int
}

// WebhookEvent is the decoded shape of a manager webhook delivery: the fields
// the dispatch table needs to route and deduplicate a delivery.
type WebhookEvent struct {
	EventType  string
	Episode    *EpisodeRef
	DownloadID string
	EventID    string
}
