package engine

import (
	"time"

	"github.com/snapetech/reconciler/internal/model"
)

// selectGrabEvent finds the most recent grab event matching downloadID, or,
// failing that, the most recent grab for the episode within lookback. history
// is assumed newest-first, matching FetchHistory's contract.
func selectGrabEvent(history []model.HistoryEvent, downloadID string, lookback time.Duration) *model.HistoryEvent {
	for i := range history {
		ev := history[i]
		if ev.EventType != model.EventGrabbed && ev.EventType != model.EventGrabbedImportPending {
			continue
		}
		if ev.DownloadID == downloadID {
			return &ev
		}
	}
	cutoff := time.Now().Add(-lookback)
	for i := range history {
		ev := history[i]
		if ev.EventType != model.EventGrabbed && ev.EventType != model.EventGrabbedImportPending {
			continue
		}
		if ev.Date.After(cutoff) {
			return &ev
		}
	}
	return nil
}
