package engine

import (
	"strings"

	"github.com/snapetech/reconciler/internal/model"
)

// ClassifyTracker maps an indexer name to a tracker class by case-insensitive
// substring match against the configured private/public lists. An indexer
// matching neither list is Unknown, which the analyzer treats conservatively,
// the same as private.
func ClassifyTracker(indexer string, privateTrackers, publicTrackers []string) model.TrackerClass {
	low := strings.ToLower(indexer)
	for _, p := range privateTrackers {
		if p != "" && strings.Contains(low, strings.ToLower(p)) {
			return model.TrackerPrivate
		}
	}
	for _, p := range publicTrackers {
		if p != "" && strings.Contains(low, strings.ToLower(p)) {
			return model.TrackerPublic
		}
	}
	return model.TrackerUnknown
}
