// Package analyzer is the score analyzer: a pure decision function over a grab
// score, a current score, a tracker class, and a threshold. Shaped after
// internal/plex/probe_overrides.go's classifyProbe, which is likewise a pure
// function returning a result struct plus a human-readable reasons list — the
// Decision's Reason field follows that same "explain yourself" convention.
package analyzer

import (
	"fmt"
	"strings"

	"github.com/snapetech/reconciler/internal/model"
)

// Input bundles everything Decide needs to reach a decision. GrabFormats and
// CurrentFormats are optional; when both are present the force-import reason
// names the formats the current file lost relative to the grab.
type Input struct {
	GrabScore      int
	CurrentScore   int
	HasCurrent     bool
	Threshold      int
	TrackerClass   model.TrackerClass
	GrabFormats    []string
	CurrentFormats []string
}

// Decide applies the decision table in order; the first matching condition wins.
func Decide(in Input) model.Decision {
	threshold := in.Threshold
	if threshold <= 0 {
		threshold = 10
	}

	base := model.Decision{
		GrabScore:    in.GrabScore,
		CurrentScore: in.CurrentScore,
		HasCurrent:   in.HasCurrent,
		Threshold:    threshold,
		TrackerClass: in.TrackerClass,
	}

	if !in.HasCurrent {
		if in.GrabScore-0 >= threshold {
			base.Kind = model.ForceImport
			base.Reason = "no current file; grab score exceeds threshold"
			return base
		}
		base.Kind = model.NoAction
		base.Reason = "no current file; grab score within threshold"
		return base
	}

	diff := in.GrabScore - in.CurrentScore

	if diff >= threshold {
		base.Kind = model.ForceImport
		base.Reason = fmt.Sprintf("grab score exceeds current by %d (>= threshold %d)", diff, threshold)
		if missing := missingFormats(in.GrabFormats, in.CurrentFormats); len(missing) > 0 {
			base.Reason += "; formats missing from current file: " + strings.Join(missing, ", ")
		}
		return base
	}

	if diff <= -threshold {
		switch in.TrackerClass {
		case model.TrackerPublic:
			base.Kind = model.RemovePublic
			base.Reason = "grab score materially lower; public tracker"
		case model.TrackerPrivate:
			base.Kind = model.KeepPrivate
			base.Reason = "would remove but private tracker protected"
		default:
			// Unknown tracker: conservative, treated as protected.
			base.Kind = model.KeepPrivate
			base.Reason = "unknown tracker; treated as protected"
		}
		return base
	}

	base.Kind = model.NoAction
	base.Reason = "score difference within tolerance"
	return base
}

// missingFormats returns the grab formats absent from the current file's set,
// in grab order.
func missingFormats(grab, current []string) []string {
	if len(grab) == 0 {
		return nil
	}
	have := make(map[string]bool, len(current))
	for _, f := range current {
		have[f] = true
	}
	var missing []string
	for _, f := range grab {
		if !have[f] {
			missing = append(missing, f)
		}
	}
	return missing
}
