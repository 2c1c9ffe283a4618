package managerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"

	"github.com/snapetech/reconciler/internal/errs"
)

// RemoveQueueItem removes a queue item, optionally blocklisting the release so the
// manager never re-grabs it. episodeID is used only to target cache invalidation.
// In dry-run mode, no call is made; the action is logged instead.
//
// A Conflict (item already gone) is treated as success, per the error taxonomy's
// propagation policy.
func (c *Client) RemoveQueueItem(ctx context.Context, queueID int64, episodeID int, blockRelease bool) error {
	if c.dryRun {
		c.logDryRun("remove_queue_item", map[string]any{
			"queue_id": queueID, "episode_id": episodeID, "blocklist": blockRelease,
		})
		return nil
	}

	q := url.Values{
		"blocklist":        {strconv.FormatBool(blockRelease)},
		"removeFromClient": {"true"},
	}
	resp, err := c.request(ctx, "DELETE", "/queue/"+strconv.FormatInt(queueID, 10), q, nil)
	var conflict *errs.ConflictError
	if err != nil && !errors.As(err, &conflict) {
		return err
	}
	if resp != nil {
		drain(resp)
	}

	c.cache.Invalidate("queue")
	c.InvalidateEpisode(episodeID)
	return nil
}

type manualImportFile struct {
	Path             string   `json:"path"`
	EpisodeIDs       []int    `json:"episodeIds"`
	QualityProfileID int      `json:"qualityProfileId"`
	CustomFormats    []string `json:"customFormats"`
}

type manualImportCommand struct {
	Name  string             `json:"name"`
	Files []manualImportFile `json:"files"`
}

// ManualImport triggers the manager's ManualImport command for one episode, using
// the formats and quality profile the caller resolved (typically: the grab event's
// formats, and the series' configured profile). In dry-run mode, no call is made.
func (c *Client) ManualImport(ctx context.Context, outputPath string, episodeID, qualityProfileID int, customFormats []string) error {
	if c.dryRun {
		c.logDryRun("manual_import", map[string]any{
			"path": outputPath, "episode_id": episodeID,
			"quality_profile_id": qualityProfileID, "custom_formats": customFormats,
		})
		return nil
	}

	cmd := manualImportCommand{
		Name: "ManualImport",
		Files: []manualImportFile{{
			Path:             outputPath,
			EpisodeIDs:       []int{episodeID},
			QualityProfileID: qualityProfileID,
			CustomFormats:    customFormats,
		}},
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	resp, err := c.request(ctx, "POST", "/command", nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	drain(resp)

	c.cache.Invalidate("queue")
	c.InvalidateEpisode(episodeID)
	return nil
}
