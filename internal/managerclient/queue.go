package managerclient

import (
	"context"
	"net/url"
	"strconv"

	"github.com/snapetech/reconciler/internal/model"
)

type wireStatusMessage struct {
	Title    string   `json:"title"`
	Messages []string `json:"messages"`
}

type wireQueueItem struct {
	ID             int64               `json:"id"`
	DownloadID     string              `json:"downloadId"`
	EpisodeID      int                 `json:"episodeId"`
	SeriesID       int                 `json:"seriesId"`
	Status         string              `json:"status"`
	TrackedState   string              `json:"trackedDownloadState"`
	StatusMessages []wireStatusMessage `json:"statusMessages"`
	Indexer        string              `json:"indexer"`
	OutputPath     string              `json:"outputPath"`
}

func flattenStatusMessages(in []wireStatusMessage) []string {
	var out []string
	for _, sm := range in {
		out = append(out, sm.Messages...)
	}
	return out
}

type wireQueuePage struct {
	Page         int             `json:"page"`
	PageSize     int             `json:"pageSize"`
	TotalRecords int             `json:"totalRecords"`
	Records      []wireQueueItem `json:"records"`
}

// FetchQueue returns the full queue snapshot, reading all pages. Cached 60s.
func (c *Client) FetchQueue(ctx context.Context) ([]model.QueueItem, error) {
	if cached, ok := c.cache.Get("queue"); ok {
		return cached.([]model.QueueItem), nil
	}

	var items []model.QueueItem
	page := 1
	for {
		q := url.Values{
			"page":     {strconv.Itoa(page)},
			"pageSize": {"50"},
		}
		resp, err := c.request(ctx, "GET", "/queue", q, nil)
		if err != nil {
			return nil, err
		}
		var wp wireQueuePage
		if err := decodeJSON(resp, "/queue", &wp); err != nil {
			return nil, err
		}
		for _, r := range wp.Records {
			items = append(items, model.QueueItem{
				ID:             r.ID,
				DownloadID:     r.DownloadID,
				EpisodeID:      r.EpisodeID,
				SeriesID:       r.SeriesID,
				Status:         model.QueueStatus(r.Status),
				TrackedState:   model.TrackedState(r.TrackedState),
				StatusMessages: flattenStatusMessages(r.StatusMessages),
				Indexer:        r.Indexer,
				OutputPath:     r.OutputPath,
			})
		}
		if len(items) >= wp.TotalRecords || len(wp.Records) == 0 {
			break
		}
		page++
	}

	c.cache.Put("queue", items, ttlQueue)
	return items, nil
}
