package managerclient

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/reconciler/internal/model"
)

type wireHistoryEvent struct {
	EventType   string            `json:"eventType"`
	Date        time.Time         `json:"date"`
	DownloadID  string            `json:"downloadId"`
	EpisodeID   int               `json:"episodeId"`
	SourceTitle string            `json:"sourceTitle"`
	Data        map[string]string `json:"data"`
}

type wireHistoryPage struct {
	Page         int                `json:"page"`
	TotalRecords int                `json:"totalRecords"`
	Records      []wireHistoryEvent `json:"records"`
}

// FetchHistory returns the first historyPages pages of history for episodeID,
// newest first, as reported by the manager. Cached 30s.
func (c *Client) FetchHistory(ctx context.Context, episodeID int) ([]model.HistoryEvent, error) {
	key := fmt.Sprintf("history/episode/%d", episodeID)
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]model.HistoryEvent), nil
	}

	var events []model.HistoryEvent
	for page := 1; page <= historyPages; page++ {
		q := url.Values{
			"episodeId": {strconv.Itoa(episodeID)},
			"page":      {strconv.Itoa(page)},
			"pageSize":  {strconv.Itoa(historyPageLen)},
			"sortKey":   {"date"},
			"sortDir":   {"descending"},
		}
		resp, err := c.request(ctx, "GET", "/history", q, nil)
		if err != nil {
			return nil, err
		}
		var wp wireHistoryPage
		if err := decodeJSON(resp, "/history", &wp); err != nil {
			return nil, err
		}
		for _, r := range wp.Records {
			events = append(events, toHistoryEvent(r, episodeID))
		}
		if len(wp.Records) < historyPageLen {
			break
		}
	}

	c.cache.Put(key, events, ttlHistory)
	return events, nil
}

func toHistoryEvent(r wireHistoryEvent, fallbackEpisodeID int) model.HistoryEvent {
	ev := model.HistoryEvent{
		EventType:   r.EventType,
		Date:        r.Date,
		DownloadID:  r.DownloadID,
		EpisodeID:   fallbackEpisodeID,
		SourceTitle: r.SourceTitle,
	}
	if r.EpisodeID != 0 {
		ev.EpisodeID = r.EpisodeID
	}
	if r.Data == nil {
		return ev
	}
	ev.Indexer = r.Data["indexer"]
	if scoreStr, ok := r.Data["customFormatScore"]; ok && scoreStr != "" {
		if n, err := strconv.Atoi(scoreStr); err == nil {
			ev.CustomFormatScore = &n
		}
	}
	if formatsStr, ok := r.Data["customFormats"]; ok && formatsStr != "" {
		for _, f := range strings.Split(formatsStr, ",") {
			if f = strings.TrimSpace(f); f != "" {
				ev.CustomFormats = append(ev.CustomFormats, f)
			}
		}
	}
	return ev
}
