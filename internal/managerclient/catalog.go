package managerclient

import (
	"context"
	"fmt"
	"strconv"

	"github.com/snapetech/reconciler/internal/model"
)

type wireCustomFormat struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// FetchCustomFormats returns the full custom-format catalog. Cached 300s.
func (c *Client) FetchCustomFormats(ctx context.Context) ([]model.CustomFormatDef, error) {
	if cached, ok := c.cache.Get("custom_formats"); ok {
		return cached.([]model.CustomFormatDef), nil
	}
	resp, err := c.request(ctx, "GET", "/customformat", nil, nil)
	if err != nil {
		return nil, err
	}
	var wire []wireCustomFormat
	if err := decodeJSON(resp, "/customformat", &wire); err != nil {
		return nil, err
	}
	out := make([]model.CustomFormatDef, len(wire))
	for i, w := range wire {
		out[i] = model.CustomFormatDef{ID: w.ID, Name: w.Name}
	}
	c.cache.Put("custom_formats", out, ttlCustomFormats)
	return out, nil
}

type wireQualityProfile struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	FormatItems []struct {
		Format int `json:"format"`
		Score  int `json:"score"`
	} `json:"formatItems"`
}

// FetchQualityProfiles returns every configured quality profile. Cached 300s.
func (c *Client) FetchQualityProfiles(ctx context.Context) ([]model.QualityProfile, error) {
	if cached, ok := c.cache.Get("quality_profiles"); ok {
		return cached.([]model.QualityProfile), nil
	}
	resp, err := c.request(ctx, "GET", "/qualityprofile", nil, nil)
	if err != nil {
		return nil, err
	}
	var wire []wireQualityProfile
	if err := decodeJSON(resp, "/qualityprofile", &wire); err != nil {
		return nil, err
	}
	out := make([]model.QualityProfile, len(wire))
	for i, w := range wire {
		scores := make(map[int]int, len(w.FormatItems))
		for _, fi := range w.FormatItems {
			scores[fi.Format] = fi.Score
		}
		out[i] = model.QualityProfile{ID: w.ID, Name: w.Name, FormatScores: scores}
	}
	c.cache.Put("quality_profiles", out, ttlQualityProfiles)
	return out, nil
}

type wireSeries struct {
	ID               int    `json:"id"`
	Title            string `json:"title"`
	QualityProfileID int    `json:"qualityProfileId"`
}

// ResolveSeries fetches a series and returns its quality-profile binding. Cached 300s.
func (c *Client) ResolveSeries(ctx context.Context, seriesID int) (model.SeriesInfo, error) {
	key := fmt.Sprintf("series_by_id/%d", seriesID)
	if cached, ok := c.cache.Get(key); ok {
		return cached.(model.SeriesInfo), nil
	}
	resp, err := c.request(ctx, "GET", "/series/"+strconv.Itoa(seriesID), nil, nil)
	if err != nil {
		return model.SeriesInfo{}, err
	}
	var w wireSeries
	if err := decodeJSON(resp, "/series", &w); err != nil {
		return model.SeriesInfo{}, err
	}
	info := model.SeriesInfo{ID: w.ID, Title: w.Title, QualityProfileID: w.QualityProfileID}
	c.cache.Put(key, info, ttlSeries)
	return info, nil
}

// ScoreForFormats computes the custom-format score formatNames would carry under
// seriesID's quality profile. Used when the manager omits a score on a history
// event; every lookup it needs goes through the read-through cache, so the common
// case costs no HTTP calls.
func (c *Client) ScoreForFormats(ctx context.Context, seriesID int, formatNames []string) (int, error) {
	series, err := c.ResolveSeries(ctx, seriesID)
	if err != nil {
		return 0, err
	}
	profiles, err := c.FetchQualityProfiles(ctx)
	if err != nil {
		return 0, err
	}
	catalog, err := c.FetchCustomFormats(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range profiles {
		if p.ID == series.QualityProfileID {
			return ComputeScore(formatNames, p, catalog), nil
		}
	}
	return 0, nil
}

// ComputeScore sums the configured scores for formatNames within profile, using
// catalog to resolve format names to IDs. Used when the manager omits a score on a
// history event. Unknown formats contribute zero.
func ComputeScore(formatNames []string, profile model.QualityProfile, catalog []model.CustomFormatDef) int {
	idByName := make(map[string]int, len(catalog))
	for _, cf := range catalog {
		idByName[cf.Name] = cf.ID
	}
	total := 0
	for _, name := range formatNames {
		id, ok := idByName[name]
		if !ok {
			continue
		}
		total += profile.FormatScores[id]
	}
	return total
}
