package managerclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/snapetech/reconciler/internal/errs"
	"github.com/snapetech/reconciler/internal/model"
)

type wireEpisodeFile struct {
	EpisodeID         int      `json:"episodeId"`
	CustomFormatScore int      `json:"customFormatScore"`
	CustomFormats     []string `json:"customFormatNames"`
	QualityProfileID  int      `json:"qualityProfileId"`
}

// FetchEpisodeFile returns the currently-imported file for episodeID, or ok=false
// if none exists. Cached 60s. A 404 from the manager is translated to (zero, false,
// nil) rather than surfaced as an error: an absent file is an expected state, not a
// failure.
func (c *Client) FetchEpisodeFile(ctx context.Context, episodeID int) (model.EpisodeFile, bool, error) {
	key := fmt.Sprintf("episode_file/%d", episodeID)
	if cached, ok := c.cache.Get(key); ok {
		ef, present := cached.(model.EpisodeFile)
		return ef, present, nil
	}

	resp, err := c.request(ctx, "GET", "/episodefile/"+strconv.Itoa(episodeID), nil, nil)
	if err != nil {
		var nf *errs.NotFoundError
		if errors.As(err, &nf) {
			c.cache.Put(key, nil, ttlEpisodeFile)
			return model.EpisodeFile{}, false, nil
		}
		return model.EpisodeFile{}, false, err
	}
	var wf wireEpisodeFile
	if err := decodeJSON(resp, "/episodefile", &wf); err != nil {
		return model.EpisodeFile{}, false, err
	}
	ef := model.EpisodeFile{
		EpisodeID:         wf.EpisodeID,
		CustomFormatScore: wf.CustomFormatScore,
		CustomFormats:     wf.CustomFormats,
		QualityProfileID:  wf.QualityProfileID,
	}
	c.cache.Put(key, ef, ttlEpisodeFile)
	return ef, true, nil
}
