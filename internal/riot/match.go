package riot

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"matchwatch/internal/model"
)

type matchDTO struct {
	Metadata struct {
		MatchID string `json:"matchId"`
	} `json:"metadata"`
	Info struct {
		QueueID          int              `json:"queueId"`
		GameDuration     int64            `json:"gameDuration"`
		GameCreation     int64            `json:"gameCreation"`
		GameEndTimestamp int64            `json:"gameEndTimestamp"`
		Participants     []participantDTO `json:"participants"`
	} `json:"info"`
}

type participantDTO struct {
	PUUID          string `json:"puuid"`
	RiotIDGameName string `json:"riotIdGameName"`
	RiotIDTagline  string `json:"riotIdTagline"`
	ChampionName   string `json:"championName"`
	TeamPosition   string `json:"teamPosition"`
	Win            bool   `json:"win"`
	Kills          int    `json:"kills"`
	Deaths         int    `json:"deaths"`
	Assists        int    `json:"assists"`
}

// ListRecentMatchIDs returns up to count match ids, newest first.
// count is clamped to 1..100; count <= 0 uses the configured default.
func (c *Client) ListRecentMatchIDs(ctx context.Context, platform, puuid string, count int) ([]string, error) {
	const op = "list_match_ids"
	if puuid == "" {
		return nil, &Error{Kind: KindFatal, Op: op, Msg: "puuid is required"}
	}
	route, err := c.route(op, platform)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = c.cfg.MatchCount
	}
	if count > maxMatchCount {
		count = maxMatchCount
	}

	q := url.Values{}
	q.Set("start", "0")
	q.Set("count", strconv.Itoa(count))
	path := "/lol/match/v5/matches/by-puuid/" + url.PathEscape(puuid) + "/ids?" + q.Encode()

	var ids []string
	if err := c.get(ctx, op, route, path, &ids); err != nil {
		return nil, wrapOp(op, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// FetchMatchDetail returns the summary of a completed match.
func (c *Client) FetchMatchDetail(ctx context.Context, platform, matchID string) (model.MatchSummary, error) {
	const op = "fetch_match"
	if matchID == "" {
		return model.MatchSummary{}, &Error{Kind: KindFatal, Op: op, Msg: "match id is required"}
	}
	route, err := c.route(op, platform)
	if err != nil {
		return model.MatchSummary{}, err
	}

	var dto matchDTO
	if err := c.get(ctx, op, route, "/lol/match/v5/matches/"+url.PathEscape(matchID), &dto); err != nil {
		return model.MatchSummary{}, wrapOp(op, err)
	}
	sum := dto.summary()
	if sum.MatchID == "" {
		sum.MatchID = matchID
	}
	return sum, nil
}

func (d matchDTO) summary() model.MatchSummary {
	info := d.Info

	// gameDuration is seconds when gameEndTimestamp is present, milliseconds before that field existed.
	var dur time.Duration
	if info.GameEndTimestamp > 0 {
		dur = time.Duration(info.GameDuration) * time.Second
	} else {
		dur = time.Duration(info.GameDuration) * time.Millisecond
	}

	var completed time.Time
	switch {
	case info.GameEndTimestamp > 0:
		completed = time.UnixMilli(info.GameEndTimestamp).UTC()
	case info.GameCreation > 0:
		completed = time.UnixMilli(info.GameCreation).Add(dur).UTC()
	}

	out := model.MatchSummary{
		MatchID:      d.Metadata.MatchID,
		CompletedAt:  completed,
		QueueID:      info.QueueID,
		QueueType:    QueueName(info.QueueID),
		Duration:     dur,
		Participants: make([]model.PlayerResult, 0, len(info.Participants)),
	}
	for _, p := range info.Participants {
		out.Participants = append(out.Participants, model.PlayerResult{
			ProviderID: p.PUUID,
			GameName:   p.RiotIDGameName,
			TagLine:    p.RiotIDTagline,
			Champion:   p.ChampionName,
			Position:   p.TeamPosition,
			Win:        p.Win,
			Kills:      p.Kills,
			Deaths:     p.Deaths,
			Assists:    p.Assists,
		})
	}
	return out
}
