package riot

import (
	"context"
	"net/url"
	"strings"
)

// Account is an account-v1 record.
type Account struct {
	PUUID    string `json:"puuid"`
	GameName string `json:"gameName"`
	TagLine  string `json:"tagLine"`
}

// RiotID returns "gameName#tagLine".
func (a Account) RiotID() string { return a.GameName + "#" + a.TagLine }

// ResolveAccount looks up an account by Riot ID on the route serving platform.
func (c *Client) ResolveAccount(ctx context.Context, gameName, tagLine, platform string) (Account, error) {
	const op = "resolve_account"
	gameName = strings.TrimSpace(gameName)
	tagLine = strings.TrimPrefix(strings.TrimSpace(tagLine), "#")
	if gameName == "" || tagLine == "" {
		return Account{}, &Error{Kind: KindFatal, Op: op, Msg: "game name and tag line are required"}
	}
	route, err := c.route(op, platform)
	if err != nil {
		return Account{}, err
	}

	path := "/riot/account/v1/accounts/by-riot-id/" + url.PathEscape(gameName) + "/" + url.PathEscape(tagLine)
	var acct Account
	if err := c.get(ctx, op, route, path, &acct); err != nil {
		return Account{}, wrapOp(op, err)
	}
	return acct, nil
}

// SplitRiotID splits "Name#TAG".
func SplitRiotID(id string) (gameName, tagLine string, ok bool) {
	i := strings.LastIndex(id, "#")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return strings.TrimSpace(id[:i]), strings.TrimSpace(id[i+1:]), true
}
