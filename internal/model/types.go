// Package model holds the domain values shared by the poller, the API client,
// storage and the notifier.
package model

import (
	"strings"
	"time"
)

// AccountKey identifies one tracked account. ProviderID is the Riot PUUID and
// Region the platform code (e.g. "EUW1").
type AccountKey struct {
	ProviderID string
	Region     string
}

func (k AccountKey) String() string { return k.Region + "/" + k.ProviderID }

// NewAccountKey normalises the region to upper case.
func NewAccountKey(providerID, region string) AccountKey {
	return AccountKey{ProviderID: strings.TrimSpace(providerID), Region: strings.ToUpper(strings.TrimSpace(region))}
}

// TrackedAccount is created by the registration flow and read-only to the poller.
type TrackedAccount struct {
	ProviderID  string
	Region      string
	DisplayName string
}

func (a TrackedAccount) Key() AccountKey { return NewAccountKey(a.ProviderID, a.Region) }

// LastSeen is the persisted poll state of an account.
//
// LastMatchID is nil when the account was polled but had no matches yet.
type LastSeen struct {
	Key          AccountKey
	LastMatchID  *string
	LastPolledAt time.Time
}

// MatchID returns the last seen id or "".
func (s LastSeen) MatchID() string {
	if s.LastMatchID == nil {
		return ""
	}
	return *s.LastMatchID
}

// MatchSummary is the immutable detail of a completed match.
type MatchSummary struct {
	MatchID      string
	CompletedAt  time.Time
	QueueID      int
	QueueType    string
	Duration     time.Duration
	Participants []PlayerResult
}

// Participant returns the result of providerID, if it took part.
func (m MatchSummary) Participant(providerID string) (PlayerResult, bool) {
	for _, p := range m.Participants {
		if p.ProviderID == providerID {
			return p, true
		}
	}
	return PlayerResult{}, false
}

type PlayerResult struct {
	ProviderID string
	GameName   string
	TagLine    string
	Champion   string
	Position   string
	Win        bool
	Kills      int
	Deaths     int
	Assists    int
}

// MatchCompletedEvent is emitted once per newly completed match of a tracked account.
type MatchCompletedEvent struct {
	Account    TrackedAccount
	Match      MatchSummary
	CycleID    string
	DetectedAt time.Time
}

// DedupKey identifies the (account, match) pair downstream consumers dedup on.
func (e MatchCompletedEvent) DedupKey() string {
	return e.Account.ProviderID + "|" + e.Match.MatchID
}
