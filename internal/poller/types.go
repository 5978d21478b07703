package poller

import (
	"context"
	"errors"
	"time"

	"matchwatch/internal/eventbus"
	"matchwatch/internal/model"
)

var (
	ErrStopped = errors.New("poller stopped")
	ErrFatal   = errors.New("poller halted on fatal error")
)

type Config struct {
	// Schedule accepts cron, duration ("60s") or HH:MM interval forms.
	Schedule     string
	RunOnStart   bool
	Timezone     string
	CycleTimeout time.Duration // 0 means no bound
	// MatchCount is the number of recent ids requested per account.
	MatchCount int
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "60s"
	}
	if c.MatchCount <= 0 {
		c.MatchCount = 20
	}
	return c
}

// AccountLister enumerates tracked accounts.
type AccountLister interface {
	ListTrackedAccounts(ctx context.Context) ([]model.TrackedAccount, error)
}

// MatchAPI is the provider surface used by a cycle.
type MatchAPI interface {
	ListRecentMatchIDs(ctx context.Context, platform, puuid string, count int) ([]string, error)
	FetchMatchDetail(ctx context.Context, platform, matchID string) (model.MatchSummary, error)
}

// StateStore persists last-seen ids and caches match details.
type StateStore interface {
	GetLastSeen(ctx context.Context, key model.AccountKey) (model.LastSeen, bool, error)
	SetLastSeen(ctx context.Context, key model.AccountKey, matchID string, polledAt time.Time) error
	MarkPolled(ctx context.Context, key model.AccountKey, polledAt time.Time) error
	GetCachedDetail(matchID string) (model.MatchSummary, bool)
	PutCachedDetail(matchID string, m model.MatchSummary)
}

// Emitter receives new-match events. A non-nil error leaves the account's
// last-seen id untouched so the match is retried next cycle.
type Emitter interface {
	Emit(ctx context.Context, ev model.MatchCompletedEvent) error
}

type Deps struct {
	Accounts AccountLister
	API      MatchAPI
	Store    StateStore
	Emitter  Emitter
	Bus      eventbus.Bus // optional
}

// CycleReport summarises one cycle.
type CycleReport struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Took      time.Duration `json:"took"`
	Accounts  int           `json:"accounts"`
	Seeded    int           `json:"seeded"`
	Emitted   int           `json:"emitted"`
	Failed    int           `json:"failed"`
	NotFound  int           `json:"not_found"`
	Skipped   int           `json:"skipped"`
	Fatal     int           `json:"fatal"`
	ListError string        `json:"list_error,omitempty"`
}

// Snapshot is the observable state of the engine.
type Snapshot struct {
	State      State        `json:"state"`
	Halted     bool         `json:"halted"`
	Err        string       `json:"err,omitempty"`
	Cycles     uint64       `json:"cycles"`
	LastReport *CycleReport `json:"last_report,omitempty"`
}
