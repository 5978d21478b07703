package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Key     string    `json:"key"`
	Title   string    `json:"title"`
	Senders []string  `json:"senders"`
}

// DedupStore persists suppress-until marks across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// NotificationEvent is the Data of notifier.* bus events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Key     string    `json:"key"`
	Account string    `json:"account"`
	MatchID string    `json:"match_id"`
	Sender  string    `json:"sender,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
