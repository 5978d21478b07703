package storage

import (
	"context"
	"errors"
	"time"

	"matchwatch/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotTracked is returned when poll state is written for, or an account
	// removed under, a key that has no tracked account.
	ErrNotTracked = errors.New("account not tracked")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): Path is the database file
//   - "file": Path prefixes the snapshot and journal files
//   - "postgres": DSN is a libpq/pgx connection string
type Config struct {
	Driver          string
	Path            string
	DSN             string
	BusyTimeout     time.Duration // sqlite only; 0 means 5s
	DetailCacheSize int           // 0 means 512
}

// Backend is implemented by every driver.
//
// All methods are safe for concurrent use. SetLastSeen and MarkPolled are
// durable once they return nil.
type Backend interface {
	GetLastSeen(ctx context.Context, key model.AccountKey) (model.LastSeen, bool, error)
	SetLastSeen(ctx context.Context, key model.AccountKey, matchID string, polledAt time.Time) error
	MarkPolled(ctx context.Context, key model.AccountKey, polledAt time.Time) error

	ListTrackedAccounts(ctx context.Context) ([]model.TrackedAccount, error)
	AddTrackedAccount(ctx context.Context, acct model.TrackedAccount) error
	RemoveTrackedAccount(ctx context.Context, key model.AccountKey) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
