package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"matchwatch/internal/model"
	logx "matchwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers; concurrent account updates queue here.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetLastSeen(ctx context.Context, key model.AccountKey) (model.LastSeen, bool, error) {
	var (
		matchID  sql.NullString
		polledAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_match_id, last_polled_at FROM tracked_accounts WHERE provider_id = ? AND region = ?`,
		key.ProviderID, key.Region,
	).Scan(&matchID, &polledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LastSeen{}, false, nil
	}
	if err != nil {
		return model.LastSeen{}, false, err
	}
	if !polledAt.Valid {
		return model.LastSeen{}, false, nil
	}
	st := model.LastSeen{Key: key, LastPolledAt: time.UnixMilli(polledAt.Int64)}
	if matchID.Valid {
		id := matchID.String
		st.LastMatchID = &id
	}
	return st, true, nil
}

func (s *sqliteStore) SetLastSeen(ctx context.Context, key model.AccountKey, matchID string, polledAt time.Time) error {
	if matchID == "" {
		return errors.New("set last seen: empty match id")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_accounts SET last_match_id = ?, last_polled_at = ? WHERE provider_id = ? AND region = ?`,
		matchID, polledAt.UnixMilli(), key.ProviderID, key.Region,
	)
	return affectedOne(res, err, key)
}

func (s *sqliteStore) MarkPolled(ctx context.Context, key model.AccountKey, polledAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_accounts SET last_polled_at = ? WHERE provider_id = ? AND region = ?`,
		polledAt.UnixMilli(), key.ProviderID, key.Region,
	)
	return affectedOne(res, err, key)
}

func (s *sqliteStore) ListTrackedAccounts(ctx context.Context) ([]model.TrackedAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_id, region, display_name FROM tracked_accounts ORDER BY created_at, provider_id, region`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TrackedAccount
	for rows.Next() {
		var a model.TrackedAccount
		if err := rows.Scan(&a.ProviderID, &a.Region, &a.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddTrackedAccount(ctx context.Context, acct model.TrackedAccount) error {
	key := acct.Key()
	if key.ProviderID == "" || key.Region == "" {
		return errors.New("add account: provider id and region are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_accounts(provider_id, region, display_name, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(provider_id, region) DO UPDATE SET display_name = excluded.display_name`,
		key.ProviderID, key.Region, acct.DisplayName, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) RemoveTrackedAccount(ctx context.Context, key model.AccountKey) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracked_accounts WHERE provider_id = ? AND region = ?`,
		key.ProviderID, key.Region,
	)
	return affectedOne(res, err, key)
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func affectedOne(res sql.Result, err error, key model.AccountKey) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotTracked, key)
	}
	return nil
}
