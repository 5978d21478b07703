package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"matchwatch/internal/model"
	logx "matchwatch/pkg/logx"
)

//go:embed postgres_migrations.sql
var postgresMigrations string

const postgresConnectTimeout = 10 * time.Second

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (*postgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres connected", logx.Int("max_conns", int(poolCfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) GetLastSeen(ctx context.Context, key model.AccountKey) (model.LastSeen, bool, error) {
	var (
		matchID  *string
		polledAt *int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT last_match_id, last_polled_at FROM tracked_accounts WHERE provider_id = $1 AND region = $2`,
		key.ProviderID, key.Region,
	).Scan(&matchID, &polledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LastSeen{}, false, nil
	}
	if err != nil {
		return model.LastSeen{}, false, err
	}
	if polledAt == nil {
		return model.LastSeen{}, false, nil
	}
	return model.LastSeen{Key: key, LastMatchID: matchID, LastPolledAt: time.UnixMilli(*polledAt)}, true, nil
}

func (s *postgresStore) SetLastSeen(ctx context.Context, key model.AccountKey, matchID string, polledAt time.Time) error {
	if matchID == "" {
		return errors.New("set last seen: empty match id")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tracked_accounts SET last_match_id = $1, last_polled_at = $2 WHERE provider_id = $3 AND region = $4`,
		matchID, polledAt.UnixMilli(), key.ProviderID, key.Region,
	)
	return tagAffected(tag, err, key)
}

func (s *postgresStore) MarkPolled(ctx context.Context, key model.AccountKey, polledAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tracked_accounts SET last_polled_at = $1 WHERE provider_id = $2 AND region = $3`,
		polledAt.UnixMilli(), key.ProviderID, key.Region,
	)
	return tagAffected(tag, err, key)
}

func (s *postgresStore) ListTrackedAccounts(ctx context.Context) ([]model.TrackedAccount, error) {
	rows, err := s.pool.Query(ctx,
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

func (s *postgresStore) AddTrackedAccount(ctx context.Context, acct model.TrackedAccount) error {
	key := acct.Key()
	if key.ProviderID == "" || key.Region == "" {
		return errors.New("add account: provider id and region are required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracked_accounts(provider_id, region, display_name, created_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT (provider_id, region) DO UPDATE SET display_name = EXCLUDED.display_name`,
		key.ProviderID, key.Region, acct.DisplayName, time.Now().UnixMilli(),
	)
	return err
}

func (s *postgresStore) RemoveTrackedAccount(ctx context.Context, key model.AccountKey) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tracked_accounts WHERE provider_id = $1 AND region = $2`,
		key.ProviderID, key.Region,
	)
	return tagAffected(tag, err, key)
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup(key, until) VALUES($1,$2)
		 ON CONFLICT (key) DO UPDATE SET until = EXCLUDED.until`,
		key, until.UnixMilli(),
	)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.pool.QueryRow(ctx, `SELECT until FROM dedup WHERE key = $1`, key).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func tagAffected(tag pgconn.CommandTag, err error, key model.AccountKey) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotTracked, key)
	}
	return nil
}
