package storage

import (
	"errors"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"matchwatch/internal/model"
	logx "matchwatch/pkg/logx"
)

const defaultDetailCacheSize = 512

// Store is the persistence API used by the poller, the notifier and the CLI.
type Store struct {
	Backend

	driver string
	cache  *lru.Cache[string, model.MatchSummary]
}

// Open initializes the configured backend and the detail cache.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	var (
		be  Backend
		err error
	)
	switch driver {
	case "file":
		be, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		driver = "sqlite"
		be, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		driver = "postgres"
		be, err = openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(be, driver, cfg.DetailCacheSize)
}

// NewStore wraps an already opened backend.
func NewStore(be Backend, driver string, cacheSize int) (*Store, error) {
	if be == nil {
		return nil, ErrDisabled
	}
	if cacheSize <= 0 {
		cacheSize = defaultDetailCacheSize
	}
	c, err := lru.New[string, model.MatchSummary](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{Backend: be, driver: driver, cache: c}, nil
}

func (s *Store) Driver() string { return s.driver }

// GetCachedDetail returns a previously fetched match detail.
func (s *Store) GetCachedDetail(matchID string) (model.MatchSummary, bool) {
	return s.cache.Get(matchID)
}

// PutCachedDetail caches a match detail, evicting the least recently used entry when full.
func (s *Store) PutCachedDetail(matchID string, m model.MatchSummary) {
	if matchID == "" {
		return
	}
	s.cache.Add(matchID, m)
}

func (s *Store) CachedDetails() int { return s.cache.Len() }
