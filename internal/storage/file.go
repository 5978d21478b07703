package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"matchwatch/internal/model"
	logx "matchwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (compacted state)
//   - <prefix>.journal.jsonl (append-only, fsynced per write)
//
// A write is durable once its journal line is synced. The journal is
// compacted into the snapshot on open and every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      journalFile

	accounts map[model.AccountKey]*accountRecord
	dedup    map[string]int64 // unix milli

	writes       int
	compactEvery int
}

type accountRecord struct {
	ProviderID   string  `json:"provider_id"`
	Region       string  `json:"region"`
	DisplayName  string  `json:"display_name"`
	LastMatchID  *string `json:"last_match_id,omitempty"`
	LastPolledAt int64   `json:"last_polled_at,omitempty"`
	CreatedAt    int64   `json:"created_at"`
}

// journalFile is the subset of *os.File the journal writes through.
type journalFile interface {
	io.WriteCloser
	io.Seeker
	Sync() error
	Truncate(size int64) error
}

type fileSnapshot struct {
	Accounts []accountRecord  `json:"accounts"`
	Dedup    map[string]int64 `json:"dedup"`
}

const (
	opAdd    = "add"
	opRemove = "remove"
	opSeen   = "seen"
	opPolled = "polled"
	opDedup  = "dedup"
)

type journalRecord struct {
	Op          string `json:"op"`
	ProviderID  string `json:"pid,omitempty"`
	Region      string `json:"region,omitempty"`
	DisplayName string `json:"name,omitempty"`
	MatchID     string `json:"match,omitempty"`
	At          int64  `json:"at,omitempty"`
	Key         string `json:"key,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		accounts:     map[model.AccountKey]*accountRecord{},
		dedup:        map[string]int64{},
		compactEvery: 1000,
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	journalPath := prefix + ".journal.jsonl"
	replayed, err := s.replayJournal(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	pruneExpiredDedup(s.dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf

	if replayed > 0 {
		if err := s.compactLocked(); err != nil {
			log.Warn("journal compact failed", logx.Err(err))
		}
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("accounts", len(s.accounts)), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) GetLastSeen(ctx context.Context, key model.AccountKey) (model.LastSeen, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.accounts[key]
	if !ok || r.LastPolledAt == 0 {
		return model.LastSeen{}, false, nil
	}
	st := model.LastSeen{Key: key, LastPolledAt: time.UnixMilli(r.LastPolledAt)}
	if r.LastMatchID != nil {
		id := *r.LastMatchID
		st.LastMatchID = &id
	}
	return st, true, nil
}

func (s *fileStore) SetLastSeen(ctx context.Context, key model.AccountKey, matchID string, polledAt time.Time) error {
	_ = ctx
	if matchID == "" {
		return errors.New("set last seen: empty match id")
	}
	return s.writeTracked(key, journalRecord{Op: opSeen, MatchID: matchID, At: polledAt.UnixMilli()})
}

func (s *fileStore) MarkPolled(ctx context.Context, key model.AccountKey, polledAt time.Time) error {
	_ = ctx
	return s.writeTracked(key, journalRecord{Op: opPolled, At: polledAt.UnixMilli()})
}

func (s *fileStore) ListTrackedAccounts(ctx context.Context) ([]model.TrackedAccount, error) {
	_ = ctx
	s.mu.Lock()
	recs := s.sortedAccountsLocked()
	s.mu.Unlock()

	out := make([]model.TrackedAccount, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.TrackedAccount{ProviderID: r.ProviderID, Region: r.Region, DisplayName: r.DisplayName})
	}
	return out, nil
}

func (s *fileStore) AddTrackedAccount(ctx context.Context, acct model.TrackedAccount) error {
	_ = ctx
	key := acct.Key()
	if key.ProviderID == "" || key.Region == "" {
		return errors.New("add account: provider id and region are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{
		Op:          opAdd,
		ProviderID:  key.ProviderID,
		Region:      key.Region,
		DisplayName: acct.DisplayName,
		At:          time.Now().UnixMilli(),
	})
}

func (s *fileStore) RemoveTrackedAccount(ctx context.Context, key model.AccountKey) error {
	_ = ctx
	return s.writeTracked(key, journalRecord{Op: opRemove})
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(journalRecord{Op: opDedup, Key: key, At: until.UnixMilli()})
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// writeTracked journals rec for an existing account.
func (s *fileStore) writeTracked(key model.AccountKey, rec journalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, key)
	}
	rec.ProviderID = key.ProviderID
	rec.Region = key.Region
	return s.appendLocked(rec)
}

// appendLocked syncs rec to the journal, then applies it in memory. A failed
// write is cut back off the journal so the next record starts on its own line.
func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	off, err := s.journal.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(b); err != nil {
		return s.rollbackLocked(off, err)
	}
	if err := s.journal.Sync(); err != nil {
		return s.rollbackLocked(off, err)
	}
	s.apply(rec)

	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) rollbackLocked(off int64, cause error) error {
	if err := s.journal.Truncate(off); err != nil {
		s.log.Error("journal rollback failed", logx.Int64("offset", off), logx.Err(err))
		return errors.Join(cause, err)
	}
	if _, err := s.journal.Seek(off, io.SeekStart); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *fileStore) apply(rec journalRecord) {
	key := model.AccountKey{ProviderID: rec.ProviderID, Region: rec.Region}
	switch rec.Op {
	case opAdd:
		if r, ok := s.accounts[key]; ok {
			r.DisplayName = rec.DisplayName
			return
		}
		s.accounts[key] = &accountRecord{
			ProviderID:  rec.ProviderID,
			Region:      rec.Region,
			DisplayName: rec.DisplayName,
			CreatedAt:   rec.At,
		}
	case opRemove:
		delete(s.accounts, key)
	case opSeen:
		if r, ok := s.accounts[key]; ok {
			id := rec.MatchID
			r.LastMatchID = &id
			r.LastPolledAt = rec.At
		}
	case opPolled:
		if r, ok := s.accounts[key]; ok {
			r.LastPolledAt = rec.At
		}
	case opDedup:
		s.dedup[rec.Key] = rec.At
	}
}

func (s *fileStore) sortedAccountsLocked() []accountRecord {
	out := make([]accountRecord, 0, len(s.accounts))
	for _, r := range s.accounts {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].Region < out[j].Region
	})
	return out
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	snap := fileSnapshot{Accounts: s.sortedAccountsLocked(), Dedup: s.dedup}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for i := range snap.Accounts {
		r := snap.Accounts[i]
		s.accounts[model.AccountKey{ProviderID: r.ProviderID, Region: r.Region}] = &r
	}
	for k, v := range snap.Dedup {
		s.dedup[k] = v
	}
	return nil
}

// replayJournal applies every decodable line. A torn trailing line from a
// crash mid-write is skipped.
func (s *fileStore) replayJournal(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Op == "" {
			continue
		}
		s.apply(r)
		n++
	}
	return n, sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
