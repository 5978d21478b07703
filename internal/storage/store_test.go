package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"matchwatch/internal/model"
	logx "matchwatch/pkg/logx"
)

func openTestStore(t *testing.T, driver, path string) *Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path, DetailCacheSize: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	return st
}

var testDrivers = []struct {
	driver string
	file   string
}{
	{driver: "sqlite", file: "state.db"},
	{driver: "file", file: "state"},
}

func TestBackendLastSeenLifecycle(t *testing.T) {
	t.Parallel()

	for _, d := range testDrivers {
		d := d
		t.Run(d.driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, d.driver, filepath.Join(t.TempDir(), d.file))
			defer st.Close()

			acct := model.TrackedAccount{ProviderID: "p-1", Region: "euw1", DisplayName: "Alice#EUW"}
			key := acct.Key()
			if key.Region != "EUW1" {
				t.Fatalf("region not normalised: %q", key.Region)
			}

			if err := st.SetLastSeen(ctx, key, "EUW1_1", time.Now()); !errors.Is(err, ErrNotTracked) {
				t.Fatalf("expected ErrNotTracked before add, got %v", err)
			}
			if err := st.AddTrackedAccount(ctx, acct); err != nil {
				t.Fatalf("add: %v", err)
			}
			if _, ok, err := st.GetLastSeen(ctx, key); err != nil || ok {
				t.Fatalf("fresh account must have no state: ok=%v err=%v", ok, err)
			}

			polled := time.UnixMilli(time.Now().UnixMilli())
			if err := st.MarkPolled(ctx, key, polled); err != nil {
				t.Fatalf("mark polled: %v", err)
			}
			ls, ok, err := st.GetLastSeen(ctx, key)
			if err != nil || !ok {
				t.Fatalf("expected state after mark polled: ok=%v err=%v", ok, err)
			}
			if ls.LastMatchID != nil || !ls.LastPolledAt.Equal(polled) {
				t.Fatalf("unexpected state: %+v", ls)
			}

			if err := st.SetLastSeen(ctx, key, "EUW1_5", polled.Add(time.Minute)); err != nil {
				t.Fatalf("set last seen: %v", err)
			}
			ls, ok, err = st.GetLastSeen(ctx, key)
			if err != nil || !ok || ls.MatchID() != "EUW1_5" {
				t.Fatalf("unexpected state after set: %+v ok=%v err=%v", ls, ok, err)
			}

			// Re-adding keeps the poll state and updates the name.
			acct.DisplayName = "Alice#NEW"
			if err := st.AddTrackedAccount(ctx, acct); err != nil {
				t.Fatalf("re-add: %v", err)
			}
			if ls, _, _ := st.GetLastSeen(ctx, key); ls.MatchID() != "EUW1_5" {
				t.Fatalf("re-add must keep state, got %+v", ls)
			}
			list, err := st.ListTrackedAccounts(ctx)
			if err != nil || len(list) != 1 || list[0].DisplayName != "Alice#NEW" {
				t.Fatalf("unexpected list %+v err=%v", list, err)
			}

			if err := st.RemoveTrackedAccount(ctx, key); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if _, ok, _ := st.GetLastSeen(ctx, key); ok {
				t.Fatalf("state must go with the account")
			}
			if err := st.RemoveTrackedAccount(ctx, key); !errors.Is(err, ErrNotTracked) {
				t.Fatalf("expected ErrNotTracked on second remove, got %v", err)
			}
		})
	}
}

func TestBackendConcurrentWrites(t *testing.T) {
	t.Parallel()

	for _, d := range testDrivers {
		d := d
		t.Run(d.driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, d.driver, filepath.Join(t.TempDir(), d.file))
			defer st.Close()

			const n = 8
			for i := 0; i < n; i++ {
				if err := st.AddTrackedAccount(ctx, model.TrackedAccount{ProviderID: fmt.Sprintf("p-%d", i), Region: "NA1"}); err != nil {
					t.Fatalf("add: %v", err)
				}
			}
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					key := model.NewAccountKey(fmt.Sprintf("p-%d", i), "NA1")
					if err := st.SetLastSeen(ctx, key, fmt.Sprintf("NA1_%d", i), time.Now()); err != nil {
						t.Errorf("set %d: %v", i, err)
					}
				}(i)
			}
			wg.Wait()
			for i := 0; i < n; i++ {
				ls, ok, err := st.GetLastSeen(ctx, model.NewAccountKey(fmt.Sprintf("p-%d", i), "NA1"))
				if err != nil || !ok || ls.MatchID() != fmt.Sprintf("NA1_%d", i) {
					t.Fatalf("account %d: %+v ok=%v err=%v", i, ls, ok, err)
				}
			}
		})
	}
}

func TestBackendDedup(t *testing.T) {
	t.Parallel()

	for _, d := range testDrivers {
		d := d
		t.Run(d.driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, d.driver, filepath.Join(t.TempDir(), d.file))
			defer st.Close()

			until := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
			if err := st.PutDedup(ctx, "p-1|NA1_1", until); err != nil {
				t.Fatalf("put dedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "p-1|NA1_1")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("get dedup: %v ok=%v err=%v", got, ok, err)
			}
			if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
				t.Fatalf("unexpected dedup hit")
			}
		})
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	t.Parallel()

	for _, d := range testDrivers {
		d := d
		t.Run(d.driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), d.file)
			key := model.NewAccountKey("p-1", "KR")

			st := openTestStore(t, d.driver, path)
			if err := st.AddTrackedAccount(ctx, model.TrackedAccount{ProviderID: "p-1", Region: "KR"}); err != nil {
				t.Fatalf("add: %v", err)
			}
			if err := st.SetLastSeen(ctx, key, "KR_9", time.Now()); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			st = openTestStore(t, d.driver, path)
			defer st.Close()
			ls, ok, err := st.GetLastSeen(ctx, key)
			if err != nil || !ok || ls.MatchID() != "KR_9" {
				t.Fatalf("state lost on reopen: %+v ok=%v err=%v", ls, ok, err)
			}
		})
	}
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state")
	fs, err := openFile(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fs.compactEvery = 3
	key := model.NewAccountKey("p-1", "NA1")
	if err := fs.AddTrackedAccount(ctx, model.TrackedAccount{ProviderID: "p-1", Region: "NA1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := fs.SetLastSeen(ctx, key, fmt.Sprintf("NA1_%d", i), time.Now()); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	_ = fs.Close()

	fs2, err := openFile(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fs2.Close()
	ls, ok, _ := fs2.GetLastSeen(ctx, key)
	if !ok || ls.MatchID() != "NA1_5" {
		t.Fatalf("unexpected state after compaction: %+v", ls)
	}
}

// tornJournal writes half of the next record, then fails.
type tornJournal struct {
	journalFile
	fail bool
}

func (j *tornJournal) Write(b []byte) (int, error) {
	if !j.fail {
		return j.journalFile.Write(b)
	}
	j.fail = false
	n, _ := j.journalFile.Write(b[:len(b)/2])
	return n, errors.New("disk full")
}

func TestFileStoreFailedWriteDoesNotCorruptJournal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state")
	fs, err := openFile(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	key := model.NewAccountKey("p-1", "EUW1")
	if err := fs.AddTrackedAccount(ctx, model.TrackedAccount{ProviderID: "p-1", Region: "EUW1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	j := &tornJournal{journalFile: fs.journal, fail: true}
	fs.journal = j
	if err := fs.SetLastSeen(ctx, key, "EUW1_1", time.Now()); err == nil {
		t.Fatalf("torn write must fail")
	}
	if ls, _, _ := fs.GetLastSeen(ctx, key); ls.MatchID() != "" {
		t.Fatalf("failed write applied in memory: %+v", ls)
	}
	if err := fs.SetLastSeen(ctx, key, "EUW1_2", time.Now()); err != nil {
		t.Fatalf("set after failure: %v", err)
	}
	_ = fs.Close()

	fs2, err := openFile(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fs2.Close()
	ls, ok, _ := fs2.GetLastSeen(ctx, key)
	if !ok || ls.MatchID() != "EUW1_2" {
		t.Fatalf("record after failed write lost: %+v ok=%v", ls, ok)
	}
}

func TestDetailCacheEvictsLeastRecent(t *testing.T) {
	t.Parallel()

	st := openTestStore(t, "file", filepath.Join(t.TempDir(), "state"))
	defer st.Close()

	st.PutCachedDetail("m1", model.MatchSummary{MatchID: "m1"})
	st.PutCachedDetail("m2", model.MatchSummary{MatchID: "m2"})
	if _, ok := st.GetCachedDetail("m1"); !ok {
		t.Fatalf("m1 should be cached")
	}
	st.PutCachedDetail("m3", model.MatchSummary{MatchID: "m3"})

	if _, ok := st.GetCachedDetail("m2"); ok {
		t.Fatalf("m2 should have been evicted")
	}
	if m, ok := st.GetCachedDetail("m1"); !ok || m.MatchID != "m1" {
		t.Fatalf("m1 should survive as most recently used")
	}
	if st.CachedDetails() != 2 {
		t.Fatalf("cache size %d", st.CachedDetails())
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected dsn error")
	}
}
