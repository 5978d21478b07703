package poller

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"matchwatch/internal/eventbus"
	"matchwatch/internal/model"
	"matchwatch/internal/riot"
	logx "matchwatch/pkg/logx"
)

type fakeAPI struct {
	mu        sync.Mutex
	ids       map[string][]string // puuid -> newest first
	listErr   map[string]error
	detailErr map[string]error
	fetches   map[string]int
	listCalls atomic.Int32
	block     chan struct{} // when set, ListRecentMatchIDs waits on it
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		ids:       map[string][]string{},
		listErr:   map[string]error{},
		detailErr: map[string]error{},
		fetches:   map[string]int{},
	}
}

func (f *fakeAPI) setIDs(puuid string, ids ...string) {
	f.mu.Lock()
	f.ids[puuid] = ids
	f.mu.Unlock()
}

func (f *fakeAPI) ListRecentMatchIDs(ctx context.Context, platform, puuid string, count int) ([]string, error) {
	f.listCalls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[puuid]; err != nil {
		return nil, err
	}
	return append([]string(nil), f.ids[puuid]...), nil
}

func (f *fakeAPI) FetchMatchDetail(ctx context.Context, platform, matchID string) (model.MatchSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[matchID]++
	if err := f.detailErr[matchID]; err != nil {
		return model.MatchSummary{}, err
	}
	return model.MatchSummary{MatchID: matchID, QueueType: "ARAM"}, nil
}

func (f *fakeAPI) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

type memStore struct {
	mu       sync.Mutex
	accounts []model.TrackedAccount
	state    map[model.AccountKey]model.LastSeen
	cache    map[string]model.MatchSummary
	listErr  error
	writes   int
}

func newMemStore(accts ...model.TrackedAccount) *memStore {
	return &memStore{
		accounts: accts,
		state:    map[model.AccountKey]model.LastSeen{},
		cache:    map[string]model.MatchSummary{},
	}
}

func (s *memStore) ListTrackedAccounts(ctx context.Context) ([]model.TrackedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]model.TrackedAccount(nil), s.accounts...), nil
}

func (s *memStore) GetLastSeen(ctx context.Context, key model.AccountKey) (model.LastSeen, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.state[key]
	return ls, ok, nil
}

func (s *memStore) SetLastSeen(ctx context.Context, key model.AccountKey, matchID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := matchID
	s.state[key] = model.LastSeen{Key: key, LastMatchID: &id, LastPolledAt: at}
	s.writes++
	return nil
}

func (s *memStore) MarkPolled(ctx context.Context, key model.AccountKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.state[key]
	ls.Key = key
	ls.LastPolledAt = at
	s.state[key] = ls
	return nil
}

func (s *memStore) GetCachedDetail(id string) (model.MatchSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.cache[id]
	return m, ok
}

func (s *memStore) PutCachedDetail(id string, m model.MatchSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[id] = m
}

func (s *memStore) lastID(key model.AccountKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[key].MatchID()
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []model.MatchCompletedEvent
	fail   map[string]error // match id -> error
}

func (r *recordingEmitter) Emit(ctx context.Context, ev model.MatchCompletedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[ev.Match.MatchID]; err != nil {
		return err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) ids(providerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Account.ProviderID == providerID {
			out = append(out, ev.Match.MatchID)
		}
	}
	return out
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var (
	alice = model.TrackedAccount{ProviderID: "alice", Region: "EUW1", DisplayName: "Alice#EUW"}
	bob   = model.TrackedAccount{ProviderID: "bob", Region: "EUW1", DisplayName: "Bob#EUW"}
)

type harness struct {
	api   *fakeAPI
	store *memStore
	emit  *recordingEmitter
	bus   eventbus.Bus
	eng   *Engine
}

func newHarness(t *testing.T, accts ...model.TrackedAccount) *harness {
	t.Helper()
	h := &harness{
		api:   newFakeAPI(),
		store: newMemStore(accts...),
		emit:  &recordingEmitter{fail: map[string]error{}},
		bus:   eventbus.New(),
	}
	eng, err := New(Config{Schedule: "1h"}, Deps{
		Accounts: h.store,
		API:      h.api,
		Store:    h.store,
		Emitter:  h.emit,
		Bus:      h.bus,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.eng = eng
	return h
}

func (h *harness) cycle(t *testing.T) CycleReport {
	t.Helper()
	rep, err := h.eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	return rep
}

func TestFirstPollSeedsWithoutEmitting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice, bob)
	h.api.setIDs("alice", "m3", "m2", "m1")
	// bob has never played.

	rep := h.cycle(t)
	if h.emit.count() != 0 {
		t.Fatalf("first poll must not emit, got %d", h.emit.count())
	}
	if rep.Seeded != 2 || rep.Emitted != 0 || rep.Failed != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := h.store.lastID(alice.Key()); got != "m3" {
		t.Fatalf("alice last seen=%q, want m3", got)
	}
	ls, ok, _ := h.store.GetLastSeen(context.Background(), bob.Key())
	if !ok || ls.LastMatchID != nil {
		t.Fatalf("bob must have state without a match id: %+v ok=%v", ls, ok)
	}
	if h.eng.State() != StateIdle {
		t.Fatalf("state=%s after cycle", h.eng.State())
	}
}

func TestNewMatchesEmittedOldestFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice)
	h.api.setIDs("alice", "m3", "m2", "m1")
	h.cycle(t)

	h.api.setIDs("alice", "m5", "m4", "m3", "m2", "m1")
	rep := h.cycle(t)

	if got := h.emit.ids("alice"); !reflect.DeepEqual(got, []string{"m4", "m5"}) {
		t.Fatalf("emitted %v, want [m4 m5]", got)
	}
	if rep.Emitted != 2 {
		t.Fatalf("report emitted=%d", rep.Emitted)
	}
	if got := h.store.lastID(alice.Key()); got != "m5" {
		t.Fatalf("last seen=%q, want m5", got)
	}
	for _, ev := range h.emit.events {
		if ev.CycleID != rep.ID || ev.Account != alice || ev.DetectedAt.IsZero() {
			t.Fatalf("unexpected event metadata %+v", ev)
		}
	}
}

func TestNoDuplicateEmitsAcrossCycles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice)
	h.api.setIDs("alice", "m1")
	h.cycle(t)
	h.api.setIDs("alice", "m2", "m1")
	h.cycle(t)
	h.cycle(t)
	h.cycle(t)

	if got := h.emit.ids("alice"); !reflect.DeepEqual(got, []string{"m2"}) {
		t.Fatalf("emitted %v, want exactly [m2]", got)
	}
}

func TestEmptyAccountFirstMatchIsEmitted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, bob)
	h.cycle(t) // seeds with no id
	h.api.setIDs("bob", "m1")
	h.cycle(t)

	if got := h.emit.ids("bob"); !reflect.DeepEqual(got, []string{"m1"}) {
		t.Fatalf("emitted %v, want [m1]", got)
	}
}

func TestTransientFailureIsolated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice, bob)
	h.api.setIDs("alice", "a1")
	h.api.setIDs("bob", "b1")
	h.cycle(t)

	h.api.setIDs("alice", "a2", "a1")
	h.api.setIDs("bob", "b2", "b1")
	h.api.mu.Lock()
	h.api.listErr["alice"] = &riot.Error{Kind: riot.KindTransient, Op: "list_match_ids", Status: 503}
	h.api.mu.Unlock()

	rep := h.cycle(t)
	if rep.Failed != 1 || rep.Emitted != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := h.emit.ids("bob"); !reflect.DeepEqual(got, []string{"b2"}) {
		t.Fatalf("bob emitted %v", got)
	}
	if got := h.store.lastID(alice.Key()); got != "a1" {
		t.Fatalf("alice state must be untouched, got %q", got)
	}

	h.api.mu.Lock()
	delete(h.api.listErr, "alice")
	h.api.mu.Unlock()
	h.cycle(t)
	if got := h.emit.ids("alice"); !reflect.DeepEqual(got, []string{"a2"}) {
		t.Fatalf("alice retried next cycle: %v", got)
	}
}

func TestEmitFailureKeepsLastSeen(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice)
	h.api.setIDs("alice", "m1")
	h.cycle(t)

	h.api.setIDs("alice", "m3", "m2", "m1")
	h.emit.fail["m3"] = errors.New("queue full")
	rep := h.cycle(t)
	if rep.Failed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := h.store.lastID(alice.Key()); got != "m1" {
		t.Fatalf("last seen advanced to %q despite failed emit", got)
	}

	delete(h.emit.fail, "m3")
	h.cycle(t)
	// m2 is emitted twice: duplicate-but-never-missing.
	if got := h.emit.ids("alice"); !reflect.DeepEqual(got, []string{"m2", "m2", "m3"}) {
		t.Fatalf("emitted %v", got)
	}
	if got := h.store.lastID(alice.Key()); got != "m3" {
		t.Fatalf("last seen=%q, want m3", got)
	}
}

func TestSharedMatchFetchedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice, bob)
	h.api.setIDs("alice", "a0")
	h.api.setIDs("bob", "b0")
	h.cycle(t)

	h.api.setIDs("alice", "duo", "a0")
	h.api.setIDs("bob", "duo", "b0")
	h.cycle(t)

	if n := h.api.fetchCount("duo"); n != 1 {
		t.Fatalf("shared match fetched %d times", n)
	}
	if len(h.emit.ids("alice")) != 1 || len(h.emit.ids("bob")) != 1 {
		t.Fatalf("each account gets its own event")
	}
}

func TestDroppedLastSeenNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice)
	h.api.setIDs("alice", "EUW1_105", "EUW1_104")
	h.cycle(t)

	// The provider drops EUW1_105 from the history.
	h.api.setIDs("alice", "EUW1_104", "EUW1_103", "EUW1_102")
	rep := h.cycle(t)
	if h.emit.count() != 0 || rep.Emitted != 0 || rep.Failed != 0 {
		t.Fatalf("nothing is new: events=%v report=%+v", h.emit.ids("alice"), rep)
	}
	if got := h.store.lastID(alice.Key()); got != "EUW1_105" {
		t.Fatalf("last seen=%q, want EUW1_105", got)
	}

	h.api.setIDs("alice", "EUW1_106", "EUW1_104", "EUW1_103")
	h.cycle(t)
	if got := h.emit.ids("alice"); !reflect.DeepEqual(got, []string{"EUW1_106"}) {
		t.Fatalf("emitted %v, want [EUW1_106]", got)
	}
	if got := h.store.lastID(alice.Key()); got != "EUW1_106" {
		t.Fatalf("last seen=%q, want EUW1_106", got)
	}
}

func TestMissingMatchDetailIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice)
	ch, unsub := h.bus.Subscribe(64)
	defer unsub()

	h.api.setIDs("alice", "m3")
	h.cycle(t)

	h.api.mu.Lock()
	h.api.detailErr["m4"] = &riot.Error{Kind: riot.KindNotFound, Op: "match_detail", Status: 404}
	h.api.mu.Unlock()
	h.api.setIDs("alice", "m5", "m4", "m3")

	rep := h.cycle(t)
	if rep.Emitted != 1 || rep.Skipped != 1 || rep.Failed != 0 || rep.NotFound != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := h.emit.ids("alice"); !reflect.DeepEqual(got, []string{"m5"}) {
		t.Fatalf("emitted %v, want [m5]", got)
	}
	if got := h.store.lastID(alice.Key()); got != "m5" {
		t.Fatalf("last seen=%q, want m5", got)
	}

	h.cycle(t)
	if n := h.api.fetchCount("m4"); n != 1 {
		t.Fatalf("m4 fetched %d times, want 1", n)
	}

	var matchMissing, accountMissing bool
	for {
		select {
		case e := <-ch:
			switch e.Type {
			case eventbus.MatchNotFound:
				matchMissing = e.Data.(string) == "m4"
			case eventbus.AccountNotFound:
				accountMissing = true
			}
			continue
		default:
		}
		break
	}
	if !matchMissing || accountMissing {
		t.Fatalf("match.not_found=%v account.not_found=%v", matchMissing, accountMissing)
	}
}

func TestNotFoundPublishedOnBus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice)
	ch, unsub := h.bus.Subscribe(64)
	defer unsub()

	h.api.mu.Lock()
	h.api.listErr["alice"] = &riot.Error{Kind: riot.KindNotFound, Op: "list_match_ids", Status: 404}
	h.api.mu.Unlock()
	rep := h.cycle(t)
	if rep.NotFound != 1 || rep.Failed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	var states []string
	found := false
	for {
		select {
		case e := <-ch:
			switch e.Type {
			case eventbus.AccountNotFound:
				found = e.Data.(model.TrackedAccount) == alice
			case eventbus.PollStateChanged:
				states = append(states, e.Data.(string))
			}
			continue
		default:
		}
		break
	}
	if !found {
		t.Fatalf("account.not_found not published")
	}
	want := []string{"scheduling", "per_account_fetch", "diffing", "idle"}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("states %v, want %v", states, want)
	}
}

func TestListFailureEndsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice)
	h.store.listErr = errors.New("db locked")
	rep, err := h.eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("list failure must not be fatal: %v", err)
	}
	if rep.ListError == "" || h.api.listCalls.Load() != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestFatalErrorReturnedAfterOtherAccounts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice, bob)
	h.api.setIDs("alice", "a1")
	h.api.setIDs("bob", "b1")
	h.cycle(t)

	h.api.setIDs("bob", "b2", "b1")
	h.api.mu.Lock()
	h.api.listErr["alice"] = &riot.Error{Kind: riot.KindFatal, Op: "list_match_ids", Status: 403}
	h.api.mu.Unlock()

	rep, err := h.eng.RunCycle(context.Background())
	if !errors.Is(err, ErrFatal) || !riot.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if rep.Fatal != 1 || rep.Emitted != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := h.emit.ids("bob"); !reflect.DeepEqual(got, []string{"b2"}) {
		t.Fatalf("bob should finish despite alice's fatal error: %v", got)
	}
}

func TestScheduledFatalHaltsEngine(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice)
	h.api.mu.Lock()
	h.api.listErr["alice"] = &riot.Error{Kind: riot.KindFatal, Op: "list_match_ids", Status: 401}
	h.api.mu.Unlock()
	if err := h.eng.Reconfigure(Config{Schedule: "1h", RunOnStart: true}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-h.eng.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not halt")
	}
	if !riot.IsFatal(h.eng.Err()) {
		t.Fatalf("Err()=%v", h.eng.Err())
	}
	if h.eng.State() != StateStopped || !h.eng.Snapshot().Halted {
		t.Fatalf("state=%s", h.eng.State())
	}
	if _, err := h.eng.RunCycle(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("no cycle after halt, got %v", err)
	}
}

func TestStopLetsInFlightCallFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t, alice)
	h.api.setIDs("alice", "m1")
	h.api.block = make(chan struct{})

	var (
		rep    CycleReport
		cycErr error
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		rep, cycErr = h.eng.RunCycle(context.Background())
	}()
	waitUntil(t, func() bool { return h.api.listCalls.Load() == 1 })

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stopped <- h.eng.Stop(ctx)
	}()
	// Stop waits for the in-flight call.
	select {
	case <-stopped:
		t.Fatalf("Stop returned while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(h.api.block)
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	wg.Wait()
	if cycErr != nil {
		t.Fatalf("cycle: %v", cycErr)
	}
	// The completed call's result was still applied.
	if rep.Seeded != 1 || h.store.lastID(alice.Key()) != "m1" {
		t.Fatalf("in-flight result lost: %+v", rep)
	}
	if h.eng.State() != StateStopped {
		t.Fatalf("state=%s", h.eng.State())
	}
	if _, err := h.eng.RunCycle(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestChanEmitter(t *testing.T) {
	t.Parallel()

	e := NewChanEmitter(1)
	ev := model.MatchCompletedEvent{Match: model.MatchSummary{MatchID: "m1"}}
	if err := e.Emit(context.Background(), ev); err != nil {
		t.Fatalf("emit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Emit(ctx, ev); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel on full channel, got %v", err)
	}
	if got := <-e.C; got.Match.MatchID != "m1" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}
