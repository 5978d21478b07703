package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"matchwatch/internal/eventbus"
	"matchwatch/internal/model"
	"matchwatch/internal/riot"
	logx "matchwatch/pkg/logx"
)

// accountWork carries one account through the phases of a cycle.
type accountWork struct {
	acct model.TrackedAccount
	key  model.AccountKey
	log  logx.Logger

	ids     []string
	last    string
	diff    DiffResult
	skipped int
	err     error
}

// RunCycle runs one complete cycle. Per-account failures are isolated and
// counted in the report. A fatal provider error is returned wrapped in
// ErrFatal once every in-flight account has finished.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	if e.isStopped() {
		return CycleReport{}, ErrStopped
	}

	// Stop cancels waits inside the cycle; HTTP calls already on the wire
	// are detached from cancellation by the client.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	e.cfgMu.Lock()
	cfg := e.cfg
	e.cfgMu.Unlock()

	rep := CycleReport{ID: uuid.NewString(), StartedAt: time.Now()}
	log := e.log.With(logx.String("cycle", rep.ID))
	defer e.finish(&rep, log)

	e.setState(StateScheduling)
	accounts, err := e.deps.Accounts.ListTrackedAccounts(ctx)
	if err != nil {
		rep.ListError = err.Error()
		log.Error("list tracked accounts failed", logx.Err(err))
		return rep, nil
	}
	rep.Accounts = len(accounts)
	if len(accounts) == 0 {
		log.Debug("no tracked accounts")
		return rep, nil
	}

	work := make([]*accountWork, len(accounts))
	for i, a := range accounts {
		key := a.Key()
		work[i] = &accountWork{
			acct: a,
			key:  key,
			log:  log.With(logx.String("account", key.String())),
		}
	}

	e.setState(StatePerAccountFetch)
	e.each(work, func(w *accountWork) {
		w.ids, w.err = e.deps.API.ListRecentMatchIDs(ctx, w.key.Region, w.key.ProviderID, cfg.MatchCount)
	})

	e.setState(StateDiffing)
	var dispatch []*accountWork
	for _, w := range work {
		if w.err != nil {
			continue
		}
		last, has, err := e.deps.Store.GetLastSeen(context.WithoutCancel(ctx), w.key)
		if err != nil {
			w.err = fmt.Errorf("read last seen: %w", err)
			continue
		}
		w.last = last.MatchID()
		w.diff = Diff(w.ids, last, has)
		switch {
		case w.diff.Seed:
			w.err = e.seed(ctx, w)
			if w.err == nil {
				rep.Seeded++
			}
		case len(w.diff.Candidates) == 0:
			w.err = e.deps.Store.MarkPolled(context.WithoutCancel(ctx), w.key, time.Now())
		default:
			if w.diff.Truncated {
				w.log.Warn("last seen match outside fetch window; older matches may be skipped",
					logx.String("last_match_id", last.MatchID()),
					logx.Int("fetched", len(w.ids)),
				)
			}
			dispatch = append(dispatch, w)
		}
	}

	if len(dispatch) > 0 {
		e.setState(StateDispatching)
		var mu sync.Mutex
		e.each(dispatch, func(w *accountWork) {
			n, err := e.dispatch(ctx, rep.ID, w)
			w.err = err
			mu.Lock()
			rep.Emitted += n
			rep.Skipped += w.skipped
			mu.Unlock()
		})
	}

	var fatal error
	for _, w := range work {
		if w.err == nil {
			continue
		}
		rep.Failed++
		switch {
		case riot.IsFatal(w.err):
			rep.Fatal++
			if fatal == nil {
				fatal = w.err
			}
			w.log.Error("account poll failed (fatal)", logx.Err(w.err))
		case riot.IsNotFound(w.err):
			rep.NotFound++
			w.log.Warn("account not found", logx.Err(w.err))
			e.bus.Publish(eventbus.Event{Type: eventbus.AccountNotFound, Data: w.acct})
		case errors.Is(w.err, context.Canceled), errors.Is(w.err, context.DeadlineExceeded):
			w.log.Debug("account poll interrupted", logx.Err(w.err))
		default:
			w.log.Warn("account poll failed; retrying next cycle", logx.Err(w.err))
			e.bus.Publish(eventbus.Event{Type: eventbus.AccountFailed, Data: w.acct})
		}
	}
	if fatal != nil {
		return rep, fmt.Errorf("%w: %w", ErrFatal, fatal)
	}
	return rep, nil
}

// each runs fn for every item concurrently and waits for all of them.
// Request pacing is left to the rate limiter behind the API.
func (e *Engine) each(work []*accountWork, fn func(w *accountWork)) {
	var g errgroup.Group
	for _, w := range work {
		g.Go(func() error {
			fn(w)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) seed(ctx context.Context, w *accountWork) error {
	now := time.Now()
	wctx := context.WithoutCancel(ctx)
	if w.diff.SeedID == "" {
		return e.deps.Store.MarkPolled(wctx, w.key, now)
	}
	if err := e.deps.Store.SetLastSeen(wctx, w.key, w.diff.SeedID, now); err != nil {
		return err
	}
	w.log.Info("account seeded", logx.String("last_match_id", w.diff.SeedID))
	return nil
}

// dispatch emits every candidate oldest first, then advances the last-seen
// id. A match the provider no longer has is skipped; any other failure
// leaves the state untouched.
func (e *Engine) dispatch(ctx context.Context, cycleID string, w *accountWork) (int, error) {
	emitted := 0
	for _, id := range w.diff.Candidates {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		m, err := e.detail(ctx, w.key.Region, id)
		if riot.IsNotFound(err) {
			w.skipped++
			w.log.Warn("match detail not found; skipping", logx.String("match_id", id), logx.Err(err))
			e.bus.Publish(eventbus.Event{Type: eventbus.MatchNotFound, Data: id})
			continue
		}
		if err != nil {
			return emitted, fmt.Errorf("fetch %s: %w", id, err)
		}
		ev := model.MatchCompletedEvent{
			Account:    w.acct,
			Match:      m,
			CycleID:    cycleID,
			DetectedAt: time.Now(),
		}
		if err := e.deps.Emitter.Emit(ctx, ev); err != nil {
			return emitted, fmt.Errorf("emit %s: %w", id, err)
		}
		emitted++
	}
	newest := w.diff.Newest()
	if w.last != "" && !After(newest, w.last) {
		w.log.Warn("refusing to move last seen backwards",
			logx.String("last_match_id", w.last),
			logx.String("candidate", newest),
		)
		return emitted, e.deps.Store.MarkPolled(context.WithoutCancel(ctx), w.key, time.Now())
	}
	if err := e.deps.Store.SetLastSeen(context.WithoutCancel(ctx), w.key, newest, time.Now()); err != nil {
		return emitted, fmt.Errorf("set last seen: %w", err)
	}
	w.log.Info("new matches dispatched", logx.Int("count", emitted), logx.String("last_match_id", newest))
	return emitted, nil
}

// detail resolves a match through the cache, then a shared in-flight fetch,
// then the API.
func (e *Engine) detail(ctx context.Context, platform, matchID string) (model.MatchSummary, error) {
	if m, ok := e.deps.Store.GetCachedDetail(matchID); ok {
		return m, nil
	}
	v, err, _ := e.details.Do(matchID, func() (any, error) {
		if m, ok := e.deps.Store.GetCachedDetail(matchID); ok {
			return m, nil
		}
		m, err := e.deps.API.FetchMatchDetail(ctx, platform, matchID)
		if err != nil {
			return nil, err
		}
		e.deps.Store.PutCachedDetail(matchID, m)
		return m, nil
	})
	if err != nil {
		return model.MatchSummary{}, err
	}
	return v.(model.MatchSummary), nil
}

func (e *Engine) finish(rep *CycleReport, log logx.Logger) {
	rep.Took = time.Since(rep.StartedAt)
	e.setState(StateIdle)
	e.cycles.Add(1)

	r := *rep
	e.reportMu.Lock()
	e.lastReport = &r
	e.reportMu.Unlock()

	e.bus.Publish(eventbus.Event{Type: eventbus.PollCycleCompleted, Data: r})
	log.Info("poll cycle completed",
		logx.Int("accounts", r.Accounts),
		logx.Int("seeded", r.Seeded),
		logx.Int("emitted", r.Emitted),
		logx.Int("skipped", r.Skipped),
		logx.Int("failed", r.Failed),
		logx.Duration("took", r.Took),
	)
}
