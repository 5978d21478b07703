package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"matchwatch/internal/eventbus"
	"matchwatch/internal/model"
	"matchwatch/internal/retry"
	"matchwatch/internal/runtime/supervisor"
	"matchwatch/internal/transport"
	logx "matchwatch/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	ev  model.MatchCompletedEvent
	key string
	// until is the dedup reservation taken at enqueue time (zero without dedup).
	until time.Time
}

// Stats is a point-in-time view for /status.
type Stats struct {
	Enabled  bool     `json:"enabled"`
	Running  bool     `json:"running"`
	Queued   int      `json:"queued"`
	QueueCap int      `json:"queue_cap"`
	Senders  []string `json:"senders"`
	Sent     uint64   `json:"sent"`
	Failed   uint64   `json:"failed"`
	Deduped  uint64   `json:"deduped"`
	Dropped  uint64   `json:"dropped"`
	History  int      `json:"history"`
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use and satisfies poller.Emitter.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	senders []transport.Sender
	bus     eventbus.Bus
	store   DedupStore

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *supervisor.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent, failed, deduped, dropped atomic.Uint64
}

// New builds a stopped service. store may be nil; PersistDedup is then ignored.
func New(cfg Config, senders []transport.Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		senders: append([]transport.Sender(nil), senders...),
		log:     log,
		bus:     bus,
		store:   store,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config. Rate, retry and dedup settings take effect on the
// next send; Workers and QueueSize on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSenders replaces the destinations used by subsequent sends.
func (s *Service) SetSenders(senders []transport.Sender) {
	s.mu.Lock()
	s.senders = append([]transport.Sender(nil), senders...)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Start is idempotent.
	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// delivery is best-effort; a broken worker must not take down the app.
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.loopExit(c)
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Int("senders", len(s.senderNames())))
}

// loopExit maps a returned loop to a supervisor result: clean on shutdown,
// an error (and thus a restart) otherwise.
func (s *Service) loopExit(c context.Context) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return nil
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New("notifier worker exited unexpectedly")
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain it.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
			sup.Cancel()
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("notifier stop timed out; pending notifications dropped", logx.Err(ctx.Err()))
	}
}

// Emit enqueues ev without blocking. A duplicate within the dedup window is
// dropped silently and reported as delivered.
func (s *Service) Emit(ctx context.Context, ev model.MatchCompletedEvent) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup
	st := s.store
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := ev.DedupKey()
	var until time.Time
	if window > 0 {
		var ok bool
		until, ok = s.dedupReserve(ctx, key, window, maxEntries, persist, st)
		if !ok {
			s.deduped.Add(1)
			s.publish(eventbus.NotifierDeduped, ev, key, "", nil)
			s.log.Debug("notification deduped", logx.String("key", key))
			return nil
		}
	}

	select {
	case q <- job{ev: ev, key: key, until: until}:
		s.publish(eventbus.NotifierQueued, ev, key, "", nil)
		return nil
	default:
		if window > 0 {
			s.dedupRelease(key, until)
		}
		s.dropped.Add(1)
		s.publish(eventbus.NotifierDropped, ev, key, "", ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns the recently delivered notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Enabled: s.cfg.Enabled,
		Running: s.queue != nil && s.accepting,
		Senders: s.senderNamesLocked(),
	}
	if s.queue != nil {
		st.Queued = len(s.queue)
		st.QueueCap = cap(s.queue)
	}
	s.mu.Unlock()

	st.Sent = s.sent.Load()
	st.Failed = s.failed.Load()
	st.Deduped = s.deduped.Load()
	st.Dropped = s.dropped.Load()
	s.hmu.Lock()
	st.History = len(s.history)
	s.hmu.Unlock()
	return st
}

func (s *Service) senderNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senderNamesLocked()
}

func (s *Service) senderNamesLocked() []string {
	out := make([]string, 0, len(s.senders))
	for _, snd := range s.senders {
		out = append(out, snd.Name())
	}
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev model.MatchCompletedEvent, key, sender string, err error) {
	now := time.Now()
	data := NotificationEvent{
		Key:     key,
		Account: ev.Account.Key().String(),
		MatchID: ev.Match.MatchID,
		Sender:  sender,
		At:      now,
	}
	if err != nil {
		data.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: data})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends one event to every sender. A sender failure does not affect
// the others; the event counts as sent when at least one sender succeeded.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	senders := s.senders
	st := s.store
	persist := cfg.PersistDedup
	s.mu.Unlock()

	msg := FormatMatch(j.ev)
	log := s.log.With(logx.String("key", j.key), logx.String("match", j.ev.Match.MatchID))
	if len(senders) == 0 {
		log.Info("match completed", logx.String("title", msg.Title), logx.String("text", msg.Text))
		return
	}

	var delivered []string
	for _, snd := range senders {
		err := s.sendOne(ctx, cfg, lim, snd, msg, log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.failed.Add(1)
			log.Warn("notification failed", logx.String("sender", snd.Name()), logx.Err(err))
			s.publish(eventbus.NotifierFailed, j.ev, j.key, snd.Name(), err)
			continue
		}
		delivered = append(delivered, snd.Name())
		s.publish(eventbus.NotifierSent, j.ev, j.key, snd.Name(), nil)
	}
	if len(delivered) == 0 {
		return
	}

	s.sent.Add(1)
	s.appendHistory(HistoryItem{At: time.Now(), Key: j.key, Title: msg.Title, Senders: delivered})
	if persist && st != nil && !j.until.IsZero() {
		// Outlives a shutdown cancel: the send already happened.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := st.PutDedup(pctx, j.key, j.until); err != nil {
			log.Warn("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
}

func (s *Service) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, snd transport.Sender, msg transport.Message, log logx.Logger) error {
	p := retry.Policy{
		MaxAttempts: 1 + cfg.RetryMax,
		Base:        cfg.RetryBase,
		MaxDelay:    cfg.RetryMaxDelay,
		OnRetry: func(attempt int, o retry.Outcome, wait time.Duration) {
			log.Debug("notify send retry",
				logx.String("sender", snd.Name()),
				logx.Int("attempt", attempt),
				logx.String("kind", o.Kind.String()),
				logx.Duration("wait", wait),
				logx.Err(o.Err))
		},
	}
	return retry.Do(ctx, p, func(ctx context.Context, _ int) retry.Outcome {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return retry.Fail(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		return retry.Classify(snd.Send(callCtx, msg))
	})
}

// dedupReserve claims key for window unless an unexpired claim exists in
// memory or, with persist, in the store.
func (s *Service) dedupReserve(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, st DedupStore) (time.Time, bool) {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return time.Time{}, false
	}
	s.dmu.Unlock()

	// Cross-restart check.
	if persist && st != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 250*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err != nil {
			s.log.Debug("dedup lookup failed", logx.String("key", key), logx.Err(err))
		}
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return time.Time{}, false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	defer s.dmu.Unlock()
	// Re-check: a concurrent Emit may have claimed it meanwhile.
	if cur, ok := s.dedup[key]; ok && now.Before(cur) {
		return time.Time{}, false
	}
	s.dedup[key] = until
	s.pruneLocked(now, maxEntries)
	return until, true
}

// dedupRelease drops a reservation whose event never made it into the queue.
func (s *Service) dedupRelease(key string, until time.Time) {
	s.dmu.Lock()
	if cur, ok := s.dedup[key]; ok && cur.Equal(until) {
		delete(s.dedup, key)
	}
	s.dmu.Unlock()
}

func (s *Service) pruneLocked(now time.Time, maxEntries int) {
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if !set {
			break
		}
		delete(s.dedup, minKey)
	}
}
