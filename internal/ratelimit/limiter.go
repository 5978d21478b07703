// Package ratelimit arbitrates outbound API calls across several sliding windows.
//
// A Limiter is shared by every caller of the provider API. A call is admitted
// only when every configured window has headroom and any provider-imposed
// retry-after floor has passed; admission is recorded in all windows at once.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "matchwatch/pkg/logx"
)

var ErrInvalidTier = errors.New("ratelimit: invalid tier")

// Tier is one limiting window: at most Max admissions in any rolling Window.
type Tier struct {
	Window time.Duration
	Max    int
}

func (t Tier) String() string { return fmt.Sprintf("%d/%s", t.Max, t.Window) }

// DefaultTiers matches a Riot development key.
func DefaultTiers() []Tier {
	return []Tier{
		{Window: time.Second, Max: 20},
		{Window: 2 * time.Minute, Max: 100},
	}
}

// TierSnapshot is a point-in-time view of one window.
type TierSnapshot struct {
	Window time.Duration `json:"window"`
	Max    int           `json:"max"`
	Used   int           `json:"used"`
}

type Snapshot struct {
	Tiers    []TierSnapshot `json:"tiers"`
	Floor    time.Time      `json:"floor,omitempty"`
	Admitted uint64         `json:"admitted"`
	Waiting  int            `json:"waiting"`
}

type Option func(*Limiter)

func WithLogger(log logx.Logger) Option { return func(l *Limiter) { l.log = log } }

// window keeps the admission timestamps of one tier in a ring of size Max.
type window struct {
	tier  Tier
	times []time.Time // ring buffer, oldest at head
	head  int
	n     int
}

func newWindow(t Tier) *window {
	return &window{tier: t, times: make([]time.Time, t.Max)}
}

func (w *window) purge(now time.Time) {
	for w.n > 0 {
		oldest := w.times[w.head]
		if now.Sub(oldest) < w.tier.Window {
			return
		}
		w.head = (w.head + 1) % len(w.times)
		w.n--
	}
}

// wait returns how long until one slot frees, 0 if one is free now.
func (w *window) wait(now time.Time) time.Duration {
	if w.n < w.tier.Max {
		return 0
	}
	return w.times[w.head].Add(w.tier.Window).Sub(now)
}

func (w *window) record(now time.Time) {
	idx := (w.head + w.n) % len(w.times)
	w.times[idx] = now
	w.n++
}

// Limiter is safe for concurrent use.
type Limiter struct {
	log logx.Logger

	// turn serialises admission. Blocked senders on a channel are queued
	// FIFO by the runtime, so every waiter is eventually served.
	turn chan struct{}

	mu       sync.Mutex
	windows  []*window
	floor    time.Time
	admitted uint64
	waiting  int

	waitLog rate.Sometimes
}

func New(tiers []Tier, opts ...Option) (*Limiter, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one tier required", ErrInvalidTier)
	}
	l := &Limiter{
		turn:    make(chan struct{}, 1),
		waitLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, t := range tiers {
		if t.Window <= 0 || t.Max <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTier, t)
		}
		l.windows = append(l.windows, newWindow(t))
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	return l, nil
}

// Acquire blocks until a call may proceed and reserves one unit in every window.
// It returns ctx.Err() if ctx ends first; nothing is reserved in that case.
func (l *Limiter) Acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l.mu.Lock()
	l.waiting++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.waiting--
		l.mu.Unlock()
	}()

	select {
	case l.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.turn }()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		d := l.tryAdmit(time.Now())
		if d <= 0 {
			return nil
		}
		l.waitLog.Do(func() {
			l.log.Debug("rate limit wait", logx.Duration("wait", d))
		})
		if timer == nil {
			timer = time.NewTimer(d)
		} else {
			timer.Reset(d)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAdmit records an admission and returns 0, or returns how long to wait.
func (l *Limiter) tryAdmit(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	var wait time.Duration
	if now.Before(l.floor) {
		wait = l.floor.Sub(now)
	}
	for _, w := range l.windows {
		w.purge(now)
		if d := w.wait(now); d > wait {
			wait = d
		}
	}
	if wait > 0 {
		return wait
	}
	for _, w := range l.windows {
		w.record(now)
	}
	l.admitted++
	return 0
}

// RetryAfter sets a hard floor: nothing is admitted before now+d.
// A floor never moves backwards.
func (l *Limiter) RetryAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	if until.After(l.floor) {
		l.floor = until
	}
	l.mu.Unlock()
	l.log.Warn("provider rate limit; admissions paused", logx.Duration("retry_after", d))
}

func (l *Limiter) Snapshot() Snapshot {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{Admitted: l.admitted, Waiting: l.waiting}
	if now.Before(l.floor) {
		snap.Floor = l.floor
	}
	for _, w := range l.windows {
		w.purge(now)
		snap.Tiers = append(snap.Tiers, TierSnapshot{Window: w.tier.Window, Max: w.tier.Max, Used: w.n})
	}
	return snap
}
