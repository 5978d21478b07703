package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"matchwatch/internal/eventbus"
	"matchwatch/internal/task/scheduler"
	logx "matchwatch/pkg/logx"
)

const scheduleName = "poll-cycle"

// Engine runs poll cycles on a schedule.
type Engine struct {
	log  logx.Logger
	deps Deps
	bus  eventbus.Bus

	cfgMu sync.Mutex
	cfg   Config
	sched *scheduler.Service

	// cycleMu serialises cycles, including direct RunCycle calls.
	cycleMu sync.Mutex
	details singleflight.Group

	stateMu sync.Mutex
	state   State

	reportMu   sync.Mutex
	lastReport *CycleReport
	cycles     atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error

	// OnCycle is called after every cycle. Optional; set before Start.
	OnCycle func(CycleReport)
}

func New(cfg Config, deps Deps, log logx.Logger) (*Engine, error) {
	if deps.Accounts == nil || deps.API == nil || deps.Store == nil || deps.Emitter == nil {
		return nil, errors.New("poller: accounts, api, store and emitter are required")
	}
	cfg = cfg.withDefaults()
	if _, err := scheduler.ParseSchedule(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Engine{
		log:    log,
		deps:   deps,
		bus:    bus,
		cfg:    cfg,
		sched:  scheduler.New(scheduler.Config{Timezone: cfg.Timezone}, log.With(logx.String("comp", "scheduler"))),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start registers the cycle with the scheduler and begins triggering.
func (e *Engine) Start(ctx context.Context) error {
	if e.isStopped() {
		return ErrStopped
	}
	e.cfgMu.Lock()
	cfg := e.cfg
	e.cfgMu.Unlock()

	if err := e.register(cfg); err != nil {
		return err
	}
	e.sched.Start(ctx)
	e.log.Info("poller started", logx.String("schedule", cfg.Schedule), logx.Bool("run_on_start", cfg.RunOnStart))
	return nil
}

func (e *Engine) register(cfg Config) error {
	return e.sched.AddSchedule(scheduleName, cfg.Schedule, scheduler.Options{
		Timeout:    cfg.CycleTimeout,
		RunOnStart: cfg.RunOnStart,
	}, e.scheduledCycle)
}

// Reconfigure applies schedule, timezone and timeout changes. The running
// cycle is not interrupted; the next trigger uses the new schedule.
func (e *Engine) Reconfigure(cfg Config) error {
	cfg = cfg.withDefaults()
	if _, err := scheduler.ParseSchedule(cfg.Schedule); err != nil {
		return err
	}
	e.cfgMu.Lock()
	old := e.cfg
	e.cfg = cfg
	e.cfgMu.Unlock()

	e.sched.Apply(scheduler.Config{Timezone: cfg.Timezone})
	if old.Schedule != cfg.Schedule || old.CycleTimeout != cfg.CycleTimeout {
		cfg.RunOnStart = false
		if err := e.register(cfg); err != nil {
			return err
		}
		e.log.Info("poll schedule updated", logx.String("schedule", cfg.Schedule))
	}
	return nil
}

func (e *Engine) scheduledCycle(ctx context.Context) error {
	rep, err := e.RunCycle(ctx)
	if e.OnCycle != nil && rep.ID != "" {
		e.OnCycle(rep)
	}
	if errors.Is(err, ErrFatal) {
		e.halt(err)
	}
	return err
}

// Stop prevents new cycles, cancels the running cycle's waits and waits for
// its in-flight calls to finish, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	err := e.sched.Stop(ctx)

	locked := make(chan struct{})
	go func() {
		e.cycleMu.Lock()
		close(locked)
		e.cycleMu.Unlock()
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	e.setState(StateStopped)
	e.doneOnce.Do(func() { close(e.done) })
	e.log.Info("poller stopped")
	return err
}

// Done is closed when the engine stops or halts.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err reports the fatal error that halted the engine, if any.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *Engine) LastReport() (CycleReport, bool) {
	e.reportMu.Lock()
	defer e.reportMu.Unlock()
	if e.lastReport == nil {
		return CycleReport{}, false
	}
	return *e.lastReport, true
}

func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{State: e.State(), Cycles: e.cycles.Load()}
	if err := e.Err(); err != nil {
		snap.Halted = true
		snap.Err = err.Error()
	}
	if rep, ok := e.LastReport(); ok {
		snap.LastReport = &rep
	}
	return snap
}

// halt stops scheduling after a fatal error. It runs inside a scheduled
// cycle, so the scheduler is stopped asynchronously.
func (e *Engine) halt(err error) {
	e.errMu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.errMu.Unlock()

	e.stopOnce.Do(func() { close(e.stopCh) })
	e.setState(StateStopped)
	e.log.Error("poller halted", logx.Err(err))
	e.bus.Publish(eventbus.Event{Type: eventbus.PollHalted, Data: err.Error()})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = e.sched.Stop(ctx)
		e.doneOnce.Do(func() { close(e.done) })
	}()
}

func (e *Engine) isStopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) setState(to State) {
	e.stateMu.Lock()
	from := e.state
	if from == to || !canTransition(from, to) {
		e.stateMu.Unlock()
		if from != to && from != StateStopped {
			e.log.Warn("illegal poller transition", logx.String("from", from.String()), logx.String("to", to.String()))
		}
		return
	}
	e.state = to
	e.stateMu.Unlock()
	e.bus.Publish(eventbus.Event{Type: eventbus.PollStateChanged, Data: to.String()})
}
