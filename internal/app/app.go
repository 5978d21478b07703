package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matchwatch/internal/config"
	"matchwatch/internal/eventbus"
	"matchwatch/internal/model"
	"matchwatch/internal/notifier"
	"matchwatch/internal/observability/status"
	"matchwatch/internal/poller"
	"matchwatch/internal/ratelimit"
	"matchwatch/internal/riot"
	"matchwatch/internal/runtime/supervisor"
	"matchwatch/internal/storage"
	logx "matchwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   *sdNotifier

	store   *storage.Store
	limiter *ratelimit.Limiter
	client  *riot.Client
	engine  *poller.Engine
	notif   *notifier.Service
	status  *status.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	senders, err := buildSenders(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg), alertSender(senders))
	appLog := log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     eventbus.New(),
		sd:      newSDNotifier(log.With(logx.String("comp", "systemd"))),
	}
	// Close whatever was opened if a later step fails.
	ok := false
	defer func() {
		if !ok {
			if a.store != nil {
				_ = a.store.Close()
			}
			_ = logSvc.Close()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", a.store.Driver()))

	tiers, err := mapRateTiers(cfg)
	if err != nil {
		return nil, err
	}
	a.limiter, err = ratelimit.New(tiers, ratelimit.WithLogger(log.With(logx.String("comp", "ratelimit"))))
	if err != nil {
		return nil, err
	}

	rc, err := mapRiotConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.client, err = riot.New(rc, a.limiter, riot.WithLogger(log.With(logx.String("comp", "riot"))))
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, senders, log.With(logx.String("comp", "notifier")), a.bus, a.store)

	pcfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine, err = poller.New(pcfg, poller.Deps{
		Accounts: a.store,
		API:      a.client,
		Store:    a.store,
		Emitter:  poller.EmitterFunc(a.emit),
		Bus:      a.bus,
	}, log.With(logx.String("comp", "poller")))
	if err != nil {
		return nil, err
	}
	a.engine.OnCycle = a.sd.Cycle

	stc, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.status = status.New(stc, status.Sources{
		Poller:   a.engine.Snapshot,
		Limiter:  a.limiter.Snapshot,
		API:      a.client.Metrics,
		Notifier: a.notif.Stats,
		Runtime:  a.runtimeSnapshot,
	}, log.With(logx.String("comp", "status")))

	ok = true
	return a, nil
}

// emit hands a new match to the notifier, or only logs it while the
// notifier is disabled.
func (a *App) emit(ctx context.Context, ev model.MatchCompletedEvent) error {
	if a.notif.Enabled() {
		return a.notif.Emit(ctx, ev)
	}
	a.log.Info("match completed",
		logx.String("account", ev.Account.Key().String()),
		logx.String("match_id", ev.Match.MatchID),
		logx.String("cycle", ev.CycleID),
	)
	return nil
}

func (a *App) runtimeSnapshot() supervisor.Snapshot {
	if a.sup == nil {
		return supervisor.Snapshot{}
	}
	return a.sup.Snapshot()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: everything NewApp maps must map again
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapPollerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStatusConfig(cfg); err != nil {
			return err
		}
		_, err := buildSenders(cfg)
		return err
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.status.Enabled() {
		a.status.Start(a.sup.Context())
	}
	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}

	// A halted poller ends the process; nothing else can make progress.
	a.sup.Go("poller.watch", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case <-a.engine.Done():
			if err := a.engine.Err(); err != nil {
				return err
			}
			return nil
		}
	})

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("metrics.log", func(c context.Context) { a.logMetrics(c, time.Minute) })
	a.sup.Go0("systemd.watchdog", a.sd.watchdog)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// logMetrics reports request volume and limiter pressure every interval.
func (a *App) logMetrics(c context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.Done():
			return
		case now := <-t.C:
			m := a.client.Metrics()
			ls := a.limiter.Snapshot()
			ns := a.notif.Stats()
			a.log.Info("metrics",
				logx.Uint64("requests", m.Requests),
				logx.Float64("requests_per_min", m.PerMinute(now)),
				logx.Uint64("rate_limited", m.RateLimited),
				logx.Uint64("failures", m.Failures),
				logx.Int("limiter_waiting", ls.Waiting),
				logx.Int("notify_queued", ns.Queued),
				logx.Uint64("notify_sent", ns.Sent),
				logx.Int("cached_details", a.store.CachedDetails()),
			)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late return is logged as a leak signal.
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline",
					logx.String("name", name),
					logx.Err(err),
					logx.Duration("took", time.Since(start)),
				)
			}()
		}
	}

	// The poller goes first so no event is emitted into a stopping notifier.
	// In-flight store writes finish before Stop returns.
	step("poller", 5*time.Second, func(c context.Context) error {
		if err := a.engine.Stop(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	step("status", 1*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	// Notifier workers run on the app context; drain them before cancelling it.
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, loggers).
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, poller.ErrFatal) {
			// already reported by the poller
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
