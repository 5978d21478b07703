package app

import (
	"context"
	"strings"
	"time"

	"matchwatch/internal/config"
	"matchwatch/internal/eventbus"
	logx "matchwatch/pkg/logx"
)

// reloadLoop applies published configs until ctx is done.
func (a *App) reloadLoop(c context.Context, sub <-chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the live-reloadable sections into the running
// components. Sections that need a restart are only reported.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that apply on restart only", logx.String("sections", strings.Join(restart, ",")))
	}

	var failed []string
	senders, err := buildSenders(newCfg)
	if err != nil {
		a.log.Warn("invalid transports config; keeping previous", logx.Err(err))
		failed = append(failed, "transports")
	} else {
		a.logs.SetAlertSender(alertSender(senders))
		a.notif.SetSenders(senders)
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		failed = append(failed, "notifier")
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	if pcfg, err := mapPollerConfig(newCfg); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
		failed = append(failed, "poller")
	} else if err := a.engine.Reconfigure(pcfg); err != nil {
		a.log.Warn("poller reconfigure failed", logx.Err(err))
		failed = append(failed, "poller")
	}

	if stc, err := mapStatusConfig(newCfg); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
		failed = append(failed, "status")
	} else {
		a.status.Reconfigure(c, stc)
	}

	if len(failed) > 0 {
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloadInvalid, Data: failed})
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	a.log.Info("config reloaded", fields...)
}
