package config

import (
	"reflect"
	"sort"
	"strings"

	logx "matchwatch/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"riot":       true,
	"rate_limit": true,
	"storage":    true,
}

// RequiresRestart filters changed down to sections applied only at startup.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets are reported only as "_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if oldCfg.Riot != newCfg.Riot {
		r := newCfg.Riot
		changed = append(changed, "riot")
		attrs = append(attrs,
			logx.Bool("riot.api_key_set", set(r.APIKey)),
			logx.String("riot.request_timeout", r.RequestTimeout),
			logx.Int("riot.match_count", r.MatchCount),
			logx.Int("riot.max_rate_limit_retries", r.MaxRateLimitRetries),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs, logx.Int("rate_limit.tiers", len(newCfg.RateLimit.Tiers)))
	}

	if oldCfg.Poller != newCfg.Poller {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.String("poller.schedule", newCfg.Poller.Schedule),
			logx.Bool("poller.run_on_start", newCfg.Poller.RunOnStart),
			logx.String("poller.timezone", newCfg.Poller.Timezone),
			logx.String("poller.cycle_timeout", newCfg.Poller.CycleTimeout),
		)
	}

	if ns := newCfg.Storage; oldCfg.Storage != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", set(ns.Path)),
			logx.Bool("storage.dsn_set", set(ns.DSN)),
			logx.Int("storage.detail_cache_size", ns.DetailCacheSize),
		)
	}

	// Nil means runtime defaults.
	oldN, newN := DefaultNotifier(), DefaultNotifier()
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.String("notifier.dedup_window", newN.DedupWindow),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	if oldCfg.Transports != newCfg.Transports {
		t := newCfg.Transports
		changed = append(changed, "transports")
		attrs = append(attrs,
			logx.Bool("transports.discord", t.Discord.Enabled),
			logx.Bool("transports.discord.url_set", set(t.Discord.WebhookURL)),
			logx.Bool("transports.telegram", t.Telegram.Enabled),
			logx.Bool("transports.telegram.token_set", set(t.Telegram.Token)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.alert_enabled", l.Alert.Enabled),
		)
	}

	if oldCfg.Status != newCfg.Status {
		s := newCfg.Status
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", s.Enabled),
			logx.String("status.addr", s.Addr),
			logx.Bool("status.token_set", set(s.Token)),
			logx.Bool("status.allow_insecure", s.AllowInsecure),
			logx.Bool("status.pprof", s.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
