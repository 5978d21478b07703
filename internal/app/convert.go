package app

import (
	"fmt"
	"strings"
	"time"

	"matchwatch/internal/config"
	"matchwatch/internal/notifier"
	"matchwatch/internal/observability/status"
	"matchwatch/internal/poller"
	"matchwatch/internal/ratelimit"
	"matchwatch/internal/riot"
	"matchwatch/internal/storage"
	"matchwatch/internal/transport"
	"matchwatch/internal/transport/discord"
	"matchwatch/internal/transport/telegram"
	logx "matchwatch/pkg/logx"
)

const defaultDBPath = "./data/matchwatch.db"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:   l.Alert.Enabled,
			MinLevel:  l.Alert.MinLevel,
			PerMinute: l.Alert.PerMinute,
		},
	}
}

func mapRiotConfig(cfg *config.Config) (riot.Config, error) {
	r := cfg.Riot
	timeout, err := config.ParseDurationField("riot.request_timeout", r.RequestTimeout)
	if err != nil {
		return riot.Config{}, err
	}
	base, err := config.ParseDurationField("riot.retry_base", r.RetryBase)
	if err != nil {
		return riot.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("riot.retry_max_delay", r.RetryMaxDelay)
	if err != nil {
		return riot.Config{}, err
	}
	// Zero values fall back to the client defaults.
	return riot.Config{
		APIKey:              r.APIKey,
		BaseURL:             r.BaseURL,
		RequestTimeout:      timeout,
		MatchCount:          r.MatchCount,
		MaxAttempts:         r.RetryMaxAttempts,
		RetryBase:           base,
		RetryMaxDelay:       maxDelay,
		MaxRateLimitRetries: r.MaxRateLimitRetries,
	}, nil
}

func mapRateTiers(cfg *config.Config) ([]ratelimit.Tier, error) {
	if len(cfg.RateLimit.Tiers) == 0 {
		return ratelimit.DefaultTiers(), nil
	}
	tiers := make([]ratelimit.Tier, 0, len(cfg.RateLimit.Tiers))
	for i, t := range cfg.RateLimit.Tiers {
		w, err := config.ParseDurationField(fmt.Sprintf("rate_limit.tiers[%d].window", i), t.Window)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, ratelimit.Tier{Window: w, Max: t.Max})
	}
	return tiers, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	p := cfg.Poller
	timeout, err := config.ParseDurationField("poller.cycle_timeout", p.CycleTimeout)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		Schedule:     strings.TrimSpace(p.Schedule),
		RunOnStart:   p.RunOnStart,
		Timezone:     strings.TrimSpace(p.Timezone),
		CycleTimeout: timeout,
		MatchCount:   cfg.Riot.MatchCount,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(s.Path)
	if path == "" && driver == "sqlite" {
		path = defaultDBPath
	}
	return storage.Config{
		Driver:          driver,
		Path:            path,
		DSN:             s.DSN,
		BusyTimeout:     busy,
		DetailCacheSize: s.DetailCacheSize,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	s := cfg.Status
	rt, err := config.ParseDurationOrDefault("status.read_timeout", s.ReadTimeout, 10*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	wt, err := config.ParseDurationField("status.write_timeout", s.WriteTimeout)
	if err != nil {
		return status.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("status.idle_timeout", s.IdleTimeout, 60*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	addr := strings.TrimSpace(s.Addr)
	if addr == "" {
		addr = "127.0.0.1:8089"
	}
	return status.Config{
		Enabled:       s.Enabled,
		Addr:          addr,
		Token:         s.Token,
		AllowInsecure: s.AllowInsecure,
		Pprof:         s.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

// buildSenders returns the enabled transports, Telegram first.
func buildSenders(cfg *config.Config) ([]transport.Sender, error) {
	var out []transport.Sender
	if t := cfg.Transports.Telegram; t.Enabled {
		s, err := telegram.New(telegram.Config{Token: t.Token, ChatID: t.ChatID, ThreadID: t.ThreadID})
		if err != nil {
			return nil, fmt.Errorf("transports.telegram: %w", err)
		}
		out = append(out, s)
	}
	if d := cfg.Transports.Discord; d.Enabled {
		var opts []discord.Option
		if strings.TrimSpace(d.Username) != "" {
			opts = append(opts, discord.WithUsername(d.Username))
		}
		s, err := discord.New(d.WebhookURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("transports.discord: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// alertSender picks the log alert destination; nil disables alerts.
func alertSender(senders []transport.Sender) transport.Sender {
	if len(senders) == 0 {
		return nil
	}
	return senders[0]
}
