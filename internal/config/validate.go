package config

import (
	"errors"
	"fmt"
	"strings"

	"matchwatch/internal/task/scheduler"
)

// Validate reports every structural problem in cfg. It does not check
// secrets: a missing api key is a startup error, not a reload error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("riot.request_timeout", cfg.Riot.RequestTimeout)
	dur("riot.retry_base", cfg.Riot.RetryBase)
	dur("riot.retry_max_delay", cfg.Riot.RetryMaxDelay)
	if cfg.Riot.MatchCount < 0 || cfg.Riot.MatchCount > 100 {
		errs = append(errs, fmt.Errorf("riot.match_count: must be within 0..100, got %d", cfg.Riot.MatchCount))
	}

	for i, t := range cfg.RateLimit.Tiers {
		path := fmt.Sprintf("rate_limit.tiers[%d]", i)
		d, err := ParseDurationField(path+".window", t.Window)
		if err != nil {
			errs = append(errs, err)
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("%s.window: must be > 0", path))
		}
		if t.Max <= 0 {
			errs = append(errs, fmt.Errorf("%s.max: must be > 0", path))
		}
	}

	if strings.TrimSpace(cfg.Poller.Schedule) != "" {
		if _, err := scheduler.ParseSchedule(cfg.Poller.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("poller.schedule: %w", err))
		}
	}
	dur("poller.cycle_timeout", cfg.Poller.CycleTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	if d := cfg.Transports.Discord; d.Enabled && strings.TrimSpace(d.WebhookURL) == "" {
		errs = append(errs, errors.New("transports.discord.webhook_url: required when enabled"))
	}
	if tg := cfg.Transports.Telegram; tg.Enabled && (strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0) {
		errs = append(errs, errors.New("transports.telegram: token and chat_id required when enabled"))
	}

	dur("status.read_timeout", cfg.Status.ReadTimeout)
	dur("status.write_timeout", cfg.Status.WriteTimeout)
	dur("status.idle_timeout", cfg.Status.IdleTimeout)

	return errors.Join(errs...)
}
