package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets from the config file.
const (
	EnvRiotAPIKey     = "RIOT_API_KEY"
	EnvDiscordWebhook = "DISCORD_WEBHOOK_URL"
	EnvTelegramToken  = "TELEGRAM_TOKEN"
	EnvTelegramChatID = "TELEGRAM_CHAT_ID"
	EnvPostgresDSN    = "MATCHWATCH_DSN"
	EnvStatusToken    = "MATCHWATCH_STATUS_TOKEN"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// that are already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides secrets in cfg with non-empty environment values.
// Setting DISCORD_WEBHOOK_URL or TELEGRAM_TOKEN also enables that transport.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvRiotAPIKey); ok {
		cfg.Riot.APIKey = v
	}
	if v, ok := get(EnvDiscordWebhook); ok {
		cfg.Transports.Discord.WebhookURL = v
		cfg.Transports.Discord.Enabled = true
	}
	if v, ok := get(EnvTelegramToken); ok {
		cfg.Transports.Telegram.Token = v
		cfg.Transports.Telegram.Enabled = true
	}
	if v, ok := get(EnvTelegramChatID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q: %w", EnvTelegramChatID, v, err)
		}
		cfg.Transports.Telegram.ChatID = id
	}
	if v, ok := get(EnvPostgresDSN); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := get(EnvStatusToken); ok {
		cfg.Status.Token = v
	}
	return nil
}
