package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"matchwatch/internal/config"
	"matchwatch/internal/model"
	"matchwatch/internal/poller"
	"matchwatch/internal/ratelimit"
	"matchwatch/internal/storage"
	logx "matchwatch/pkg/logx"
)

// fakeRiot serves the account, match-ids and match-detail endpoints.
type fakeRiot struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRiot) setIDs(ids ...string) {
	f.mu.Lock()
	f.ids = ids
	f.mu.Unlock()
}

func (f *fakeRiot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Riot-Token") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch p := r.URL.Path; {
	case strings.HasPrefix(p, "/riot/account/v1/accounts/by-riot-id/"):
		parts := strings.Split(strings.TrimPrefix(p, "/riot/account/v1/accounts/by-riot-id/"), "/")
		if len(parts) != 2 || parts[0] == "Nobody" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"puuid": "puuid-" + strings.ToLower(parts[0]), "gameName": parts[0], "tagLine": parts[1],
		})
	case strings.HasSuffix(p, "/ids"):
		f.mu.Lock()
		ids := append([]string{}, f.ids...)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(ids)
	case strings.HasPrefix(p, "/lol/match/v5/matches/"):
		id := strings.TrimPrefix(p, "/lol/match/v5/matches/")
		fmt.Fprintf(w, `{"metadata":{"matchId":%q},"info":{"queueId":420,"gameDuration":1865,
			"gameEndTimestamp":1700000000000,"participants":[{"puuid":"puuid-faker","riotIdGameName":"Faker",
			"riotIdTagline":"KR1","championName":"Ahri","teamPosition":"MIDDLE","win":true,"kills":7,"deaths":1,"assists":9}]}}`, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeTestConfig(t *testing.T, dir, baseURL string, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`{
  "riot": {"api_key": "RGAPI-test", "base_url": %q, "retry_base": "1ms", "retry_max_delay": "5ms"},
  "poller": {"schedule": "1h", "run_on_start": true},
  "storage": {"driver": "sqlite", "path": %q},
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}}%s
}`, baseURL, filepath.Join(dir, "mw.db"), extra)
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func seedAccount(t *testing.T, dir string, acct model.TrackedAccount) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(dir, "mw.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer st.Close()
	if err := st.AddTrackedAccount(context.Background(), acct); err != nil {
		t.Fatalf("add account: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAppSeedsThenEmitsAndStops(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRiot{}
	fr.setIDs("EUW1_2", "EUW1_1")
	srv := httptest.NewServer(fr)
	defer srv.Close()

	acct := model.TrackedAccount{ProviderID: "puuid-faker", Region: "EUW1", DisplayName: "Faker#KR1"}
	seedAccount(t, dir, acct)

	a, err := NewApp(writeTestConfig(t, dir, srv.URL, ""))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	var states []string
	var smu sync.Mutex
	a.sd.notify = func(state string) (bool, error) {
		smu.Lock()
		states = append(states, state)
		smu.Unlock()
		return true, nil
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "first cycle", func() bool {
		_, ok := a.engine.LastReport()
		return ok
	})

	ctx := context.Background()
	ls, ok, err := a.store.GetLastSeen(ctx, acct.Key())
	if err != nil || !ok || ls.MatchID() != "EUW1_2" {
		t.Fatalf("after seed: last seen=%q ok=%v err=%v", ls.MatchID(), ok, err)
	}
	if rep, _ := a.engine.LastReport(); rep.Emitted != 0 || rep.Seeded != 1 {
		t.Fatalf("first cycle report = %+v, want seeded=1 emitted=0", rep)
	}

	fr.setIDs("EUW1_4", "EUW1_3", "EUW1_2", "EUW1_1")
	rep, err := a.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Emitted != 2 {
		t.Fatalf("emitted = %d, want 2", rep.Emitted)
	}
	ls, _, _ = a.store.GetLastSeen(ctx, acct.Key())
	if ls.MatchID() != "EUW1_4" {
		t.Fatalf("last seen = %q, want EUW1_4", ls.MatchID())
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err after stop = %v", err)
	}
	if st := a.engine.State(); st != poller.StateStopped {
		t.Fatalf("poller state = %v, want stopped", st)
	}

	smu.Lock()
	defer smu.Unlock()
	joined := strings.Join(states, "\n")
	for _, want := range []string{"READY=1", "STATUS=cycle", "STOPPING=1"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("sd_notify states %q missing %q", states, want)
		}
	}
}

func TestApplyConfigTogglesNotifier(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(&fakeRiot{})
	defer srv.Close()

	a, err := NewApp(writeTestConfig(t, dir, srv.URL, ""))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	a.sd.notify = func(string) (bool, error) { return false, nil }
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopSIGINT)
	}()

	if !a.notif.Enabled() {
		t.Fatalf("notifier should default to enabled")
	}
	old := a.cfgm.Get()
	next := *old
	next.Notifier = &config.NotifierConfig{Enabled: false}
	next.Poller.Schedule = "30m"
	a.applyConfig(a.sup.Context(), old, &next)

	if a.notif.Enabled() {
		t.Fatalf("notifier still enabled after reload")
	}
	if st := a.notif.Stats(); st.Running {
		t.Fatalf("notifier still running after reload: %+v", st)
	}
	// A disabled notifier turns emits into log lines.
	if err := a.emit(context.Background(), model.MatchCompletedEvent{Match: model.MatchSummary{MatchID: "X"}}); err != nil {
		t.Fatalf("emit while disabled = %v", err)
	}
}

func TestRegistryTrackListUntrack(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRiot{}
	srv := httptest.NewServer(fr)
	defer srv.Close()

	r, err := OpenRegistry(writeTestConfig(t, dir, srv.URL, ""))
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer r.Close()
	ctx := context.Background()

	acct, err := r.Track(ctx, "Faker#KR1", "euw1")
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if acct.ProviderID != "puuid-faker" || acct.Region != "EUW1" || acct.DisplayName != "Faker#KR1" {
		t.Fatalf("tracked = %+v", acct)
	}
	if _, err := r.Track(ctx, "Caps#EUW", "EUW1"); err != nil {
		t.Fatalf("Track second: %v", err)
	}

	for _, tc := range []struct {
		name, id, platform string
	}{
		{"bad platform", "Faker#KR1", "XX9"},
		{"missing tag", "Faker", "EUW1"},
		{"unknown account", "Nobody#000", "EUW1"},
	} {
		if _, err := r.Track(ctx, tc.id, tc.platform); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Account.DisplayName != "Caps#EUW" || list[0].LastSeen != nil {
		t.Fatalf("list = %+v", list)
	}

	if _, err := r.Untrack(ctx, "faker#kr1", ""); err != nil {
		t.Fatalf("Untrack: %v", err)
	}
	if _, err := r.Untrack(ctx, "faker#kr1", ""); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("second Untrack err = %v, want ErrUnknownAccount", err)
	}
	list, _ = r.List(ctx)
	if len(list) != 1 {
		t.Fatalf("list after untrack = %+v", list)
	}
}

func TestConfigMapping(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}

	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.Path != defaultDBPath {
		t.Fatalf("storage defaults = %+v, %v", sc, err)
	}
	tiers, err := mapRateTiers(cfg)
	if err != nil || len(tiers) != len(ratelimit.DefaultTiers()) {
		t.Fatalf("default tiers = %v, %v", tiers, err)
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil || !nc.Enabled || nc.DedupWindow != 24*time.Hour {
		t.Fatalf("notifier defaults = %+v, %v", nc, err)
	}
	stc, err := mapStatusConfig(cfg)
	if err != nil || stc.Addr != "127.0.0.1:8089" || stc.Enabled {
		t.Fatalf("status defaults = %+v, %v", stc, err)
	}

	cfg.RateLimit.Tiers = []config.RateTier{{Window: "1s", Max: 5}, {Window: "2m", Max: 50}}
	cfg.Riot.MatchCount = 30
	cfg.Poller.CycleTimeout = "45s"
	tiers, _ = mapRateTiers(cfg)
	if tiers[1].Window != 2*time.Minute || tiers[1].Max != 50 {
		t.Fatalf("tiers = %v", tiers)
	}
	pc, err := mapPollerConfig(cfg)
	if err != nil || pc.MatchCount != 30 || pc.CycleTimeout != 45*time.Second {
		t.Fatalf("poller = %+v, %v", pc, err)
	}

	cfg.Poller.CycleTimeout = "soon"
	if _, err := mapPollerConfig(cfg); err == nil {
		t.Fatalf("expected bad duration error")
	}
}

func TestBuildSenders(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	if s, err := buildSenders(cfg); err != nil || len(s) != 0 || alertSender(s) != nil {
		t.Fatalf("no transports: %v, %v", s, err)
	}

	cfg.Transports.Discord = config.DiscordConfig{Enabled: true, WebhookURL: "https://discord.invalid/api/webhooks/1/x"}
	cfg.Transports.Telegram = config.TelegramConfig{Enabled: true, Token: "123:abc", ChatID: -100}
	s, err := buildSenders(cfg)
	if err != nil {
		t.Fatalf("buildSenders: %v", err)
	}
	if len(s) != 2 || s[0].Name() != "telegram" || s[1].Name() != "discord" {
		t.Fatalf("senders order wrong: %v", s)
	}
	if alertSender(s).Name() != "telegram" {
		t.Fatalf("alerts should prefer telegram")
	}

	cfg.Transports.Telegram.ChatID = 0
	if _, err := buildSenders(cfg); err == nil {
		t.Fatalf("expected telegram config error")
	}
}
