package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"matchwatch/internal/config"
	"matchwatch/internal/model"
	"matchwatch/internal/ratelimit"
	"matchwatch/internal/riot"
	"matchwatch/internal/storage"
	logx "matchwatch/pkg/logx"
)

var ErrUnknownAccount = errors.New("account is not tracked")

// Registry adds and removes tracked accounts without running the daemon.
// With the file driver it must not run next to a live daemon; sqlite and
// postgres handle the concurrent writer.
type Registry struct {
	log    logx.Logger
	store  *storage.Store
	client *riot.Client
}

func OpenRegistry(cfgPath string) (*Registry, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "registry"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	tiers, err := mapRateTiers(cfg)
	if err != nil {
		return nil, err
	}
	lim, err := ratelimit.New(tiers, ratelimit.WithLogger(log))
	if err != nil {
		return nil, err
	}
	rc, err := mapRiotConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := riot.New(rc, lim, riot.WithLogger(log))
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &Registry{log: log, store: store, client: client}, nil
}

func (r *Registry) Close() error { return r.store.Close() }

// Track resolves "Name#TAG" on platform and registers the account. Tracking
// an account again only refreshes its display name.
func (r *Registry) Track(ctx context.Context, riotID, platform string) (model.TrackedAccount, error) {
	platform = strings.ToUpper(strings.TrimSpace(platform))
	if !riot.ValidPlatform(platform) {
		return model.TrackedAccount{}, fmt.Errorf("unknown platform %q", platform)
	}
	name, tag, ok := riot.SplitRiotID(riotID)
	if !ok {
		return model.TrackedAccount{}, fmt.Errorf("riot id %q: expected Name#TAG", riotID)
	}
	acct, err := r.client.ResolveAccount(ctx, name, tag, platform)
	if err != nil {
		return model.TrackedAccount{}, err
	}
	ta := model.TrackedAccount{ProviderID: acct.PUUID, Region: platform, DisplayName: acct.RiotID()}
	if err := r.store.AddTrackedAccount(ctx, ta); err != nil {
		return model.TrackedAccount{}, err
	}
	r.log.Info("account tracked", logx.String("account", ta.Key().String()), logx.String("name", ta.DisplayName))
	return ta, nil
}

// Untrack removes the account whose display name (case-insensitive) or
// provider id matches ref. An empty platform matches any region.
func (r *Registry) Untrack(ctx context.Context, ref, platform string) (model.TrackedAccount, error) {
	accts, err := r.store.ListTrackedAccounts(ctx)
	if err != nil {
		return model.TrackedAccount{}, err
	}
	ref = strings.TrimSpace(ref)
	platform = strings.ToUpper(strings.TrimSpace(platform))

	var hits []model.TrackedAccount
	for _, a := range accts {
		if platform != "" && a.Key().Region != platform {
			continue
		}
		if a.ProviderID == ref || strings.EqualFold(a.DisplayName, ref) {
			hits = append(hits, a)
		}
	}
	switch len(hits) {
	case 0:
		return model.TrackedAccount{}, fmt.Errorf("%s: %w", ref, ErrUnknownAccount)
	case 1:
	default:
		return model.TrackedAccount{}, fmt.Errorf("%s matches %d accounts; pass a platform", ref, len(hits))
	}
	if err := r.store.RemoveTrackedAccount(ctx, hits[0].Key()); err != nil {
		return model.TrackedAccount{}, err
	}
	r.log.Info("account untracked", logx.String("account", hits[0].Key().String()))
	return hits[0], nil
}

// List returns the tracked accounts with their last poll state, sorted by
// display name.
func (r *Registry) List(ctx context.Context) ([]AccountStatus, error) {
	accts, err := r.store.ListTrackedAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AccountStatus, 0, len(accts))
	for _, a := range accts {
		st := AccountStatus{Account: a}
		ls, ok, err := r.store.GetLastSeen(ctx, a.Key())
		if err != nil {
			return nil, err
		}
		if ok {
			st.LastSeen = &ls
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Account.DisplayName) < strings.ToLower(out[j].Account.DisplayName)
	})
	return out, nil
}

type AccountStatus struct {
	Account  model.TrackedAccount
	LastSeen *model.LastSeen // nil until the first poll
}
