package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"omemo/internal/domain"
	"omemo/internal/pubsub"
	"omemo/internal/services/engine"
	"omemo/internal/services/keys"
	"omemo/internal/services/pipeline"
	"omemo/internal/services/registry"
	devicesync "omemo/internal/services/sync"
	"omemo/internal/store"
	"omemo/internal/trust"
)

// App bundles the service graph for the CLI.
type App struct {
	Config   Config
	Log      *slog.Logger
	Store    *store.BoltStore
	Trust    *trust.Manager
	Keys     *keys.Service
	Registry *registry.Service
	Engine   *engine.Service
	Sync     *devicesync.Service
	Pipeline *pipeline.Service
	PubSub   domain.PubSub
}

// New constructs the dependency graph from cfg, opening the encrypted
// key store and connecting the services to each other.
func New(ctx context.Context, cfg Config) (*App, error) {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o700); err != nil {
		return nil, fmt.Errorf("app: create store directory: %w", err)
	}
	st, err := store.Open(cfg.StorePath, cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	tm := trust.NewManager()
	ps := pubsub.NewHTTP(cfg.PEPURL)

	policy := trust.NewTOFU(tm)
	k := keys.New(st, log)
	reg := registry.New(st, tm, cfg.Variant.Namespace(), log)
	sy := devicesync.New(ps, k, reg, cfg.Variant, cfg.JID, log)
	eng := engine.New(k, reg, tm, policy, cfg.Variant.Namespace(), log)
	pl := pipeline.New(k, reg, eng, sy, tm, policy, cfg.Variant, cfg.JID, log)

	// Cross-service hooks. The key service consults the published
	// device list when allocating IDs and republishes the bundle after
	// pre-key churn; the registry fetches device lists on first use.
	k.PublishedDeviceIDs = sy.PublishedDeviceIDs
	k.BundleChanged = func(ctx context.Context) {
		if err := sy.PublishDeviceBundle(ctx); err != nil {
			log.Warn("bundle republish failed", "err", err)
		}
	}
	reg.Refresh = sy.RefreshDeviceList

	if err := reg.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}

	return &App{
		Config:   cfg,
		Log:      log,
		Store:    st,
		Trust:    tm,
		Keys:     k,
		Registry: reg,
		Engine:   eng,
		Sync:     sy,
		Pipeline: pl,
		PubSub:   ps,
	}, nil
}

// Close releases the key store.
func (a *App) Close() error { return a.Store.Close() }

// housekeepingInterval is how often periodic maintenance runs.
const housekeepingInterval = 24 * time.Hour

// Tick runs one round of periodic maintenance: signed pre-key rotation
// and the removed-device sweep.
func (a *App) Tick(ctx context.Context, now time.Time) error {
	if err := a.Keys.RotateSignedPreKeys(ctx, now); err != nil {
		return err
	}
	a.Registry.AgeOutRemovedDevices(ctx, now)
	return nil
}

// RunHousekeeping ticks daily until the context is cancelled.
func (a *App) RunHousekeeping(ctx context.Context) {
	t := time.NewTicker(housekeepingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := a.Tick(ctx, now); err != nil {
				a.Log.Warn("housekeeping failed", "err", err)
			}
		}
	}
}
