// Package app assembles the sync engine and its collaborators from config.
package app

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/quizdeck/accountsync/internal/config"
	"github.com/quizdeck/accountsync/internal/kintone"
	"github.com/quizdeck/accountsync/internal/metrics"
	"github.com/quizdeck/accountsync/internal/supabase"
	"github.com/quizdeck/accountsync/internal/syncstate"
	"github.com/quizdeck/accountsync/internal/usersync"
)

type Deps struct {
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Progress   usersync.ProgressFunc
	HTTPClient *http.Client
}

// Runtime owns the engine and the state store backing its leases and
// checkpoints. Close releases the store.
type Runtime struct {
	Engine *usersync.Engine
	State  syncstate.Store
}

func (r *Runtime) Close() error {
	if r == nil || r.State == nil {
		return nil
	}
	return r.State.Close()
}

// Build validates credentials before any client is created so a partial
// configuration never reaches kintone or Supabase.
func Build(cfg config.Config, deps Deps) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	source, err := kintone.New(kintone.Config{
		Subdomain:  cfg.Kintone.Subdomain,
		AppID:      cfg.Kintone.AppID,
		APIToken:   cfg.Kintone.APIToken,
		BaseURL:    cfg.Kintone.BaseURL,
		GroupTable: cfg.Kintone.GroupTable,
		GroupField: cfg.Kintone.GroupField,
		HTTPClient: deps.HTTPClient,
		MaxRetries: cfg.Kintone.MaxRetries,
		Logger:     logger.Named("kintone"),
	})
	if err != nil {
		return nil, err
	}
	store, err := supabase.New(supabase.Config{
		URL:            cfg.Supabase.URL,
		ServiceRoleKey: cfg.Supabase.ServiceRoleKey,
		HTTPClient:     deps.HTTPClient,
		MaxRetries:     cfg.Supabase.MaxRetries,
		Logger:         logger.Named("supabase"),
	})
	if err != nil {
		return nil, err
	}
	state, err := syncstate.BuildStoreFromDSN(cfg.State.DSN)
	if err != nil {
		return nil, err
	}

	opts := usersync.Options{
		Job:         cfg.Sync.Job,
		EmailField:  cfg.Kintone.EmailField,
		Groups:      cfg.Sync.Groups,
		PageSize:    cfg.Sync.PageSize,
		Budget:      cfg.Sync.Budget,
		MaxBatches:  cfg.Sync.MaxBatches,
		LeaseTTL:    cfg.Sync.LeaseTTL,
		LeaseWait:   cfg.Sync.LeaseWait,
		Leases:      state,
		Checkpoints: state,
		Progress:    deps.Progress,
		Logger:      logger.Named("usersync"),
	}
	if deps.Metrics != nil {
		opts.Metrics = deps.Metrics
	}
	engine, err := usersync.NewEngine(source, store, opts)
	if err != nil {
		_ = state.Close()
		return nil, err
	}
	return &Runtime{Engine: engine, State: state}, nil
}
