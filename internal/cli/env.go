package cli

import (
	"context"
	"fmt"

	"github.com/seaotterie/Grant-Automation-sub007/internal/budget"
	"github.com/seaotterie/Grant-Automation-sub007/internal/cache"
	"github.com/seaotterie/Grant-Automation-sub007/internal/config"
	"github.com/seaotterie/Grant-Automation-sub007/internal/gate"
	"github.com/seaotterie/Grant-Automation-sub007/internal/state"
	"github.com/seaotterie/Grant-Automation-sub007/internal/store"
)

// env wires the stores and gate for one command invocation.
type env struct {
	cfg    *config.Config
	db     *store.Store
	cache  *cache.Store
	state  *state.Tracker
	budget *budget.Ledger
	gate   *gate.Gatekeeper
}

// openEnv builds the runtime from the global flags. Config is
// optional; the --db flag wins over the config's database path.
// Configured accounts are (re)declared on every open so the CLI and
// the pipeline agree on allocations.
func openEnv(ctx context.Context, opts *RootOptions) (*env, error) {
	cfg := &config.Config{Database: config.DefaultDatabase}
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	dbPath := cfg.Database
	if opts.Database != "" {
		dbPath = opts.Database
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	e := &env{
		cfg:    cfg,
		db:     db,
		cache:  cache.Open(db, cfg.CacheOptions()...),
		state:  state.Open(db, cfg.StateOptions()...),
		budget: budget.Open(db),
	}
	e.gate = gate.New(e.cache, e.state, e.budget, gate.WithProfiles(cfg.Profiles()))

	specs, err := cfg.AccountSpecs()
	if err != nil {
		db.Close()
		return nil, err
	}
	if len(specs) > 0 {
		if err := e.budget.Configure(ctx, specs); err != nil {
			db.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *env) Close() error {
	return e.db.Close()
}
