package governance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/dualcommit/internal/config"
	"github.com/ashita-ai/dualcommit/internal/gate"
	"github.com/ashita-ai/dualcommit/internal/ledger"
	"github.com/ashita-ai/dualcommit/internal/notify"
	"github.com/ashita-ai/dualcommit/internal/policy"
	"github.com/ashita-ai/dualcommit/internal/precedent"
	"github.com/ashita-ai/dualcommit/internal/storage"
	"github.com/ashita-ai/dualcommit/internal/store"
	"github.com/ashita-ai/dualcommit/internal/telemetry"
	"github.com/ashita-ai/dualcommit/migrations"
)

// Options locate the gate's persistent state. Hooks and Metrics may be nil.
type Options struct {
	StateDBPath   string
	LedgerBackend string
	LedgerDir     string
	DatabaseURL   string
	PolicyPath    string
	PrecedentPath string
	Version       string
	Hooks         *notify.Dispatcher
	Metrics       *telemetry.GateMetrics
}

// OptionsFromConfig maps server configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		StateDBPath:   cfg.StateDBPath,
		LedgerBackend: cfg.LedgerBackend,
		LedgerDir:     cfg.LedgerDir,
		DatabaseURL:   cfg.DatabaseURL,
		PolicyPath:    cfg.PolicyPath,
		PrecedentPath: cfg.PrecedentPath,
	}
}

// Runtime is an opened Service together with the resources it owns.
type Runtime struct {
	Service *Service
	Policy  *policy.Policy
	Backend ledger.Backend

	store *store.Store
	db    *storage.DB
}

// Open loads the policy, opens the state store and the commit ledger
// backend, and wires a Service over them. Close releases everything.
func Open(ctx context.Context, o Options, logger *slog.Logger) (*Runtime, error) {
	p := policy.Default()
	if o.PolicyPath != "" {
		loaded, err := policy.Load(o.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("governance: %w", err)
		}
		p = loaded
	}

	rt := &Runtime{Policy: p}
	var err error
	switch o.LedgerBackend {
	case config.LedgerPostgres:
		rt.db, err = storage.New(ctx, o.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("governance: %w", err)
		}
		if err := rt.db.RunMigrations(ctx, migrations.FS); err != nil {
			rt.Close()
			return nil, fmt.Errorf("governance: migrations: %w", err)
		}
		rt.Backend = ledger.NewPostgresBackend(rt.db)
	case config.LedgerFile, "":
		rt.Backend, err = ledger.NewFileBackend(o.LedgerDir, logger)
		if err != nil {
			return nil, fmt.Errorf("governance: %w", err)
		}
	default:
		return nil, fmt.Errorf("governance: unknown ledger backend %q", o.LedgerBackend)
	}

	rt.store, err = store.Open(ctx, o.StateDBPath, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("governance: %w", err)
	}

	local := precedent.NewFileLedger(o.PrecedentPath, logger)
	checker := precedent.FromPolicy(p, local, logger)

	rt.Service = New(Deps{
		Store:     rt.store,
		Gate:      gate.New(p, logger, gate.WithPrecedent(checker)),
		Ledger:    ledger.NewService(rt.Backend, logger, ledger.WithPrecedent(checker, local)),
		Precedent: checker,
		Recorder:  local,
		Hooks:     o.Hooks,
		Metrics:   o.Metrics,
		Version:   o.Version,
	}, logger)
	return rt, nil
}

// Close releases the store and database pool.
func (r *Runtime) Close() {
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.db != nil {
		r.db.Close()
	}
}
