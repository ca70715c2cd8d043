// Package cli implements dcctl, the operator command line for the gate.
//
// dcctl works directly on the state database and the commit ledger, so it
// runs with the trust of whoever can read and write those files. Commands
// that ratify act at the policy's ratifier tier under --actor.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/dualcommit/internal/config"
	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/service/governance"
)

// RootOptions holds global flags shared by every command.
type RootOptions struct {
	Format        string
	Verbose       bool
	StateDB       string
	LedgerBackend string
	LedgerDir     string
	DatabaseURL   string
	Policy        string
	Precedents    string
	Actor         string
	Version       string
}

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand returns the dcctl root command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:           "dcctl",
		Short:         "Operate the Dual Commit governance gate",
		Long:          "dcctl proposes, ratifies and inspects changes behind the Dual Commit gate.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return usageErr("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if err := model.ValidatePrincipalID(opts.Actor); err != nil {
				return usageErr("invalid --actor: %v", err)
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitCommandError, Err: err}
	})

	f := cmd.PersistentFlags()
	f.StringVar(&opts.Format, "format", "text", "output format (text|json)")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "log debug output to stderr")
	f.StringVar(&opts.StateDB, "state-db", envOr("DUALCOMMIT_STATE_DB", "data/state.db"), "state database path")
	f.StringVar(&opts.LedgerBackend, "ledger-backend", envOr("DUALCOMMIT_LEDGER_BACKEND", config.LedgerFile), "commit ledger backend (file|postgres)")
	f.StringVar(&opts.LedgerDir, "ledger-dir", envOr("DUALCOMMIT_LEDGER_DIR", "governance/commits"), "commit ledger directory")
	f.StringVar(&opts.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres URL for the postgres ledger backend")
	f.StringVar(&opts.Policy, "policy", os.Getenv("DUALCOMMIT_POLICY"), "policy YAML (built-in default when empty)")
	f.StringVar(&opts.Precedents, "precedents", envOr("DUALCOMMIT_PRECEDENTS", "governance/precedents.jsonl"), "local precedent ledger")
	f.StringVar(&opts.Actor, "actor", envOr("USER", "operator"), "principal recorded as the ratifier")

	cmd.AddCommand(
		newProposeCommand(opts),
		newApproveCommand(opts),
		newRejectCommand(opts),
		newListCommand(opts),
		newPendingCommand(opts),
		newHistoryCommand(opts),
		newShowCommand(opts),
		newMarkAppliedCommand(opts),
		newSubmitCommand(opts),
		newRequestCommand(opts),
		newStateCommand(opts),
		newValueCommand(opts),
		newEventsCommand(opts),
		newVerifyCommand(opts),
		newMonitorCommand(opts),
		newHashKeyCommand(opts),
		newTokenCommand(opts),
	)
	return cmd
}

// Execute runs dcctl with args and returns the process exit code. Errors
// are printed as one line on stderr.
func Execute(ctx context.Context, version string, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand(version)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "dcctl: %v\n", err)
	}
	return ExitCode(err)
}

func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// open wires a governance runtime over the configured state.
func (o *RootOptions) open(cmd *cobra.Command) (*governance.Runtime, error) {
	rt, err := governance.Open(cmd.Context(), governance.Options{
		StateDBPath:   o.StateDB,
		LedgerBackend: o.LedgerBackend,
		LedgerDir:     o.LedgerDir,
		DatabaseURL:   o.DatabaseURL,
		PolicyPath:    o.Policy,
		PrecedentPath: o.Precedents,
		Version:       o.Version,
	}, o.logger(cmd))
	if err != nil {
		return nil, &ExitError{Code: ExitFailure, Err: err}
	}
	return rt, nil
}

// actor is the operator at the policy's ratifier tier.
func (o *RootOptions) actor(rt *governance.Runtime) governance.Actor {
	return governance.Actor{ID: o.Actor, Authority: rt.Policy.RatifierTier}
}

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.Format, w: cmd.OutOrStdout()}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// exactArgs is cobra.ExactArgs with a usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErr("%s: accepts %d arg(s), received %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return usageErr("%s: accepts at most %d arg(s), received %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}
