package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/dualcommit/internal/monitor"
)

func newMonitorCommand(opts *RootOptions) *cobra.Command {
	var (
		daemon    bool
		interval  time.Duration
		threshold time.Duration
		logPath   string
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Report proposals pending longer than the threshold",
		Long: `Scan the commit ledger for pending proposals older than --threshold and
append one line per violation to the violation log. With --daemon the scan
repeats every --interval until interrupted. The monitor never resolves a
proposal.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := monitor.Config{Threshold: threshold, Interval: interval, LogPath: logPath}
			if err := cfg.Validate(); err != nil {
				return usageErr("%v", err)
			}
			if !daemon {
				cfg.Warn = cmd.ErrOrStderr()
			}

			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			logger := opts.logger(cmd)
			m, err := monitor.New(rt.Backend, cfg, logger, monitor.WithObserver(rt.Service.ObserveViolations))
			if err != nil {
				return usageErr("%v", err)
			}

			if daemon {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return failure(m.Run(ctx))
			}

			violations, err := m.Scan(cmd.Context())
			if err != nil {
				return failure(err)
			}
			if violations == nil {
				violations = []monitor.Violation{}
			}
			return opts.printer(cmd).result(violations, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "%d violation(s), threshold %s\n", len(violations), threshold)
			})
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&daemon, "daemon", false, "scan repeatedly until interrupted")
	fl.DurationVar(&interval, "interval", monitor.DefaultInterval, "time between scans in daemon mode")
	fl.DurationVar(&threshold, "threshold", monitor.DefaultThreshold, "maximum age of a pending proposal")
	fl.StringVar(&logPath, "log", envOr("DUALCOMMIT_VIOLATION_LOG", "governance/violations.log"), "violation log path")
	return cmd
}
