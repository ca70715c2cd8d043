package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/dualcommit/internal/ledger"
	"github.com/ashita-ai/dualcommit/internal/model"
)

type proposeFlags struct {
	title      string
	summary    string
	file       string
	diff       string
	proposer   string
	kind       string
	trust      string
	risk       string
	reversible string
	deltaE     string
}

func newProposeCommand(opts *RootOptions) *cobra.Command {
	var f proposeFlags
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Record a code change proposal in the commit ledger",
		Long: `Record a code change proposal. If a ratified precedent covers it the
change is settled immediately and the returned id carries an AUTO: or DIST:
prefix; otherwise it waits as <id>.pending for a human.

--diff takes a path to a diff file or the diff text itself.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			diff, err := readDiff(f.diff)
			if err != nil {
				return usageErr("--diff: %v", err)
			}
			proposer := f.proposer
			if proposer == "" {
				proposer = opts.Actor
			}
			body := model.ProposeRequest{
				Title:        f.title,
				Proposer:     proposer,
				Summary:      f.summary,
				FilePath:     f.file,
				Diff:         diff,
				ProposalType: f.kind,
				TrustLevel:   f.trust,
				RiskLevel:    f.risk,
				Reversible:   f.reversible,
				DeltaE:       f.deltaE,
			}

			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.Service.Propose(cmd.Context(), body.Proposal())
			if err != nil {
				return failure(err)
			}
			out := model.ProposeResponse{
				CommitID:      res.CommitID,
				Status:        res.Status(),
				Verdict:       string(res.Verdict),
				MatchedCommit: res.MatchedCommit,
			}
			return opts.printer(cmd).result(out, func(w io.Writer) {
				if res.Created {
					_, _ = fmt.Fprintf(w, "%s.pending created, awaiting ratification\n", res.CommitID)
					return
				}
				_, _ = fmt.Fprintf(w, "%s settled by precedent (%s, matched %s)\n", res.CommitID, res.Verdict, res.MatchedCommit)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.title, "title", "", "short title (required)")
	fl.StringVar(&f.summary, "summary", "", "one-line summary")
	fl.StringVar(&f.file, "file", "", "path of the file the change touches")
	fl.StringVar(&f.diff, "diff", "", "diff file path or literal diff")
	fl.StringVar(&f.proposer, "proposer", "", "proposer id (defaults to --actor)")
	fl.StringVar(&f.kind, "type", "", "proposal type (default \"Code Enhancement\")")
	fl.StringVar(&f.trust, "trust", "", "trust level of the proposer (default ENGINEER)")
	fl.StringVar(&f.risk, "risk", "", "risk level (default LOW)")
	fl.StringVar(&f.reversible, "reversible", "", "whether the change can be reverted (default YES)")
	fl.StringVar(&f.deltaE, "delta-e", "", "estimated change magnitude (default +0.05)")
	return cmd
}

// readDiff returns the contents of arg when it names a regular file and
// arg itself otherwise.
func readDiff(arg string) (string, error) {
	if arg == "" || strings.Contains(arg, "\n") {
		return arg, nil
	}
	fi, err := os.Stat(arg)
	if err != nil || !fi.Mode().IsRegular() {
		return arg, nil
	}
	b, err := os.ReadFile(arg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func newApproveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <commit-id>",
		Short: "Ratify a pending proposal",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			p, err := rt.Service.ApproveProposal(cmd.Context(), opts.actor(rt), args[0])
			if err != nil {
				return failure(err)
			}
			return opts.printer(cmd).result(model.RatifyResponse{CommitID: p.CommitID, Status: p.Status}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "%s approved\n", p.CommitID)
			})
		},
	}
}

func newRejectCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <commit-id> --reason <text>",
		Short: "Reject a pending proposal",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return usageErr("reject: --reason is required")
			}
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			p, err := rt.Service.RejectProposal(cmd.Context(), opts.actor(rt), args[0], reason)
			if err != nil {
				return failure(err)
			}
			return opts.printer(cmd).result(model.RatifyResponse{CommitID: p.CommitID, Status: p.Status}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "%s rejected\n", p.CommitID)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the proposal is rejected (required)")
	return cmd
}

func newListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [pending|commit|rejected|applied]",
		Short: "List proposals by status",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := model.StatusPending
			if len(args) == 1 {
				s, err := model.ParseProposalStatus(args[0])
				if err != nil {
					return usageErr("list: %v", err)
				}
				status = s
			}
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			list, err := rt.Service.ListProposals(cmd.Context(), status)
			if err != nil {
				return failure(err)
			}
			return printProposals(opts, cmd, list)
		},
	}
}

func newPendingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List proposals awaiting ratification, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			list, err := rt.Service.PendingProposals(cmd.Context())
			if err != nil {
				return failure(err)
			}
			return printProposals(opts, cmd, list)
		},
	}
}

func newHistoryCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List resolved proposals, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return usageErr("history: --limit must be positive")
			}
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			list, err := rt.Service.History(cmd.Context(), limit)
			if err != nil {
				return failure(err)
			}
			return printProposals(opts, cmd, list)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", ledger.DefaultHistoryLimit, "maximum entries")
	return cmd
}

func printProposals(opts *RootOptions, cmd *cobra.Command, list []model.ProposalSummary) error {
	if list == nil {
		list = []model.ProposalSummary{}
	}
	return opts.printer(cmd).result(list, func(w io.Writer) {
		renderTable(w, proposalHeaders, proposalRows(list), 1)
	})
}

func newShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <commit-id>",
		Short: "Print a proposal document in any status",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			detail, err := rt.Service.Proposal(cmd.Context(), args[0])
			if err != nil {
				return failure(err)
			}
			return opts.printer(cmd).result(detail, func(w io.Writer) {
				_, _ = fmt.Fprint(w, detail.Content)
				if !strings.HasSuffix(detail.Content, "\n") {
					_, _ = fmt.Fprintln(w)
				}
			})
		},
	}
}

func newMarkAppliedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-applied <commit-id>",
		Short: "Mark a ratified proposal as applied to the codebase",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			p, err := rt.Service.MarkApplied(cmd.Context(), opts.actor(rt), args[0])
			if err != nil {
				return failure(err)
			}
			return opts.printer(cmd).result(model.RatifyResponse{CommitID: p.CommitID, Status: p.Status}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "%s applied\n", p.CommitID)
			})
		},
	}
}
