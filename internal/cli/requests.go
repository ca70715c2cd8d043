package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/store"
)

type submitFlags struct {
	modType   string
	target    string
	oldValue  string
	newValue  string
	reason    string
	authority string
	sequence  uint64
	key       string
}

func newSubmitCommand(opts *RootOptions) *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a live-state modification to the gate",
		Long: `Submit a modification request. The gate decides immediately; the
decision is printed whether it applied the change, queued it for a human,
rejected it or halted on a protected target.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			mt, err := model.ParseModType(f.modType)
			if err != nil {
				return usageErr("--mod-type: %v", err)
			}
			req := model.ModificationRequest{
				ModType:        mt,
				Target:         f.target,
				NewValue:       f.newValue,
				Reason:         f.reason,
				Authority:      model.Authority(strings.ToUpper(f.authority)),
				Sequence:       f.sequence,
				IdempotencyKey: f.key,
			}
			if cmd.Flags().Changed("old-value") {
				old := f.oldValue
				req.OldValue = &old
			}

			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.Service.Submit(cmd.Context(), req)
			if err != nil {
				return failure(err)
			}
			out := model.SubmitResponse{
				RequestID: res.RequestID,
				Decision:  res.Decision,
				Status:    res.Status,
				Sequence:  res.State.Sequence,
				Replayed:  res.Replayed,
			}
			return opts.printer(cmd).result(out, func(w io.Writer) {
				replay := ""
				if res.Replayed {
					replay = " (replayed)"
				}
				_, _ = fmt.Fprintf(w, "%s %s%s: %s\nrequest %s, sequence %d\n",
					res.Decision.Type, res.Decision.Code, replay, res.Decision.Reason, res.RequestID, res.State.Sequence)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.modType, "mod-type", "", "STATE, FILE_LOCATION or CONFIG (required)")
	fl.StringVar(&f.target, "target", "", "target key or path (required)")
	fl.StringVar(&f.oldValue, "old-value", "", "expected current value")
	fl.StringVar(&f.newValue, "new-value", "", "value to set")
	fl.StringVar(&f.reason, "reason", "", "why the change is needed")
	fl.StringVar(&f.authority, "authority", string(model.AuthorityHuman), "submitting authority tier")
	fl.Uint64Var(&f.sequence, "sequence", 0, "expected sequence (0 takes the next)")
	fl.StringVar(&f.key, "idempotency-key", "", "retry key")
	return cmd
}

func newRequestCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Inspect and ratify state modification requests",
	}
	cmd.AddCommand(
		newRequestActionCommand(opts, model.ActionApprove),
		newRequestActionCommand(opts, model.ActionReject),
		newRequestPendingCommand(opts),
		newRequestShowCommand(opts),
	)
	return cmd
}

var actionShort = map[model.HumanAction]string{
	model.ActionApprove: "Approve a pending request and apply it",
	model.ActionReject:  "Reject a pending request",
}

func newRequestActionCommand(opts *RootOptions, action model.HumanAction) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   string(action) + " <request-id>",
		Short: actionShort[action],
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if action == model.ActionReject && strings.TrimSpace(reason) == "" {
				return usageErr("request reject: --reason is required")
			}
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.Service.DecideRequest(cmd.Context(), opts.actor(rt), args[0], action, reason)
			if err != nil {
				return failure(err)
			}
			out := model.HumanActionResponse{
				RequestID:       res.RequestID,
				Status:          res.Status,
				Sequence:        res.State.Sequence,
				AlreadyResolved: res.AlreadyResolved,
			}
			return opts.printer(cmd).result(out, func(w io.Writer) {
				if res.AlreadyResolved {
					_, _ = fmt.Fprintf(w, "%s already %s\n", res.RequestID, res.Status)
					return
				}
				_, _ = fmt.Fprintf(w, "%s %s, sequence %d\n", res.RequestID, res.Status, res.State.Sequence)
			})
		},
	}
	if action == model.ActionReject {
		cmd.Flags().StringVar(&reason, "reason", "", "why the request is rejected (required)")
	} else {
		cmd.Flags().StringVar(&reason, "reason", "", "optional note")
	}
	return cmd
}

func newRequestPendingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List requests awaiting a human, oldest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			pending, err := rt.Service.PendingRequests(cmd.Context())
			if err != nil {
				return failure(err)
			}
			if pending == nil {
				pending = []store.PendingRequest{}
			}
			return opts.printer(cmd).result(pending, func(w io.Writer) {
				rows := make([][]string, 0, len(pending))
				for _, p := range pending {
					stale := ""
					if p.Stale {
						stale = "stale"
					}
					rows = append(rows, []string{
						p.Request.RequestID,
						p.Request.ModType.String(),
						truncate(p.Request.Target, 40),
						string(p.Request.Authority),
						strconv.FormatUint(p.Request.Sequence, 10),
						stale,
					})
				}
				renderTable(w, []string{"REQUEST", "TYPE", "TARGET", "AUTHORITY", "SEQ", ""}, rows, -1)
			})
		},
	}
}

func newRequestShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Print a request and its decision",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.Service.Request(cmd.Context(), args[0])
			if err != nil {
				return failure(err)
			}
			return opts.printer(cmd).result(rec, func(w io.Writer) {
				r := rec.Request
				_, _ = fmt.Fprintf(w, "request:   %s\nstatus:    %s\ntype:      %s\ntarget:    %s\nvalue:     %s\nauthority: %s\nsequence:  %d\ndecision:  %s %s\nreason:    %s\n",
					r.RequestID, rec.Status, r.ModType, r.Target, r.NewValue, r.Authority, r.Sequence,
					rec.Decision.Type, rec.Decision.Code, rec.Decision.Reason)
				if rec.Resolution != nil && rec.Resolution.Reason != "" {
					_, _ = fmt.Fprintf(w, "resolved:  %s\n", rec.Resolution.Reason)
				}
			})
		},
	}
}

func newStateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the applied sequence, chain head and backlog",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			h, err := rt.Service.Health(cmd.Context())
			if err != nil {
				return failure(err)
			}
			st, err := rt.Service.State(cmd.Context())
			if err != nil {
				return failure(err)
			}
			out := model.StateResponse{Sequence: st.Sequence, HeadHash: st.HeadHash, UpdatedAt: st.UpdatedAt}
			return opts.printer(cmd).result(struct {
				model.StateResponse
				PendingRequests int `json:"pending_requests"`
				PendingCommits  int `json:"pending_commits"`
			}{out, h.PendingRequests, h.PendingCommits}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "sequence:         %d\nhead:             %s\npending requests: %d\npending commits:  %d\n",
					st.Sequence, st.HeadHash, h.PendingRequests, h.PendingCommits)
				if h.LastRatification != nil {
					_, _ = fmt.Fprintf(w, "last ratified:    %s\n", h.LastRatification.UTC().Format("2006-01-02 15:04:05"))
				}
			})
		},
	}
}

func newValueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "value <target>",
		Short: "Print the live value of a target",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			v, err := rt.Service.Value(cmd.Context(), args[0])
			if err != nil {
				return failure(err)
			}
			return opts.printer(cmd).result(v, func(w io.Writer) {
				_, _ = fmt.Fprintln(w, v.Value)
			})
		},
	}
}

func newEventsCommand(opts *RootOptions) *cobra.Command {
	var (
		after uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List applied events in sequence order",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			events, err := rt.Service.Events(cmd.Context(), after, limit)
			if err != nil {
				return failure(err)
			}
			if events == nil {
				events = []model.Event{}
			}
			return opts.printer(cmd).result(events, func(w io.Writer) {
				rows := make([][]string, 0, len(events))
				for _, e := range events {
					rows = append(rows, []string{
						strconv.FormatUint(e.Sequence, 10),
						e.ModType.String(),
						truncate(e.Target, 40),
						truncate(e.NewValue, 32),
						string(e.Authority),
						shortHash(e.Hash),
					})
				}
				renderTable(w, []string{"SEQ", "TYPE", "TARGET", "VALUE", "AUTHORITY", "HASH"}, rows, -1)
			})
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "list events after this sequence")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultEventLimit, "maximum events")
	return cmd
}

func newVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the event hash chain; exits 1 if it is broken",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.Service.Verify(cmd.Context())
			if err != nil {
				return failure(err)
			}
			if err := opts.printer(cmd).result(report, func(w io.Writer) {
				if report.Valid {
					_, _ = fmt.Fprintf(w, "ok: %d events, head %s\n", report.Checked, report.HeadHash)
					return
				}
				_, _ = fmt.Fprintf(w, "BROKEN at sequence %d: %s\n", report.FirstBadSeq, report.Problem)
			}); err != nil {
				return err
			}
			if !report.Valid {
				return &ExitError{Code: ExitFailure, Err: fmt.Errorf("event chain broken at sequence %d", report.FirstBadSeq)}
			}
			return nil
		},
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
