package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/ashita-ai/dualcommit/internal/ledger"
	"github.com/ashita-ai/dualcommit/internal/model"
)

// Exit codes for dcctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and failed
	ExitCommandError = 2 // bad usage: missing argument, invalid flag value
)

// ExitError carries an exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func usageErr(format string, args ...any) error {
	return &ExitError{Code: ExitCommandError, Err: fmt.Errorf(format, args...)}
}

// failure classifies err from the governance layer. Input problems are
// usage errors; everything else is a failed operation.
func failure(err error) error {
	if err == nil {
		return nil
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) || errors.Is(err, ledger.ErrReasonRequired) || errors.Is(err, ledger.ErrInvalidID) ||
		errors.Is(err, model.ErrReplayMismatch) {
		return &ExitError{Code: ExitCommandError, Err: err}
	}
	return &ExitError{Code: ExitFailure, Err: err}
}

// ExitCode maps an error returned by the root command to a process exit
// code. Errors raised by cobra itself (unknown command, bad flag) are
// usage errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// printer writes command results as text or JSON.
type printer struct {
	format string
	w      io.Writer
}

type jsonOutput struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// result writes data as JSON, or calls text for the human-readable form.
func (p printer) result(data any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(jsonOutput{Status: "ok", Data: data})
	}
	text(p.w)
	return nil
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Padding(0, 1)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Padding(0, 1)
	badStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Padding(0, 1)
)

func statusStyle(s string) lipgloss.Style {
	switch s {
	// Proposal and request statuses share the "pending" and "rejected" names.
	case string(model.StatusPending):
		return pendingStyle
	case string(model.StatusCommit), string(model.StatusApplied), string(model.RequestApproved):
		return okStyle
	case string(model.StatusRejected), string(model.RequestHalted):
		return badStyle
	}
	return cellStyle
}

// renderTable draws rows under headers. statusCol, when non-negative, is
// colored by its value.
func renderTable(w io.Writer, headers []string, rows [][]string, statusCol int) {
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(w, "(none)")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderColumn(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				return statusStyle(rows[row][col])
			}
			return cellStyle
		})
	_, _ = fmt.Fprintln(w, t.Render())
}

func proposalRows(list []model.ProposalSummary) [][]string {
	rows := make([][]string, 0, len(list))
	for _, p := range list {
		rows = append(rows, []string{
			p.CommitID,
			string(p.Status),
			truncate(p.Title, 48),
			p.Proposer,
			p.CreatedAt.UTC().Format("2006-01-02 15:04"),
		})
	}
	return rows
}

var proposalHeaders = []string{"COMMIT", "STATUS", "TITLE", "PROPOSER", "CREATED"}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
