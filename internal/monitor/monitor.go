// Package monitor watches the Commit Ledger for proposals that have waited
// on a human longer than the SLA threshold. It only reports; it never
// approves, rejects or otherwise touches a proposal.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashita-ai/dualcommit/internal/model"
)

// Defaults for Config.
const (
	DefaultThreshold = 24 * time.Hour
	DefaultInterval  = 60 * time.Second
)

// LineLayout is the timestamp format of violation log lines.
const LineLayout = "2006-01-02 15:04:05"

// Lister lists ledger entries by status. ledger.Backend implements it.
type Lister interface {
	List(ctx context.Context, status model.ProposalStatus) ([]model.ProposalRecord, error)
}

// Config controls a Monitor. Warn, when set, also receives one line per
// violation; daemon mode leaves it nil.
type Config struct {
	Threshold time.Duration
	Interval  time.Duration
	LogPath   string
	Warn      io.Writer
}

// Validate checks that durations are positive.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold <= 0 {
		errs = append(errs, errors.New("monitor: threshold must be positive"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("monitor: interval must be positive"))
	}
	return errors.Join(errs...)
}

// Violation is a pending proposal older than the threshold.
type Violation struct {
	CommitID   string        `json:"commit_id"`
	CreatedAt  time.Time     `json:"created_at"`
	Age        time.Duration `json:"age"`
	DetectedAt time.Time     `json:"detected_at"`
}

// Line formats v as a violation log line.
func (v Violation) Line(threshold time.Duration) string {
	return fmt.Sprintf("%s WARNING %s.%s is older than %s",
		v.DetectedAt.Format(LineLayout), v.CommitID, model.StatusPending, threshold)
}

// Monitor scans for stale pending proposals.
type Monitor struct {
	lister  Lister
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	observe func(context.Context, []Violation)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the monitor's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithObserver registers fn to receive the violations of every scan.
func WithObserver(fn func(context.Context, []Violation)) Option {
	return func(m *Monitor) { m.observe = fn }
}

// New returns a Monitor over lister. It fails if cfg is invalid.
func New(lister Lister, cfg Config, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{lister: lister, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Scan checks every pending proposal once. Each stale proposal produces
// exactly one line in the violation log.
func (m *Monitor) Scan(ctx context.Context) ([]Violation, error) {
	recs, err := m.lister.List(ctx, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("monitor: list pending: %w", err)
	}
	now := m.now()
	var violations []Violation
	for _, rec := range recs {
		age := now.Sub(rec.CreatedAt)
		if age <= m.cfg.Threshold {
			continue
		}
		violations = append(violations, Violation{
			CommitID:   rec.CommitID,
			CreatedAt:  rec.CreatedAt,
			Age:        age,
			DetectedAt: now,
		})
	}
	if len(violations) == 0 {
		return nil, nil
	}

	lines := make([]string, len(violations))
	for i, v := range violations {
		lines[i] = v.Line(m.cfg.Threshold)
		m.logger.Warn("monitor: governance violation",
			"commit_id", v.CommitID, "age", v.Age.Round(time.Second).String(), "threshold", m.cfg.Threshold.String())
	}
	if err := m.appendLog(lines); err != nil {
		return violations, err
	}
	if m.cfg.Warn != nil {
		for _, v := range violations {
			_, _ = fmt.Fprintf(m.cfg.Warn, "WARNING: %s.%s is older than %s\n", v.CommitID, model.StatusPending, m.cfg.Threshold)
		}
	}
	if m.observe != nil {
		m.observe(ctx, violations)
	}
	return violations, nil
}

func (m *Monitor) appendLog(lines []string) error {
	if m.cfg.LogPath == "" {
		return nil
	}
	if dir := filepath.Dir(m.cfg.LogPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("monitor: create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(m.cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("monitor: open violation log: %w", err)
	}
	_, werr := f.WriteString(strings.Join(lines, "\n") + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("monitor: write violation log: %w", werr)
	}
	return nil
}

// Run scans immediately and then every Interval until ctx is cancelled.
// Scan failures are logged and the loop continues.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor: started",
		"interval", m.cfg.Interval.String(), "threshold", m.cfg.Threshold.String(), "log", m.cfg.LogPath)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("monitor: scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("monitor: stopped")
			return nil
		case <-ticker.C:
		}
	}
}
