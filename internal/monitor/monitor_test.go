package monitor_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dualcommit/internal/ledger"
	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/monitor"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeLister struct {
	recs []model.ProposalRecord
	err  error
}

func (f fakeLister) List(_ context.Context, status model.ProposalStatus) ([]model.ProposalRecord, error) {
	if status != model.StatusPending {
		return nil, errors.New("unexpected status")
	}
	return f.recs, f.err
}

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func config(t *testing.T) monitor.Config {
	return monitor.Config{
		Threshold: 24 * time.Hour,
		Interval:  time.Minute,
		LogPath:   filepath.Join(t.TempDir(), "governance", "violations.log"),
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestScanOneLinePerStaleProposalPerScan(t *testing.T) {
	lister := fakeLister{recs: []model.ProposalRecord{
		{CommitID: "OLD01", Status: model.StatusPending, CreatedAt: now.Add(-25 * time.Hour)},
		{CommitID: "NEW01", Status: model.StatusPending, CreatedAt: now.Add(-time.Hour)},
	}}
	cfg := config(t)
	var warn bytes.Buffer
	cfg.Warn = &warn
	m, err := monitor.New(lister, cfg, discard, monitor.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	violations, err := m.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "OLD01", violations[0].CommitID)
	assert.Equal(t, 25*time.Hour, violations[0].Age)

	assert.Equal(t, []string{"2026-03-01 09:00:00 WARNING OLD01.pending is older than 24h0m0s"}, readLines(t, cfg.LogPath))
	assert.Equal(t, "WARNING: OLD01.pending is older than 24h0m0s\n", warn.String())

	_, err = m.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, readLines(t, cfg.LogPath), 2, "still pending, logged again")
}

func TestScanNothingStale(t *testing.T) {
	cfg := config(t)
	lister := fakeLister{recs: []model.ProposalRecord{{CommitID: "NEW01", CreatedAt: now}}}
	m, err := monitor.New(lister, cfg, discard, monitor.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	violations, err := m.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.NoFileExists(t, cfg.LogPath)
}

func TestScanListError(t *testing.T) {
	m, err := monitor.New(fakeLister{err: errors.New("disk gone")}, config(t), discard)
	require.NoError(t, err)
	_, err = m.Scan(context.Background())
	assert.ErrorContains(t, err, "disk gone")
}

func TestConfigMustBePositive(t *testing.T) {
	_, err := monitor.New(fakeLister{}, monitor.Config{Threshold: 0, Interval: time.Second}, discard)
	assert.ErrorContains(t, err, "threshold must be positive")

	_, err = monitor.New(fakeLister{}, monitor.Config{Threshold: time.Hour, Interval: -time.Second}, discard)
	assert.ErrorContains(t, err, "interval must be positive")
}

func TestScanFileLedger(t *testing.T) {
	ctx := context.Background()
	backend, err := ledger.NewFileBackend(filepath.Join(t.TempDir(), "commits"), discard)
	require.NoError(t, err)
	require.NoError(t, backend.Create(ctx, "AAAAA", "doc"))
	require.NoError(t, backend.Create(ctx, "BBBBB", "doc"))
	require.NoError(t, backend.Transition(ctx, "BBBBB", model.StatusPending, model.StatusCommit, ""))

	cfg := config(t)
	later := time.Now().Add(48 * time.Hour)
	m, err := monitor.New(backend, cfg, discard, monitor.WithClock(func() time.Time { return later }))
	require.NoError(t, err)

	violations, err := m.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "AAAAA", violations[0].CommitID)
}

func TestRunStopsOnCancel(t *testing.T) {
	lister := fakeLister{recs: []model.ProposalRecord{{CommitID: "OLD01", CreatedAt: now.Add(-48 * time.Hour)}}}
	cfg := config(t)
	cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scans := 0
	m, err := monitor.New(lister, cfg, discard,
		monitor.WithClock(func() time.Time { return now }),
		monitor.WithObserver(func(_ context.Context, vs []monitor.Violation) {
			scans++
			if scans == 3 {
				cancel()
			}
		}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Len(t, readLines(t, cfg.LogPath), 3)
}
