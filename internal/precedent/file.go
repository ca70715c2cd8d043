package precedent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 1 << 20

// FileLedger is the local, append-only JSONL precedent ledger. One entry per
// line; malformed lines are skipped with a warning rather than failing reads.
type FileLedger struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileLedger returns a ledger backed by path. The file is created on the
// first Record.
func NewFileLedger(path string, logger *slog.Logger) *FileLedger {
	return &FileLedger{path: path, logger: logger}
}

// Name implements Source.
func (l *FileLedger) Name() string { return LocalSource }

// Path returns the backing file path.
func (l *FileLedger) Path() string { return l.path }

// Record appends e and syncs it to disk.
func (l *FileLedger) Record(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("precedent: record: entry id is required")
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("precedent: record %s: %w", e.ID, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("precedent: record %s: %w", e.ID, err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec // operator-configured path
	if err != nil {
		return fmt.Errorf("precedent: record %s: %w", e.ID, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("precedent: record %s: %w", e.ID, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("precedent: record %s: sync: %w", e.ID, err)
	}
	return f.Close()
}

// Entries implements Source. A missing file is an empty ledger.
func (l *FileLedger) Entries(ctx context.Context) ([]Entry, error) {
	entries, err := readJSONL(ctx, l.path, l.logger)
	if err != nil {
		return nil, fmt.Errorf("precedent: read local ledger: %w", err)
	}
	return entries, nil
}

func readJSONL(ctx context.Context, path string, logger *slog.Logger) ([]Entry, error) {
	f, err := os.Open(path) //nolint:gosec // operator-configured path
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.ID == "" {
			logger.Warn("precedent: skipping malformed ledger line", "path", path, "line", lineNo, "error", err)
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
