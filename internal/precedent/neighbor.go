package precedent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// NeighborLedger reads another trust domain's precedent ledger. The file is
// never written from here. Parsed contents are cached until the file's
// modification time or size changes, and concurrent reloads collapse into one.
type NeighborLedger struct {
	name   string
	path   string
	logger *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	modTime time.Time
	size    int64
	cached  []Entry
	loaded  bool
}

// NewNeighborLedger returns a read-only view of the ledger at path.
func NewNeighborLedger(name, path string, logger *slog.Logger) *NeighborLedger {
	return &NeighborLedger{name: name, path: path, logger: logger}
}

// Name implements Source.
func (n *NeighborLedger) Name() string { return n.name }

// Entries implements Source. A missing neighbor ledger is empty.
func (n *NeighborLedger) Entries(ctx context.Context) ([]Entry, error) {
	info, err := os.Stat(n.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("precedent: stat neighbor %s: %w", n.name, err)
	}

	n.mu.RLock()
	if n.loaded && n.modTime.Equal(info.ModTime()) && n.size == info.Size() {
		entries := n.cached
		n.mu.RUnlock()
		return entries, nil
	}
	n.mu.RUnlock()

	v, err, _ := n.group.Do(n.path, func() (any, error) {
		entries, err := readJSONL(ctx, n.path, n.logger)
		if err != nil {
			return nil, err
		}
		n.mu.Lock()
		n.cached = entries
		n.modTime = info.ModTime()
		n.size = info.Size()
		n.loaded = true
		n.mu.Unlock()
		n.logger.Debug("precedent: neighbor ledger loaded", "neighbor", n.name, "entries", len(entries))
		return entries, nil
	})
	if err != nil {
		return nil, fmt.Errorf("precedent: read neighbor %s: %w", n.name, err)
	}
	return v.([]Entry), nil
}
