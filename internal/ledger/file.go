package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ashita-ai/dualcommit/internal/model"
)

// legacyRejectExt is the extension older tooling used for rejections.
const legacyRejectExt = "reject"

// FileBackend keeps one file per proposal, named <id>.<status>. A rename is
// the state transition: it either moves the pending file or fails because
// someone else already did.
type FileBackend struct {
	dir    string
	logger *slog.Logger
}

// NewFileBackend returns a backend rooted at dir, creating it if needed.
func NewFileBackend(dir string, logger *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	return &FileBackend{dir: dir, logger: logger}, nil
}

// Dir returns the ledger directory.
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) path(id string, status model.ProposalStatus) string {
	return filepath.Join(b.dir, id+"."+string(status))
}

// Create writes content as <id>.pending. The document is written to a
// temporary file and hard-linked into place, so readers never see a partial
// file and an existing id is never overwritten.
func (b *FileBackend) Create(ctx context.Context, id, content string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if _, _, err := b.locate(id); err == nil {
		return fmt.Errorf("ledger: create %s: %w", id, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	tmp, err := b.writeTemp(id, content)
	if err != nil {
		return fmt.Errorf("ledger: create %s: %w", id, err)
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, b.path(id, model.StatusPending)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("ledger: create %s: %w", id, ErrExists)
		}
		return fmt.Errorf("ledger: create %s: %w", id, err)
	}
	return nil
}

// Exists reports whether id is present under any status.
func (b *FileBackend) Exists(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	_, _, err := b.locate(id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return b.claimed(id), nil
	default:
		return false, err
	}
}

// Transition renames <id>.<from> to <id>.<to>. With an appendix, the source
// file is first claimed by renaming it to a private name; the new document
// is then written under the target name and the claim removed.
func (b *FileBackend) Transition(ctx context.Context, id string, from, to model.ProposalStatus, appendix string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	src := b.path(id, from)
	if appendix == "" {
		if err := os.Rename(src, b.path(id, to)); err != nil {
			return b.transitionError(id, from, err)
		}
		return nil
	}

	claim := b.claimPath(id)
	if err := os.Rename(src, claim); err != nil {
		return b.transitionError(id, from, err)
	}
	data, err := os.ReadFile(claim)
	if err != nil {
		b.restore(claim, src)
		return fmt.Errorf("ledger: transition %s: %w", id, err)
	}
	tmp, err := b.writeTemp(id, string(data)+appendix)
	if err != nil {
		b.restore(claim, src)
		return fmt.Errorf("ledger: transition %s: %w", id, err)
	}
	if err := os.Rename(tmp, b.path(id, to)); err != nil {
		_ = os.Remove(tmp)
		b.restore(claim, src)
		return fmt.Errorf("ledger: transition %s: %w", id, err)
	}
	if err := os.Remove(claim); err != nil {
		b.logger.Warn("ledger: remove claim file", "commit_id", id, "error", err)
	}
	return nil
}

func (b *FileBackend) claimPath(id string) string {
	return filepath.Join(b.dir, "."+id+".claim")
}

// claimed reports whether a transition currently holds id.
func (b *FileBackend) claimed(id string) bool {
	_, err := os.Stat(b.claimPath(id))
	return err == nil
}

func (b *FileBackend) restore(claim, src string) {
	if err := os.Rename(claim, src); err != nil {
		b.logger.Error("ledger: restore claimed proposal", "path", src, "error", err)
	}
}

func (b *FileBackend) transitionError(id string, from model.ProposalStatus, err error) error {
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ledger: transition %s: %w", id, err)
	}
	if b.claimed(id) {
		return fmt.Errorf("ledger: %s is being resolved: %w", id, ErrAlreadyResolved)
	}
	status, _, lerr := b.locate(id)
	if lerr != nil {
		if errors.Is(lerr, ErrNotFound) {
			// The claim may have completed between the two checks.
			if b.claimed(id) {
				return fmt.Errorf("ledger: %s is being resolved: %w", id, ErrAlreadyResolved)
			}
			return fmt.Errorf("ledger: %s.%s: %w", id, from, ErrNotFound)
		}
		return lerr
	}
	return fmt.Errorf("ledger: %s is %s: %w", id, status, ErrAlreadyResolved)
}

// Get reads id under whichever status it currently has.
func (b *FileBackend) Get(ctx context.Context, id string) (model.ProposalRecord, error) {
	if !ValidID(id) {
		return model.ProposalRecord{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	status, path, err := b.locate(id)
	if err != nil {
		return model.ProposalRecord{}, err
	}
	return b.read(id, status, path)
}

// List returns entries with status, oldest first.
func (b *FileBackend) List(ctx context.Context, status model.ProposalStatus) ([]model.ProposalRecord, error) {
	patterns := []string{"*." + string(status)}
	if status == model.StatusRejected {
		patterns = append(patterns, "*."+legacyRejectExt)
	}
	var out []model.ProposalRecord
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(b.dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("ledger: list %s: %w", status, err)
		}
		for _, path := range matches {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			base := filepath.Base(path)
			id := strings.TrimSuffix(base, filepath.Ext(base))
			if !ValidID(id) {
				continue
			}
			rec, err := b.read(id, status, path)
			if errors.Is(err, ErrNotFound) {
				// Moved between the glob and the read.
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CommitID < out[j].CommitID
	})
	return out, nil
}

// locate finds the file currently holding id.
func (b *FileBackend) locate(id string) (model.ProposalStatus, string, error) {
	for _, status := range model.ProposalStatuses {
		path := b.path(id, status)
		if _, err := os.Stat(path); err == nil {
			return status, path, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", "", fmt.Errorf("ledger: stat %s: %w", path, err)
		}
	}
	legacy := filepath.Join(b.dir, id+"."+legacyRejectExt)
	if _, err := os.Stat(legacy); err == nil {
		return model.StatusRejected, legacy, nil
	}
	return "", "", fmt.Errorf("ledger: %s: %w", id, ErrNotFound)
}

func (b *FileBackend) read(id string, status model.ProposalStatus, path string) (model.ProposalRecord, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.ProposalRecord{}, fmt.Errorf("ledger: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ProposalRecord{}, fmt.Errorf("ledger: stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.ProposalRecord{}, fmt.Errorf("ledger: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ProposalRecord{}, fmt.Errorf("ledger: read %s: %w", path, err)
	}
	return model.ProposalRecord{
		CommitID:  id,
		Status:    status,
		Content:   string(data),
		CreatedAt: createdAt(path, info).UTC(),
		UpdatedAt: info.ModTime().UTC(),
	}, nil
}

func (b *FileBackend) writeTemp(id, content string) (string, error) {
	f, err := os.CreateTemp(b.dir, "."+id+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
