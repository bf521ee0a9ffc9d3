package fetch

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/logging"
)

// DirCache stages payloads as plain files under a root directory. Keys
// map to relative paths, so "ceda/20230101T0000/..." lands in a
// per-provider, per-run subtree that is easy to inspect by hand.
type DirCache struct {
	root string
	log  *slog.Logger
}

var _ Cache = (*DirCache)(nil)

// NewDirCache creates the root directory if needed.
func NewDirCache(root string) (*DirCache, error) {
	if root == "" {
		return nil, errors.NewValidation("staging dir", "path must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create staging dir %s", root)
	}
	return &DirCache{root: root, log: logging.Component("staging")}, nil
}

// Root returns the staging directory.
func (c *DirCache) Root() string { return c.root }

func (c *DirCache) entryPath(key string) string {
	return filepath.Join(c.root, filepath.FromSlash(key))
}

// Put writes r to a temp file and renames it into place. A crash can
// never leave a half-written payload under a valid key.
func (c *DirCache) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	n, err := writeAtomic(c.entryPath(key), r)
	if err != nil {
		return 0, errors.Wrapf(err, "stage %s", key)
	}
	return n, nil
}

// writeAtomic streams r into dst through a temp file in the same
// directory, syncing before the rename.
func writeAtomic(dst string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".staging-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, err
	}
	return n, nil
}

// Open returns the entry's path on disk.
func (c *DirCache) Open(ctx context.Context, key string) (string, error) {
	p := c.entryPath(key)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapf(errors.ErrNotFound, "staged %s", key)
		}
		return "", errors.Wrapf(err, "staged %s", key)
	}
	return p, nil
}

// Stat returns the staged size.
func (c *DirCache) Stat(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(c.entryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Wrapf(errors.ErrNotFound, "staged %s", key)
		}
		return 0, errors.Wrapf(err, "staged %s", key)
	}
	return info.Size(), nil
}

// Delete removes the entry. Absent keys are fine.
func (c *DirCache) Delete(ctx context.Context, key string) error {
	if err := os.Remove(c.entryPath(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete staged %s", key)
	}
	return nil
}

// Prune removes entries older than maxAge along with temp files left by
// interrupted runs, then drops directories that became empty. It returns
// the number of files removed.
func (c *DirCache) Prune(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var dirs []string

	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != c.root {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, errors.Wrapf(err, "prune staging dir %s", c.root)
	}

	// Children sort after their parents, so the reverse order removes
	// leaves first. Non-empty directories are left alone.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, dir := range dirs {
		if err := os.Remove(dir); err != nil && !isDirNotEmpty(err) && !os.IsNotExist(err) {
			return removed, errors.Wrapf(err, "prune staging dir %s", c.root)
		}
	}

	if removed > 0 {
		c.log.Info("pruned staging dir", "root", c.root, "removed", removed, "max_age", maxAge)
	}
	return removed, nil
}

func isDirNotEmpty(err error) bool {
	// ENOTEMPTY surfaces as a *PathError wrapping syscall.ENOTEMPTY; the
	// portable check is to see whether the directory still has entries.
	var pe *fs.PathError
	if !errors.As(err, &pe) {
		return false
	}
	entries, rerr := os.ReadDir(pe.Path)
	return rerr == nil && len(entries) > 0
}
