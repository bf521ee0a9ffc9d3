package store

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/store/chunkio"
)

// Rebuild scans every chunk under the store root and rewrites the manifest
// from what is actually on disk. It is the recovery path for a corrupt or
// lost manifest; open the store with IgnoreManifest first.
//
// Summaries are recomputed from the stored values, and WrittenAt reflects
// the rebuild rather than the original write. Chunks are scanned in path
// order, so a consolidated copy of a slice wins over a day chunk left
// behind by an interrupted consolidation.
func (s *Store) Rebuild(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	patterns := []string{
		filepath.Join(s.root, chunksDir, "*", "*"+chunkExt),
		filepath.Join(s.root, consolidatedDir, "*", "*"+chunkExt),
	}

	var chunks []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return 0, errors.Wrapf(err, "scan store root %s", s.root)
		}
		chunks = append(chunks, matches...)
	}
	sort.Strings(chunks)

	now := s.clock.Now().UTC()
	records := make(map[chunkio.Key]Record)
	for _, abs := range chunks {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		rel, err := filepath.Rel(s.root, abs)
		if err != nil {
			return 0, errors.Wrapf(err, "resolve chunk %s", abs)
		}
		rel = filepath.ToSlash(rel)

		err = chunkio.Scan(abs, func(row chunkio.Row) error {
			records[row.Key()] = recordFor(rel, row, now)
			return nil
		})
		if err != nil {
			return 0, errors.Wrapf(err, "scan chunk %s", rel)
		}
	}

	s.mu.Lock()
	s.records = records
	count := len(records)
	saveErr := saveManifest(s.manifestPath(), s.records, now)
	s.mu.Unlock()
	if saveErr != nil {
		return 0, errors.NewStoreWrite(manifestName, saveErr)
	}

	s.log.Info("manifest rebuilt", "chunks", len(chunks), "records", count)
	return count, nil
}
