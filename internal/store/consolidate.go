package store

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/store/chunkio"
)

// ConsolidateResult reports what a consolidation pass rewrote.
type ConsolidateResult struct {
	Variables    int
	SourceChunks int
	Slices       int
	Bytes        int64
}

// Consolidate folds the day chunks of one calendar month into a single
// monthly chunk per variable, repoints the manifest at it and removes the
// day chunks. Later merges for those slices land in the monthly chunk
// directly, so a consolidated month stays consolidated.
//
// Re-running on a month with no remaining day chunks writes nothing.
func (s *Store) Consolidate(ctx context.Context, month time.Time) (ConsolidateResult, error) {
	var result ConsolidateResult

	if err := s.ready(); err != nil {
		return result, err
	}

	month = time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	sources, err := s.monthSources(month)
	if err != nil {
		return result, err
	}
	if len(sources) == 0 {
		s.log.Info("nothing to consolidate", "month", month.Format("2006-01"))
		return result, nil
	}

	variables := make([]string, 0, len(sources))
	for v := range sources {
		variables = append(variables, v)
	}
	sort.Strings(variables)

	for _, variable := range variables {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if s.skipConsolidate(variable, month, len(sources[variable])) {
			s.log.Debug("too few day chunks to consolidate",
				"variable", variable,
				"month", month.Format("2006-01"),
				"day_chunks", len(sources[variable]),
				"min_chunks", s.minChunks,
			)
			continue
		}

		slices, size, err := s.consolidateVariable(variable, month, sources[variable])
		if err != nil {
			return result, err
		}
		result.Variables++
		result.SourceChunks += len(sources[variable])
		result.Slices += slices
		result.Bytes += size
	}

	s.log.Info("month consolidated",
		"month", month.Format("2006-01"),
		"variables", result.Variables,
		"chunks", result.SourceChunks,
		"slices", result.Slices,
		"bytes", result.Bytes,
	)
	return result, nil
}

// skipConsolidate reports whether a variable has too few day chunks to be
// worth rewriting. A month with an existing monthly chunk always folds new
// days in, otherwise late arrivals could linger as day chunks forever.
func (s *Store) skipConsolidate(variable string, month time.Time, dayChunks int) bool {
	if s.minChunks <= 1 || dayChunks >= s.minChunks {
		return false
	}
	_, err := os.Stat(s.absPath(monthChunk(variable, month)))
	return err != nil
}

// monthSources lists the day chunks on disk for the month, keyed by
// variable.
func (s *Store) monthSources(month time.Time) (map[string][]string, error) {
	pattern := filepath.Join(s.root, chunksDir, "*", month.Format("200601")+"??"+chunkExt)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "scan chunks for %s", month.Format("2006-01"))
	}

	sources := make(map[string][]string)
	for _, abs := range matches {
		variable := filepath.Base(filepath.Dir(abs))
		sources[variable] = append(sources[variable], abs)
	}
	for _, files := range sources {
		sort.Strings(files)
	}
	return sources, nil
}

// consolidateVariable rewrites one variable's day chunks, together with any
// existing monthly chunk, into the monthly chunk.
func (s *Store) consolidateVariable(variable string, month time.Time, dayFiles []string) (int, int64, error) {
	rel := monthChunk(variable, month)
	abs := s.absPath(rel)

	rels := make([]string, 0, len(dayFiles)+1)
	rels = append(rels, rel)
	for _, day := range dayFiles {
		dayRel, err := filepath.Rel(s.root, day)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "resolve chunk %s", day)
		}
		rels = append(rels, filepath.ToSlash(dayRel))
	}

	// Locks are taken in path order. Merges hold one chunk lock at a time,
	// so ordered acquisition here cannot deadlock against them.
	sort.Strings(rels)
	for _, r := range rels {
		lock := s.chunkLock(r)
		lock.Lock()
		defer lock.Unlock()
	}

	// The monthly chunk is read first so day rows win over any stale copy
	// left by a run interrupted between the monthly write and the day chunk
	// cleanup.
	sourceFiles := dayFiles
	if _, err := os.Stat(abs); err == nil {
		sourceFiles = append([]string{abs}, dayFiles...)
	}

	merged := make(map[chunkio.Key]chunkio.Row)
	for _, src := range sourceFiles {
		rows, err := chunkio.ReadAll(src)
		if err != nil {
			return 0, 0, errors.NewStoreWrite(rel, err)
		}
		for _, row := range rows {
			merged[row.Key()] = row
		}
	}
	if len(merged) == 0 {
		return 0, 0, nil
	}

	rows := make([]chunkio.Row, 0, len(merged))
	for _, row := range merged {
		rows = append(rows, row)
	}

	size, err := chunkio.Write(abs, rows, s.opts)
	if err != nil {
		return 0, 0, errors.NewStoreWrite(rel, err)
	}

	now := s.clock.Now().UTC()
	s.mu.Lock()
	for key, row := range merged {
		rec, ok := s.records[key]
		if !ok {
			s.records[key] = recordFor(rel, row, now)
			continue
		}
		if rec.Chunk != rel {
			rec.Chunk = rel
			s.records[key] = rec
		}
	}
	saveErr := saveManifest(s.manifestPath(), s.records, now)
	s.mu.Unlock()
	if saveErr != nil {
		return 0, 0, errors.NewStoreWrite(manifestName, saveErr)
	}

	for _, day := range dayFiles {
		if err := os.Remove(day); err != nil && !os.IsNotExist(err) {
			s.log.Warn("could not remove consolidated day chunk", "path", day, "error", err)
		}
	}

	s.log.Debug("variable consolidated",
		"variable", variable,
		"month", month.Format("2006-01"),
		"day_chunks", len(dayFiles),
		"slices", len(merged),
	)
	return len(merged), size, nil
}
