// Package store persists normalized forecast arrays as sorted Parquet
// chunks under a single root and records every stored slice in a JSON
// manifest.
//
// The layout is one chunk per variable and init day, with consolidated
// monthly chunks alongside:
//
//	<root>/chunks/<variable>/<YYYYMMDD>.parquet
//	<root>/consolidated/<variable>/<YYYYMM>.parquet
//	<root>/manifest.json
//
// Merges are idempotent. A chunk is rewritten only when the merged row set
// differs from what is already on disk, so re-running an ingestion window
// writes nothing and the chunk bytes stay identical.
package store

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/logging"
	"github.com/nwpio/nwpd/internal/nwp"
	"github.com/nwpio/nwpd/internal/store/chunkio"
)

const (
	chunksDir       = "chunks"
	consolidatedDir = "consolidated"
	chunkExt        = ".parquet"
)

// Options configures Open.
type Options struct {
	// Compression names the Parquet codec for chunk writes. Empty means
	// zstd.
	Compression string

	// IgnoreManifest opens the store without reading the manifest. Pair it
	// with Rebuild to recover from a corrupt ledger.
	IgnoreManifest bool

	// ConsolidateMinChunks is the number of day chunks a variable needs in
	// a month before Consolidate rewrites it. Variables whose month already
	// has a monthly chunk fold new days in regardless. Zero or one means
	// always rewrite.
	ConsolidateMinChunks int

	// Clock stamps manifest records. Nil means the wall clock.
	Clock clockwork.Clock
}

// Store is the chunk store. It is safe for concurrent use; writes to the
// same chunk are serialized while writes to different chunks proceed in
// parallel.
type Store struct {
	root      string
	opts      chunkio.Options
	minChunks int
	clock     clockwork.Clock
	log       *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	records map[chunkio.Key]Record
	closed  bool
}

// Open prepares the store root and loads the manifest.
func Open(root string, opts Options) (*Store, error) {
	if root == "" {
		return nil, errors.NewValidation("store root", "path must not be empty")
	}

	for _, dir := range []string{root, filepath.Join(root, chunksDir), filepath.Join(root, consolidatedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create store directory %s", dir)
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Store{
		root:      root,
		opts:      chunkio.Options{Compression: chunkio.ParseCompressionType(opts.Compression)},
		minChunks: opts.ConsolidateMinChunks,
		clock:     clock,
		log:       logging.Component("store"),
		locks:     make(map[string]*sync.Mutex),
		records:   make(map[chunkio.Key]Record),
	}

	if !opts.IgnoreManifest {
		records, err := loadManifest(s.manifestPath())
		if err != nil {
			return nil, err
		}
		s.records = records
	}

	s.log.Info("store opened", "root", root, "records", len(s.records))
	return s, nil
}

// Close marks the store closed. Operations after Close fail with
// ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Info("store closed", "records", len(s.records))
	return nil
}

// Records returns the manifest entries in canonical order.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].key().Less(out[j].key())
	})
	return out
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// MergeResult reports what one merge changed.
type MergeResult struct {
	ChunksWritten int
	ChunksSkipped int
	SlicesWritten int
	Bytes         int64
}

// Merge writes the slices of an array into their chunks. A slice lands in
// the chunk its manifest record names, or in the day chunk for its init time
// when no record exists yet, so slices follow their data into consolidated
// chunks. Chunks whose merged content already equals the incoming rows are
// left untouched.
func (s *Store) Merge(ctx context.Context, array *nwp.Array) (MergeResult, error) {
	var result MergeResult

	if err := s.ready(); err != nil {
		return result, err
	}
	if array == nil || len(array.Slices) == 0 {
		return result, nil
	}
	if err := array.Validate(); err != nil {
		return result, errors.Wrap(err, "merge")
	}

	groups := s.groupByChunk(array)

	targets := make([]string, 0, len(groups))
	for rel := range groups {
		targets = append(targets, rel)
	}
	sort.Strings(targets)

	var updates []Record
	for _, rel := range targets {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		written, size, recs, err := s.mergeChunk(rel, groups[rel])
		if err != nil {
			return result, err
		}

		if written {
			result.ChunksWritten++
			result.SlicesWritten += len(groups[rel])
			result.Bytes += size
		} else {
			result.ChunksSkipped++
		}
		updates = append(updates, recs...)
	}

	if err := s.applyRecords(updates); err != nil {
		return result, err
	}

	if result.ChunksWritten > 0 {
		s.log.Info("array merged",
			"provider", array.Provider,
			"chunks_written", result.ChunksWritten,
			"chunks_skipped", result.ChunksSkipped,
			"slices", result.SlicesWritten,
			"bytes", result.Bytes,
		)
	} else {
		s.log.Debug("array already stored",
			"provider", array.Provider,
			"chunks", result.ChunksSkipped,
		)
	}
	return result, nil
}

func (s *Store) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrStoreClosed
	}
	return nil
}

// chunkLock returns the mutex serializing writes to one chunk.
func (s *Store) chunkLock(rel string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[rel]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[rel] = lock
	}
	return lock
}

// groupByChunk routes each slice of the array to its target chunk.
func (s *Store) groupByChunk(array *nwp.Array) map[string]map[chunkio.Key]chunkio.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[string]map[chunkio.Key]chunkio.Row)
	for _, slice := range array.Slices {
		row := chunkio.FromSlice(array, slice)
		key := row.Key()

		rel := dayChunk(row.Variable, row.InitTime())
		if rec, ok := s.records[key]; ok && rec.Chunk != "" {
			rel = rec.Chunk
		}

		group, ok := groups[rel]
		if !ok {
			group = make(map[chunkio.Key]chunkio.Row)
			groups[rel] = group
		}
		group[key] = row
	}
	return groups
}

// mergeChunk merges the incoming rows into one chunk under its lock. A
// failed pass is retried once from a fresh read of the chunk before the
// failure is reported.
func (s *Store) mergeChunk(rel string, incoming map[chunkio.Key]chunkio.Row) (bool, int64, []Record, error) {
	lock := s.chunkLock(rel)
	lock.Lock()
	defer lock.Unlock()

	written, size, recs, err := s.mergeChunkLocked(rel, incoming)
	if err != nil {
		s.log.Warn("chunk merge failed, retrying once", "chunk", rel, "error", err)
		written, size, recs, err = s.mergeChunkLocked(rel, incoming)
	}
	return written, size, recs, err
}

func (s *Store) mergeChunkLocked(rel string, incoming map[chunkio.Key]chunkio.Row) (bool, int64, []Record, error) {
	abs := s.absPath(rel)

	existing, err := readChunk(abs)
	if err != nil {
		return false, 0, nil, errors.NewStoreWrite(rel, err)
	}

	if !mergeChanges(existing, incoming) {
		s.log.Debug("chunk unchanged", "chunk", rel, "slices", len(incoming))
		return false, 0, s.reconcile(rel, incoming), nil
	}

	merged := make([]chunkio.Row, 0, len(existing)+len(incoming))
	for key, row := range existing {
		if _, replaced := incoming[key]; replaced {
			continue
		}
		merged = append(merged, row)
	}
	for _, row := range incoming {
		merged = append(merged, row)
	}

	size, err := chunkio.Write(abs, merged, s.opts)
	if err != nil {
		return false, 0, nil, errors.NewStoreWrite(rel, err)
	}

	now := s.clock.Now().UTC()
	records := make([]Record, 0, len(incoming))
	for _, row := range incoming {
		records = append(records, recordFor(rel, row, now))
	}
	return true, size, records, nil
}

// mergeChanges reports whether merging incoming into existing would change
// the chunk. Checksums stand in for the values so slices with missing cells
// compare reliably.
func mergeChanges(existing, incoming map[chunkio.Key]chunkio.Row) bool {
	for key, row := range incoming {
		cur, ok := existing[key]
		if !ok {
			return true
		}
		if cur.Checksum != row.Checksum ||
			cur.Provider != row.Provider ||
			cur.GridID != row.GridID ||
			cur.Ny != row.Ny || cur.Nx != row.Nx ||
			cur.Unit != row.Unit {
			return true
		}
	}
	return false
}

// readChunk loads a chunk into a map by slice key. A missing file is an
// empty chunk.
func readChunk(abs string) (map[chunkio.Key]chunkio.Row, error) {
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return map[chunkio.Key]chunkio.Row{}, nil
		}
		return nil, err
	}

	rows, err := chunkio.ReadAll(abs)
	if err != nil {
		return nil, err
	}

	out := make(map[chunkio.Key]chunkio.Row, len(rows))
	for _, row := range rows {
		out[row.Key()] = row
	}
	return out, nil
}

// reconcile returns manifest updates for rows whose chunk needed no write.
// Records that already match are left alone, which keeps a clean re-run
// from touching the manifest file at all. Missing or stale records are
// repaired, so a crash between a chunk write and the manifest save heals on
// the next merge of the same window.
func (s *Store) reconcile(rel string, incoming map[chunkio.Key]chunkio.Row) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updates []Record
	now := s.clock.Now().UTC()
	for key, row := range incoming {
		rec, ok := s.records[key]
		if ok && rec.Chunk == rel && rec.Checksum == row.Checksum && rec.Provider == row.Provider {
			continue
		}
		updates = append(updates, recordFor(rel, row, now))
	}
	return updates
}

// applyRecords folds chunk outcomes into the manifest and persists it. No
// updates means the manifest file is not rewritten.
func (s *Store) applyRecords(updates []Record) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range updates {
		s.records[rec.key()] = rec
	}
	if err := saveManifest(s.manifestPath(), s.records, s.clock.Now()); err != nil {
		return errors.NewStoreWrite(manifestName, err)
	}
	return nil
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.root, manifestName)
}

// absPath resolves a manifest-relative chunk path.
func (s *Store) absPath(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// dayChunk is the chunk for a variable and init day.
func dayChunk(variable string, initTime time.Time) string {
	return path.Join(chunksDir, variable, initTime.UTC().Format("20060102")+chunkExt)
}

// monthChunk is the consolidated chunk for a variable and month.
func monthChunk(variable string, month time.Time) string {
	return path.Join(consolidatedDir, variable, month.UTC().Format("200601")+chunkExt)
}
