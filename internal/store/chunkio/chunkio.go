// Package chunkio reads and writes chunk files. A chunk is a parquet row
// set in which every row carries one stored slice: a complete 2-D field
// keyed by (provider, variable, init_time, step, level), with the grid
// shape and unit alongside so a chunk file is self-describing.
//
// Rows are kept in canonical order (init time, step, level, variable), so
// the same row set always serializes to the same bytes. Writes go through
// a temp file in the target directory and are renamed into place after a
// sync; a chunk path either holds a complete file or nothing.
package chunkio

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/nwp"
)

// Options configures chunk encoding.
type Options struct {
	// Compression algorithm for the whole file.
	Compression CompressionType
}

// CompressionType represents a parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns the stock chunk encoding options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Row is one stored slice in parquet form.
type Row struct {
	Provider   string    `parquet:"provider,zstd"`
	Variable   string    `parquet:"variable,zstd"`
	InitTimeMs int64     `parquet:"init_time_ms"`
	StepHours  int32     `parquet:"step_hours"`
	Level      int32     `parquet:"level"`
	GridID     string    `parquet:"grid_id,zstd"`
	Ny         int32     `parquet:"ny"`
	Nx         int32     `parquet:"nx"`
	Unit       string    `parquet:"unit,zstd"`
	Checksum   uint32    `parquet:"checksum"`
	Values     []float32 `parquet:"values"`
}

// Key identifies a slice within the store. Provider is deliberately not
// part of the key: when two providers deliver the same slice the last
// writer wins and the provider column records the source.
type Key struct {
	Variable   string
	InitTimeMs int64
	StepHours  int32
	Level      int32
}

// Key returns the row's slice key.
func (r Row) Key() Key {
	return Key{
		Variable:   r.Variable,
		InitTimeMs: r.InitTimeMs,
		StepHours:  r.StepHours,
		Level:      r.Level,
	}
}

// InitTime returns the row's init time in UTC.
func (r Row) InitTime() time.Time {
	return time.UnixMilli(r.InitTimeMs).UTC()
}

// Less orders keys canonically: init time, step, level, variable.
func (k Key) Less(o Key) bool {
	if k.InitTimeMs != o.InitTimeMs {
		return k.InitTimeMs < o.InitTimeMs
	}
	if k.StepHours != o.StepHours {
		return k.StepHours < o.StepHours
	}
	if k.Level != o.Level {
		return k.Level < o.Level
	}
	return k.Variable < o.Variable
}

// FromSlice builds the row for one slice of a normalized array.
func FromSlice(a *nwp.Array, s nwp.Slice) Row {
	return Row{
		Provider:   a.Provider,
		Variable:   s.Variable.String(),
		InitTimeMs: s.InitTime.UnixMilli(),
		StepHours:  int32(s.StepHours),
		Level:      s.Level,
		GridID:     a.Grid.ID,
		Ny:         int32(a.Grid.Ny),
		Nx:         int32(a.Grid.Nx),
		Unit:       s.Variable.Unit(),
		Checksum:   Checksum(s.Values),
		Values:     s.Values,
	}
}

// castagnoli is the CRC-32C polynomial, shared with the staged-file
// checksums so the whole pipeline speaks one checksum dialect.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum is the CRC-32C of the slice values as little-endian IEEE 754
// bits. Missing points hash as their NaN pattern, so equal checksums mean
// bit-identical fields.
func Checksum(values []float32) uint32 {
	h := crc32.New(castagnoli)
	var buf [4]byte
	for _, v := range values {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return h.Sum32()
}

// SortRows orders rows canonically in place.
func SortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key().Less(rows[j].Key())
	})
}

// Write sorts rows in place and writes them to path atomically, replacing
// any existing chunk. It returns the resulting file size.
func Write(path string, rows []Row, opts Options) (int64, error) {
	SortRows(rows)
	w, err := NewWriter(path, opts)
	if err != nil {
		return 0, err
	}
	if err := w.Write(rows); err != nil {
		w.Abort()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.Size(), nil
}

// ReadAll loads every row of a chunk file.
func ReadAll(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open chunk %s", path)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[Row](f, parquet.ReadBufferSize(1024*1024))
	defer reader.Close()

	rows := make([]Row, reader.NumRows())
	if len(rows) == 0 {
		return nil, nil
	}
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read chunk %s", path)
	}
	return rows[:n], nil
}

// Scan streams a chunk's rows in small batches. Rows are reused between
// callbacks; a caller that retains one must copy it.
func Scan(path string, fn func(Row) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open chunk %s", path)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[Row](f, parquet.ReadBufferSize(1024*1024))
	defer reader.Close()

	batch := make([]Row, 64)
	for {
		n, err := reader.Read(batch)
		for i := 0; i < n; i++ {
			if ferr := fn(batch[i]); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF || n == 0 {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read chunk %s", path)
		}
	}
}

// ErrWriterClosed is returned when writing to a closed chunk writer.
var ErrWriterClosed = errors.New("chunk writer is closed")

// Writer appends rows to a chunk file incrementally. Merges write whole
// chunks through Write; the consolidator streams through a Writer because
// a month of fields should not sit in memory at once. Rows must arrive in
// canonical order. The file appears at its final path only on Close.
type Writer struct {
	mu       sync.Mutex
	path     string
	tmpPath  string
	file     *os.File
	writer   *parquet.GenericWriter[Row]
	rowCount int64
	size     int64
	closed   bool
}

// NewWriter opens a chunk writer targeting path.
func NewWriter(path string, opts Options) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create chunk dir %s", dir)
	}
	f, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		return nil, errors.Wrapf(err, "create chunk temp in %s", dir)
	}
	writer := parquet.NewGenericWriter[Row](f,
		parquet.Compression(getCompression(opts.Compression)))
	return &Writer{
		path:    path,
		tmpPath: f.Name(),
		file:    f,
		writer:  writer,
	}, nil
}

// Write appends rows.
func (w *Writer) Write(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	n, err := w.writer.Write(rows)
	if err != nil {
		return errors.Wrapf(err, "write chunk %s", w.path)
	}
	w.rowCount += int64(n)
	return nil
}

// Close finishes the parquet footer, syncs, and renames the file into
// place.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return errors.Wrapf(err, "close chunk %s", w.path)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return errors.Wrapf(err, "sync chunk %s", w.path)
	}
	info, err := w.file.Stat()
	if err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return errors.Wrapf(err, "stat chunk %s", w.path)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return errors.Wrapf(err, "close chunk %s", w.path)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		os.Remove(w.tmpPath)
		return errors.Wrapf(err, "commit chunk %s", w.path)
	}
	w.size = info.Size()
	return nil
}

// Abort discards the writer and its temp file.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.writer.Close()
	w.file.Close()
	return os.Remove(w.tmpPath)
}

// RowCount returns the number of rows written so far.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Size returns the final file size; valid after Close.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the final chunk path.
func (w *Writer) Path() string {
	return w.path
}
