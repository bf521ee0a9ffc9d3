// Package query provides read access to stored chunks through DuckDB.
//
// Queries run directly over the Parquet files with read_parquet, so they see
// exactly what is on disk regardless of the manifest. The store side never
// depends on this package; recovery paths stay cgo-free.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/nwpio/nwpd/internal/errors"
)

// Options configures New.
type Options struct {
	// MemoryLimit caps DuckDB memory, e.g. "512MB". Empty leaves the
	// engine default.
	MemoryLimit string
}

// Service runs coverage and inventory queries over a store root.
type Service struct {
	mu    sync.RWMutex
	root  string
	db    *sql.DB
	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// InventoryQuery selects which stored slices to report on.
type InventoryQuery struct {
	// Variable restricts the report to one canonical variable. Empty means
	// all.
	Variable string
	// From and To bound the init times, half-open. Zero values mean
	// unbounded.
	From time.Time
	To   time.Time
}

// InitCoverage is one inventory row: what one provider delivered for one
// (variable, init time).
type InitCoverage struct {
	Variable string
	InitTime time.Time
	Provider string
	Slices   int64
	Steps    int64
	MinStep  int32
	MaxStep  int32
	Levels   int64
}

// Totals summarizes the whole store.
type Totals struct {
	Slices    int64
	Variables int64
	Inits     int64
	First     time.Time
	Last      time.Time
}

// New opens an in-memory DuckDB session over the store root.
func New(root string, opts Options) (*Service, error) {
	if root == "" {
		return nil, errors.NewValidation("store root", "path must not be empty")
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errors.Wrapf(err, "open duckdb")
	}

	if opts.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", opts.MemoryLimit)); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "set duckdb memory limit")
		}
	}

	return &Service{root: root, db: db}, nil
}

// Close releases the DuckDB session.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Inventory reports per-provider coverage for every (variable, init time)
// in the window. An empty store yields an empty report.
func (s *Service) Inventory(ctx context.Context, q InventoryQuery) ([]InitCoverage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasChunks() {
		return nil, nil
	}

	const query = `
		SELECT variable, init_time_ms, provider,
		       count(*) AS slices,
		       count(DISTINCT step_hours) AS steps,
		       min(step_hours) AS min_step,
		       max(step_hours) AS max_step,
		       count(DISTINCT level) AS levels
		FROM read_parquet($1)
		WHERE init_time_ms >= $2
		  AND init_time_ms < $3
		  AND ($4 = '' OR variable = $4)
		GROUP BY variable, init_time_ms, provider
		ORDER BY init_time_ms, variable, provider
	`

	from, to := windowMillis(q.From, q.To)
	rows, err := s.db.QueryContext(ctx, query, s.pattern(), from, to, q.Variable)
	if err != nil {
		s.stats.Errors++
		return nil, errors.Wrapf(err, "query inventory")
	}
	defer rows.Close()

	var report []InitCoverage
	for rows.Next() {
		var c InitCoverage
		var initMs int64
		if err := rows.Scan(&c.Variable, &initMs, &c.Provider,
			&c.Slices, &c.Steps, &c.MinStep, &c.MaxStep, &c.Levels); err != nil {
			s.stats.Errors++
			return nil, errors.Wrapf(err, "scan inventory row")
		}
		c.InitTime = time.UnixMilli(initMs).UTC()
		report = append(report, c)
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors++
		return nil, errors.Wrapf(err, "query inventory")
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(report))
	return report, nil
}

// InitSteps returns the step hours stored for one (variable, init time),
// ascending. The caller compares them against the provider's expected
// window to find gaps.
func (s *Service) InitSteps(ctx context.Context, variable string, initTime time.Time) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasChunks() {
		return nil, nil
	}

	const query = `
		SELECT DISTINCT step_hours
		FROM read_parquet($1)
		WHERE variable = $2 AND init_time_ms = $3
		ORDER BY step_hours
	`

	rows, err := s.db.QueryContext(ctx, query, s.pattern(), variable, initTime.UnixMilli())
	if err != nil {
		s.stats.Errors++
		return nil, errors.Wrapf(err, "query steps for %s", variable)
	}
	defer rows.Close()

	var steps []int
	for rows.Next() {
		var step int32
		if err := rows.Scan(&step); err != nil {
			s.stats.Errors++
			return nil, errors.Wrapf(err, "scan step row")
		}
		steps = append(steps, int(step))
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors++
		return nil, errors.Wrapf(err, "query steps for %s", variable)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(steps))
	return steps, nil
}

// StoreTotals summarizes everything on disk.
func (s *Service) StoreTotals(ctx context.Context) (Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t Totals
	if !s.hasChunks() {
		return t, nil
	}

	const query = `
		SELECT count(*),
		       count(DISTINCT variable),
		       count(DISTINCT init_time_ms),
		       min(init_time_ms),
		       max(init_time_ms)
		FROM read_parquet($1)
	`

	var firstMs, lastMs int64
	err := s.db.QueryRowContext(ctx, query, s.pattern()).
		Scan(&t.Slices, &t.Variables, &t.Inits, &firstMs, &lastMs)
	if err != nil {
		s.stats.Errors++
		return t, errors.Wrapf(err, "query totals")
	}
	t.First = time.UnixMilli(firstMs).UTC()
	t.Last = time.UnixMilli(lastMs).UTC()

	s.stats.QueriesExecuted++
	s.stats.RowsReturned++
	return t, nil
}

// ExecuteSQL runs an ad-hoc query over the store. Useful for debugging;
// the chunk glob is available as the duckdb read_parquet source returned
// by Pattern.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))
	return results, rows.Err()
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Pattern returns the read_parquet glob covering day and consolidated
// chunks.
func (s *Service) Pattern() string {
	return s.pattern()
}

func (s *Service) pattern() string {
	return filepath.ToSlash(filepath.Join(s.root, "*", "*", "*.parquet"))
}

// hasChunks reports whether any chunk exists. read_parquet fails on a glob
// with no matches, while an empty store should just report nothing.
func (s *Service) hasChunks() bool {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*", "*.parquet"))
	return err == nil && len(matches) > 0
}

// windowMillis converts a half-open time window to millisecond bounds,
// treating zero times as unbounded.
func windowMillis(from, to time.Time) (int64, int64) {
	lo := int64(math.MinInt64)
	hi := int64(math.MaxInt64)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	if !to.IsZero() {
		hi = to.UnixMilli()
	}
	return lo, hi
}
