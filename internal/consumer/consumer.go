// Package consumer drives ingestion runs across the fetch, decode,
// normalize and store stages.
//
// A run splits the requested window into units of one provider and one
// init time. Units are independent: each stages its raw files through
// the cache, decodes them, normalizes the fields into one canonical
// array and merges that array into the store. A failing unit never
// stops its siblings. The run as a whole fails only when failures
// exceed the configured tolerance, and every chunk that did merge
// stays merged either way.
package consumer

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/nwpio/nwpd/config"
	"github.com/nwpio/nwpd/internal/decode"
	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/fetch"
	"github.com/nwpio/nwpd/internal/logging"
	"github.com/nwpio/nwpd/internal/nwp"
	"github.com/nwpio/nwpd/internal/observability"
	"github.com/nwpio/nwpd/internal/provider"
	"github.com/nwpio/nwpd/internal/schema"
	"github.com/nwpio/nwpd/internal/store"
)

// Options configure a Service.
type Options struct {
	Registry   *provider.Registry
	Fetcher    *fetch.Fetcher
	Normalizer *schema.Normalizer
	Store      *store.Store

	// MaxFailedUnits is how many failed units a run tolerates before it
	// reports partial ingestion. Configuration must set it explicitly;
	// zero tolerates no failures at all.
	MaxFailedUnits int

	// Workers bounds the units processed in parallel. Zero picks the
	// core count capped at config.DefaultUnitWorkersCap.
	Workers int

	// Decode turns a staged file path into raw fields. Defaults to
	// decode.File.
	Decode func(path string) (*nwp.RawData, error)

	// Clock drives run timestamps and durations. Defaults to the wall
	// clock.
	Clock clockwork.Clock

	// Metrics receives pipeline instrumentation. Defaults to an
	// unexposed registry.
	Metrics *observability.Metrics
}

// Service runs ingestion requests against a fixed set of collaborators.
type Service struct {
	reg        *provider.Registry
	fetcher    *fetch.Fetcher
	normalizer *schema.Normalizer
	store      *store.Store
	decode     func(path string) (*nwp.RawData, error)
	tolerance  int
	workers    int
	clock      clockwork.Clock
	metrics    *observability.Metrics
	log        *slog.Logger
}

// New builds a Service. Registry, Fetcher, Normalizer and Store are
// required.
func New(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.NewValidation("consumer registry", "provider registry is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.NewValidation("consumer fetcher", "fetcher is required")
	}
	if opts.Normalizer == nil {
		return nil, errors.NewValidation("consumer normalizer", "normalizer is required")
	}
	if opts.Store == nil {
		return nil, errors.NewValidation("consumer store", "store is required")
	}
	if opts.MaxFailedUnits < 0 {
		return nil, errors.NewValidation("max failed units", "must not be negative")
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
		if opts.Workers > config.DefaultUnitWorkersCap {
			opts.Workers = config.DefaultUnitWorkersCap
		}
	}
	if opts.Decode == nil {
		opts.Decode = decode.File
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetricsForTesting()
	}
	return &Service{
		reg:        opts.Registry,
		fetcher:    opts.Fetcher,
		normalizer: opts.Normalizer,
		store:      opts.Store,
		decode:     opts.Decode,
		tolerance:  opts.MaxFailedUnits,
		workers:    opts.Workers,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		log:        logging.Component("consumer"),
	}, nil
}

// workItem is a planned unit with the file references backing it.
type workItem struct {
	unit Unit
	refs []nwp.FileReference
}

// Run ingests the requested window and reports the outcome per unit.
//
// Cancelling ctx stops the issuance of new units; units already running
// finish on a detached context so no merge is cut off halfway. When the
// run completes, failures beyond the tolerance surface as a
// PartialIngestion error and the report names every failed unit.
func (s *Service) Run(ctx context.Context, req Request) (*Report, error) {
	providers := req.Providers
	if len(providers) == 0 {
		providers = s.reg.Names()
	}
	if len(providers) == 0 {
		return nil, errors.NewValidation("consume providers", "no providers registered")
	}

	runID := uuid.NewString()
	log := s.log.With("run_id", runID)

	report := &Report{
		RunID:     runID,
		Providers: providers,
		Window:    req.Window,
		DryRun:    req.DryRun,
		StartedAt: s.clock.Now().UTC(),
	}

	s.metrics.RunActive.Inc()
	defer s.metrics.RunActive.Dec()

	items, err := s.plan(ctx, providers, req.Window)
	if err != nil {
		return nil, err
	}
	report.UnitsTotal = len(items)
	for _, it := range items {
		report.FilesPlanned += len(it.refs)
	}
	log.Info("run planned",
		"providers", strings.Join(providers, ","),
		"window", req.Window.String(),
		"units", report.UnitsTotal,
		"files", report.FilesPlanned)

	if req.DryRun {
		for _, it := range items {
			report.Units = append(report.Units, UnitResult{
				Unit:  it.unit,
				State: StatePending,
				Files: len(it.refs),
			})
		}
		report.FinishedAt = s.clock.Now().UTC()
		return report, nil
	}

	// Workers pull queued units; a unit queued after cancellation is
	// left pending instead of started.
	results := make([]UnitResult, len(items))
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range items {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = UnitResult{
					Unit:  items[i].unit,
					State: StatePending,
					Files: len(items[i].refs),
				}
				return nil
			}
			unitCtx := context.WithoutCancel(ctx)
			results[i] = s.processUnit(unitCtx, log, items[i], req.KeepStaged)
			return nil
		})
	}
	_ = g.Wait()

	var failedIDs []string
	for _, r := range results {
		report.Units = append(report.Units, r)
		report.BytesFetched += r.Bytes
		report.FilesFetched += r.Fetched
		report.ChunksWritten += r.ChunksWritten
		report.ChunksSkipped += r.ChunksSkipped
		report.SlicesWritten += r.SlicesWritten
		switch r.State {
		case StateMerged:
			report.UnitsMerged++
		case StateFailed:
			report.UnitsFailed++
			failedIDs = append(failedIDs, r.Unit.String())
		default:
			report.UnitsSkipped++
		}
	}
	report.FinishedAt = s.clock.Now().UTC()

	if report.UnitsSkipped > 0 && ctx.Err() != nil {
		log.Warn("run interrupted",
			"merged", report.UnitsMerged,
			"failed", report.UnitsFailed,
			"skipped", report.UnitsSkipped)
		return report, errors.Wrapf(ctx.Err(), "run interrupted with %d of %d units not started",
			report.UnitsSkipped, report.UnitsTotal)
	}
	if report.UnitsFailed > s.tolerance {
		log.Error("run exceeded failure tolerance",
			"merged", report.UnitsMerged,
			"failed", report.UnitsFailed,
			"tolerance", s.tolerance)
		return report, &errors.PartialIngestion{
			Succeeded: report.UnitsMerged,
			Failed:    report.UnitsFailed,
			Units:     failedIDs,
		}
	}
	log.Info("run finished",
		"merged", report.UnitsMerged,
		"failed", report.UnitsFailed,
		"bytes", report.BytesFetched,
		"chunks_written", report.ChunksWritten,
		"chunks_skipped", report.ChunksSkipped,
		"duration", report.Duration())
	return report, nil
}

// plan lists every requested provider and groups the references into
// units, ordered by init time with ties broken by provider name.
func (s *Service) plan(ctx context.Context, providers []string, window nwp.TimeWindow) ([]workItem, error) {
	var items []workItem
	for _, name := range providers {
		client, err := s.reg.Get(name)
		if err != nil {
			return nil, err
		}
		refs, err := client.ListFiles(ctx, window)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", name)
		}
		for _, group := range provider.GroupByInitTime(refs) {
			items = append(items, workItem{
				unit: Unit{Provider: name, InitTime: group[0].InitTime.UTC()},
				refs: group,
			})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].unit.InitTime.Equal(items[j].unit.InitTime) {
			return items[i].unit.InitTime.Before(items[j].unit.InitTime)
		}
		return items[i].unit.Provider < items[j].unit.Provider
	})
	return items, nil
}

// processUnit walks one unit through the pipeline and always returns a
// terminal state.
func (s *Service) processUnit(ctx context.Context, log *slog.Logger, item workItem, keepStaged bool) (res UnitResult) {
	unit := item.unit
	res = UnitResult{Unit: unit, State: StateFetching, Files: len(item.refs)}
	start := s.clock.Now()
	defer func() {
		res.Duration = s.clock.Since(start)
		s.metrics.UnitsTotal.WithLabelValues(unit.Provider, res.State.String()).Inc()
	}()
	fail := func(err error) UnitResult {
		log.Warn("unit failed",
			"unit", unit.String(),
			"stage", res.State.String(),
			"error", err)
		res.State = StateFailed
		res.Err = err
		return res
	}

	// Staged files persist across failures; only a merged unit releases
	// them. A rerun reuses whatever is already in the cache.
	staged := make([]nwp.StagedFile, len(item.refs))
	fg, fctx := errgroup.WithContext(ctx)
	for i, ref := range item.refs {
		fg.Go(func() error {
			sf, err := s.fetcher.Fetch(fctx, ref)
			if err != nil {
				return err
			}
			staged[i] = sf
			return nil
		})
	}
	err := fg.Wait()
	for _, sf := range staged {
		if sf.Path != "" {
			res.Fetched++
			res.Bytes += sf.Size
		}
	}
	if err != nil {
		return fail(err)
	}

	res.State = StateParsing
	var fields []nwp.RawField
	for _, sf := range staged {
		raw, err := s.decode(sf.Path)
		if err != nil {
			s.metrics.DecodeErrors.WithLabelValues(unit.Provider).Inc()
			return fail(err)
		}
		fields = append(fields, raw.Fields...)
	}

	res.State = StateNormalizing
	array, err := s.normalizer.Normalize(&nwp.RawData{Fields: fields}, unit.Provider)
	if err != nil {
		if errors.Is(err, errors.ErrSchemaMismatch) {
			s.metrics.SchemaMismatches.WithLabelValues(unit.Provider).Inc()
		}
		return fail(err)
	}

	mergeStart := s.clock.Now()
	merged, err := s.store.Merge(ctx, array)
	s.metrics.MergeDuration.Observe(s.clock.Since(mergeStart).Seconds())
	if err != nil {
		return fail(err)
	}
	res.ChunksWritten = merged.ChunksWritten
	res.ChunksSkipped = merged.ChunksSkipped
	res.SlicesWritten = merged.SlicesWritten
	s.metrics.ChunkWrites.Add(float64(merged.ChunksWritten))
	s.metrics.ChunkSkips.Add(float64(merged.ChunksSkipped))

	res.State = StateMerged
	if !keepStaged {
		for _, sf := range staged {
			if err := s.fetcher.Discard(ctx, sf.Ref); err != nil {
				log.Warn("staged file not released",
					"key", sf.Ref.Key(),
					"error", err)
			}
		}
	}
	log.Debug("unit merged",
		"unit", unit.String(),
		"files", res.Fetched,
		"bytes", res.Bytes,
		"chunks_written", res.ChunksWritten,
		"chunks_skipped", res.ChunksSkipped,
		"slices", res.SlicesWritten)
	return res
}
