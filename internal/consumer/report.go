package consumer

import (
	"time"

	"github.com/nwpio/nwpd/internal/nwp"
)

// State tracks a unit through the pipeline stages.
type State int

const (
	StatePending State = iota
	StateFetching
	StateParsing
	StateNormalizing
	StateMerged
	StateFailed
)

// String returns the lowercase state name used in logs and metric labels.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateParsing:
		return "parsing"
	case StateNormalizing:
		return "normalizing"
	case StateMerged:
		return "merged"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the state is an end state.
func (s State) Terminal() bool {
	return s == StateMerged || s == StateFailed
}

// Unit identifies one (provider, init time) ingestion work item.
type Unit struct {
	Provider string
	InitTime time.Time
}

// String renders the identifier reports and log lines use for the unit.
func (u Unit) String() string {
	return u.Provider + "/" + u.InitTime.UTC().Format(time.RFC3339)
}

// UnitResult is the outcome of one unit.
type UnitResult struct {
	Unit

	// State is the unit's final state: StateMerged or StateFailed after a
	// processed run, StatePending when a dry run or cancellation left the
	// unit untouched.
	State State

	// Err is set when the unit failed.
	Err error

	// Files is the number of raw files the listing assigned to the unit.
	Files int

	// Fetched counts the files actually staged, Bytes their staged sizes.
	Fetched int
	Bytes   int64

	// Merge outcome for the unit's canonical array.
	ChunksWritten int
	ChunksSkipped int
	SlicesWritten int

	Duration time.Duration
}

// Request selects what a run ingests.
type Request struct {
	// Providers to ingest from. Empty means every registered provider.
	Providers []string

	// Window is the half-open span of init times to cover.
	Window nwp.TimeWindow

	// DryRun plans units and returns without fetching anything.
	DryRun bool

	// KeepStaged leaves staged raw files in the cache after merging.
	KeepStaged bool
}

// Report summarizes one run.
type Report struct {
	RunID     string
	Providers []string
	Window    nwp.TimeWindow
	DryRun    bool

	StartedAt  time.Time
	FinishedAt time.Time

	// Unit counts by final state. Skipped units were never started
	// because the run context was cancelled first.
	UnitsTotal   int
	UnitsMerged  int
	UnitsFailed  int
	UnitsSkipped int

	FilesPlanned int
	FilesFetched int
	BytesFetched int64

	ChunksWritten int
	ChunksSkipped int
	SlicesWritten int

	// Units holds every unit's result in issue order.
	Units []UnitResult
}

// Failed returns the units that ended in StateFailed.
func (r *Report) Failed() []UnitResult {
	var failed []UnitResult
	for _, u := range r.Units {
		if u.State == StateFailed {
			failed = append(failed, u)
		}
	}
	return failed
}

// Duration is the wall time from run start to finish.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
