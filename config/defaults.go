// Package config provides configuration defaults and utilities
// for the nwpd application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Fetch Defaults
// =============================================================================

const (
	// DefaultFetchWorkers is the download fan-out across all in-flight units.
	// Fetching is I/O-bound and tolerates a wider pool than decoding.
	// Override via config: consume.fetch_workers
	DefaultFetchWorkers = 8

	// DefaultFetchAttempts is the bound on attempts per file, first try included.
	// Override via config: fetch.max_attempts
	DefaultFetchAttempts = 5

	// DefaultFetchBackoffInitial is the delay before the second attempt.
	// Subsequent delays double until DefaultFetchBackoffMax.
	// Override via config: fetch.backoff_initial
	DefaultFetchBackoffInitial = 2 * time.Second

	// DefaultFetchBackoffMax caps the delay between attempts.
	// Override via config: fetch.backoff_max
	DefaultFetchBackoffMax = 30 * time.Second

	// DefaultFetchAttemptTimeout bounds a single download attempt.
	// Timeouts apply per attempt, never to the whole run.
	// Override via config: fetch.attempt_timeout
	DefaultFetchAttemptTimeout = 5 * time.Minute
)

// =============================================================================
// Worker Defaults
// =============================================================================

const (
	// DefaultUnitWorkers is the number of (provider, init_time) units processed
	// in parallel. Decoding is CPU-bound, so this stays close to core count;
	// 0 means runtime.NumCPU capped at 4.
	// Override via config: consume.unit_workers
	DefaultUnitWorkers = 0

	// DefaultUnitWorkersCap bounds the NumCPU-derived default.
	DefaultUnitWorkersCap = 4
)

// =============================================================================
// Staging Cache Defaults
// =============================================================================

const (
	// DefaultStagingMaxAge is how long staged raw files are kept before Prune
	// removes them. Merged units delete their staged files immediately unless
	// the run keeps them for inspection.
	// Override via config: staging.max_age
	DefaultStagingMaxAge = 48 * time.Hour
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultStoreDirPerm is the permission for created store directories.
	DefaultStoreDirPerm = 0o755

	// DefaultStoreFilePerm is the permission for chunk and manifest files.
	DefaultStoreFilePerm = 0o644

	// DefaultConsolidateMinChunks is the minimum number of daily chunks a
	// (variable, month) must have before consolidation rewrites it.
	// Override via config: store.consolidate_min_chunks
	DefaultConsolidateMinChunks = 2

	// DefaultConsolidateMinAge keeps consolidation away from the month still
	// being written. Only months whose last init time is older than this are
	// rewritten.
	// Override via config: store.consolidate_min_age
	DefaultConsolidateMinAge = 24 * time.Hour
)

// =============================================================================
// HTTP Defaults
// =============================================================================

const (
	// DefaultHTTPTimeout is the transport-level timeout for provider requests
	// that are not streaming a file body (listings, order metadata).
	// Override via config: http.timeout
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultBreakerFailures is the consecutive-failure count that opens a
	// provider circuit breaker.
	// Override via config: http.breaker_failures
	DefaultBreakerFailures = 5

	// DefaultBreakerCooldown is how long an open breaker waits before probing.
	// Override via config: http.breaker_cooldown
	DefaultBreakerCooldown = 60 * time.Second
)
