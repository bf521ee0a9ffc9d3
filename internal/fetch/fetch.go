// Package fetch stages raw model files from provider endpoints into a
// cache keyed by file reference.
//
// The Fetcher is the only component in the pipeline that retries.
// Provider clients classify failures, the fetcher decides how often to
// try again. Each download streams straight into the cache, the byte
// count is checked against the listing, and a CRC-32C is stamped over
// everything staged. Concurrent fetches of the same reference collapse
// into one download, and total fan-out is bounded by a weighted
// semaphore shared across all units of a run.
package fetch

import (
	"context"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/logging"
	"github.com/nwpio/nwpd/internal/nwp"
	"github.com/nwpio/nwpd/internal/observability"
	"github.com/nwpio/nwpd/internal/provider"
)

// DefaultMaxParallel bounds concurrent downloads across all providers.
const DefaultMaxParallel = 8

// castagnoli is the CRC-32C polynomial for staged file checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Cache stores staged payloads by reference key and hands them back as
// local file paths, so decoders never care whether staging is a
// directory or a bucket.
type Cache interface {
	// Put streams r under key, replacing any previous entry. The write
	// is atomic: a key is either absent or holds a complete payload.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Open returns a local filesystem path holding the payload.
	Open(ctx context.Context, key string) (string, error)

	// Stat returns the stored size, or ErrNotFound.
	Stat(ctx context.Context, key string) (int64, error)

	// Delete removes the entry. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Options configure a Fetcher.
type Options struct {
	Registry *provider.Registry
	Cache    Cache
	Policy   RetryPolicy

	// MaxParallel bounds concurrent downloads across the whole run.
	// Defaults to DefaultMaxParallel.
	MaxParallel int64

	// Clock drives retry backoff. Defaults to the wall clock.
	Clock clockwork.Clock

	// Metrics receives fetch instrumentation. Defaults to an unexposed
	// registry.
	Metrics *observability.Metrics
}

// Fetcher stages files through the cache with retries and download
// deduplication.
type Fetcher struct {
	reg     *provider.Registry
	cache   Cache
	policy  RetryPolicy
	sem     *semaphore.Weighted
	group   singleflight.Group
	clock   clockwork.Clock
	metrics *observability.Metrics
	log     *slog.Logger
}

// New builds a Fetcher. Registry and Cache are required.
func New(opts Options) (*Fetcher, error) {
	if opts.Registry == nil {
		return nil, errors.NewValidation("fetch registry", "provider registry is required")
	}
	if opts.Cache == nil {
		return nil, errors.NewValidation("fetch cache", "staging cache is required")
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetricsForTesting()
	}
	return &Fetcher{
		reg:     opts.Registry,
		cache:   opts.Cache,
		policy:  opts.Policy.normalized(),
		sem:     semaphore.NewWeighted(opts.MaxParallel),
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     logging.Component("fetch"),
	}, nil
}

// Fetch stages the referenced file and describes the result. Concurrent
// calls for the same reference key share a single download; a staged
// entry whose size already matches the listing is reused without
// touching the provider.
func (f *Fetcher) Fetch(ctx context.Context, ref nwp.FileReference) (nwp.StagedFile, error) {
	v, err, _ := f.group.Do(ref.Key(), func() (interface{}, error) {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer f.sem.Release(1)
		f.metrics.FetchInFlight.Inc()
		defer f.metrics.FetchInFlight.Dec()
		return f.stage(ctx, ref)
	})
	if err != nil {
		return nwp.StagedFile{}, err
	}
	return v.(nwp.StagedFile), nil
}

// Discard drops the staged payload for ref. Units call this once their
// slices are merged so staging space stays bounded.
func (f *Fetcher) Discard(ctx context.Context, ref nwp.FileReference) error {
	return f.cache.Delete(ctx, ref.Key())
}

func (f *Fetcher) stage(ctx context.Context, ref nwp.FileReference) (nwp.StagedFile, error) {
	key := ref.Key()
	size, err := f.cache.Stat(ctx, key)
	switch {
	case err == nil && (ref.Size == 0 || size == ref.Size):
		return f.reuse(ctx, ref, size)
	case err == nil:
		// A leftover from an earlier listing with a different size.
		f.log.Warn("staged size differs from listing, refetching",
			"ref", key, "staged", size, "listed", ref.Size)
		if err := f.cache.Delete(ctx, key); err != nil {
			return nwp.StagedFile{}, err
		}
	case !errors.Is(err, errors.ErrNotFound):
		return nwp.StagedFile{}, err
	}

	client, err := f.reg.Get(ref.Provider)
	if err != nil {
		return nwp.StagedFile{}, err
	}

	start := f.clock.Now()
	var lastErr error
	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			f.metrics.FetchRetries.WithLabelValues(ref.Provider).Inc()
			if err := f.sleep(ctx, f.policy.interval(attempt-1)); err != nil {
				return nwp.StagedFile{}, err
			}
		}
		staged, err := f.download(ctx, client, ref)
		if err == nil {
			if attempt > 1 {
				f.log.Info("download recovered", "ref", key, "attempt", attempt)
			}
			f.metrics.FetchFiles.WithLabelValues(ref.Provider, "staged").Inc()
			f.metrics.FetchBytes.WithLabelValues(ref.Provider).Add(float64(staged.Size))
			f.metrics.FetchDuration.WithLabelValues(ref.Provider).Observe(f.clock.Since(start).Seconds())
			return staged, nil
		}
		if !f.policy.Retryable(err) {
			f.metrics.FetchFiles.WithLabelValues(ref.Provider, "failed").Inc()
			return nwp.StagedFile{}, err
		}
		lastErr = err
		f.log.Warn("download failed", "ref", key, "attempt", attempt,
			"max_attempts", f.policy.MaxAttempts, "error", err)
	}
	f.metrics.FetchFiles.WithLabelValues(ref.Provider, "failed").Inc()
	return nwp.StagedFile{}, errors.Wrapf(lastErr, "fetch %s: gave up after %d attempts",
		key, f.policy.MaxAttempts)
}

// download runs one attempt: stream the provider payload into the cache,
// hashing as it goes, then verify the staged byte count.
func (f *Fetcher) download(ctx context.Context, client provider.Client, ref nwp.FileReference) (nwp.StagedFile, error) {
	actx := ctx
	if f.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, f.policy.AttemptTimeout)
		defer cancel()
	}

	key := ref.Key()
	sum := crc32.New(castagnoli)
	pr, pw := io.Pipe()
	go func() {
		_, err := client.Download(actx, ref, pw)
		pw.CloseWithError(err)
	}()
	n, err := f.cache.Put(actx, key, io.TeeReader(pr, sum))
	// Unblocks the downloader if the cache gave up before the body ended.
	pr.CloseWithError(err)
	if err != nil {
		return nwp.StagedFile{}, err
	}

	if ref.Size > 0 && n != ref.Size {
		// A short or long payload is a provider contract problem, not a
		// flaky network. Drop the entry so a later run cannot mistake it
		// for a good staging.
		if derr := f.cache.Delete(ctx, key); derr != nil {
			f.log.Error("cannot drop mismatched staging", "ref", key, "error", derr)
		}
		return nwp.StagedFile{}, errors.NewIntegrity(ref.Name, ref.Size, n)
	}

	path, err := f.cache.Open(ctx, key)
	if err != nil {
		return nwp.StagedFile{}, err
	}
	return nwp.StagedFile{
		Ref:       ref,
		Path:      path,
		Size:      n,
		Checksum:  sum.Sum32(),
		FetchedAt: f.clock.Now(),
	}, nil
}

// reuse serves a fetch from an existing staged entry. The bytes are
// re-hashed so Checksum always describes the file on disk.
func (f *Fetcher) reuse(ctx context.Context, ref nwp.FileReference, size int64) (nwp.StagedFile, error) {
	key := ref.Key()
	path, err := f.cache.Open(ctx, key)
	if err != nil {
		return nwp.StagedFile{}, err
	}
	sum, err := checksumFile(path)
	if err != nil {
		return nwp.StagedFile{}, err
	}
	f.metrics.FetchFiles.WithLabelValues(ref.Provider, "reused").Inc()
	f.log.Debug("reusing staged file", "ref", key, "size", size)
	return nwp.StagedFile{
		Ref:       ref,
		Path:      path,
		Size:      size,
		Checksum:  sum,
		FetchedAt: f.clock.Now(),
	}, nil
}

// sleep waits d on the injected clock, abandoning the wait when the run
// context ends.
func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	timer := f.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func checksumFile(path string) (uint32, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	sum := crc32.New(castagnoli)
	if _, err := io.Copy(sum, file); err != nil {
		return 0, errors.Wrapf(err, "checksum %s", path)
	}
	return sum.Sum32(), nil
}
