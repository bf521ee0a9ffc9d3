package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/loader"
	"github.com/nwpio/nwpd/internal/logging"
	"github.com/nwpio/nwpd/internal/nwp"
	"github.com/nwpio/nwpd/internal/store"
	"github.com/nwpio/nwpd/internal/store/query"
)

const (
	// probeSpan is the listing window probed per provider. One day keeps
	// the probe cheap while still exercising the provider's index.
	probeSpan = 24 * time.Hour

	// probeTimeout bounds one provider probe.
	probeTimeout = time.Minute
)

// phase tracks pass/fail for one health check phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// runCheck probes every configured dependency and reports what an
// ingestion run would find: provider listings, staging, store, query.
func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	var (
		cfgPath = fs.String("config", defaultConfigPath, "config file path")
		verbose = fs.Bool("v", false, "print per variable summaries and per init time coverage")
	)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return errors.ExitSuccess
		}
		return errors.ExitFatal
	}

	cfg, err := parseConfig(fs, *cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nwpd check: %v\n", err)
		return errors.ExitFatal
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "nwpd check: %v\n", err)
		return errors.ExitFatal
	}

	// The report is the output; component logs stay quiet below Warn.
	logging.Init(slog.LevelWarn, cfg.Logging.JSON())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("=== nwpd health check ===")
	fmt.Println()

	phases := []*phase{
		checkProviders(ctx, cfg),
		checkStaging(ctx, cfg),
		checkStore(cfg, *verbose),
		checkQuery(ctx, cfg, *verbose),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll checks passed.")
		return errors.ExitSuccess
	}
	fmt.Println("\nCheck FAILED.")
	return errors.ExitFatal
}

// checkProviders lists a one-day window against every enabled provider.
func checkProviders(ctx context.Context, cfg *loader.Config) *phase {
	p := &phase{name: "providers (listing probe)"}
	hopts := httpcOptions(cfg.HTTP)
	now := time.Now().UTC()
	window := nwp.NewTimeWindow(now.Add(-probeSpan), now)

	for _, name := range cfg.Providers.Enabled() {
		client, h, err := buildProvider(cfg, name, hopts)
		if err != nil {
			p.errorf("%s: construct: %v", name, err)
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		refs, err := client.ListFiles(probeCtx, window)
		cancel()
		if err != nil {
			p.errorf("%s: list last %s: %v (breaker %s)", name, probeSpan, err, h.State())
			continue
		}
		fmt.Printf("  %s: %d files in the last %s, breaker %s\n", name, len(refs), probeSpan, h.State())
	}
	for _, cred := range cfg.MissingCredentials() {
		fmt.Printf("  note: %s is unset, downloads will fail (set %s)\n", cred.Field, cred.Env)
	}
	return p
}

// checkStaging round-trips a probe entry through the configured cache.
func checkStaging(ctx context.Context, cfg *loader.Config) *phase {
	p := &phase{name: "staging (" + cfg.Staging.Backend + ")"}
	cache, _, s3Cache, err := newStagingCache(ctx, cfg.Staging)
	if err != nil {
		p.errorf("open: %v", err)
		return p
	}
	if s3Cache != nil {
		if err := s3Cache.Health(ctx); err != nil {
			p.errorf("bucket %s: %v", cfg.Staging.S3.Bucket, err)
			return p
		}
		fmt.Printf("  s3 bucket %s reachable\n", cfg.Staging.S3.Bucket)
		return p
	}
	key := "check/probe"
	if _, err := cache.Put(ctx, key, strings.NewReader("nwpd")); err != nil {
		p.errorf("write probe to %s: %v", cfg.Staging.Dir, err)
		return p
	}
	if err := cache.Delete(ctx, key); err != nil {
		p.errorf("delete probe: %v", err)
		return p
	}
	fmt.Printf("  dir %s writable\n", cfg.Staging.Dir)
	return p
}

// checkStore opens the store and reports the manifest size.
func checkStore(cfg *loader.Config, verbose bool) *phase {
	p := &phase{name: "store (manifest)"}
	st, err := store.Open(cfg.Store.Root, store.Options{Compression: cfg.Store.Compression})
	if err != nil {
		if errors.Is(err, errors.ErrCorruptManifest) {
			p.errorf("manifest corrupt: %v (re-derive with consume -rebuild)", err)
		} else {
			p.errorf("open %s: %v", cfg.Store.Root, err)
		}
		return p
	}
	defer st.Close()
	fmt.Printf("  %s: %d manifest records\n", st.Root(), len(st.Records()))
	if verbose {
		printSliceSummaries(st.Records())
	}
	return p
}

// printSliceSummaries condenses the manifest's per-slice summaries into one
// line per variable: slice count plus the value distribution of the slice
// written last.
func printSliceSummaries(records []store.Record) {
	byVar := make(map[string][]store.Record)
	for _, rec := range records {
		byVar[rec.Variable] = append(byVar[rec.Variable], rec)
	}
	names := make([]string, 0, len(byVar))
	for name := range byVar {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		recs := byVar[name]
		newest := recs[0]
		for _, rec := range recs[1:] {
			if rec.WrittenAt.After(newest.WrittenAt) {
				newest = rec
			}
		}
		sum := newest.Summary
		if sum == nil {
			fmt.Printf("    %-6s %d slices\n", name, len(recs))
			continue
		}
		line := fmt.Sprintf("    %-6s %d slices, newest min %.6g mean %.6g max %.6g",
			name, len(recs), sum.Min, sum.Mean, sum.Max)
		if total := sum.Count + sum.Missing; total > 0 && sum.Missing > 0 {
			line += fmt.Sprintf(", %.1f%% missing", 100*float64(sum.Missing)/float64(total))
		}
		fmt.Println(line)
	}
}

// checkQuery opens a DuckDB session over the chunks and reports totals.
func checkQuery(ctx context.Context, cfg *loader.Config, verbose bool) *phase {
	p := &phase{name: "query (duckdb)"}
	svc, err := query.New(cfg.Store.Root, query.Options{MemoryLimit: cfg.Store.Query.MemoryLimit})
	if err != nil {
		p.errorf("open session: %v", err)
		return p
	}
	defer svc.Close()

	totals, err := svc.StoreTotals(ctx)
	if err != nil {
		p.errorf("totals: %v", err)
		return p
	}
	if totals.Slices == 0 {
		fmt.Println("  store is empty")
		return p
	}
	fmt.Printf("  %d slices, %d variables, %d init times, %s to %s\n",
		totals.Slices, totals.Variables, totals.Inits,
		totals.First.Format("2006-01-02 15:04"), totals.Last.Format("2006-01-02 15:04"))

	if verbose {
		rows, err := svc.Inventory(ctx, query.InventoryQuery{})
		if err != nil {
			p.errorf("inventory: %v", err)
			return p
		}
		for _, row := range rows {
			fmt.Printf("    %-6s %s %-10s steps %3d (%d..%d), %d slices\n",
				row.Variable, row.InitTime.Format("2006-01-02 15:04"), row.Provider,
				row.Steps, row.MinStep, row.MaxStep, row.Slices)
		}
	}
	return p
}
