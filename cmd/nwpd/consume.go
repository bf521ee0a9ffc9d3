package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nwpio/nwpd/internal/consumer"
	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/logging"
	"github.com/nwpio/nwpd/internal/nwp"
	"github.com/nwpio/nwpd/internal/observability"
)

// runConsume ingests one window of init times end to end: list, fetch,
// decode, normalize, merge.
func runConsume(args []string) int {
	fs := flag.NewFlagSet("consume", flag.ContinueOnError)
	var (
		cfgPath     = fs.String("config", defaultConfigPath, "config file path")
		fromStr     = fs.String("from", "", "window start, RFC 3339 or YYYY-MM-DD (required)")
		toStr       = fs.String("to", "", "window end, exclusive, RFC 3339 or YYYY-MM-DD (required)")
		providers   = fs.String("providers", "", "comma-separated providers (default: all enabled)")
		maxFailed   = fs.Int("max-failed", -1, "failed units tolerated before partial ingestion (overrides config)")
		workers     = fs.Int("workers", 0, "units processed in parallel (overrides config)")
		dryRun      = fs.Bool("dry-run", false, "plan units and stop before fetching")
		keepStaged  = fs.Bool("keep-staged", false, "keep staged raw files after merging")
		rebuild     = fs.Bool("rebuild", false, "rebuild the store manifest from chunk files first")
		metricsAddr = fs.String("metrics-addr", "", "serve /metrics on this address during the run (overrides config)")
		askCreds    = fs.Bool("ask-credentials", false, "prompt for missing provider credentials")
	)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return errors.ExitSuccess
		}
		return errors.ExitFatal
	}

	window, err := parseWindow(*fromStr, *toStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nwpd consume: %v\n", err)
		return errors.ExitFatal
	}

	cfg, err := parseConfig(fs, *cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nwpd consume: %v\n", err)
		return errors.ExitFatal
	}
	if *maxFailed >= 0 {
		tolerance := *maxFailed
		cfg.Consume.MaxFailedUnits = &tolerance
	}
	if *workers > 0 {
		cfg.Consume.UnitWorkers = *workers
	}
	if *keepStaged {
		cfg.Consume.KeepStaged = true
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "nwpd consume: %v\n", err)
		return errors.ExitFatal
	}

	logging.Init(cfg.Logging.SlogLevel(), cfg.Logging.JSON())
	log := logging.Component("cli")

	names, err := selectProviders(cfg, *providers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nwpd consume: %v\n", err)
		return errors.ExitFatal
	}
	if *askCreds {
		if err := promptCredentials(cfg, missingForRun(cfg, names)); err != nil {
			fmt.Fprintf(os.Stderr, "nwpd consume: %v\n", err)
			return errors.ExitFatal
		}
	}
	if missing := missingForRun(cfg, names); len(missing) > 0 {
		for _, cred := range missing {
			fmt.Fprintf(os.Stderr, "nwpd consume: missing credential %s (set %s or use -ask-credentials)\n",
				cred.Field, cred.Env)
		}
		return errors.ExitFatal
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "nwpd consume: %v\n", err)
		return errors.ExitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.New(nil)
	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr, log)
		defer stopMetrics()
	}

	p, err := buildPipeline(ctx, cfg, names, metrics, *rebuild)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nwpd consume: %v\n", err)
		return errors.ExitFatal
	}
	defer p.store.Close()

	if *rebuild {
		n, err := p.store.Rebuild(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "nwpd consume: rebuild manifest: %v\n", err)
			return errors.ExitFatal
		}
		log.Info("manifest rebuilt", "records", n)
	}

	report, runErr := p.svc.Run(ctx, consumer.Request{
		Providers:  names,
		Window:     window,
		DryRun:     *dryRun,
		KeepStaged: cfg.Consume.KeepStaged,
	})
	if report != nil {
		printReport(os.Stdout, report)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "nwpd consume: %v\n", runErr)
	}
	if report != nil && report.UnitsFailed > 0 {
		// An open breaker separates "the provider was down" from
		// unit-local decode or merge failures.
		for _, name := range names {
			if h := p.clients[name]; h != nil {
				log.Info("provider breaker", "provider", name, "state", h.State())
			}
		}
	}

	// Staged files from merged units are already gone; pruning sweeps
	// leftovers of failed or interrupted runs past their age limit.
	if p.dirCache != nil && cfg.Staging.MaxAge > 0 && !*dryRun {
		if n, err := p.dirCache.Prune(cfg.Staging.MaxAge); err != nil {
			log.Warn("staging prune failed", "error", err)
		} else if n > 0 {
			log.Info("staging pruned", "removed", n)
		}
	}

	return errors.ErrorToExitCode(runErr)
}

// parseWindow turns the -from/-to flags into a validated half-open window.
func parseWindow(fromStr, toStr string) (nwp.TimeWindow, error) {
	if fromStr == "" || toStr == "" {
		return nwp.TimeWindow{}, errors.NewValidation("window", "-from and -to are required")
	}
	from, err := parseTime(fromStr)
	if err != nil {
		return nwp.TimeWindow{}, errors.Wrapf(errors.ErrInvalidConfig,
			"parse -from %q: want RFC 3339 or YYYY-MM-DD", fromStr)
	}
	to, err := parseTime(toStr)
	if err != nil {
		return nwp.TimeWindow{}, errors.Wrapf(errors.ErrInvalidConfig,
			"parse -to %q: want RFC 3339 or YYYY-MM-DD", toStr)
	}
	window := nwp.NewTimeWindow(from, to)
	if err := window.Validate(); err != nil {
		return nwp.TimeWindow{}, err
	}
	return window, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// printReport writes the run summary in the shape operators grep for.
func printReport(w io.Writer, r *consumer.Report) {
	fmt.Fprintf(w, "run %s %s\n", r.RunID, r.Window)
	fmt.Fprintf(w, "  providers: %s\n", strings.Join(r.Providers, ", "))
	if r.DryRun {
		fmt.Fprintf(w, "  mode:      dry run\n")
	}
	fmt.Fprintf(w, "  units:     %d merged, %d failed, %d skipped of %d\n",
		r.UnitsMerged, r.UnitsFailed, r.UnitsSkipped, r.UnitsTotal)
	fmt.Fprintf(w, "  files:     %d fetched of %d planned, %s\n",
		r.FilesFetched, r.FilesPlanned, formatBytes(r.BytesFetched))
	fmt.Fprintf(w, "  chunks:    %d written, %d unchanged, %d slices\n",
		r.ChunksWritten, r.ChunksSkipped, r.SlicesWritten)
	fmt.Fprintf(w, "  duration:  %s\n", r.Duration().Round(time.Millisecond))
	if failed := r.Failed(); len(failed) > 0 {
		fmt.Fprintln(w, "failed units:")
		for _, u := range failed {
			fmt.Fprintf(w, "  %s: %v\n", u.Unit, u.Err)
		}
	}
}
