package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/logging"
	"github.com/nwpio/nwpd/internal/store"
)

// runConsolidate folds the daily chunks of one month into monthly chunks.
func runConsolidate(args []string) int {
	fs := flag.NewFlagSet("consolidate", flag.ContinueOnError)
	var (
		cfgPath  = fs.String("config", defaultConfigPath, "config file path")
		monthStr = fs.String("month", "", "month to consolidate, YYYY-MM (default: newest eligible)")
	)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return errors.ExitSuccess
		}
		return errors.ExitFatal
	}

	cfg, err := parseConfig(fs, *cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nwpd consolidate: %v\n", err)
		return errors.ExitFatal
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "nwpd consolidate: %v\n", err)
		return errors.ExitFatal
	}

	logging.Init(cfg.Logging.SlogLevel(), cfg.Logging.JSON())

	var month time.Time
	if *monthStr != "" {
		month, err = time.Parse("2006-01", *monthStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "nwpd consolidate: parse -month %q: want YYYY-MM\n", *monthStr)
			return errors.ExitFatal
		}
	} else {
		month = latestEligibleMonth(time.Now().UTC(), cfg.Store.ConsolidateMinAge)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Root, store.Options{
		Compression:          cfg.Store.Compression,
		ConsolidateMinChunks: cfg.Store.ConsolidateMinChunks,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "nwpd consolidate: %v\n", err)
		return errors.ExitFatal
	}
	defer st.Close()

	res, err := st.Consolidate(ctx, month)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nwpd consolidate: %v\n", err)
		return errors.ErrorToExitCode(err)
	}

	if res.SourceChunks == 0 {
		fmt.Printf("%s: nothing to consolidate\n", month.Format("2006-01"))
		return errors.ExitSuccess
	}
	fmt.Printf("%s: %d variables, %d day chunks folded, %d slices, %s\n",
		month.Format("2006-01"), res.Variables, res.SourceChunks, res.Slices, formatBytes(res.Bytes))
	return errors.ExitSuccess
}

// latestEligibleMonth returns the most recent month that ended at least
// minAge before now, keeping consolidation away from the month still
// being written.
func latestEligibleMonth(now time.Time, minAge time.Duration) time.Time {
	t := now.Add(-minAge)
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, -1, 0)
}
