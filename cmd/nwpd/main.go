// nwpd ingests numerical weather prediction output into a local parquet
// chunk store.
//
// Usage:
//
//	nwpd consume -from TIME -to TIME [flags]   ingest a window of init times
//	nwpd consolidate [-month YYYY-MM] [flags]  fold daily chunks into monthly ones
//	nwpd check [flags]                         probe providers, staging and the store
//	nwpd env                                   list recognized environment variables
//
// Exit codes: 0 success, 1 fatal, 2 partial ingestion.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/loader"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return errors.ExitFatal
	}
	switch args[0] {
	case "consume":
		return runConsume(args[1:])
	case "consolidate":
		return runConsolidate(args[1:])
	case "check":
		return runCheck(args[1:])
	case "env":
		return runEnv(args[1:])
	case "version", "-version", "--version":
		fmt.Printf("nwpd %s\n", Version)
		return errors.ExitSuccess
	case "help", "-h", "-help", "--help":
		usage()
		return errors.ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "nwpd: unknown command %q\n\n", args[0])
		usage()
		return errors.ExitFatal
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `nwpd %s - numerical weather prediction ingestion

Usage:
  nwpd consume -from TIME -to TIME [flags]   ingest a window of init times
  nwpd consolidate [-month YYYY-MM] [flags]  fold daily chunks into monthly ones
  nwpd check [flags]                         probe providers, staging and the store
  nwpd env                                   list recognized environment variables
  nwpd version                               print the version

Exit codes: 0 success, 1 fatal, 2 partial ingestion.
Run 'nwpd <command> -h' for command flags.
`, Version)
}

// runEnv lists the recognized environment variables and whether each is
// set. Values are credentials and never printed.
func runEnv(args []string) int {
	fs := flag.NewFlagSet("env", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return errors.ExitSuccess
		}
		return errors.ExitFatal
	}
	fmt.Println("Environment variables recognized by nwpd (values are never printed):")
	for _, v := range loader.EnvVars() {
		state := "unset"
		if v.Set {
			state = "set"
		}
		fmt.Printf("  %-30s %s\n", v.Name, state)
	}
	return errors.ExitSuccess
}
