// Package icon fetches ICON-EU GRIB2 files from the DWD open-data tree.
//
// DWD publishes each run as one bz2-compressed GRIB2 file per
// (variable, step) under a public HTTPS tree keyed by run hour and
// variable directory. There is no listing API worth speaking of, so the
// client enumerates the tree deterministically and probes one file per
// run to tell published runs from pending ones. Files decompress during
// download; staged names drop the .bz2 suffix.
package icon

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/logging"
	"github.com/nwpio/nwpd/internal/nwp"
	"github.com/nwpio/nwpd/internal/provider"
	"github.com/nwpio/nwpd/internal/provider/httpc"
)

const (
	providerName = "icon"

	defaultBaseURL = "https://opendata.dwd.de/weather/nwp/icon-eu/grib"

	// retention covers what the open-data tree keeps before rotation.
	retention = 24 * time.Hour

	defaultCycle = 6 * time.Hour

	maxStep = 78
)

// defaultVariables names the single-level directories fetched per run.
// The set mirrors the canonical vocabulary; deployments trim or extend
// it in configuration.
var defaultVariables = []string{
	"t_2m", "relhum_2m", "prate", "sde", "ws_10m", "wdir_10m",
	"vis", "lcc", "mcc", "hcc", "dswrf", "dlwrf",
}

// Options configure the client. Zero values take production defaults.
type Options struct {
	// BaseURL overrides the open-data host, mainly for tests.
	BaseURL string

	// Variables overrides the variable directories to fetch.
	Variables []string

	// Steps overrides the forecast steps to fetch, in hours.
	Steps []int

	// Cycle overrides the spacing between runs.
	Cycle time.Duration

	// HTTP overrides the resilient HTTP client.
	HTTP *httpc.Client

	// Clock overrides the wall clock.
	Clock clockwork.Clock
}

// Client enumerates and downloads ICON-EU open-data files.
type Client struct {
	base      string
	variables []string
	steps     []int
	cycle     time.Duration
	http      *httpc.Client
	clock     clockwork.Clock
	log       *slog.Logger
}

var _ provider.Client = (*Client)(nil)

// New builds an ICON client. The open-data tree is anonymous, so there
// are no credentials to validate.
func New(opts Options) *Client {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	variables := opts.Variables
	if len(variables) == 0 {
		variables = defaultVariables
	}
	steps := opts.Steps
	if len(steps) == 0 {
		steps = defaultSteps()
	}
	cycle := opts.Cycle
	if cycle <= 0 {
		cycle = defaultCycle
	}
	hc := opts.HTTP
	if hc == nil {
		hc = httpc.New(providerName, httpc.Options{})
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		base:      base,
		variables: variables,
		steps:     steps,
		cycle:     cycle,
		http:      hc,
		clock:     clock,
		log:       logging.Component(providerName),
	}
}

func defaultSteps() []int {
	steps := make([]int, maxStep+1)
	for i := range steps {
		steps[i] = i
	}
	return steps
}

// Name returns the registry name.
func (c *Client) Name() string { return providerName }

// Retention reports how long files stay on the open-data tree.
func (c *Client) Retention() time.Duration { return retention }

// ListFiles enumerates (variable, step) files for every run cycle inside
// the window. One probe per run decides whether DWD has published it yet;
// unpublished runs are skipped without error.
func (c *Client) ListFiles(ctx context.Context, window nwp.TimeWindow) ([]nwp.FileReference, error) {
	if err := provider.CheckWindow(c.clock.Now(), c, window); err != nil {
		return nil, err
	}

	var refs []nwp.FileReference
	for _, it := range window.InitTimes(c.cycle) {
		if err := c.http.Head(ctx, c.fileURL(it, c.variables[0], c.steps[0]), nil); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				c.log.Debug("run not on open-data tree", "init_time", it.Format(time.RFC3339))
				continue
			}
			return nil, err
		}
		for _, v := range c.variables {
			for _, step := range c.steps {
				name := c.fileName(it, v, step)
				refs = append(refs, nwp.FileReference{
					Provider: providerName,
					// Staged files are decompressed, so the reference
					// name drops the archive suffix.
					Name:      strings.TrimSuffix(name, ".bz2"),
					URL:       c.dirURL(it, v) + "/" + name,
					InitTime:  it,
					StepHours: step,
				})
			}
		}
	}

	provider.SortRefs(refs)
	c.log.Debug("enumerated open-data files", "window", window.String(), "files", len(refs))
	return refs, nil
}

// Download streams one file, decompressing on the way through. The
// returned count is decompressed bytes.
func (c *Client) Download(ctx context.Context, ref nwp.FileReference, w io.Writer) (int64, error) {
	resp, err := c.http.Get(ctx, ref.URL, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, bzip2.NewReader(resp.Body))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return n, err
		}
		return n, errors.Wrapf(errors.ErrTransient, "%s: decompress failed after %d bytes: %v", ref.Name, n, err)
	}
	return n, nil
}

func (c *Client) dirURL(it time.Time, variable string) string {
	return fmt.Sprintf("%s/%02d/%s", c.base, it.Hour(), variable)
}

func (c *Client) fileURL(it time.Time, variable string, step int) string {
	return c.dirURL(it, variable) + "/" + c.fileName(it, variable, step)
}

func (c *Client) fileName(it time.Time, variable string, step int) string {
	return fmt.Sprintf("icon-eu_europe_regular-lat-lon_single-level_%s_%03d_%s.grib2.bz2",
		it.Format("2006010215"), step, strings.ToUpper(variable))
}
