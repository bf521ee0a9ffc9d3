// Package ceda fetches UKV wholesale GRIB files from the CEDA archive.
//
// CEDA serves the Met Office UKV model as multi-parameter "wholesale"
// GRIB bundles, one set per model run, organized in per-day directories.
// Each day directory has a public JSON listing; the files themselves
// need an access token. File names start with the init time, e.g.
// 202301010300_u1096_ng_umqv_Wholesale1.grib.
package ceda

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
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
	providerName = "ceda"

	defaultBaseURL = "https://data.ceda.ac.uk"
	archivePath    = "badc/ukmo-nwp/data/ukv-grib"

	// initTimeLayout is the timestamp prefix on every wholesale file name.
	initTimeLayout = "200601021504"
)

// wantedSets are the wholesale bundles carrying the canonical parameters.
// The remaining bundles hold site-specific and probabilistic products.
var wantedSets = []string{"Wholesale1.grib", "Wholesale2.grib"}

// Options configure the client. Zero values take production defaults.
type Options struct {
	// BaseURL overrides the archive host, mainly for tests.
	BaseURL string

	// Token is the CEDA access token sent as a bearer credential on
	// downloads. Listings are public and never send it.
	Token string

	// HTTP overrides the resilient HTTP client.
	HTTP *httpc.Client

	// Clock overrides the wall clock.
	Clock clockwork.Clock
}

// Client lists and downloads UKV wholesale files.
type Client struct {
	base  string
	token string
	http  *httpc.Client
	clock clockwork.Clock
	log   *slog.Logger
}

var _ provider.Client = (*Client)(nil)

// New builds a CEDA client. A missing token still lists fine; downloads
// will come back 403 until one is configured.
func New(opts Options) *Client {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
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
		base:  base,
		token: opts.Token,
		http:  hc,
		clock: clock,
		log:   logging.Component(providerName),
	}
}

// Name returns the registry name.
func (c *Client) Name() string { return providerName }

// Retention returns zero: CEDA is an archive reaching back to 2016.
func (c *Client) Retention() time.Duration { return 0 }

// dayListing is the JSON shape of a per-day directory listing.
type dayListing struct {
	Path  string        `json:"path"`
	Items []listingItem `json:"items"`
}

type listingItem struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ListFiles walks the day listings the window touches and returns a
// reference per wanted wholesale file. Days the archive has no directory
// for are skipped.
func (c *Client) ListFiles(ctx context.Context, window nwp.TimeWindow) ([]nwp.FileReference, error) {
	if err := provider.CheckWindow(c.clock.Now(), c, window); err != nil {
		return nil, err
	}

	var refs []nwp.FileReference
	for _, day := range window.Days() {
		var listing dayListing
		if err := c.http.GetJSON(ctx, c.dayURL(day)+"?json", nil, &listing); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				c.log.Debug("no archive directory for day", "day", day.Format("2006-01-02"))
				continue
			}
			return nil, err
		}
		for _, item := range listing.Items {
			ref, ok := c.reference(item)
			if !ok || !window.Contains(ref.InitTime) {
				continue
			}
			refs = append(refs, ref)
		}
	}

	provider.SortRefs(refs)
	c.log.Debug("listed wholesale files", "window", window.String(), "files", len(refs))
	return refs, nil
}

// Download streams one wholesale file, authenticating with the bearer
// token when one is configured.
func (c *Client) Download(ctx context.Context, ref nwp.FileReference, w io.Writer) (int64, error) {
	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	return c.http.Download(ctx, ref.URL, header, w)
}

func (c *Client) dayURL(day time.Time) string {
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d", c.base, archivePath, day.Year(), day.Month(), day.Day())
}

// reference parses one listing item into a file reference, rejecting
// names outside the wanted wholesale sets or without a parseable init
// time prefix.
func (c *Client) reference(item listingItem) (nwp.FileReference, bool) {
	wanted := false
	for _, set := range wantedSets {
		if strings.Contains(item.Name, set) {
			wanted = true
			break
		}
	}
	if !wanted {
		return nwp.FileReference{}, false
	}

	it, err := time.Parse(initTimeLayout, strings.SplitN(item.Name, "_", 2)[0])
	if err != nil {
		c.log.Warn("wholesale file with unparseable init time", "name", item.Name)
		return nwp.FileReference{}, false
	}

	return nwp.FileReference{
		Provider:  providerName,
		Name:      item.Name,
		URL:       c.dayURL(it) + "/" + item.Name,
		InitTime:  it,
		StepHours: nwp.StepAll,
		Size:      item.Size,
	}, true
}
