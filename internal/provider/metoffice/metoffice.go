// Package metoffice fetches GRIB files from the Met Office Weather
// DataHub.
//
// DataHub customers subscribe to an order, a fixed selection of model
// parameters and steps. The order's "latest" endpoint lists one file per
// (parameter, step) across the runs it still holds; each file downloads
// individually. Authentication is a client id and secret pair sent on
// every request.
package metoffice

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
	providerName = "metoffice"

	defaultBaseURL = "https://api-metoffice.apiconnect.ibmcloud.com/1.0.0"

	// retention covers the runs a live order keeps on its latest endpoint.
	retention = 48 * time.Hour
)

// Options configure the client. OrderID, ClientID and ClientSecret are
// required.
type Options struct {
	// BaseURL overrides the API host, mainly for tests.
	BaseURL string

	// OrderID names the DataHub order to pull files from.
	OrderID string

	// ClientID and ClientSecret are the IBM API Connect credentials.
	ClientID     string
	ClientSecret string

	// HTTP overrides the resilient HTTP client.
	HTTP *httpc.Client

	// Clock overrides the wall clock.
	Clock clockwork.Clock
}

// Client lists and downloads order files from DataHub.
type Client struct {
	base         string
	orderID      string
	clientID     string
	clientSecret string
	http         *httpc.Client
	clock        clockwork.Clock
	log          *slog.Logger
}

var _ provider.Client = (*Client)(nil)

// New builds a DataHub client. Missing credentials fail here rather than
// as a 401 on the first listing.
func New(opts Options) (*Client, error) {
	if opts.OrderID == "" || opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, errors.NewValidation("metoffice credentials",
			"order id, client id and client secret are all required")
	}
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
		base:         base,
		orderID:      opts.OrderID,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		http:         hc,
		clock:        clock,
		log:          logging.Component(providerName),
	}, nil
}

// Name returns the registry name.
func (c *Client) Name() string { return providerName }

// Retention reports how far back the latest endpoint reaches.
func (c *Client) Retention() time.Duration { return retention }

// apiTime parses the order endpoint's timestamps, which come with and
// without an explicit zone. Zoneless values are UTC.
type apiTime struct{ time.Time }

func (t *apiTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized order timestamp %q", s)
}

// orderResponse is the JSON shape of the latest-order listing.
type orderResponse struct {
	OrderDetails struct {
		Files []orderFile `json:"files"`
	} `json:"orderDetails"`
}

type orderFile struct {
	FileID      string  `json:"fileId"`
	RunDateTime apiTime `json:"runDateTime"`
}

// ListFiles returns a reference per order file whose run falls inside the
// window. File ids carrying a "+" are relative-step aliases of files the
// listing already names absolutely, so they are skipped.
func (c *Client) ListFiles(ctx context.Context, window nwp.TimeWindow) ([]nwp.FileReference, error) {
	if err := provider.CheckWindow(c.clock.Now(), c, window); err != nil {
		return nil, err
	}

	var resp orderResponse
	url := fmt.Sprintf("%s/orders/%s/latest?detail=MINIMAL", c.base, c.orderID)
	if err := c.http.GetJSON(ctx, url, c.headers("application/json"), &resp); err != nil {
		return nil, err
	}

	var refs []nwp.FileReference
	for _, f := range resp.OrderDetails.Files {
		if strings.Contains(f.FileID, "+") {
			continue
		}
		if !window.Contains(f.RunDateTime.Time) {
			continue
		}
		refs = append(refs, nwp.FileReference{
			Provider:  providerName,
			Name:      f.FileID,
			URL:       fmt.Sprintf("%s/orders/%s/latest/%s/data", c.base, c.orderID, f.FileID),
			InitTime:  f.RunDateTime.Time,
			StepHours: nwp.StepAll,
		})
	}

	provider.SortRefs(refs)
	c.log.Debug("listed order files", "order", c.orderID, "window", window.String(), "files", len(refs))
	return refs, nil
}

// Download streams one order file as GRIB.
func (c *Client) Download(ctx context.Context, ref nwp.FileReference, w io.Writer) (int64, error) {
	return c.http.Download(ctx, ref.URL, c.headers("application/x-grib"), w)
}

func (c *Client) headers(accept string) http.Header {
	h := http.Header{}
	h.Set("Accept", accept)
	h.Set("X-IBM-Client-Id", c.clientID)
	h.Set("X-IBM-Client-Secret", c.clientSecret)
	return h
}
