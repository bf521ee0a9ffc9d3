package icon

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/logging"
	"github.com/nwpio/nwpd/internal/nwp"
)

func TestMain(m *testing.M) {
	logging.InitWithHandler(slog.NewTextHandler(io.Discard, nil))
	os.Exit(m.Run())
}

// bz2Fixture is bzip2(bz2Plain), pre-compressed because the standard
// library only decompresses.
var bz2Fixture = []byte{
	0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0x73, 0x15,
	0xe8, 0xb0, 0x00, 0x00, 0x0d, 0x57, 0x80, 0x00, 0x10, 0x40, 0x00, 0x10,
	0xa0, 0x10, 0x00, 0x2f, 0x67, 0xdc, 0x20, 0x20, 0x00, 0x48, 0xcf, 0xfd,
	0x54, 0x81, 0xa3, 0xd4, 0x1a, 0x62, 0x04, 0x7e, 0xaa, 0x40, 0xd1, 0x90,
	0x06, 0x4b, 0xae, 0x84, 0x2a, 0x9a, 0x4d, 0xd3, 0x42, 0x16, 0x5d, 0x55,
	0x12, 0x51, 0x47, 0x4e, 0xde, 0xac, 0xcd, 0x8e, 0x09, 0x3c, 0x5d, 0x54,
	0x44, 0x96, 0x7d, 0x0a, 0xac, 0x9a, 0xe9, 0xba, 0x51, 0x47, 0x50, 0xd2,
	0x16, 0x60, 0xc5, 0xda, 0x4f, 0xc5, 0xdc, 0x91, 0x4e, 0x14, 0x24, 0x1c,
	0xc5, 0x7a, 0x2c, 0x00,
}

var bz2Plain = bytes.Repeat([]byte("GRIB synthetic icon payload for decompression tests\n"), 3)

func testClient(baseURL string) *Client {
	return New(Options{
		BaseURL:   baseURL,
		Variables: []string{"t_2m", "prate"},
		Steps:     []int{0, 1},
		Cycle:     6 * time.Hour,
		Clock:     clockwork.NewFakeClockAt(time.Date(2023, 1, 1, 18, 0, 0, 0, time.UTC)),
	})
}

func TestClient_ListFiles_EnumeratesPublishedRuns(t *testing.T) {
	var heads, gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			heads.Add(1)
			// The 06 run is not published yet.
			if r.URL.Path == "/06/t_2m/icon-eu_europe_regular-lat-lon_single-level_2023010106_000_T_2M.grib2.bz2" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			assert.Equal(t, "/00/t_2m/icon-eu_europe_regular-lat-lon_single-level_2023010100_000_T_2M.grib2.bz2", r.URL.Path)
		default:
			gets.Add(1)
		}
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	window := nwp.NewTimeWindow(
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
	)
	refs, err := c.ListFiles(context.Background(), window)
	require.NoError(t, err)

	require.Len(t, refs, 4, "2 variables x 2 steps for the one published run")
	wantNames := []string{
		"icon-eu_europe_regular-lat-lon_single-level_2023010100_000_PRATE.grib2",
		"icon-eu_europe_regular-lat-lon_single-level_2023010100_000_T_2M.grib2",
		"icon-eu_europe_regular-lat-lon_single-level_2023010100_001_PRATE.grib2",
		"icon-eu_europe_regular-lat-lon_single-level_2023010100_001_T_2M.grib2",
	}
	for i, want := range wantNames {
		assert.Equal(t, want, refs[i].Name)
		assert.True(t, refs[i].InitTime.Equal(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)))
		assert.Equal(t, "icon", refs[i].Provider)
	}
	assert.Equal(t, 0, refs[0].StepHours)
	assert.Equal(t, 1, refs[2].StepHours)
	assert.Equal(t, srv.URL+"/00/prate/icon-eu_europe_regular-lat-lon_single-level_2023010100_000_PRATE.grib2.bz2", refs[0].URL)

	assert.Equal(t, int32(2), heads.Load(), "one probe per run cycle")
	assert.Equal(t, int32(0), gets.Load(), "listing must not download")
}

func TestClient_ListFiles_ProbeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	window := nwp.NewTimeWindow(
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 1, 1, 6, 0, 0, 0, time.UTC),
	)
	_, err := c.ListFiles(context.Background(), window)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransient))
}

func TestClient_ListFiles_BeyondRetention(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	window := nwp.NewTimeWindow(
		time.Date(2022, 12, 29, 0, 0, 0, 0, time.UTC),
		time.Date(2022, 12, 30, 0, 0, 0, 0, time.UTC),
	)
	_, err := c.ListFiles(context.Background(), window)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOutOfRange))
	assert.Equal(t, int32(0), hits.Load())
}

func TestClient_Download_Decompresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/00/t_2m/icon-eu_europe_regular-lat-lon_single-level_2023010100_000_T_2M.grib2.bz2", r.URL.Path)
		w.Write(bz2Fixture)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	ref := nwp.FileReference{
		Provider: "icon",
		Name:     "icon-eu_europe_regular-lat-lon_single-level_2023010100_000_T_2M.grib2",
		URL:      srv.URL + "/00/t_2m/icon-eu_europe_regular-lat-lon_single-level_2023010100_000_T_2M.grib2.bz2",
	}

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), ref, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(bz2Plain)), n, "count is decompressed bytes")
	assert.Equal(t, bz2Plain, buf.Bytes())
}

func TestClient_Download_CorruptArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("this is not a bzip2 stream"))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var buf bytes.Buffer
	_, err := c.Download(context.Background(), nwp.FileReference{URL: srv.URL + "/f.grib2.bz2"}, &buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransient))
}

func TestClient_Identity(t *testing.T) {
	c := New(Options{})
	assert.Equal(t, "icon", c.Name())
	assert.Equal(t, 24*time.Hour, c.Retention())
}

func TestClient_DefaultEnumeration(t *testing.T) {
	c := New(Options{})
	assert.Len(t, c.variables, 12)
	assert.Len(t, c.steps, 79)
	assert.Equal(t, 6*time.Hour, c.cycle)
}
