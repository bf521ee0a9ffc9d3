package metoffice

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

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:      baseURL,
		OrderID:      "ord-123",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Clock:        clockwork.NewFakeClockAt(time.Date(2023, 1, 2, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresCredentials(t *testing.T) {
	cases := []Options{
		{ClientID: "id", ClientSecret: "sec"},
		{OrderID: "ord", ClientSecret: "sec"},
		{OrderID: "ord", ClientID: "id"},
		{},
	}
	for _, opts := range cases {
		_, err := New(opts)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
	}
}

func TestClient_ListFiles_FiltersOrderFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/ord-123/latest", r.URL.Path)
		assert.Equal(t, "MINIMAL", r.URL.Query().Get("detail"))
		assert.Equal(t, "client-id", r.Header.Get("X-IBM-Client-Id"))
		assert.Equal(t, "client-secret", r.Header.Get("X-IBM-Client-Secret"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{"orderDetails":{"files":[
			{"fileId":"agl_temperature_2023010100","runDateTime":"2023-01-01T00:00:00Z"},
			{"fileId":"agl_temperature_2023010100+03","runDateTime":"2023-01-01T00:00:00Z"},
			{"fileId":"agl_wind-speed-surface-adjusted_2023010100","runDateTime":"2023-01-01T00:00:00Z"},
			{"fileId":"agl_temperature_2023010206","runDateTime":"2023-01-02T06:00:00Z"}
		]}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	window := nwp.NewTimeWindow(
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
	)
	refs, err := c.ListFiles(context.Background(), window)
	require.NoError(t, err)

	require.Len(t, refs, 2)
	assert.Equal(t, "agl_temperature_2023010100", refs[0].Name)
	assert.Equal(t, "agl_wind-speed-surface-adjusted_2023010100", refs[1].Name)

	ref := refs[0]
	assert.Equal(t, "metoffice", ref.Provider)
	assert.True(t, ref.InitTime.Equal(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, nwp.StepAll, ref.StepHours)
	assert.Equal(t, srv.URL+"/orders/ord-123/latest/agl_temperature_2023010100/data", ref.URL)
}

func TestClient_ListFiles_ZonelessTimestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"orderDetails":{"files":[
			{"fileId":"agl_visibility_2023010106","runDateTime":"2023-01-01T06:00:00"}
		]}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	window := nwp.NewTimeWindow(
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
	)
	refs, err := c.ListFiles(context.Background(), window)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.True(t, refs[0].InitTime.Equal(time.Date(2023, 1, 1, 6, 0, 0, 0, time.UTC)))
}

func TestClient_ListFiles_MalformedTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"orderDetails":{"files":[
			{"fileId":"agl_temperature_x","runDateTime":"01/01/2023"}
		]}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	window := nwp.NewTimeWindow(
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
	)
	_, err := c.ListFiles(context.Background(), window)
	require.Error(t, err)
	assert.False(t, errors.IsRetriable(err))
}

func TestClient_ListFiles_BeyondRetention(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	window := nwp.NewTimeWindow(
		time.Date(2022, 12, 30, 0, 0, 0, 0, time.UTC),
		time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
	)
	_, err := c.ListFiles(context.Background(), window)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOutOfRange))
	assert.Equal(t, int32(0), hits.Load(), "no network call for an out-of-range window")
}

func TestClient_Download_SetsGRIBAcceptAndCreds(t *testing.T) {
	payload := []byte("GRIBsynthetic")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/ord-123/latest/agl_temperature_2023010100/data", r.URL.Path)
		assert.Equal(t, "application/x-grib", r.Header.Get("Accept"))
		assert.Equal(t, "client-id", r.Header.Get("X-IBM-Client-Id"))
		assert.Equal(t, "client-secret", r.Header.Get("X-IBM-Client-Secret"))
		w.Write(payload)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	ref := nwp.FileReference{
		Provider: "metoffice",
		Name:     "agl_temperature_2023010100",
		URL:      srv.URL + "/orders/ord-123/latest/agl_temperature_2023010100/data",
	}

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), ref, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, buf.Bytes())
}

func TestClient_Identity(t *testing.T) {
	c := testClient(t, "http://example.invalid")
	assert.Equal(t, "metoffice", c.Name())
	assert.Equal(t, 48*time.Hour, c.Retention())
}
