package consumer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/fetch"
	"github.com/nwpio/nwpd/internal/logging"
	"github.com/nwpio/nwpd/internal/nwp"
	"github.com/nwpio/nwpd/internal/observability"
	"github.com/nwpio/nwpd/internal/provider"
	"github.com/nwpio/nwpd/internal/schema"
	"github.com/nwpio/nwpd/internal/store"
	"github.com/nwpio/nwpd/internal/testutil"
)

func TestMain(m *testing.M) {
	logging.InitWithHandler(slog.NewTextHandler(io.Discard, nil))
	os.Exit(m.Run())
}

var (
	testGrid = nwp.Grid{ID: "test-2x2", CRS: "latlon", Ny: 2, Nx: 2, Y0: 60, X0: -10, Dy: -0.5, Dx: 0.5, Unit: "deg"}

	init1 = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	init2 = time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
	init3 = time.Date(2026, 3, 12, 3, 0, 0, 0, time.UTC)
)

func testWindow() nwp.TimeWindow {
	return nwp.NewTimeWindow(
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC))
}

// fakeClient lists a scripted set of references and serves their
// payloads from memory.
type fakeClient struct {
	name       string
	refs       []nwp.FileReference
	payloads   map[string][]byte
	listErr    error
	onDownload func()

	mu        sync.Mutex
	downloads int
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{name: name, payloads: make(map[string][]byte)}
}

func (c *fakeClient) addFile(name string, init time.Time, payload []byte) {
	c.payloads[name] = payload
	c.refs = append(c.refs, nwp.FileReference{
		Provider:  c.name,
		Name:      name,
		URL:       "https://example.test/" + name,
		InitTime:  init,
		StepHours: nwp.StepAll,
		Size:      int64(len(payload)),
	})
}

func (c *fakeClient) Name() string             { return c.name }
func (c *fakeClient) Retention() time.Duration { return 0 }

func (c *fakeClient) ListFiles(ctx context.Context, window nwp.TimeWindow) ([]nwp.FileReference, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	refs := append([]nwp.FileReference(nil), c.refs...)
	provider.SortRefs(refs)
	return refs, nil
}

func (c *fakeClient) Download(ctx context.Context, ref nwp.FileReference, w io.Writer) (int64, error) {
	c.mu.Lock()
	c.downloads++
	hook := c.onDownload
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	payload, ok := c.payloads[ref.Name]
	if !ok {
		return 0, errors.Wrapf(errors.ErrNotFound, "no payload for %s", ref.Name)
	}
	n, err := w.Write(payload)
	return int64(n), err
}

func (c *fakeClient) downloadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloads
}

// unitPayload encodes fields for fakeDecode: the init time on the first
// line, then one "name step seed" line per field.
func unitPayload(init time.Time, lines ...string) []byte {
	all := append([]string{init.UTC().Format(time.RFC3339)}, lines...)
	return []byte(strings.Join(all, "\n"))
}

// fakeDecode substitutes the format decoders with the unitPayload text
// form so tests control the decoded fields exactly.
func fakeDecode(path string) (*nwp.RawData, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewDecode(path, err.Error())
	}
	text := strings.TrimSpace(string(b))
	if strings.HasPrefix(text, "corrupt") {
		return nil, errors.NewDecode(path, "unrecognized format")
	}
	lines := strings.Split(text, "\n")
	init, err := time.Parse(time.RFC3339, lines[0])
	if err != nil {
		return nil, errors.NewDecode(path, err.Error())
	}
	var fields []nwp.RawField
	for _, line := range lines[1:] {
		parts := strings.Fields(line)
		if len(parts) != 3 {
			return nil, errors.NewDecode(path, "malformed payload line")
		}
		step, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errors.NewDecode(path, err.Error())
		}
		seed, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, errors.NewDecode(path, err.Error())
		}
		vals := make([]float32, testGrid.Cells())
		for i := range vals {
			vals[i] = float32(seed) + float32(i)
		}
		fields = append(fields, nwp.RawField{
			Name:      parts[0],
			InitTime:  init,
			StepHours: step,
			Ny:        testGrid.Ny,
			Nx:        testGrid.Nx,
			Values:    vals,
		})
	}
	return &nwp.RawData{Format: nwp.FormatGRIB2, Fields: fields}, nil
}

func testNormalizer(providerName string) *schema.Normalizer {
	return schema.NewNormalizer(&schema.Mapping{
		Provider: providerName,
		Grid:     testGrid,
		Vars: []schema.VarMapping{
			{Raw: "t", Level: schema.AnyLevel, Canonical: nwp.VarTemperature},
			{Raw: "10si", Level: schema.AnyLevel, Canonical: nwp.VarWindSpeed10},
		},
	})
}

// addUnit registers the two wholesale-style files of one init time: the
// temperature fields in one, the wind fields in the other.
func addUnit(c *fakeClient, init time.Time) {
	tag := init.UTC().Format("20060102T15")
	c.addFile("wholesale1-"+tag, init, unitPayload(init, "t 0 270", "t 1 271"))
	c.addFile("wholesale2-"+tag, init, unitPayload(init, "10si 0 5", "10si 1 6"))
}

// addCorruptUnit is addUnit with an undecodable second file.
func addCorruptUnit(c *fakeClient, init time.Time) {
	tag := init.UTC().Format("20060102T15")
	c.addFile("wholesale1-"+tag, init, unitPayload(init, "t 0 270", "t 1 271"))
	c.addFile("wholesale2-"+tag, init, []byte("corrupt wholesale payload"))
}

type harness struct {
	svc     *Service
	client  *fakeClient
	cache   *fetch.DirCache
	store   *store.Store
	metrics *observability.Metrics
}

func newHarness(t *testing.T, client *fakeClient, tolerance int) *harness {
	return newHarnessWorkers(t, client, tolerance, 2)
}

func newHarnessWorkers(t *testing.T, client *fakeClient, tolerance, workers int) *harness {
	t.Helper()
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(client))
	cache, err := fetch.NewDirCache(t.TempDir())
	require.NoError(t, err)
	fetcher, err := fetch.New(fetch.Options{
		Registry: reg,
		Cache:    cache,
		Policy:   fetch.RetryPolicy{MaxAttempts: 1},
	})
	require.NoError(t, err)
	st, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	metrics := observability.NewMetricsForTesting()
	svc, err := New(Options{
		Registry:       reg,
		Fetcher:        fetcher,
		Normalizer:     testNormalizer(client.name),
		Store:          st,
		MaxFailedUnits: tolerance,
		Workers:        workers,
		Decode:         fakeDecode,
		Metrics:        metrics,
	})
	require.NoError(t, err)
	return &harness{svc: svc, client: client, cache: cache, store: st, metrics: metrics}
}

func TestRun_MergesAllUnits(t *testing.T) {
	testutil.VerifyNoLeaks(t)
	client := newFakeClient("testprov")
	addUnit(client, init1)
	addUnit(client, init2)
	h := newHarness(t, client, 0)

	report, err := h.svc.Run(context.Background(), Request{Window: testWindow()})
	require.NoError(t, err)

	_, err = uuid.Parse(report.RunID)
	assert.NoError(t, err)

	assert.Equal(t, 2, report.UnitsTotal)
	assert.Equal(t, 2, report.UnitsMerged)
	assert.Zero(t, report.UnitsFailed)
	assert.Zero(t, report.UnitsSkipped)
	assert.Equal(t, 4, report.FilesPlanned)
	assert.Equal(t, 4, report.FilesFetched)
	assert.Equal(t, 4, report.ChunksWritten)
	assert.Equal(t, 8, report.SlicesWritten)
	assert.Zero(t, report.ChunksSkipped)

	var total int64
	for _, ref := range client.refs {
		total += ref.Size
	}
	assert.Equal(t, total, report.BytesFetched)

	require.Len(t, report.Units, 2)
	for _, u := range report.Units {
		assert.Equal(t, StateMerged, u.State)
		assert.NoError(t, u.Err)
		assert.Equal(t, 2, u.Fetched)
	}

	// merged units release their staged files
	for _, ref := range client.refs {
		_, err := h.cache.Stat(context.Background(), ref.Key())
		assert.ErrorIs(t, err, errors.ErrNotFound)
	}

	assert.Len(t, h.store.Records(), 8)

	assert.Equal(t, 2.0, promtestutil.ToFloat64(h.metrics.UnitsTotal.WithLabelValues("testprov", "merged")))
	assert.Equal(t, 4.0, promtestutil.ToFloat64(h.metrics.ChunkWrites))
	assert.Equal(t, 0.0, promtestutil.ToFloat64(h.metrics.RunActive))
}

func TestRun_SecondRunSkipsEveryChunk(t *testing.T) {
	client := newFakeClient("testprov")
	addUnit(client, init1)
	addUnit(client, init2)
	h := newHarness(t, client, 0)

	first, err := h.svc.Run(context.Background(), Request{Window: testWindow()})
	require.NoError(t, err)
	require.Equal(t, 4, first.ChunksWritten)

	second, err := h.svc.Run(context.Background(), Request{Window: testWindow()})
	require.NoError(t, err)
	assert.Equal(t, 2, second.UnitsMerged)
	assert.Zero(t, second.ChunksWritten)
	assert.Zero(t, second.SlicesWritten)
	assert.Equal(t, first.ChunksWritten, second.ChunksSkipped)
}

func TestRun_CorruptFileFailsOnlyThatUnit(t *testing.T) {
	client := newFakeClient("testprov")
	addUnit(client, init1)
	addCorruptUnit(client, init2)
	addUnit(client, init3)
	h := newHarness(t, client, 1)

	report, err := h.svc.Run(context.Background(), Request{Window: testWindow()})
	require.NoError(t, err)

	assert.Equal(t, 3, report.UnitsTotal)
	assert.Equal(t, 2, report.UnitsMerged)
	assert.Equal(t, 1, report.UnitsFailed)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "testprov/2026-03-11T03:00:00Z", failed[0].Unit.String())
	assert.Equal(t, StateFailed, failed[0].State)
	assert.ErrorIs(t, failed[0].Err, errors.ErrDecode)

	// both healthy units merged around the failure
	assert.Equal(t, 4, report.ChunksWritten)
	for _, rec := range h.store.Records() {
		assert.False(t, rec.InitTime.Equal(init2))
	}

	// the failed unit keeps its staged files for inspection
	for _, ref := range client.refs {
		if !ref.InitTime.Equal(init2) {
			continue
		}
		_, err := h.cache.Stat(context.Background(), ref.Key())
		assert.NoError(t, err)
	}

	assert.Equal(t, 1.0, promtestutil.ToFloat64(h.metrics.DecodeErrors.WithLabelValues("testprov")))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(h.metrics.UnitsTotal.WithLabelValues("testprov", "merged")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(h.metrics.UnitsTotal.WithLabelValues("testprov", "failed")))
}

func TestRun_FailuresBeyondToleranceReportPartialIngestion(t *testing.T) {
	client := newFakeClient("testprov")
	addUnit(client, init1)
	addCorruptUnit(client, init2)
	addUnit(client, init3)
	h := newHarness(t, client, 0)

	report, err := h.svc.Run(context.Background(), Request{Window: testWindow()})
	require.Error(t, err)
	require.ErrorIs(t, err, errors.ErrPartialIngestion)
	assert.Equal(t, errors.ExitPartial, errors.ErrorToExitCode(err))
	assert.Contains(t, err.Error(), "testprov/2026-03-11T03:00:00Z")

	var pi *errors.PartialIngestion
	require.ErrorAs(t, err, &pi)
	assert.Equal(t, 2, pi.Succeeded)
	assert.Equal(t, 1, pi.Failed)

	// successful chunks stay merged
	require.NotNil(t, report)
	assert.Equal(t, 2, report.UnitsMerged)
	assert.Len(t, h.store.Records(), 8)
}

func TestRun_SchemaMismatchFailsUnit(t *testing.T) {
	client := newFakeClient("testprov")
	client.addFile("wholesale1-20260310T03", init1, unitPayload(init1, "zzz 0 1"))
	h := newHarness(t, client, 1)

	report, err := h.svc.Run(context.Background(), Request{Window: testWindow()})
	require.NoError(t, err)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, errors.ErrSchemaMismatch)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(h.metrics.SchemaMismatches.WithLabelValues("testprov")))
	assert.Empty(t, h.store.Records())
}

func TestRun_DryRunPlansWithoutFetching(t *testing.T) {
	client := newFakeClient("testprov")
	addUnit(client, init1)
	addUnit(client, init2)
	h := newHarness(t, client, 0)

	report, err := h.svc.Run(context.Background(), Request{Window: testWindow(), DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.UnitsTotal)
	assert.Equal(t, 4, report.FilesPlanned)
	assert.Zero(t, report.UnitsMerged)
	require.Len(t, report.Units, 2)
	assert.Equal(t, init1, report.Units[0].InitTime)
	assert.Equal(t, init2, report.Units[1].InitTime)
	for _, u := range report.Units {
		assert.Equal(t, StatePending, u.State)
		assert.Equal(t, 2, u.Files)
	}

	assert.Zero(t, client.downloadCount())
	assert.Empty(t, h.store.Records())
}

func TestRun_KeepStagedRetainsFiles(t *testing.T) {
	client := newFakeClient("testprov")
	addUnit(client, init1)
	h := newHarness(t, client, 0)

	report, err := h.svc.Run(context.Background(), Request{Window: testWindow(), KeepStaged: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.UnitsMerged)

	for _, ref := range client.refs {
		_, err := h.cache.Stat(context.Background(), ref.Key())
		assert.NoError(t, err)
	}
}

func TestRun_CancelledContextSkipsAllUnits(t *testing.T) {
	client := newFakeClient("testprov")
	addUnit(client, init1)
	addUnit(client, init2)
	h := newHarness(t, client, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.svc.Run(ctx, Request{Window: testWindow()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, 2, report.UnitsSkipped)
	assert.Zero(t, report.UnitsMerged)
	assert.Zero(t, client.downloadCount())
}

func TestRun_CancelMidRunFinishesInFlightUnit(t *testing.T) {
	// Run must join detached units before returning, leaving nothing
	// behind even when the run context dies mid-flight.
	testutil.VerifyNoLeaks(t)
	client := newFakeClient("testprov")
	addUnit(client, init1)
	addUnit(client, init2)
	h := newHarnessWorkers(t, client, 0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	client.onDownload = func() { cancel() }

	report, err := h.svc.Run(ctx, Request{Window: testWindow()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)

	// the unit already running completed its merge on the detached
	// context; the queued unit never started
	assert.Equal(t, 1, report.UnitsMerged)
	assert.Equal(t, 1, report.UnitsSkipped)
	assert.Zero(t, report.UnitsFailed)
	require.Len(t, report.Units, 2)
	assert.Equal(t, StateMerged, report.Units[0].State)
	assert.Equal(t, StatePending, report.Units[1].State)
	assert.NotEmpty(t, h.store.Records())
}

func TestRun_ListFailureAbortsRun(t *testing.T) {
	client := newFakeClient("testprov")
	client.listErr = errors.NewOutOfRange("testprov", init1, 48*time.Hour)
	h := newHarness(t, client, 0)

	report, err := h.svc.Run(context.Background(), Request{Window: testWindow()})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrOutOfRange)
	assert.Nil(t, report)
}

func TestRun_UnknownProviderFails(t *testing.T) {
	h := newHarness(t, newFakeClient("testprov"), 0)

	_, err := h.svc.Run(context.Background(), Request{
		Providers: []string{"nope"},
		Window:    testWindow(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestNew_Validations(t *testing.T) {
	client := newFakeClient("testprov")
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(client))
	cache, err := fetch.NewDirCache(t.TempDir())
	require.NoError(t, err)
	fetcher, err := fetch.New(fetch.Options{Registry: reg, Cache: cache})
	require.NoError(t, err)
	st, err := store.Open(t.TempDir(), store.Options{})
	require.NoError(t, err)
	defer st.Close()

	valid := Options{
		Registry:   reg,
		Fetcher:    fetcher,
		Normalizer: testNormalizer("testprov"),
		Store:      st,
	}
	svc, err := New(valid)
	require.NoError(t, err)
	assert.NotNil(t, svc)

	mutations := map[string]func(*Options){
		"registry":   func(o *Options) { o.Registry = nil },
		"fetcher":    func(o *Options) { o.Fetcher = nil },
		"normalizer": func(o *Options) { o.Normalizer = nil },
		"store":      func(o *Options) { o.Store = nil },
		"tolerance":  func(o *Options) { o.MaxFailedUnits = -1 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			opts := valid
			mutate(&opts)
			_, err := New(opts)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestStateLabels(t *testing.T) {
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "merged", StateMerged.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.True(t, StateMerged.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateFetching.Terminal())
}
