package provider

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/nwp"
)

type fakeClient struct {
	name      string
	retention time.Duration
}

func (f *fakeClient) Name() string             { return f.name }
func (f *fakeClient) Retention() time.Duration { return f.retention }

func (f *fakeClient) ListFiles(context.Context, nwp.TimeWindow) ([]nwp.FileReference, error) {
	return nil, nil
}

func (f *fakeClient) Download(context.Context, nwp.FileReference, io.Writer) (int64, error) {
	return 0, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeClient{name: "ceda"}))
	require.NoError(t, r.Register(&fakeClient{name: "icon"}))

	c, err := r.Get("ceda")
	require.NoError(t, err)
	assert.Equal(t, "ceda", c.Name())

	assert.Equal(t, []string{"ceda", "icon"}, r.Names())
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeClient{name: "ceda"}))

	err := r.Register(&fakeClient{name: "ceda"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeClient{name: "icon"}))

	_, err := r.Get("gfs")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Contains(t, err.Error(), "icon")
}

func TestCheckWindow_InsideRetention(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	c := &fakeClient{name: "icon", retention: 48 * time.Hour}
	w := nwp.NewTimeWindow(now.Add(-24*time.Hour), now)

	assert.NoError(t, CheckWindow(now, c, w))
}

func TestCheckWindow_BeyondRetention(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	c := &fakeClient{name: "icon", retention: 24 * time.Hour}
	w := nwp.NewTimeWindow(now.Add(-72*time.Hour), now)

	err := CheckWindow(now, c, w)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOutOfRange))
	assert.Contains(t, err.Error(), "icon")
}

func TestCheckWindow_ArchiveHasNoHorizon(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	c := &fakeClient{name: "ceda", retention: 0}
	w := nwp.NewTimeWindow(now.AddDate(-5, 0, 0), now.AddDate(-5, 0, 1))

	assert.NoError(t, CheckWindow(now, c, w))
}

func TestCheckWindow_InvalidWindow(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	c := &fakeClient{name: "icon"}
	w := nwp.NewTimeWindow(now, now.Add(-time.Hour))

	err := CheckWindow(now, c, w)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestSortRefs(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(3 * time.Hour)
	refs := []nwp.FileReference{
		{Name: "b", InitTime: t1},
		{Name: "b", InitTime: t0},
		{Name: "a", InitTime: t1},
		{Name: "a", InitTime: t0},
	}

	SortRefs(refs)

	assert.Equal(t, []nwp.FileReference{
		{Name: "a", InitTime: t0},
		{Name: "b", InitTime: t0},
		{Name: "a", InitTime: t1},
		{Name: "b", InitTime: t1},
	}, refs)
}

func TestGroupByInitTime(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(3 * time.Hour)
	refs := []nwp.FileReference{
		{Name: "a", InitTime: t0},
		{Name: "b", InitTime: t0},
		{Name: "a", InitTime: t1},
	}

	groups := GroupByInitTime(refs)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 1)
	assert.True(t, groups[1][0].InitTime.Equal(t1))
}

func TestGroupByInitTime_Empty(t *testing.T) {
	assert.Nil(t, GroupByInitTime(nil))
}
