package fetch

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwpio/nwpd/internal/errors"
)

// brokenReader yields a few bytes and then fails, like a connection
// dropped mid-body.
type brokenReader struct{ sent bool }

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.sent {
		return 0, io.ErrUnexpectedEOF
	}
	r.sent = true
	return copy(p, "partial payload"), nil
}

func TestDirCache_RoundTrip(t *testing.T) {
	cache, err := NewDirCache(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	payload := []byte("wholesale bundle bytes")
	key := "ceda/20230101T0000/ukv.grib"

	n, err := cache.Put(ctx, key, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	size, err := cache.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	path, err := cache.Open(ctx, key)
	require.NoError(t, err)
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	require.NoError(t, cache.Delete(ctx, key))
	_, err = cache.Stat(ctx, key)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestDirCache_PutReplacesExistingEntry(t *testing.T) {
	cache, err := NewDirCache(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	key := "icon/20230101T0600/t_2m.grib2"

	_, err = cache.Put(ctx, key, bytes.NewReader([]byte("first")))
	require.NoError(t, err)
	_, err = cache.Put(ctx, key, bytes.NewReader([]byte("second version")))
	require.NoError(t, err)

	size, err := cache.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len("second version")), size)
}

func TestDirCache_FailedPutLeavesNoEntry(t *testing.T) {
	root := t.TempDir()
	cache, err := NewDirCache(root)
	require.NoError(t, err)
	ctx := context.Background()
	key := "ceda/20230101T0000/ukv.grib"

	_, err = cache.Put(ctx, key, &brokenReader{})
	require.Error(t, err)

	_, err = cache.Stat(ctx, key)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	// The temp file must be cleaned up along with the failed write.
	files := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, files)
}

func TestDirCache_DeleteAbsentKey(t *testing.T) {
	cache, err := NewDirCache(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, cache.Delete(context.Background(), "never/staged/key"))
}

func TestDirCache_OpenMissing(t *testing.T) {
	cache, err := NewDirCache(t.TempDir())
	require.NoError(t, err)
	_, err = cache.Open(context.Background(), "nope")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestDirCache_Prune(t *testing.T) {
	root := t.TempDir()
	cache, err := NewDirCache(root)
	require.NoError(t, err)
	ctx := context.Background()

	old := []string{
		"ceda/20230101T0000/ukv1.grib",
		"ceda/20230101T0000/ukv2.grib",
	}
	fresh := "icon/20230102T0600/t_2m.grib2"
	for _, key := range append(old, fresh) {
		_, err := cache.Put(ctx, key, bytes.NewReader([]byte("payload")))
		require.NoError(t, err)
	}
	// A temp file abandoned by an interrupted run.
	stray := filepath.Join(root, "ceda", "20230101T0000", ".staging-abandoned")
	require.NoError(t, os.WriteFile(stray, []byte("half"), 0o644))

	stale := time.Now().Add(-48 * time.Hour)
	for _, key := range old {
		path, err := cache.Open(ctx, key)
		require.NoError(t, err)
		require.NoError(t, os.Chtimes(path, stale, stale))
	}
	require.NoError(t, os.Chtimes(stray, stale, stale))

	removed, err := cache.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = cache.Stat(ctx, fresh)
	assert.NoError(t, err, "fresh entries survive the prune")
	for _, key := range old {
		_, err := cache.Stat(ctx, key)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	}

	// The emptied run directory goes too; the root stays.
	_, err = os.Stat(filepath.Join(root, "ceda", "20230101T0000"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(root)
	assert.NoError(t, err)
}

func TestDirCache_PruneKeepsEverythingFresh(t *testing.T) {
	cache, err := NewDirCache(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cache.Put(ctx, "metoffice/20230101T0000/agl_temperature", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	removed, err := cache.Prune(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestNewDirCache_RequiresPath(t *testing.T) {
	_, err := NewDirCache("")
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}
