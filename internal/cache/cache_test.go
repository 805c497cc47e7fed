package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/mtseries/internal/timeseries"
)

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	c := New(filepath.Join(dir, "segments.db"))
	t.Cleanup(func() { _ = c.Close() })

	src := filepath.Join(dir, "capture.B423")
	require.NoError(t, os.WriteFile(src, []byte("payload bytes"), 0o644))
	return c, src
}

func testSegments() []timeseries.Segment {
	start := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	return []timeseries.Segment{
		{Channel: "Ex", Start: start, Rate: timeseries.MustRate(10, 1), Samples: []float64{1.5, -2.25, 0}},
		{Channel: "Hx", Start: start.Add(time.Second), Rate: timeseries.MustRate(25, 2), Samples: []float64{3, 4}},
	}
}

func TestLookupMissesOnEmptyCache(t *testing.T) {
	c, src := newTestCache(t)

	_, ok, err := c.Lookup(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreAndLookupRoundTrip(t *testing.T) {
	c, src := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, src, testSegments()))

	got, ok, err := c.Lookup(ctx, src)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)

	assert.Equal(t, "Ex", got[0].Channel)
	assert.Equal(t, testSegments()[0].Start, got[0].Start)
	assert.True(t, got[0].Rate.Equal(timeseries.MustRate(10, 1)))
	assert.Equal(t, []float64{1.5, -2.25, 0}, got[0].Samples)

	assert.Equal(t, "Hx", got[1].Channel)
	assert.True(t, got[1].Rate.Equal(timeseries.MustRate(25, 2)))
}

func TestLookupInvalidatesChangedFile(t *testing.T) {
	c, src := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, src, testSegments()))

	// grow the source file and push its mtime forward
	require.NoError(t, os.WriteFile(src, []byte("different payload bytes"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, future, future))

	_, ok, err := c.Lookup(ctx, src)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreReplacesExistingEntry(t *testing.T) {
	c, src := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, src, testSegments()))
	require.NoError(t, c.Store(ctx, src, testSegments()[:1]))

	got, ok, err := c.Lookup(ctx, src)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestInvalidate(t *testing.T) {
	c, src := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, src, testSegments()))
	require.NoError(t, c.Invalidate(ctx, src))

	_, ok, err := c.Lookup(ctx, src)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupMissingSourceFile(t *testing.T) {
	c, _ := newTestCache(t)

	_, _, err := c.Lookup(context.Background(), filepath.Join(t.TempDir(), "gone.RAW"))
	require.Error(t, err)
}
