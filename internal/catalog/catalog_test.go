package catalog

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrdanmaku/danmaku/internal/metrics"
)

// stickyFs refuses to remove anything except temp files.
type stickyFs struct {
	afero.Fs
}

func (s stickyFs) Remove(name string) error {
	if strings.HasSuffix(name, ".tmp") {
		return s.Fs.Remove(name)
	}
	return errors.New("permission denied")
}

func openTest(t *testing.T, fs afero.Fs) *Catalog {
	t.Helper()
	c, err := Open(fs, Options{Dir: "uploads", IndexFile: "videos.json", PublicPath: "/uploads/"})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestCreate(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := openTest(t, fs)

	var notified [][]Video
	c.OnChange(func(v []Video) { notified = append(notified, v) })

	v, err := c.Create(Upload{Name: " Clip ", Tags: []string{"a, b", "a"}, Filename: "clip.MP4", Body: strings.NewReader("bytes")})
	require.NoError(t, err)

	assert.Equal(t, "Clip", v.Name)
	assert.Equal(t, []string{"a", "b"}, v.Tags)
	assert.Equal(t, "/uploads/"+v.ID+".mp4", v.URL)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), v.UploadDate)

	data, err := afero.ReadFile(fs, "uploads/"+v.File)
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(data))

	require.Len(t, notified, 1)
	assert.Equal(t, []Video{v}, notified[0])
	assert.Equal(t, []Video{v}, c.List())
}

func TestCreateRejectsInvalidUploads(t *testing.T) {
	c := openTest(t, afero.NewMemMapFs())

	_, err := c.Create(Upload{Name: "  ", Body: strings.NewReader("x")})
	assert.ErrorIs(t, err, ErrInvalidVideo)

	_, err = c.Create(Upload{Name: "clip"})
	assert.ErrorIs(t, err, ErrInvalidVideo)

	assert.Empty(t, c.List())
}

func TestIndexSurvivesReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := openTest(t, fs)
	v, err := c.Create(Upload{Name: "clip", Filename: "a.webm", Body: strings.NewReader("x")})
	require.NoError(t, err)

	reopened := openTest(t, fs)
	got, err := reopened.Get(v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.Name, got.Name)
	assert.True(t, v.UploadDate.Equal(got.UploadDate))
}

func TestOpenRejectsCorruptIndex(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "uploads/videos.json", []byte("nope"), 0o644))

	_, err := Open(fs, Options{Dir: "uploads", IndexFile: "videos.json", PublicPath: "/uploads/"})
	assert.Error(t, err)
}

func TestRename(t *testing.T) {
	c := openTest(t, afero.NewMemMapFs())
	v, err := c.Create(Upload{Name: "old", Body: strings.NewReader("x")})
	require.NoError(t, err)

	renamed, err := c.Rename(v.ID, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", renamed.Name)
	assert.Equal(t, "new", c.List()[0].Name)

	_, err = c.Rename("missing", "new")
	assert.ErrorIs(t, err, ErrVideoNotFound)

	_, err = c.Rename(v.ID, "")
	assert.ErrorIs(t, err, ErrInvalidVideo)
}

func TestDelete(t *testing.T) {
	fs := afero.NewMemMapFs()
	c := openTest(t, fs)
	v, err := c.Create(Upload{Name: "clip", Filename: "a.mp4", Body: strings.NewReader("x")})
	require.NoError(t, err)

	require.NoError(t, c.Delete(v.ID))
	assert.Empty(t, c.List())

	exists, _ := afero.Exists(fs, "uploads/"+v.File)
	assert.False(t, exists)

	assert.ErrorIs(t, c.Delete(v.ID), ErrVideoNotFound)
}

func TestDeleteKeepsGoingWhenFileRemovalFails(t *testing.T) {
	fs := stickyFs{Fs: afero.NewMemMapFs()}
	c := openTest(t, fs)
	v, err := c.Create(Upload{Name: "clip", Filename: "a.mp4", Body: strings.NewReader("x")})
	require.NoError(t, err)

	require.NoError(t, c.Delete(v.ID))
	assert.Empty(t, c.List())

	exists, _ := afero.Exists(fs, "uploads/"+v.File)
	assert.True(t, exists)
}

func TestVideoGauge(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, err := Open(afero.NewMemMapFs(), Options{Dir: "uploads", IndexFile: "videos.json", PublicPath: "/uploads/", Metrics: m})
	require.NoError(t, err)

	_, err = c.Create(Upload{Name: "a", Body: strings.NewReader("x")})
	require.NoError(t, err)
	_, err = c.Create(Upload{Name: "b", Body: strings.NewReader("y")})
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Videos))
}

func TestConcurrentMutationsNotifyInOrder(t *testing.T) {
	c := openTest(t, afero.NewMemMapFs())

	var sizes []int
	c.OnChange(func(v []Video) { sizes = append(sizes, len(v)) })

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Create(Upload{Name: "clip", Filename: "a.mp4", Body: strings.NewReader("x")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, sizes, 20)
	for i, n := range sizes {
		assert.Equal(t, i+1, n)
	}

	var seen []Video
	c.View(func(v []Video) { seen = v })
	assert.Len(t, seen, 20)
}
