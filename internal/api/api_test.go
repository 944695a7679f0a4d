package api

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrdanmaku/danmaku/config"
	"github.com/vrdanmaku/danmaku/internal/catalog"
	"github.com/vrdanmaku/danmaku/internal/metrics"
)

type fixedCount int

func (f fixedCount) Count() int { return int(f) }
func (f fixedCount) Len() int   { return int(f) }

func newTestRouter(t *testing.T) (http.Handler, *catalog.Catalog) {
	t.Helper()
	cfg := config.Default()
	cat, err := catalog.Open(afero.NewMemMapFs(), catalog.Options{
		Dir:        cfg.Catalog.Dir,
		IndexFile:  cfg.Catalog.IndexFile,
		PublicPath: cfg.Catalog.PublicPath,
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics.New(reg).Videos.Set(0)

	router := NewRouter(Deps{
		Config: cfg,
		WebSocket: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		Hub:      fixedCount(3),
		Registry: fixedCount(2),
		Catalog:  cat,
		Gatherer: reg,
	})
	return router, cat
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, name, filename, content string, tags ...string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if name != "" {
		require.NoError(t, mw.WriteField("name", name))
	}
	for _, tag := range tags {
		require.NoError(t, mw.WriteField("tags", tag))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("video", filename)
		require.NoError(t, err)
		_, err = io.WriteString(part, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/videos", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","connections":3,"channels":2}`, rec.Body.String())
}

func TestWebSocketRoutes(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, target := range []string{"/", "/ws"} {
		rec := do(t, router, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusTeapot, rec.Code, target)
	}
}

func TestMetricsRoute(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "danmaku_catalog_videos")
}

func TestVideoLifecycle(t *testing.T) {
	router, cat := newTestRouter(t)

	rec := do(t, router, uploadRequest(t, "Clip", "clip.mp4", "movie-bytes", "fun,short"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created catalog.Video
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Clip", created.Name)
	assert.Equal(t, []string{"fun", "short"}, created.Tags)
	assert.True(t, strings.HasPrefix(created.URL, "/uploads/"))

	rec = do(t, router, httptest.NewRequest(http.MethodGet, created.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "movie-bytes", rec.Body.String())

	rec = do(t, router, httptest.NewRequest(http.MethodGet, "/api/videos", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []catalog.Video
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	req := httptest.NewRequest(http.MethodPatch, "/api/videos/"+created.ID, strings.NewReader(`{"name":"Renamed"}`))
	rec = do(t, router, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", cat.List()[0].Name)

	rec = do(t, router, httptest.NewRequest(http.MethodDelete, "/api/videos/"+created.ID, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, cat.List())

	rec = do(t, router, httptest.NewRequest(http.MethodDelete, "/api/videos/"+created.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "video not found")
}

func TestUploadNameDefaultsToFileName(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, uploadRequest(t, "", "holiday.webm", "x"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created catalog.Video
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "holiday", created.Name)
}

func TestUploadRequiresFile(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, uploadRequest(t, "Clip", "", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRenameValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, httptest.NewRequest(http.MethodPatch, "/api/videos/any", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodPatch, "/api/videos/any", strings.NewReader(`{"name":"x"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIndexIsNotServed(t *testing.T) {
	router, _ := newTestRouter(t)
	do(t, router, uploadRequest(t, "Clip", "clip.mp4", "x"))

	rec := do(t, router, httptest.NewRequest(http.MethodGet, "/uploads/videos.json", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
