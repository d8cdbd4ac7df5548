package download

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	harvester "github.com/wolfeidau/catalog-harvester"
	"github.com/wolfeidau/catalog-harvester/store"
)

func newTestBlobs(t *testing.T) *store.Blobs {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.WithNoSync())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.Blobs()
}

func TestServeBlob(t *testing.T) {
	blobs := newTestBlobs(t)
	data := []byte("<html><body>hi</body></html>")
	res, err := blobs.Put(context.Background(), data)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/blobs/"+res.Hash.String(), nil)
	w := httptest.NewRecorder()
	ServeBlob(w, r, blobs, res.Hash, slog.Default())

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "28", w.Header().Get("Content-Length"))
	assert.Equal(t, `"`+res.Hash.String()+`"`, w.Header().Get("ETag"))
}

func TestServeBlobHead(t *testing.T) {
	blobs := newTestBlobs(t)
	res, err := blobs.Put(context.Background(), []byte("payload"))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodHead, "/", nil)
	w := httptest.NewRecorder()
	ServeBlob(w, r, blobs, res.Hash, slog.Default())

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.Bytes())
	assert.Equal(t, "7", w.Header().Get("Content-Length"))
}

func TestServeBlobNotModified(t *testing.T) {
	blobs := newTestBlobs(t)
	res, err := blobs.Put(context.Background(), []byte("payload"))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("If-None-Match", `"`+res.Hash.String()+`"`)
	w := httptest.NewRecorder()
	ServeBlob(w, r, blobs, res.Hash, slog.Default())

	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestServeBlobNotFound(t *testing.T) {
	blobs := newTestBlobs(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	ServeBlob(w, r, blobs, harvester.HashBytes([]byte("missing")), slog.Default())

	assert.Equal(t, http.StatusNotFound, w.Code)
}
