package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	harvester "github.com/wolfeidau/catalog-harvester"
	"github.com/wolfeidau/catalog-harvester/store"
	"github.com/wolfeidau/catalog-harvester/store/metadb"
)

// BlobOpener opens stored blobs. *store.Blobs implements it.
type BlobOpener interface {
	Open(ctx context.Context, hash harvester.Hash) (io.ReadCloser, *metadb.BlobEntry, error)
}

// HandleStoreError writes an HTTP error for a failed blob read.
func HandleStoreError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "blob not found", http.StatusNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
	default:
		logger.Error("reading blob failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// ServeBlob writes a stored blob to the response. It sets Content-Type,
// Content-Length and a strong ETag from the content hash, answers
// If-None-Match with 304, and skips the body for HEAD requests.
func ServeBlob(w http.ResponseWriter, r *http.Request, blobs BlobOpener, hash harvester.Hash, logger *slog.Logger) {
	etag := `"` + hash.String() + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rc, entry, err := blobs.Open(r.Context(), hash)
	if err != nil {
		HandleStoreError(w, logger, err)
		return
	}
	defer func() { _ = rc.Close() }()

	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		logger.Error("failed to stream blob", "hash", hash.ShortString(), "error", err)
	}
}
