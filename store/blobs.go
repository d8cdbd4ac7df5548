package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"

	harvester "github.com/wolfeidau/catalog-harvester"
	"github.com/wolfeidau/catalog-harvester/backend"
	"github.com/wolfeidau/catalog-harvester/store/metadb"
	"github.com/wolfeidau/catalog-harvester/telemetry"
)

// PutResult contains information about a put_blob call.
type PutResult struct {
	Hash        harvester.Hash
	Size        int64
	ContentType string
	// Existed is true when the bytes were already stored and only the
	// reference count changed.
	Existed bool
}

// Blobs is the content-addressed blob store. Every mutation of a blob's
// file or reference count happens under that blob's own lock.
type Blobs struct {
	backend backend.Backend
	meta    metadb.MetaDB
	locks   *keyedMutex
	logger  *slog.Logger

	pinMu sync.Mutex
	pins  map[harvester.Hash]int

	halted atomic.Bool
	onHalt func(error)
}

// BlobsOption configures Blobs.
type BlobsOption func(*Blobs)

// WithBlobLogger sets the logger.
func WithBlobLogger(logger *slog.Logger) BlobsOption {
	return func(b *Blobs) {
		b.logger = logger
	}
}

// WithHaltHandler registers a callback invoked once when writes halt.
func WithHaltHandler(fn func(error)) BlobsOption {
	return func(b *Blobs) {
		b.onHalt = fn
	}
}

// NewBlobs creates a blob store over a byte backend and the blob table.
func NewBlobs(be backend.Backend, meta metadb.MetaDB, opts ...BlobsOption) *Blobs {
	b := &Blobs{
		backend: be,
		meta:    meta,
		locks:   newKeyedMutex(),
		logger:  slog.Default(),
		pins:    make(map[harvester.Hash]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Put stores data and acquires one reference on its blob. If a blob with the
// same hash exists its count is incremented and nothing is written.
// The caller owns the acquired reference and must hand it to an asset link
// or give it back with Release.
func (b *Blobs) Put(ctx context.Context, data []byte) (*PutResult, error) {
	if b.halted.Load() {
		return nil, storageErr("put_blob", ErrWritesHalted)
	}

	hash := harvester.HashBytes(data)
	unlock := b.locks.Lock(hash.String())
	defer unlock()

	entry, err := b.meta.GetBlob(ctx, hash.String())
	switch {
	case err == nil:
		ok, err := b.backend.Exists(ctx, harvester.BlobStorageKey(hash))
		if err != nil {
			return nil, storageErr("put_blob", fmt.Errorf("checking existence: %w", err))
		}
		if !ok {
			b.logger.Warn("blob file missing, rewriting", "hash", hash.ShortString())
			if err := b.writeFile(ctx, hash, data); err != nil {
				return nil, err
			}
		}
		if _, err := b.meta.IncrementBlobRef(ctx, hash.String()); err != nil {
			return nil, storageErr("put_blob", fmt.Errorf("incrementing ref: %w", err))
		}
		telemetry.RecordBlobWrite(ctx, entry.Size, false)
		return &PutResult{Hash: hash, Size: entry.Size, ContentType: entry.ContentType, Existed: true}, nil

	case !errors.Is(err, metadb.ErrNotFound):
		return nil, storageErr("put_blob", fmt.Errorf("reading blob entry: %w", err))
	}

	if err := b.writeFile(ctx, hash, data); err != nil {
		return nil, err
	}

	contentType := mimetype.Detect(data).String()
	entry = &metadb.BlobEntry{
		Hash:        hash.String(),
		Size:        int64(len(data)),
		ContentType: contentType,
		RefCount:    1,
	}
	if err := b.meta.PutBlob(ctx, entry); err != nil {
		return nil, storageErr("put_blob", fmt.Errorf("recording blob: %w", err))
	}

	telemetry.RecordBlobWrite(ctx, entry.Size, true)
	b.logger.Debug("stored blob", "hash", hash.ShortString(), "size", entry.Size, "content_type", contentType)
	return &PutResult{Hash: hash, Size: entry.Size, ContentType: contentType}, nil
}

func (b *Blobs) writeFile(ctx context.Context, hash harvester.Hash, data []byte) error {
	err := b.backend.Write(ctx, harvester.BlobStorageKey(hash), bytes.NewReader(data))
	if err == nil {
		return nil
	}
	if errors.Is(err, backend.ErrNoSpace) {
		b.halt(err)
		return storageErr("put_blob", fmt.Errorf("%w: %w", ErrWritesHalted, err))
	}
	return storageErr("put_blob", fmt.Errorf("writing blob: %w", err))
}

func (b *Blobs) halt(cause error) {
	if b.halted.CompareAndSwap(false, true) {
		b.logger.Error("disk full, halting blob writes", "error", cause)
		if b.onHalt != nil {
			b.onHalt(cause)
		}
	}
}

// WritesHalted reports whether blob writes are halted.
func (b *Blobs) WritesHalted() bool {
	return b.halted.Load()
}

// ResumeWrites re-enables blob writes after a halt.
func (b *Blobs) ResumeWrites() {
	if b.halted.CompareAndSwap(true, false) {
		b.logger.Info("blob writes resumed")
	}
}

// Release gives back one reference. At zero the blob becomes eligible for
// deferred collection; it is never removed here.
func (b *Blobs) Release(ctx context.Context, hash harvester.Hash) (int, error) {
	unlock := b.locks.Lock(hash.String())
	defer unlock()

	n, err := b.meta.DecrementBlobRef(ctx, hash.String())
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, storageErr("release_reference", err)
	}
	return n, nil
}

// Open returns a reader for a blob's bytes along with its entry.
// The caller must close the reader.
func (b *Blobs) Open(ctx context.Context, hash harvester.Hash) (io.ReadCloser, *metadb.BlobEntry, error) {
	entry, err := b.meta.GetBlob(ctx, hash.String())
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, storageErr("open_blob", err)
	}
	rc, err := b.backend.Read(ctx, harvester.BlobStorageKey(hash))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, storageErr("open_blob", err)
	}
	return rc, entry, nil
}

// Bytes reads a whole blob into memory.
func (b *Blobs) Bytes(ctx context.Context, hash harvester.Hash) ([]byte, error) {
	rc, _, err := b.Open(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, storageErr("read_blob", err)
	}
	return data, nil
}

// Entry returns the blob table entry for hash.
func (b *Blobs) Entry(ctx context.Context, hash harvester.Hash) (*metadb.BlobEntry, error) {
	entry, err := b.meta.GetBlob(ctx, hash.String())
	if errors.Is(err, metadb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return entry, err
}

// Pin protects hash from collection while a job that may reference it is
// pending. Pins nest.
func (b *Blobs) Pin(hash harvester.Hash) {
	b.pinMu.Lock()
	defer b.pinMu.Unlock()
	b.pins[hash]++
}

// Unpin releases one pin.
func (b *Blobs) Unpin(hash harvester.Hash) {
	b.pinMu.Lock()
	defer b.pinMu.Unlock()
	if b.pins[hash] <= 1 {
		delete(b.pins, hash)
		return
	}
	b.pins[hash]--
}

// Pinned reports whether hash is pinned.
func (b *Blobs) Pinned(hash harvester.Hash) bool {
	b.pinMu.Lock()
	defer b.pinMu.Unlock()
	return b.pins[hash] > 0
}

// DeleteIfUnreferenced removes a blob whose count is zero and has been since
// before releasedBefore, unless it is pinned. The entry goes first so a crash
// leaves at worst an orphan file.
func (b *Blobs) DeleteIfUnreferenced(ctx context.Context, hash harvester.Hash, releasedBefore time.Time) (bool, error) {
	if b.Pinned(hash) {
		return false, nil
	}
	unlock := b.locks.Lock(hash.String())
	defer unlock()

	if b.Pinned(hash) {
		return false, nil
	}
	deleted, err := b.meta.DeleteBlobIfUnreferenced(ctx, hash.String(), releasedBefore)
	if err != nil || !deleted {
		return false, err
	}
	if err := b.backend.Delete(ctx, harvester.BlobStorageKey(hash)); err != nil {
		return true, fmt.Errorf("deleting blob file: %w", err)
	}
	return true, nil
}

// DeleteOrphan removes a blob file that has no blob table entry.
func (b *Blobs) DeleteOrphan(ctx context.Context, hash harvester.Hash) (bool, error) {
	unlock := b.locks.Lock(hash.String())
	defer unlock()

	_, err := b.meta.GetBlob(ctx, hash.String())
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, metadb.ErrNotFound):
		return false, err
	}
	if err := b.backend.Delete(ctx, harvester.BlobStorageKey(hash)); err != nil {
		return false, fmt.Errorf("deleting orphan: %w", err)
	}
	return true, nil
}

// List returns the hashes of every blob file in the backend.
func (b *Blobs) List(ctx context.Context) ([]harvester.Hash, error) {
	keys, err := b.backend.List(ctx, harvester.BlobKeyPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	hashes := make([]harvester.Hash, 0, len(keys))
	for _, key := range keys {
		h, err := harvester.ParseBlobStorageKey(key)
		if err != nil {
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// Backend returns the underlying byte backend.
func (b *Blobs) Backend() backend.Backend {
	return b.backend
}

// Meta returns the blob table.
func (b *Blobs) Meta() metadb.MetaDB {
	return b.meta
}
