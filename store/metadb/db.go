package metadb

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("metadb: not found")

	// ErrBlobMissing is returned when a link targets a blob with no entry.
	ErrBlobMissing = errors.New("metadb: linked blob does not exist")
)

// MetaDB tracks stored blobs, their reference counts and the item asset
// links that own those references.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Blob tracking
	GetBlob(ctx context.Context, hash string) (*BlobEntry, error)
	PutBlob(ctx context.Context, entry *BlobEntry) error
	DeleteBlob(ctx context.Context, hash string) error
	// IncrementBlobRef returns ErrNotFound when the blob has no entry.
	IncrementBlobRef(ctx context.Context, hash string) (int, error)
	DecrementBlobRef(ctx context.Context, hash string) (int, error)
	TotalBlobSize(ctx context.Context) (int64, error)
	ForEachBlob(ctx context.Context, fn func(*BlobEntry) error) error

	// Asset links. A link owns exactly one reference on its blob.
	LinkAsset(ctx context.Context, itemKey, slot, hash string) error
	UnlinkAsset(ctx context.Context, itemKey, slot string) (string, error)
	UnlinkItem(ctx context.Context, itemKey string) ([]string, error)
	GetItemLinks(ctx context.Context, itemKey string) (map[string]string, error)

	// Collection queries
	GetUnreferencedBlobs(ctx context.Context, limit int) ([]string, error)
	DeleteBlobIfUnreferenced(ctx context.Context, hash string, releasedBefore time.Time) (bool, error)
}

// New creates a new MetaDB backed by bbolt.
func New() MetaDB {
	return NewBoltDB()
}
