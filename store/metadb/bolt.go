package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db
	b.path = path

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBlobsByHash, bucketAssetLinks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// Path returns the database file path.
func (b *BoltDB) Path() string {
	return b.path
}

// GetBlob retrieves blob metadata by hash.
func (b *BoltDB) GetBlob(_ context.Context, hash string) (*BlobEntry, error) {
	var entry *BlobEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		entry, err = getBlobInTx(tx.Bucket(bucketBlobsByHash), hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// PutBlob stores blob metadata, replacing any existing entry.
func (b *BoltDB) PutBlob(_ context.Context, entry *BlobEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = b.now()
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putBlobInTx(tx.Bucket(bucketBlobsByHash), entry)
	})
}

// DeleteBlob removes blob metadata.
func (b *BoltDB) DeleteBlob(_ context.Context, hash string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobsByHash).Delete([]byte(hash))
	})
}

// IncrementBlobRef increments the reference count for a blob and returns the new count.
func (b *BoltDB) IncrementBlobRef(_ context.Context, hash string) (int, error) {
	var count int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		count, err = b.adjustRefInTx(tx.Bucket(bucketBlobsByHash), hash, 1)
		return err
	})
	return count, err
}

// DecrementBlobRef decrements the reference count for a blob and returns the new count.
// The count never goes below zero.
func (b *BoltDB) DecrementBlobRef(_ context.Context, hash string) (int, error) {
	var count int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		count, err = b.adjustRefInTx(tx.Bucket(bucketBlobsByHash), hash, -1)
		return err
	})
	return count, err
}

// TotalBlobSize returns the total size of all blobs.
func (b *BoltDB) TotalBlobSize(_ context.Context) (int64, error) {
	var total int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobsByHash).ForEach(func(_, v []byte) error {
			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // Skip invalid entries
			}
			total += entry.Size
			return nil
		})
	})
	return total, err
}

// ForEachBlob calls fn for every blob entry in hash order.
// fn must not call back into the database.
func (b *BoltDB) ForEachBlob(ctx context.Context, fn func(*BlobEntry) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobsByHash).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			return fn(&entry)
		})
	})
}

// LinkAsset points an item asset slot at hash. The caller must already hold
// one reference on hash (from a put); the link takes ownership of it.
// Re-linking the same hash drops the extra reference, and replacing a
// different hash releases the old one, so counts always equal live links.
func (b *BoltDB) LinkAsset(_ context.Context, itemKey, slot, hash string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		links := tx.Bucket(bucketAssetLinks)
		blobs := tx.Bucket(bucketBlobsByHash)

		if blobs.Get([]byte(hash)) == nil {
			return fmt.Errorf("linking %s/%s: %w", itemKey, slot, ErrBlobMissing)
		}

		key := makeLinkKey(itemKey, slot)
		old := string(links.Get(key))

		switch {
		case old == hash:
			if _, err := b.adjustRefInTx(blobs, hash, -1); err != nil {
				return fmt.Errorf("dropping duplicate ref for %s: %w", hash, err)
			}
			return nil
		case old != "":
			if _, err := b.adjustRefInTx(blobs, old, -1); err != nil && err != ErrNotFound {
				return fmt.Errorf("releasing replaced ref for %s: %w", old, err)
			}
		}

		if err := links.Put(key, []byte(hash)); err != nil {
			return fmt.Errorf("putting link: %w", err)
		}
		return nil
	})
}

// UnlinkAsset removes one slot link and releases its reference.
// Returns the hash that was linked, or "" if the slot was empty.
func (b *BoltDB) UnlinkAsset(_ context.Context, itemKey, slot string) (string, error) {
	var hash string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		links := tx.Bucket(bucketAssetLinks)
		key := makeLinkKey(itemKey, slot)
		hash = string(links.Get(key))
		if hash == "" {
			return nil
		}
		if err := links.Delete(key); err != nil {
			return fmt.Errorf("deleting link: %w", err)
		}
		return b.releaseInTx(tx.Bucket(bucketBlobsByHash), itemKey, hash)
	})
	return hash, err
}

// UnlinkItem removes every slot link of an item and releases their references.
// Returns the released hashes.
func (b *BoltDB) UnlinkItem(_ context.Context, itemKey string) ([]string, error) {
	var released []string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		links := tx.Bucket(bucketAssetLinks)
		blobs := tx.Bucket(bucketBlobsByHash)
		prefix := makeItemPrefix(itemKey)

		var keys [][]byte
		c := links.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			keys = append(keys, bytes.Clone(k))
			released = append(released, string(v))
		}

		for i, k := range keys {
			if err := links.Delete(k); err != nil {
				return fmt.Errorf("deleting link: %w", err)
			}
			if err := b.releaseInTx(blobs, itemKey, released[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return released, err
}

// GetItemLinks returns slot -> hash for an item.
func (b *BoltDB) GetItemLinks(_ context.Context, itemKey string) (map[string]string, error) {
	out := make(map[string]string)
	err := b.db.View(func(tx *bbolt.Tx) error {
		prefix := makeItemPrefix(itemKey)
		c := tx.Bucket(bucketAssetLinks).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			_, slot := parseLinkKey(k)
			out[slot] = string(v)
		}
		return nil
	})
	return out, err
}

// ForEachLink calls fn for every asset link.
func (b *BoltDB) ForEachLink(ctx context.Context, fn func(Link) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAssetLinks).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			itemKey, slot := parseLinkKey(k)
			return fn(Link{ItemKey: itemKey, Slot: slot, Hash: string(v)})
		})
	})
}

// GetUnreferencedBlobs returns blobs with RefCount == 0.
func (b *BoltDB) GetUnreferencedBlobs(_ context.Context, limit int) ([]string, error) {
	var hashes []string

	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBlobsByHash).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(hashes) >= limit {
				break
			}

			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue // Skip invalid entries
			}

			if entry.Unreferenced() {
				hashes = append(hashes, string(k))
			}
		}
		return nil
	})
	return hashes, err
}

// DeleteBlobIfUnreferenced removes the blob entry only if it is still
// unreferenced and was released before the cutoff. The check and delete
// happen in one transaction.
func (b *BoltDB) DeleteBlobIfUnreferenced(_ context.Context, hash string, releasedBefore time.Time) (bool, error) {
	deleted := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBlobsByHash)
		entry, err := getBlobInTx(bucket, hash)
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if !entry.Unreferenced() {
			return nil
		}
		released := entry.ReleasedAt
		if released.IsZero() {
			released = entry.CreatedAt
		}
		if released.After(releasedBefore) {
			return nil
		}
		if err := bucket.Delete([]byte(hash)); err != nil {
			return fmt.Errorf("deleting blob: %w", err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (b *BoltDB) releaseInTx(blobs *bbolt.Bucket, itemKey, hash string) error {
	if _, err := b.adjustRefInTx(blobs, hash, -1); err != nil {
		if err == ErrNotFound {
			b.logger.Warn("released link to missing blob", "item", itemKey, "hash", hash)
			return nil
		}
		return fmt.Errorf("releasing ref for %s: %w", hash, err)
	}
	return nil
}

// adjustRefInTx applies delta to a blob refcount within a transaction.
func (b *BoltDB) adjustRefInTx(bucket *bbolt.Bucket, hash string, delta int) (int, error) {
	entry, err := getBlobInTx(bucket, hash)
	if err != nil {
		return 0, err
	}

	entry.RefCount += delta
	if entry.RefCount <= 0 {
		if entry.RefCount < 0 {
			b.logger.Warn("blob refcount underflow", "hash", hash)
		}
		entry.RefCount = 0
		entry.ReleasedAt = b.now()
	} else {
		entry.ReleasedAt = time.Time{}
	}

	if err := putBlobInTx(bucket, entry); err != nil {
		return 0, err
	}
	return entry.RefCount, nil
}

func getBlobInTx(bucket *bbolt.Bucket, hash string) (*BlobEntry, error) {
	val := bucket.Get([]byte(hash))
	if val == nil {
		return nil, ErrNotFound
	}
	var entry BlobEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling blob entry: %w", err)
	}
	return &entry, nil
}

func putBlobInTx(bucket *bbolt.Bucket, entry *BlobEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling blob entry: %w", err)
	}
	if err := bucket.Put([]byte(entry.Hash), data); err != nil {
		return fmt.Errorf("putting blob: %w", err)
	}
	return nil
}

// Compile-time interface check
var _ MetaDB = (*BoltDB)(nil)
