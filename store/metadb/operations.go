package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.etcd.io/bbolt"
)

// RefcountDiscrepancy represents a mismatch between stored and computed refcounts.
type RefcountDiscrepancy struct {
	Hash     string `json:"hash"`
	Stored   int    `json:"stored"`
	Computed int    `json:"computed"`
	// Missing is set when links point at a hash with no blob entry.
	Missing bool `json:"missing,omitempty"`
}

// computeLinkRefs counts live asset links per hash.
func computeLinkRefs(tx *bbolt.Tx) map[string]int {
	computed := make(map[string]int)
	_ = tx.Bucket(bucketAssetLinks).ForEach(func(_, v []byte) error {
		computed[string(v)]++
		return nil
	})
	return computed
}

// VerifyRefcounts compares stored blob refcounts with the asset link table.
// Returns discrepancies without modifying the database.
func (b *BoltDB) VerifyRefcounts(ctx context.Context) ([]RefcountDiscrepancy, error) {
	var discrepancies []RefcountDiscrepancy

	err := b.db.View(func(tx *bbolt.Tx) error {
		computed := computeLinkRefs(tx)

		c := tx.Bucket(bucketBlobsByHash).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			hash := string(k)

			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}

			expected := computed[hash]
			if entry.RefCount != expected {
				discrepancies = append(discrepancies, RefcountDiscrepancy{
					Hash:     hash,
					Stored:   entry.RefCount,
					Computed: expected,
				})
			}
			delete(computed, hash)
		}

		for hash, count := range computed {
			discrepancies = append(discrepancies, RefcountDiscrepancy{
				Hash:     hash,
				Computed: count,
				Missing:  true,
			})
		}
		return nil
	})

	return discrepancies, err
}

// RebuildResult summarises a refcount rebuild.
type RebuildResult struct {
	Updated      int `json:"updated"`
	DroppedLinks int `json:"dropped_links"`
}

// RebuildRefcounts recomputes every blob refcount from the asset link table
// in a single transaction. Links that point at missing blobs are removed.
// Run only while no puts are in flight, since an unlinked put reference is
// indistinguishable from a leak.
func (b *BoltDB) RebuildRefcounts(ctx context.Context) (RebuildResult, error) {
	var res RebuildResult

	err := b.db.Update(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobsByHash)
		links := tx.Bucket(bucketAssetLinks)

		var dangling [][]byte
		computed := make(map[string]int)
		err := links.ForEach(func(k, v []byte) error {
			if blobs.Get(v) == nil {
				dangling = append(dangling, append([]byte(nil), k...))
				return nil
			}
			computed[string(v)]++
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range dangling {
			if err := links.Delete(k); err != nil {
				return fmt.Errorf("deleting dangling link: %w", err)
			}
			res.DroppedLinks++
		}

		var fixed []*BlobEntry
		c := blobs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			expected := computed[string(k)]
			if entry.RefCount == expected {
				continue
			}
			entry.RefCount = expected
			if expected == 0 && entry.ReleasedAt.IsZero() {
				entry.ReleasedAt = b.now()
			}
			fixed = append(fixed, &entry)
		}
		for _, entry := range fixed {
			if err := putBlobInTx(blobs, entry); err != nil {
				return err
			}
			res.Updated++
		}
		return nil
	})

	return res, err
}

// DBStats contains statistics about the blob database.
type DBStats struct {
	BlobCount         int64 `json:"blob_count"`
	UnreferencedCount int64 `json:"unreferenced_count"`
	TotalBlobSize     int64 `json:"total_blob_size"`
	LinkCount         int64 `json:"link_count"`
	DBFileSize        int64 `json:"db_file_size"`
}

// Stats returns statistics about the blob database.
func (b *BoltDB) Stats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}

	err := b.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketBlobsByHash).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			stats.BlobCount++
			stats.TotalBlobSize += entry.Size
			if entry.Unreferenced() {
				stats.UnreferencedCount++
			}
			return nil
		})
		if err != nil {
			return err
		}
		stats.LinkCount = int64(tx.Bucket(bucketAssetLinks).Stats().KeyN)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if b.path != "" {
		if info, err := os.Stat(b.path); err == nil {
			stats.DBFileSize = info.Size()
		}
	}

	return stats, nil
}

// CompactDB copies the database into a new file, reclaiming space from deleted entries.
func (b *BoltDB) CompactDB(ctx context.Context, destPath string) error {
	destDB, err := bbolt.Open(destPath, 0o600, &bbolt.Options{
		NoSync: b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening destination database: %w", err)
	}
	defer destDB.Close()

	return b.db.View(func(srcTx *bbolt.Tx) error {
		return destDB.Update(func(destTx *bbolt.Tx) error {
			return srcTx.ForEach(func(name []byte, srcBucket *bbolt.Bucket) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				destBucket, err := destTx.CreateBucketIfNotExists(name)
				if err != nil {
					return fmt.Errorf("creating bucket %s: %w", name, err)
				}

				return srcBucket.ForEach(func(k, v []byte) error {
					return destBucket.Put(k, v)
				})
			})
		})
	})
}
