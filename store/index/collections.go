package index

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// UpsertCollection inserts or updates a collection keyed by
// (extension id, external id). A tombstoned collection is revived.
func (idx *Index) UpsertCollection(ctx context.Context, in CollectionUpsert) (*Collection, error) {
	if in.Metadata == "" {
		in.Metadata = "{}"
	}
	now := idx.now().UTC()

	var col Collection
	err := idx.write(ctx, func(tx *sqlx.Tx) error {
		var id int64
		err := tx.QueryRowxContext(ctx, `
INSERT INTO collections (extension_id, external_id, name, metadata, tombstoned, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(extension_id, external_id) DO UPDATE SET
  name = excluded.name,
  metadata = excluded.metadata,
  tombstoned = 0,
  updated_at = excluded.updated_at
RETURNING id`, in.ExtensionID, in.ExternalID, in.Name, in.Metadata, now, now).Scan(&id)
		if err != nil {
			return fmt.Errorf("upserting collection %s/%s: %w", in.ExtensionID, in.ExternalID, err)
		}
		return tx.GetContext(ctx, &col, `SELECT * FROM collections WHERE id = ?`, id)
	})
	if err != nil {
		return nil, err
	}
	return &col, nil
}

// TombstoneMissingCollections tombstones every live collection of the
// extension whose external id is not in keep. Returns the tombstoned ids.
func (idx *Index) TombstoneMissingCollections(ctx context.Context, extensionID string, keep []string) ([]int64, error) {
	var tombstoned []int64
	err := idx.write(ctx, func(tx *sqlx.Tx) error {
		var rows []struct {
			ID         int64  `db:"id"`
			ExternalID string `db:"external_id"`
		}
		if err := tx.SelectContext(ctx, &rows,
			`SELECT id, external_id FROM collections WHERE extension_id = ? AND tombstoned = 0`, extensionID); err != nil {
			return fmt.Errorf("listing collections: %w", err)
		}

		keepSet := toSet(keep)
		for _, r := range rows {
			if _, ok := keepSet[r.ExternalID]; !ok {
				tombstoned = append(tombstoned, r.ID)
			}
		}
		if len(tombstoned) == 0 {
			return nil
		}

		query, args, err := sqlx.In(`UPDATE collections SET tombstoned = 1, updated_at = ? WHERE id IN (?)`,
			idx.now().UTC(), tombstoned)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("tombstoning collections: %w", err)
		}
		return nil
	})
	return tombstoned, err
}

// MarkCollectionSynced records the completion time of a listing.
func (idx *Index) MarkCollectionSynced(ctx context.Context, id int64, at time.Time) error {
	return idx.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE collections SET last_sync_at = ?, updated_at = ? WHERE id = ?`,
			at.UTC(), idx.now().UTC(), id)
		if err != nil {
			return fmt.Errorf("marking collection synced: %w", err)
		}
		return nil
	})
}

// GetCollection returns one collection.
func (idx *Index) GetCollection(ctx context.Context, id int64) (*Collection, error) {
	var col Collection
	if err := idx.db.GetContext(ctx, &col, `SELECT * FROM collections WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &col, nil
}

// ListCollections returns the collections of an extension, or of every
// extension when extensionID is empty.
func (idx *Index) ListCollections(ctx context.Context, extensionID string, includeTombstoned bool) ([]Collection, error) {
	query := `SELECT * FROM collections WHERE 1 = 1`
	var args []any
	if extensionID != "" {
		query += ` AND extension_id = ?`
		args = append(args, extensionID)
	}
	if !includeTombstoned {
		query += ` AND tombstoned = 0`
	}
	query += ` ORDER BY extension_id, id`

	var cols []Collection
	if err := idx.db.SelectContext(ctx, &cols, query, args...); err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	return cols, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
