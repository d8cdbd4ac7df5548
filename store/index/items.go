package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UpsertItem inserts or updates an item keyed by (collection id, external id)
// together with its asset rows. Asset rows whose locator is unchanged keep
// their stored blob; rows with a new locator go back to pending. Slots that
// are absent from in.Assets are removed and reported in RemovedSlots.
func (idx *Index) UpsertItem(ctx context.Context, in ItemUpsert) (*UpsertResult, error) {
	if in.Metadata == "" {
		in.Metadata = "{}"
	}
	now := idx.now().UTC()
	result := &UpsertResult{}

	err := idx.write(ctx, func(tx *sqlx.Tx) error {
		var existing int64
		err := tx.GetContext(ctx, &existing,
			`SELECT id FROM items WHERE collection_id = ? AND external_id = ?`, in.CollectionID, in.ExternalID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			result.Created = true
		case err != nil:
			return fmt.Errorf("looking up item: %w", err)
		}

		var id int64
		err = tx.QueryRowxContext(ctx, `
INSERT INTO items (collection_id, external_id, title, description, metadata, position, tombstoned, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(collection_id, external_id) DO UPDATE SET
  title = excluded.title,
  description = excluded.description,
  metadata = excluded.metadata,
  position = excluded.position,
  tombstoned = 0,
  updated_at = excluded.updated_at
RETURNING id`, in.CollectionID, in.ExternalID, in.Title, in.Description, in.Metadata, in.Position, now, now).Scan(&id)
		if err != nil {
			return fmt.Errorf("upserting item %s: %w", in.ExternalID, err)
		}

		var oldSlots []string
		if err := tx.SelectContext(ctx, &oldSlots, `SELECT slot FROM item_assets WHERE item_id = ?`, id); err != nil {
			return fmt.Errorf("listing asset slots: %w", err)
		}

		present := make(map[string]struct{}, len(in.Assets))
		for pos, a := range in.Assets {
			present[a.Slot] = struct{}{}
			_, err := tx.ExecContext(ctx, `
INSERT INTO item_assets (item_id, slot, position, locator, expected_digest, expected_size, status, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)
ON CONFLICT(item_id, slot) DO UPDATE SET
  position = excluded.position,
  expected_digest = excluded.expected_digest,
  expected_size = excluded.expected_size,
  status = CASE WHEN item_assets.locator = excluded.locator THEN item_assets.status ELSE 'pending' END,
  error = CASE WHEN item_assets.locator = excluded.locator THEN item_assets.error ELSE '' END,
  locator = excluded.locator,
  updated_at = excluded.updated_at`,
				id, a.Slot, pos, a.Locator, a.ExpectedDigest, a.ExpectedSize, now)
			if err != nil {
				return fmt.Errorf("upserting asset %s: %w", a.Slot, err)
			}
		}

		for _, slot := range oldSlots {
			if _, ok := present[slot]; ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM item_assets WHERE item_id = ? AND slot = ?`, id, slot); err != nil {
				return fmt.Errorf("removing asset %s: %w", slot, err)
			}
			result.RemovedSlots = append(result.RemovedSlots, slot)
		}

		if err := tx.GetContext(ctx, &result.Item, `SELECT * FROM items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("reading item: %w", err)
		}
		if err := tx.SelectContext(ctx, &result.Assets,
			`SELECT * FROM item_assets WHERE item_id = ? ORDER BY position, slot`, id); err != nil {
			return fmt.Errorf("reading assets: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TombstoneMissingItems tombstones every live item of the collection whose
// external id is not in keep. Asset rows of tombstoned items lose their blob
// reference. Returns the tombstoned item ids.
func (idx *Index) TombstoneMissingItems(ctx context.Context, collectionID int64, keep []string) ([]int64, error) {
	var tombstoned []int64
	err := idx.write(ctx, func(tx *sqlx.Tx) error {
		var rows []struct {
			ID         int64  `db:"id"`
			ExternalID string `db:"external_id"`
		}
		if err := tx.SelectContext(ctx, &rows,
			`SELECT id, external_id FROM items WHERE collection_id = ? AND tombstoned = 0`, collectionID); err != nil {
			return fmt.Errorf("listing items: %w", err)
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

		now := idx.now().UTC()
		query, args, err := sqlx.In(`UPDATE items SET tombstoned = 1, updated_at = ? WHERE id IN (?)`, now, tombstoned)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("tombstoning items: %w", err)
		}

		query, args, err = sqlx.In(
			`UPDATE item_assets SET blob_hash = '', status = 'pending', updated_at = ? WHERE item_id IN (?)`, now, tombstoned)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("clearing tombstoned assets: %w", err)
		}
		return nil
	})
	return tombstoned, err
}

// UpdateItemMetadata replaces the metadata document of an item.
func (idx *Index) UpdateItemMetadata(ctx context.Context, itemID int64, metadata string) error {
	return idx.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE items SET metadata = ?, updated_at = ? WHERE id = ?`,
			metadata, idx.now().UTC(), itemID)
		if err != nil {
			return fmt.Errorf("updating item metadata: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetAssetStored records that the asset slot resolved to a stored blob.
func (idx *Index) SetAssetStored(ctx context.Context, itemID int64, slot, blobHash, contentType string, size int64) error {
	return idx.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE item_assets SET blob_hash = ?, content_type = ?, size = ?, status = 'stored', error = '', updated_at = ?
WHERE item_id = ? AND slot = ?`, blobHash, contentType, size, idx.now().UTC(), itemID, slot)
		if err != nil {
			return fmt.Errorf("storing asset %d/%s: %w", itemID, slot, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetAssetStatus records a non-stored outcome for an asset slot.
func (idx *Index) SetAssetStatus(ctx context.Context, itemID int64, slot, status, errMsg string) error {
	return idx.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE item_assets SET status = ?, error = ?, updated_at = ? WHERE item_id = ? AND slot = ?`,
			status, errMsg, idx.now().UTC(), itemID, slot)
		if err != nil {
			return fmt.Errorf("updating asset %d/%s: %w", itemID, slot, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetAsset returns one asset row.
func (idx *Index) GetAsset(ctx context.Context, itemID int64, slot string) (*Asset, error) {
	var a Asset
	if err := idx.db.GetContext(ctx, &a, `SELECT * FROM item_assets WHERE item_id = ? AND slot = ?`, itemID, slot); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// PendingAssets returns asset rows of live items that still need a fetch.
func (idx *Index) PendingAssets(ctx context.Context, extensionID string, limit int) ([]Asset, error) {
	if limit <= 0 {
		limit = 1000
	}
	var assets []Asset
	err := idx.db.SelectContext(ctx, &assets, `
SELECT a.* FROM item_assets a
JOIN items i ON i.id = a.item_id
JOIN collections c ON c.id = i.collection_id
WHERE c.extension_id = ? AND i.tombstoned = 0 AND c.tombstoned = 0 AND a.status = 'pending'
ORDER BY a.item_id, a.position
LIMIT ?`, extensionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending assets: %w", err)
	}
	return assets, nil
}

// StoredAssets calls fn for every asset row in the stored state.
func (idx *Index) StoredAssets(ctx context.Context, fn func(Asset) error) error {
	rows, err := idx.db.QueryxContext(ctx, `SELECT * FROM item_assets WHERE status = 'stored' ORDER BY item_id, slot`)
	if err != nil {
		return fmt.Errorf("listing stored assets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var a Asset
		if err := rows.StructScan(&a); err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return rows.Err()
}
