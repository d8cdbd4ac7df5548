package index

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UpsertExtension inserts or replaces the persisted view of an extension.
func (idx *Index) UpsertExtension(ctx context.Context, rec ExtensionRecord) error {
	now := idx.now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return idx.write(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
INSERT INTO extensions (id, name, version, bundle_hash, capabilities, state, last_error, created_at, updated_at)
VALUES (:id, :name, :version, :bundle_hash, :capabilities, :state, :last_error, :created_at, :updated_at)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  version = excluded.version,
  bundle_hash = excluded.bundle_hash,
  capabilities = excluded.capabilities,
  state = excluded.state,
  last_error = excluded.last_error,
  updated_at = excluded.updated_at`, &rec)
		if err != nil {
			return fmt.Errorf("upserting extension %s: %w", rec.ID, err)
		}
		return nil
	})
}

// SetExtensionState records a lifecycle transition.
func (idx *Index) SetExtensionState(ctx context.Context, id, state, lastError string) error {
	return idx.write(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE extensions SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			state, lastError, idx.now().UTC(), id)
		if err != nil {
			return fmt.Errorf("updating extension state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetExtension returns one extension record.
func (idx *Index) GetExtension(ctx context.Context, id string) (*ExtensionRecord, error) {
	var rec ExtensionRecord
	if err := idx.db.GetContext(ctx, &rec, `SELECT * FROM extensions WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// ListExtensions returns all extension records ordered by id.
func (idx *Index) ListExtensions(ctx context.Context) ([]ExtensionRecord, error) {
	var recs []ExtensionRecord
	if err := idx.db.SelectContext(ctx, &recs, `SELECT * FROM extensions ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing extensions: %w", err)
	}
	return recs, nil
}
