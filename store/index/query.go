package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// QueryItems returns items matching the filter ordered by collection and
// position, with their assets attached. Items of tombstoned collections are
// hidden unless the filter includes tombstoned rows.
func (idx *Index) QueryItems(ctx context.Context, f ItemFilter) ([]ItemView, error) {
	var (
		where []string
		args  []any
	)
	if f.ExtensionID != "" {
		where = append(where, "c.extension_id = ?")
		args = append(args, f.ExtensionID)
	}
	if f.CollectionID != 0 {
		where = append(where, "i.collection_id = ?")
		args = append(args, f.CollectionID)
	}
	if f.Search != "" {
		where = append(where, `(i.title LIKE ? ESCAPE '\' OR i.description LIKE ? ESCAPE '\')`)
		pattern := "%" + escapeLike(f.Search) + "%"
		args = append(args, pattern, pattern)
	}
	if !f.IncludeTombstoned {
		where = append(where, "i.tombstoned = 0", "c.tombstoned = 0")
	}

	limit := f.Limit
	switch {
	case limit <= 0:
		limit = defaultQueryLimit
	case limit > maxQueryLimit:
		limit = maxQueryLimit
	}

	query := `SELECT i.*, c.extension_id, c.name AS collection_name
FROM items i JOIN collections c ON c.id = i.collection_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.extension_id, i.collection_id, i.position, i.id LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	var views []ItemView
	if err := idx.db.SelectContext(ctx, &views, query, args...); err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	if err := idx.attachAssets(ctx, views); err != nil {
		return nil, err
	}
	return views, nil
}

// GetItem returns one item with its assets, tombstoned or not.
func (idx *Index) GetItem(ctx context.Context, id int64) (*ItemView, error) {
	var view ItemView
	err := idx.db.GetContext(ctx, &view, `SELECT i.*, c.extension_id, c.name AS collection_name
FROM items i JOIN collections c ON c.id = i.collection_id WHERE i.id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	views := []ItemView{view}
	if err := idx.attachAssets(ctx, views); err != nil {
		return nil, err
	}
	return &views[0], nil
}

func (idx *Index) attachAssets(ctx context.Context, views []ItemView) error {
	if len(views) == 0 {
		return nil
	}
	ids := make([]int64, len(views))
	byID := make(map[int64]int, len(views))
	for i := range views {
		ids[i] = views[i].ID
		byID[views[i].ID] = i
		views[i].Assets = []Asset{}
	}

	query, args, err := sqlx.In(`SELECT * FROM item_assets WHERE item_id IN (?) ORDER BY item_id, position, slot`, ids)
	if err != nil {
		return err
	}
	var assets []Asset
	if err := idx.db.SelectContext(ctx, &assets, idx.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("loading assets: %w", err)
	}
	for _, a := range assets {
		if i, ok := byID[a.ItemID]; ok {
			views[i].Assets = append(views[i].Assets, a)
		}
	}
	return nil
}

// Stats returns row counts and the current generation.
func (idx *Index) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := idx.db.GetContext(ctx, &s, `SELECT
  (SELECT COUNT(*) FROM extensions) AS extensions,
  (SELECT COUNT(*) FROM collections WHERE tombstoned = 0) AS collections,
  (SELECT COUNT(*) FROM items WHERE tombstoned = 0) AS items,
  (SELECT COUNT(*) FROM items WHERE tombstoned = 1) AS tombstoned_items,
  (SELECT COUNT(*) FROM item_assets) AS assets,
  (SELECT COUNT(*) FROM item_assets WHERE status = 'stored') AS stored_assets`)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	s.Generation = idx.Generation()
	return &s, nil
}

// LinkedBlobHashes returns every blob hash referenced by an asset row.
// Used by consistency checks against the blob store.
func (idx *Index) LinkedBlobHashes(ctx context.Context) (map[string]int, error) {
	rows, err := idx.db.QueryxContext(ctx,
		`SELECT blob_hash, COUNT(*) FROM item_assets WHERE blob_hash != '' GROUP BY blob_hash`)
	if err != nil {
		return nil, fmt.Errorf("listing linked blobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var (
			hash  string
			count int
		)
		if err := rows.Scan(&hash, &count); err != nil {
			return nil, err
		}
		out[hash] = count
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
