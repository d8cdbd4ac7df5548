// Package cache keeps hot item views in memory in front of the index.
// Entries are shadows of index rows; eviction never loses data.
package cache

import (
	"fmt"
	"slices"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wolfeidau/catalog-harvester/store/index"
)

const (
	DefaultItemCapacity  = 4096
	DefaultQueryCapacity = 256
)

// Stats reports cache effectiveness.
type Stats struct {
	Items        int    `json:"items"`
	Queries      int    `json:"queries"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Invalidation uint64 `json:"invalidations"`
}

type queryEntry struct {
	generation uint64
	views      []index.ItemView
}

// Cache is a capacity-bounded LRU of item views keyed by item id, plus a
// query result cache tagged with the index generation it was read at.
type Cache struct {
	items   *lru.Cache[int64, index.ItemView]
	queries *lru.Cache[string, queryEntry]

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
}

// New creates a cache. Non-positive capacities use the defaults.
func New(itemCapacity, queryCapacity int) (*Cache, error) {
	if itemCapacity <= 0 {
		itemCapacity = DefaultItemCapacity
	}
	if queryCapacity <= 0 {
		queryCapacity = DefaultQueryCapacity
	}
	items, err := lru.New[int64, index.ItemView](itemCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating item cache: %w", err)
	}
	queries, err := lru.New[string, queryEntry](queryCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating query cache: %w", err)
	}
	return &Cache{items: items, queries: queries}, nil
}

// GetItem returns a copy of the cached view for id.
func (c *Cache) GetItem(id int64) (index.ItemView, bool) {
	v, ok := c.items.Get(id)
	c.count(ok)
	if !ok {
		return index.ItemView{}, false
	}
	return cloneView(v), true
}

// PutItem caches a copy of view.
func (c *Cache) PutItem(view index.ItemView) {
	c.items.Add(view.ID, cloneView(view))
}

// InvalidateItems drops cached views for ids. Query entries expire by generation.
func (c *Cache) InvalidateItems(ids ...int64) {
	for _, id := range ids {
		c.items.Remove(id)
	}
	c.invalidations.Add(1)
}

// GetQuery returns a cached result for filter if it was read at generation.
func (c *Cache) GetQuery(filter index.ItemFilter, generation uint64) ([]index.ItemView, bool) {
	key := QueryKey(filter)
	e, ok := c.queries.Get(key)
	if ok && e.generation != generation {
		c.queries.Remove(key)
		ok = false
	}
	c.count(ok)
	if !ok {
		return nil, false
	}
	return cloneViews(e.views), true
}

// PutQuery caches a query result read at generation.
func (c *Cache) PutQuery(filter index.ItemFilter, generation uint64, views []index.ItemView) {
	c.queries.Add(QueryKey(filter), queryEntry{generation: generation, views: cloneViews(views)})
}

// Purge drops everything.
func (c *Cache) Purge() {
	c.items.Purge()
	c.queries.Purge()
	c.invalidations.Add(1)
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Items:        c.items.Len(),
		Queries:      c.queries.Len(),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Invalidation: c.invalidations.Load(),
	}
}

// QueryKey returns the cache key of a filter.
func QueryKey(f index.ItemFilter) string {
	return fmt.Sprintf("%s|%d|%q|%t|%d|%d", f.ExtensionID, f.CollectionID, f.Search, f.IncludeTombstoned, f.Limit, f.Offset)
}

func (c *Cache) count(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func cloneView(v index.ItemView) index.ItemView {
	v.Assets = slices.Clone(v.Assets)
	v.MetadataJSON = slices.Clone(v.MetadataJSON)
	return v
}

func cloneViews(views []index.ItemView) []index.ItemView {
	out := make([]index.ItemView, len(views))
	for i, v := range views {
		out[i] = cloneView(v)
	}
	return out
}
