// Package store is the content store: deduplicated blobs with reference
// counts, the relational item index, and a hot-entry cache in front of it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	harvester "github.com/wolfeidau/catalog-harvester"
	"github.com/wolfeidau/catalog-harvester/backend"
	"github.com/wolfeidau/catalog-harvester/store/cache"
	"github.com/wolfeidau/catalog-harvester/store/index"
	"github.com/wolfeidau/catalog-harvester/store/metadb"
)

const (
	metaFile  = "meta.db"
	indexFile = "index.db"
)

// CollectionInput is an extension-provided collection descriptor.
type CollectionInput struct {
	ExtensionID string
	ExternalID  string
	Name        string
	Metadata    map[string]any
}

// ItemInput is an extension-provided item descriptor.
type ItemInput struct {
	CollectionID int64
	ExternalID   string
	Title        string
	Description  string
	Metadata     map[string]any
	Position     int
	Assets       []index.AssetUpsert
}

// Stats summarises every layer of the store.
type Stats struct {
	Index        *index.Stats    `json:"index"`
	Blobs        *metadb.DBStats `json:"blobs"`
	Cache        cache.Stats     `json:"cache"`
	WritesHalted bool            `json:"writes_halted"`
}

// Store ties the blob store, the index and the cache together. Item level
// mutations hold a per-item lock so asset links follow index rows.
type Store struct {
	dir       string
	blobs     *Blobs
	meta      *metadb.BoltDB
	index     *index.Index
	cache     *cache.Cache
	itemLocks *keyedMutex
	clean     *sanitizer
	logger    *slog.Logger

	itemCacheSize  int
	queryCacheSize int
	onChange       func(generation uint64)
	onHalt         func(error)
	noSync         bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithCacheSize sets the item and query cache capacities.
func WithCacheSize(items, queries int) Option {
	return func(s *Store) {
		s.itemCacheSize = items
		s.queryCacheSize = queries
	}
}

// WithChangeHandler is called with the new index generation after writes.
func WithChangeHandler(fn func(generation uint64)) Option {
	return func(s *Store) {
		s.onChange = fn
	}
}

// WithHaltedHandler is called once when blob writes halt on a full disk.
func WithHaltedHandler(fn func(error)) Option {
	return func(s *Store) {
		s.onHalt = fn
	}
}

// WithNoSync disables fsync in the blob table. Tests only.
func WithNoSync() Option {
	return func(s *Store) {
		s.noSync = true
	}
}

// Open opens or creates a store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:       dir,
		itemLocks: newKeyedMutex(),
		clean:     newSanitizer(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, err
	}

	s.meta = metadb.NewBoltDB(metadb.WithLogger(s.logger), metadb.WithNoSync(s.noSync))
	if err := s.meta.Open(filepath.Join(dir, metaFile)); err != nil {
		return nil, fmt.Errorf("opening blob table: %w", err)
	}

	s.index, err = index.Open(filepath.Join(dir, indexFile),
		index.WithLogger(s.logger), index.WithOnChange(s.onChange))
	if err != nil {
		_ = s.meta.Close()
		return nil, err
	}

	s.cache, err = cache.New(s.itemCacheSize, s.queryCacheSize)
	if err != nil {
		_ = s.index.Close()
		_ = s.meta.Close()
		return nil, err
	}

	s.blobs = NewBlobs(backend.NewInstrumentedBackend(fs, "filesystem"), s.meta,
		WithBlobLogger(s.logger), WithHaltHandler(s.onHalt))

	s.logger.Info("opened store", "dir", dir)
	return s, nil
}

// Close closes the index and the blob table.
func (s *Store) Close() error {
	return errors.Join(s.index.Close(), s.meta.Close())
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// Blobs returns the blob store.
func (s *Store) Blobs() *Blobs { return s.blobs }

// Index returns the relational index.
func (s *Store) Index() *index.Index { return s.index }

// Meta returns the blob table.
func (s *Store) Meta() *metadb.BoltDB { return s.meta }

// PutBlob stores bytes and acquires one reference. See Blobs.Put.
func (s *Store) PutBlob(ctx context.Context, data []byte) (*PutResult, error) {
	return s.blobs.Put(ctx, data)
}

// ReleaseReference gives back one reference acquired by PutBlob.
func (s *Store) ReleaseReference(ctx context.Context, hash harvester.Hash) error {
	_, err := s.blobs.Release(ctx, hash)
	return err
}

// UpsertCollection sanitises and upserts a collection.
func (s *Store) UpsertCollection(ctx context.Context, in CollectionInput) (*index.Collection, error) {
	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("collection %s metadata: %w", in.ExternalID, err)
	}
	name := s.clean.title(in.Name)
	if name == "" {
		name = in.ExternalID
	}
	col, err := s.index.UpsertCollection(ctx, index.CollectionUpsert{
		ExtensionID: in.ExtensionID,
		ExternalID:  in.ExternalID,
		Name:        name,
		Metadata:    meta,
	})
	return col, storageErr("upsert_collection", err)
}

// UpsertItem sanitises and upserts an item keyed by (collection id,
// external id), then drops asset links that no longer match a stored row.
func (s *Store) UpsertItem(ctx context.Context, in ItemInput) (*index.UpsertResult, error) {
	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("item %s metadata: %w", in.ExternalID, err)
	}

	res, err := s.index.UpsertItem(ctx, index.ItemUpsert{
		CollectionID: in.CollectionID,
		ExternalID:   in.ExternalID,
		Title:        s.clean.title(in.Title),
		Description:  s.clean.description(in.Description),
		Metadata:     meta,
		Position:     in.Position,
		Assets:       in.Assets,
	})
	if err != nil {
		return nil, storageErr("upsert_item", err)
	}

	unlock := s.itemLocks.Lock(itemKey(res.Item.ID))
	defer unlock()
	defer s.cache.InvalidateItems(res.Item.ID)

	if err := s.reconcileLinks(ctx, res.Item.ID, res.Assets); err != nil {
		return nil, storageErr("upsert_item", err)
	}
	return res, nil
}

func (s *Store) reconcileLinks(ctx context.Context, itemID int64, assets []index.Asset) error {
	links, err := s.meta.GetItemLinks(ctx, itemKey(itemID))
	if err != nil {
		return fmt.Errorf("reading links: %w", err)
	}
	if len(links) == 0 {
		return nil
	}

	stored := make(map[string]string, len(assets))
	for _, a := range assets {
		if a.Status == index.AssetStored {
			stored[a.Slot] = a.BlobHash
		}
	}
	for slot, hash := range links {
		if stored[slot] == hash {
			continue
		}
		if _, err := s.meta.UnlinkAsset(ctx, itemKey(itemID), slot); err != nil {
			return fmt.Errorf("unlinking %s: %w", slot, err)
		}
		s.logger.Debug("released asset link", "item", itemID, "slot", slot, "hash", hash)
	}
	return nil
}

// AttachAsset stores data and points the item's asset slot at it. The blob
// reference acquired by the put is owned by the link on success and given
// back on every failure path.
func (s *Store) AttachAsset(ctx context.Context, itemID int64, slot string, data []byte) (*PutResult, error) {
	unlock := s.itemLocks.Lock(itemKey(itemID))
	defer unlock()

	view, err := s.index.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("attach_asset", err)
	}
	if view.Tombstoned || !hasSlot(view.Assets, slot) {
		return nil, ErrNotFound
	}

	res, err := s.blobs.Put(ctx, data)
	if err != nil {
		return nil, err
	}

	if err := s.meta.LinkAsset(ctx, itemKey(itemID), slot, res.Hash.String()); err != nil {
		if _, rerr := s.blobs.Release(ctx, res.Hash); rerr != nil {
			s.logger.Warn("releasing unlinked put", "hash", res.Hash.ShortString(), "error", rerr)
		}
		return nil, storageErr("attach_asset", err)
	}

	if err := s.index.SetAssetStored(ctx, itemID, slot, res.Hash.String(), res.ContentType, res.Size); err != nil {
		if _, uerr := s.meta.UnlinkAsset(ctx, itemKey(itemID), slot); uerr != nil {
			s.logger.Warn("unlinking after failed index update", "item", itemID, "slot", slot, "error", uerr)
		}
		return nil, storageErr("attach_asset", err)
	}

	s.cache.InvalidateItems(itemID)
	return res, nil
}

// MarkAsset records a non-stored outcome for an asset slot.
func (s *Store) MarkAsset(ctx context.Context, itemID int64, slot, status, reason string) error {
	defer s.cache.InvalidateItems(itemID)
	err := s.index.SetAssetStatus(ctx, itemID, slot, status, reason)
	if errors.Is(err, index.ErrNotFound) {
		return ErrNotFound
	}
	return storageErr("mark_asset", err)
}

// MergeItemMetadata sets one top-level key of an item's metadata document.
func (s *Store) MergeItemMetadata(ctx context.Context, itemID int64, key string, value any) error {
	unlock := s.itemLocks.Lock(itemKey(itemID))
	defer unlock()
	defer s.cache.InvalidateItems(itemID)

	view, err := s.index.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return ErrNotFound
		}
		return storageErr("merge_metadata", err)
	}

	st, err := decodeMetadata(view.Metadata)
	if err != nil {
		return fmt.Errorf("decoding item %d metadata: %w", itemID, err)
	}
	wrapped, err := encodeMetadata(map[string]any{key: value})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	patch, err := decodeMetadata(wrapped)
	if err != nil {
		return err
	}
	st.Fields[key] = patch.Fields[key]

	doc, err := marshalStruct(st)
	if err != nil {
		return err
	}
	return storageErr("merge_metadata", s.index.UpdateItemMetadata(ctx, itemID, doc))
}

// TombstoneMissingItems tombstones items of a collection absent from keep
// and releases their asset links.
func (s *Store) TombstoneMissingItems(ctx context.Context, collectionID int64, keep []string) ([]int64, error) {
	ids, err := s.index.TombstoneMissingItems(ctx, collectionID, keep)
	if err != nil {
		return nil, storageErr("tombstone_items", err)
	}
	for _, id := range ids {
		if err := s.releaseItem(ctx, id); err != nil {
			return ids, storageErr("tombstone_items", err)
		}
	}
	return ids, nil
}

func (s *Store) releaseItem(ctx context.Context, id int64) error {
	unlock := s.itemLocks.Lock(itemKey(id))
	defer unlock()
	defer s.cache.InvalidateItems(id)

	hashes, err := s.meta.UnlinkItem(ctx, itemKey(id))
	if err != nil {
		return fmt.Errorf("unlinking item %d: %w", id, err)
	}
	if len(hashes) > 0 {
		s.logger.Debug("released tombstoned item", "item", id, "links", len(hashes))
	}
	return nil
}

// TombstoneMissingCollections tombstones collections absent from keep.
// Their items stay intact and come back if the collection reappears.
func (s *Store) TombstoneMissingCollections(ctx context.Context, extensionID string, keep []string) ([]int64, error) {
	ids, err := s.index.TombstoneMissingCollections(ctx, extensionID, keep)
	return ids, storageErr("tombstone_collections", err)
}

// QueryItems is the read-only query interface. Results are served from the
// cache while the index generation is unchanged.
func (s *Store) QueryItems(ctx context.Context, filter index.ItemFilter) ([]index.ItemView, error) {
	gen := s.index.Generation()
	if views, ok := s.cache.GetQuery(filter, gen); ok {
		return views, nil
	}

	views, err := s.index.QueryItems(ctx, filter)
	if err != nil {
		return nil, storageErr("query_items", err)
	}
	for i := range views {
		views[i].MetadataJSON = json.RawMessage(views[i].Metadata)
	}
	s.cache.PutQuery(filter, gen, views)
	return views, nil
}

// GetItem returns one item view, from the cache when hot.
func (s *Store) GetItem(ctx context.Context, id int64) (*index.ItemView, error) {
	if view, ok := s.cache.GetItem(id); ok {
		return &view, nil
	}

	gen := s.index.Generation()
	view, err := s.index.GetItem(ctx, id)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get_item", err)
	}
	view.MetadataJSON = json.RawMessage(view.Metadata)
	if s.index.Generation() == gen {
		s.cache.PutItem(*view)
	}
	return view, nil
}

// Stats reports counts from every layer.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	is, err := s.index.Stats(ctx)
	if err != nil {
		return nil, err
	}
	bs, err := s.meta.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Index: is, Blobs: bs, Cache: s.cache.Stats(), WritesHalted: s.blobs.WritesHalted()}, nil
}

func itemKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseItemKey(key string) (int64, error) {
	return strconv.ParseInt(key, 10, 64)
}

func hasSlot(assets []index.Asset, slot string) bool {
	for _, a := range assets {
		if a.Slot == slot {
			return true
		}
	}
	return false
}
