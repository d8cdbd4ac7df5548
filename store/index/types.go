package index

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Asset status values.
const (
	AssetPending = "pending"
	AssetStored  = "stored"
	AssetCorrupt = "corrupt"
	AssetFailed  = "failed"
)

// ExtensionRecord is the persisted view of a loaded extension.
type ExtensionRecord struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Version      string    `db:"version" json:"version"`
	BundleHash   string    `db:"bundle_hash" json:"bundle_hash"`
	Capabilities string    `db:"capabilities" json:"capabilities"`
	State        string    `db:"state" json:"state"`
	LastError    string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Collection is a logical grouping of items produced by one extension.
type Collection struct {
	ID          int64        `db:"id" json:"id"`
	ExtensionID string       `db:"extension_id" json:"extension_id"`
	ExternalID  string       `db:"external_id" json:"external_id"`
	Name        string       `db:"name" json:"name"`
	Metadata    string       `db:"metadata" json:"-"`
	Tombstoned  bool         `db:"tombstoned" json:"tombstoned"`
	LastSyncAt  sql.NullTime `db:"last_sync_at" json:"-"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}

// Item is one catalog entry.
type Item struct {
	ID           int64     `db:"id" json:"id"`
	CollectionID int64     `db:"collection_id" json:"collection_id"`
	ExternalID   string    `db:"external_id" json:"external_id"`
	Title        string    `db:"title" json:"title"`
	Description  string    `db:"description" json:"description,omitempty"`
	Metadata     string    `db:"metadata" json:"-"`
	Position     int       `db:"position" json:"position"`
	Tombstoned   bool      `db:"tombstoned" json:"tombstoned"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Asset is one ordered asset reference of an item.
type Asset struct {
	ItemID         int64     `db:"item_id" json:"-"`
	Slot           string    `db:"slot" json:"slot"`
	Position       int       `db:"position" json:"position"`
	Locator        string    `db:"locator" json:"locator"`
	ExpectedDigest string    `db:"expected_digest" json:"expected_digest,omitempty"`
	ExpectedSize   int64     `db:"expected_size" json:"expected_size,omitempty"`
	BlobHash       string    `db:"blob_hash" json:"blob_hash,omitempty"`
	ContentType    string    `db:"content_type" json:"content_type,omitempty"`
	Size           int64     `db:"size" json:"size,omitempty"`
	Status         string    `db:"status" json:"status"`
	Error          string    `db:"error" json:"error,omitempty"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// ItemView is the read-only projection returned by queries.
type ItemView struct {
	Item
	ExtensionID    string          `db:"extension_id" json:"extension_id"`
	CollectionName string          `db:"collection_name" json:"collection_name"`
	MetadataJSON   json.RawMessage `db:"-" json:"metadata"`
	Assets         []Asset         `db:"-" json:"assets"`
}

// ItemFilter selects items for QueryItems.
type ItemFilter struct {
	ExtensionID       string
	CollectionID      int64
	Search            string
	IncludeTombstoned bool
	Limit             int
	Offset            int
}

// CollectionUpsert is the input for UpsertCollection.
type CollectionUpsert struct {
	ExtensionID string
	ExternalID  string
	Name        string
	Metadata    string
}

// ItemUpsert is the input for UpsertItem.
type ItemUpsert struct {
	CollectionID int64
	ExternalID   string
	Title        string
	Description  string
	Metadata     string
	Position     int
	Assets       []AssetUpsert
}

// AssetUpsert describes one asset reference of an upserted item.
type AssetUpsert struct {
	Slot           string
	Locator        string
	ExpectedDigest string
	ExpectedSize   int64
}

// UpsertResult reports what an item upsert changed.
type UpsertResult struct {
	Item    Item
	Created bool
	// RemovedSlots are slots no longer present in the descriptor.
	RemovedSlots []string
	// Assets are the item's asset rows after the upsert.
	Assets []Asset
}

// Stats summarises the index contents.
type Stats struct {
	Extensions     int64  `db:"extensions" json:"extensions"`
	Collections    int64  `db:"collections" json:"collections"`
	Items          int64  `db:"items" json:"items"`
	TombstonedItem int64  `db:"tombstoned_items" json:"tombstoned_items"`
	Assets         int64  `db:"assets" json:"assets"`
	StoredAssets   int64  `db:"stored_assets" json:"stored_assets"`
	Generation     uint64 `db:"-" json:"generation"`
}
