// Package metadb provides blob reference tracking using bbolt.
package metadb

import "time"

// BlobEntry contains metadata about a stored blob.
type BlobEntry struct {
	Hash        string    `json:"hash"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	RefCount    int       `json:"ref_count"`
	// ReleasedAt is when RefCount last dropped to zero.
	ReleasedAt time.Time `json:"released_at,omitzero"`
}

// Unreferenced reports whether no asset link or in-flight put holds the blob.
func (e *BlobEntry) Unreferenced() bool {
	return e.RefCount == 0
}

// Link is one item asset slot pointing at a blob.
type Link struct {
	ItemKey string `json:"item_key"`
	Slot    string `json:"slot"`
	Hash    string `json:"hash"`
}
