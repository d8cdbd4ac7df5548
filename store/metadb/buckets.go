package metadb

import "bytes"

// Bucket names for bbolt storage.
var (
	bucketBlobsByHash = []byte("blobs_by_hash") // hash -> BlobEntry JSON
	bucketAssetLinks  = []byte("asset_links")   // item|slot -> hash
)

const keySeparator = 0

// makeLinkKey creates a compound key for an item asset slot.
// Format: [itemKey][separator][slot]
func makeLinkKey(itemKey, slot string) []byte {
	result := make([]byte, len(itemKey)+1+len(slot))
	copy(result, itemKey)
	result[len(itemKey)] = keySeparator
	copy(result[len(itemKey)+1:], slot)
	return result
}

// makeItemPrefix returns the prefix shared by all slots of an item.
func makeItemPrefix(itemKey string) []byte {
	result := make([]byte, len(itemKey)+1)
	copy(result, itemKey)
	result[len(itemKey)] = keySeparator
	return result
}

// parseLinkKey extracts the item key and slot from a compound key.
func parseLinkKey(data []byte) (itemKey, slot string) {
	if i := bytes.IndexByte(data, keySeparator); i >= 0 {
		return string(data[:i]), string(data[i+1:])
	}
	return string(data), ""
}
