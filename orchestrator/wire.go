package orchestrator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	harvester "github.com/wolfeidau/catalog-harvester"
)

// CollectionDescriptor is one element of a discover response.
type CollectionDescriptor struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ItemDescriptor is one element of a list_items response.
type ItemDescriptor struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Assets      []AssetDescriptor `json:"assets,omitempty"`
}

// AssetDescriptor is one asset reference of an item.
type AssetDescriptor struct {
	Slot    string `json:"slot"`
	Locator string `json:"locator"`
	Digest  string `json:"digest,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

type listItemsRequest struct {
	CollectionID string `json:"collection_id"`
}

type fetchAssetRequest struct {
	Locator string `json:"locator"`
	Slot    string `json:"slot"`
	ItemID  string `json:"item_id"`
}

type fetchAssetObject struct {
	Data        *string `json:"data"`
	ContentType string  `json:"contentType"`
}

func decodeCollections(data []byte) ([]CollectionDescriptor, error) {
	var out []CollectionDescriptor
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("expected an array of collections: %w", err)
	}
	seen := make(map[string]bool, len(out))
	for i, c := range out {
		if strings.TrimSpace(c.ID) == "" {
			return nil, fmt.Errorf("collection %d has no id", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate collection id %q", c.ID)
		}
		seen[c.ID] = true
	}
	return out, nil
}

func decodeItems(data []byte) ([]ItemDescriptor, error) {
	var out []ItemDescriptor
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("expected an array of items: %w", err)
	}
	seen := make(map[string]bool, len(out))
	for i, it := range out {
		if strings.TrimSpace(it.ID) == "" {
			return nil, fmt.Errorf("item %d has no id", i)
		}
		if seen[it.ID] {
			return nil, fmt.Errorf("duplicate item id %q", it.ID)
		}
		seen[it.ID] = true
		slots := make(map[string]bool, len(it.Assets))
		for _, a := range it.Assets {
			if a.Slot == "" || a.Locator == "" {
				return nil, fmt.Errorf("item %q has an asset without slot or locator", it.ID)
			}
			if a.Digest != "" {
				if _, err := harvester.ParseDigest(a.Digest); err != nil {
					return nil, fmt.Errorf("item %q slot %q: %w", it.ID, a.Slot, err)
				}
			}
			if slots[a.Slot] {
				return nil, fmt.Errorf("item %q repeats asset slot %q", it.ID, a.Slot)
			}
			slots[a.Slot] = true
		}
	}
	return out, nil
}

// decodeAsset accepts a base64 string (an ArrayBuffer result) or an object
// {data, contentType}.
func decodeAsset(data []byte) ([]byte, string, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, "", fmt.Errorf("asset data is not base64: %w", err)
		}
		return b, "", nil
	}
	var obj fetchAssetObject
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Data == nil {
		return nil, "", fmt.Errorf("expected bytes or {data, contentType}")
	}
	b, err := base64.StdEncoding.DecodeString(*obj.Data)
	if err != nil {
		return nil, "", fmt.Errorf("asset data is not base64: %w", err)
	}
	return b, obj.ContentType, nil
}
