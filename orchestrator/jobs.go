package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	harvester "github.com/wolfeidau/catalog-harvester"
	"github.com/wolfeidau/catalog-harvester/download"
	"github.com/wolfeidau/catalog-harvester/probe"
	"github.com/wolfeidau/catalog-harvester/queue"
	"github.com/wolfeidau/catalog-harvester/registry"
	"github.com/wolfeidau/catalog-harvester/store"
	"github.com/wolfeidau/catalog-harvester/store/index"
)

// discover asks the extension for its collections, records them and
// schedules one FetchMetadata job per collection.
func (o *Orchestrator) discover(ctx context.Context, job *queue.Job) ([]*queue.Job, error) {
	resp, err := o.exts.Invoke(ctx, job.Extension, registry.FuncDiscover, []byte("{}"))
	if err != nil {
		return nil, err
	}
	cols, err := decodeCollections(resp)
	if err != nil {
		return nil, &ValidationError{Extension: job.Extension, Function: registry.FuncDiscover, Reason: err.Error()}
	}

	keep := make([]string, 0, len(cols))
	children := make([]*queue.Job, 0, len(cols))
	for _, c := range cols {
		col, err := o.store.UpsertCollection(ctx, store.CollectionInput{
			ExtensionID: job.Extension,
			ExternalID:  c.ID,
			Name:        c.Name,
			Metadata:    c.Metadata,
		})
		if err != nil {
			return nil, err
		}
		keep = append(keep, c.ID)

		child := queue.NewJob(queue.FetchMetadata, job.Extension, job.Sync)
		child.CollectionID = col.ID
		child.CollectionExternal = c.ID
		children = append(children, child)
	}

	gone, err := o.store.TombstoneMissingCollections(ctx, job.Extension, keep)
	if err != nil {
		return nil, err
	}
	o.logger.Info("discovered collections",
		"extension", job.Extension, "sync", job.Sync, "collections", len(cols), "tombstoned", len(gone))
	return children, nil
}

// fetchMetadata lists a collection's items, reconciles them with the index
// and schedules FetchAsset jobs for assets that are not stored yet.
func (o *Orchestrator) fetchMetadata(ctx context.Context, job *queue.Job) ([]*queue.Job, error) {
	req, err := json.Marshal(listItemsRequest{CollectionID: job.CollectionExternal})
	if err != nil {
		return nil, err
	}
	resp, err := o.exts.Invoke(ctx, job.Extension, registry.FuncListItems, req)
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(resp)
	if err != nil {
		return nil, &ValidationError{Extension: job.Extension, Function: registry.FuncListItems, Reason: err.Error()}
	}

	canFetch := o.exts.CanSchedule(job.Extension, queue.FetchAsset) == nil
	keep := make([]string, 0, len(items))
	var children []*queue.Job
	for pos, it := range items {
		assets := make([]index.AssetUpsert, 0, len(it.Assets))
		for _, a := range it.Assets {
			assets = append(assets, index.AssetUpsert{
				Slot:           a.Slot,
				Locator:        a.Locator,
				ExpectedDigest: a.Digest,
				ExpectedSize:   a.Size,
			})
		}
		res, err := o.store.UpsertItem(ctx, store.ItemInput{
			CollectionID: job.CollectionID,
			ExternalID:   it.ID,
			Title:        it.Title,
			Description:  it.Description,
			Metadata:     it.Metadata,
			Position:     pos,
			Assets:       assets,
		})
		if err != nil {
			return nil, err
		}
		keep = append(keep, it.ID)

		if !canFetch {
			continue
		}
		for _, a := range res.Assets {
			if a.Status == index.AssetStored {
				continue
			}
			child := queue.NewJob(queue.FetchAsset, job.Extension, job.Sync)
			child.CollectionID = job.CollectionID
			child.CollectionExternal = job.CollectionExternal
			child.ItemID = res.Item.ID
			child.ItemRef = it.ID
			child.Slot = a.Slot
			child.Locator = a.Locator
			child.Digest = a.ExpectedDigest
			child.Size = a.ExpectedSize
			children = append(children, child)
		}
	}

	gone, err := o.store.TombstoneMissingItems(ctx, job.CollectionID, keep)
	if err != nil {
		return nil, err
	}
	if err := o.store.Index().MarkCollectionSynced(ctx, job.CollectionID, o.now()); err != nil {
		return nil, err
	}
	o.logger.Info("listed items",
		"extension", job.Extension, "collection", job.CollectionExternal,
		"items", len(items), "tombstoned", len(gone), "asset_jobs", len(children))
	return children, nil
}

// fetchAsset obtains an asset's bytes, verifies them against the declared
// digest and size, and links them to the item slot. A blob already stored
// under the declared BLAKE3 digest is reused without calling the extension.
func (o *Orchestrator) fetchAsset(ctx context.Context, job *queue.Job) error {
	var want harvester.Digest
	if job.Digest != "" {
		d, err := harvester.ParseDigest(job.Digest)
		if err != nil {
			return &ValidationError{Extension: job.Extension, Function: registry.FuncFetchAsset, Reason: err.Error()}
		}
		want = d
	}

	if want.Alg == harvester.AlgBLAKE3 && !job.Refetch {
		data, err := o.store.Blobs().Bytes(ctx, want.Hash)
		if err == nil {
			o.logger.Debug("asset already stored", "extension", job.Extension, "hash", want.Hash.ShortString())
			return o.attach(ctx, job, data)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	key := download.Key(job.Extension, job.Locator)
	if job.Refetch {
		key += "\x00refetch"
	}
	res, shared, err := o.dl.Do(ctx, key, func(ctx context.Context) (*download.Result, error) {
		req, err := json.Marshal(fetchAssetRequest{Locator: job.Locator, Slot: job.Slot, ItemID: job.ItemRef})
		if err != nil {
			return nil, err
		}
		resp, err := o.exts.Invoke(ctx, job.Extension, registry.FuncFetchAsset, req)
		if err != nil {
			return nil, err
		}
		data, contentType, err := decodeAsset(resp)
		if err != nil {
			return nil, &ValidationError{Extension: job.Extension, Function: registry.FuncFetchAsset, Reason: err.Error()}
		}
		return &download.Result{Data: data, ContentType: contentType}, nil
	})
	o.dl.ForgetOnError(key, err)
	if err != nil {
		return err
	}
	if shared {
		o.logger.Debug("asset download shared", "extension", job.Extension, "locator", job.Locator)
	}

	if !want.IsZero() && !want.Verify(res.Data) {
		return &ChecksumMismatch{Locator: job.Locator, Expected: want.String(), Actual: digestOf(want.Alg, res)}
	}
	if job.Size > 0 && int64(len(res.Data)) != job.Size {
		return &ChecksumMismatch{
			Locator:  job.Locator,
			Expected: fmt.Sprintf("%d bytes", job.Size),
			Actual:   fmt.Sprintf("%d bytes", len(res.Data)),
		}
	}
	return o.attach(ctx, job, res.Data)
}

func digestOf(alg harvester.Algorithm, res *download.Result) string {
	if alg == harvester.AlgSHA256 {
		return harvester.Digest{Alg: alg, Hash: sha256.Sum256(res.Data)}.String()
	}
	return harvester.NewDigest(res.Hash).String()
}

// attach links data to the job's item slot and records audio tags.
func (o *Orchestrator) attach(ctx context.Context, job *queue.Job, data []byte) error {
	put, err := o.store.AttachAsset(ctx, job.ItemID, job.Slot, data)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Debug("item or slot gone, dropping asset", "item", job.ItemRef, "slot", job.Slot)
		return nil
	}
	if err != nil {
		return err
	}

	if probe.Supported(put.ContentType) {
		tags, err := probe.Audio(data)
		switch {
		case err != nil:
			o.logger.Debug("probing audio", "item", job.ItemRef, "slot", job.Slot, "error", err)
		case tags != nil && !tags.Empty():
			if err := o.store.MergeItemMetadata(ctx, job.ItemID, probe.MetadataKey, tags.Map()); err != nil {
				return err
			}
		}
	}
	return nil
}
