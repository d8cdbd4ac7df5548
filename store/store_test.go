package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	harvester "github.com/wolfeidau/catalog-harvester"
	"github.com/wolfeidau/catalog-harvester/backend"
	"github.com/wolfeidau/catalog-harvester/store/index"
	"github.com/wolfeidau/catalog-harvester/store/metadb"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), append([]Option{WithNoSync()}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestItem(t *testing.T, s *Store, externalID string, slots ...string) *index.UpsertResult {
	t.Helper()
	ctx := context.Background()
	col, err := s.UpsertCollection(ctx, CollectionInput{ExtensionID: "demo", ExternalID: "gallery", Name: "Gallery"})
	require.NoError(t, err)

	var assets []index.AssetUpsert
	for _, slot := range slots {
		assets = append(assets, index.AssetUpsert{Slot: slot, Locator: "https://example.com/" + externalID + "/" + slot})
	}
	res, err := s.UpsertItem(ctx, ItemInput{
		CollectionID: col.ID,
		ExternalID:   externalID,
		Title:        externalID,
		Assets:       assets,
	})
	require.NoError(t, err)
	return res
}

func blobRefs(t *testing.T, s *Store, h harvester.Hash) int {
	t.Helper()
	e, err := s.Blobs().Entry(context.Background(), h)
	require.NoError(t, err)
	return e.RefCount
}

func TestPutBlob_Deduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	data := []byte("the same bytes")

	first, err := s.PutBlob(ctx, data)
	require.NoError(t, err)
	assert.False(t, first.Existed)

	second, err := s.PutBlob(ctx, data)
	require.NoError(t, err)
	assert.True(t, second.Existed)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, 2, blobRefs(t, s, first.Hash))

	hashes, err := s.Blobs().List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []harvester.Hash{first.Hash}, hashes)

	got, err := s.Blobs().Bytes(ctx, first.Hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutBlob_DistinctContent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.PutBlob(ctx, []byte("a"))
	require.NoError(t, err)
	b, err := s.PutBlob(ctx, []byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestPutBlob_SniffsContentType(t *testing.T) {
	s := newTestStore(t)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	res, err := s.PutBlob(context.Background(), png)
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.ContentType)
}

func TestPutBlob_ConcurrentSameContent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	data := []byte("contended")

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.PutBlob(ctx, data)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, n, blobRefs(t, s, harvester.HashBytes(data)))
	assert.Equal(t, 0, s.Blobs().locks.len())
}

func TestReleaseReference(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, err := s.PutBlob(ctx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.ReleaseReference(ctx, res.Hash))

	e, err := s.Blobs().Entry(ctx, res.Hash)
	require.NoError(t, err)
	assert.Equal(t, 0, e.RefCount)
	assert.False(t, e.ReleasedAt.IsZero())

	ok, err := s.Blobs().Backend().Exists(ctx, harvester.BlobStorageKey(res.Hash))
	require.NoError(t, err)
	assert.True(t, ok, "release never deletes")

	require.ErrorIs(t, s.ReleaseReference(ctx, harvester.HashString("missing")), ErrNotFound)
}

func TestAttachAsset_SharedBlobAcrossItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	image := []byte("shared cover art")

	var hash harvester.Hash
	for i := range 3 {
		item := newTestItem(t, s, fmt.Sprintf("item-%d", i), "cover")
		res, err := s.AttachAsset(ctx, item.Item.ID, "cover", image)
		require.NoError(t, err)
		hash = res.Hash
	}

	assert.Equal(t, 3, blobRefs(t, s, hash))
	hashes, err := s.Blobs().List(ctx)
	require.NoError(t, err)
	assert.Len(t, hashes, 1)

	items, err := s.QueryItems(ctx, index.ItemFilter{ExtensionID: "demo"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, it := range items {
		assert.Equal(t, index.AssetStored, it.Assets[0].Status)
		assert.Equal(t, hash.String(), it.Assets[0].BlobHash)
	}
}

func TestReopen_KeepsBlobsReferencesAndLinks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	image := []byte("cover that survives a restart")

	s, err := Open(dir, WithNoSync())
	require.NoError(t, err)
	var hash harvester.Hash
	for i := range 2 {
		item := newTestItem(t, s, fmt.Sprintf("item-%d", i), "cover")
		res, err := s.AttachAsset(ctx, item.Item.ID, "cover", image)
		require.NoError(t, err)
		hash = res.Hash
	}
	require.NoError(t, s.Close())

	reopened, err := Open(dir, WithNoSync())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	assert.Equal(t, 2, blobRefs(t, reopened, hash))
	got, err := reopened.Blobs().Bytes(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, image, got)

	items, err := reopened.QueryItems(ctx, index.ItemFilter{ExtensionID: "demo"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		require.Len(t, it.Assets, 1)
		assert.Equal(t, index.AssetStored, it.Assets[0].Status)
		assert.Equal(t, hash.String(), it.Assets[0].BlobHash)
	}

	report, err := reopened.Fsck(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report)
}

func TestAttachAsset_SameSlotTwiceKeepsOneReference(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	item := newTestItem(t, s, "one", "cover")

	_, err := s.AttachAsset(ctx, item.Item.ID, "cover", []byte("v1"))
	require.NoError(t, err)
	res, err := s.AttachAsset(ctx, item.Item.ID, "cover", []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, 1, blobRefs(t, s, res.Hash))

	res2, err := s.AttachAsset(ctx, item.Item.ID, "cover", []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, 0, blobRefs(t, s, res.Hash))
	assert.Equal(t, 1, blobRefs(t, s, res2.Hash))
}

func TestAttachAsset_UnknownItemOrSlot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	item := newTestItem(t, s, "one", "cover")

	_, err := s.AttachAsset(ctx, 9999, "cover", []byte("x"))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.AttachAsset(ctx, item.Item.ID, "nope", []byte("x"))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Blobs().Entry(ctx, harvester.HashBytes([]byte("x")))
	require.ErrorIs(t, err, ErrNotFound, "nothing stored for rejected attach")
}

func TestUpsertItem_ChangedLocatorReleasesLink(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	item := newTestItem(t, s, "one", "cover")
	res, err := s.AttachAsset(ctx, item.Item.ID, "cover", []byte("old"))
	require.NoError(t, err)

	_, err = s.UpsertItem(ctx, ItemInput{
		CollectionID: item.Item.CollectionID,
		ExternalID:   "one",
		Title:        "one",
		Assets:       []index.AssetUpsert{{Slot: "cover", Locator: "https://example.com/new.png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, blobRefs(t, s, res.Hash))

	links, err := s.Meta().GetItemLinks(ctx, itemKey(item.Item.ID))
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestUpsertItem_UnchangedResyncKeepsLink(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	item := newTestItem(t, s, "one", "cover")
	res, err := s.AttachAsset(ctx, item.Item.ID, "cover", []byte("bytes"))
	require.NoError(t, err)

	again := newTestItem(t, s, "one", "cover")
	assert.Equal(t, item.Item.ID, again.Item.ID)
	assert.False(t, again.Created)
	assert.Equal(t, 1, blobRefs(t, s, res.Hash))
}

func TestTombstoneMissingItems_ReleasesLinks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	keep := newTestItem(t, s, "keep", "cover")
	gone := newTestItem(t, s, "gone", "cover")

	_, err := s.AttachAsset(ctx, keep.Item.ID, "cover", []byte("shared"))
	require.NoError(t, err)
	res, err := s.AttachAsset(ctx, gone.Item.ID, "cover", []byte("shared"))
	require.NoError(t, err)
	assert.Equal(t, 2, blobRefs(t, s, res.Hash))

	ids, err := s.TombstoneMissingItems(ctx, keep.Item.CollectionID, []string{"keep"})
	require.NoError(t, err)
	assert.Equal(t, []int64{gone.Item.ID}, ids)
	assert.Equal(t, 1, blobRefs(t, s, res.Hash))

	_, err = s.AttachAsset(ctx, gone.Item.ID, "cover", []byte("late"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueryItems_CacheFollowsGeneration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestItem(t, s, "one")

	items, err := s.QueryItems(ctx, index.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	before := s.cache.Stats().Hits

	_, err = s.QueryItems(ctx, index.ItemFilter{})
	require.NoError(t, err)
	assert.Equal(t, before+1, s.cache.Stats().Hits)

	newTestItem(t, s, "two")
	items, err = s.QueryItems(ctx, index.ItemFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestGetItem_CachedAndInvalidated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	item := newTestItem(t, s, "one", "cover")

	view, err := s.GetItem(ctx, item.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.AssetPending, view.Assets[0].Status)

	_, err = s.AttachAsset(ctx, item.Item.ID, "cover", []byte("bytes"))
	require.NoError(t, err)

	view, err = s.GetItem(ctx, item.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.AssetStored, view.Assets[0].Status)

	_, err = s.GetItem(ctx, 4040)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertItem_SanitisesAndNormalisesMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	col, err := s.UpsertCollection(ctx, CollectionInput{ExtensionID: "demo", ExternalID: "c", Name: "<b>Gallery</b>"})
	require.NoError(t, err)
	assert.Equal(t, "Gallery", col.Name)

	res, err := s.UpsertItem(ctx, ItemInput{
		CollectionID: col.ID,
		ExternalID:   "i",
		Title:        `Tom & Jerry <script>alert(1)</script>`,
		Description:  `<p onclick="x()">Hello <a href="https://example.com">there</a></p>`,
		Metadata:     map[string]any{"year": 1999, "tags": []any{"a", "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Tom & Jerry", res.Item.Title)
	assert.NotContains(t, res.Item.Description, "onclick")
	assert.Contains(t, res.Item.Description, "https://example.com")
	assert.JSONEq(t, `{"year":1999,"tags":["a","b"]}`, res.Item.Metadata)

	view, err := s.GetItem(ctx, res.Item.ID)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(view.MetadataJSON, &decoded))
	assert.InDelta(t, 1999, decoded["year"], 0)
}

func TestMergeItemMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	col, err := s.UpsertCollection(ctx, CollectionInput{ExtensionID: "demo", ExternalID: "c", Name: "c"})
	require.NoError(t, err)
	res, err := s.UpsertItem(ctx, ItemInput{
		CollectionID: col.ID, ExternalID: "i", Title: "i",
		Metadata: map[string]any{"kept": true},
	})
	require.NoError(t, err)

	require.NoError(t, s.MergeItemMetadata(ctx, res.Item.ID, "probe", map[string]any{"artist": "Someone"}))

	view, err := s.GetItem(ctx, res.Item.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kept":true,"probe":{"artist":"Someone"}}`, string(view.MetadataJSON))

	require.ErrorIs(t, s.MergeItemMetadata(ctx, 999, "probe", nil), ErrNotFound)
}

func TestMarkAsset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	item := newTestItem(t, s, "one", "cover")

	require.NoError(t, s.MarkAsset(ctx, item.Item.ID, "cover", index.AssetCorrupt, "checksum mismatch"))
	view, err := s.GetItem(ctx, item.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.AssetCorrupt, view.Assets[0].Status)

	require.ErrorIs(t, s.MarkAsset(ctx, item.Item.ID, "missing", index.AssetFailed, ""), ErrNotFound)
}

type fullBackend struct {
	backend.Backend
}

func (fullBackend) Write(context.Context, string, io.Reader) error {
	return fmt.Errorf("%w: write /blobs: no space left on device", backend.ErrNoSpace)
}

func TestBlobs_HaltOnNoSpace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := backend.NewFilesystem(dir)
	require.NoError(t, err)
	meta := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, meta.Open(filepath.Join(dir, "meta.db")))
	t.Cleanup(func() { _ = meta.Close() })

	var halts int
	b := NewBlobs(fullBackend{Backend: fs}, meta, WithHaltHandler(func(error) { halts++ }))

	_, err = b.Put(ctx, []byte("x"))
	require.ErrorIs(t, err, ErrWritesHalted)
	require.ErrorIs(t, err, backend.ErrNoSpace)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.True(t, b.WritesHalted())

	_, err = b.Put(ctx, []byte("y"))
	require.ErrorIs(t, err, ErrWritesHalted)
	assert.Equal(t, 1, halts)

	b.backend = fs
	b.ResumeWrites()
	_, err = b.Put(ctx, []byte("y"))
	require.NoError(t, err)
}

func TestBlobs_DeleteIfUnreferenced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := s.Blobs()

	res, err := b.Put(ctx, []byte("collectable"))
	require.NoError(t, err)

	deleted, err := b.DeleteIfUnreferenced(ctx, res.Hash, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, deleted, "still referenced")

	_, err = b.Release(ctx, res.Hash)
	require.NoError(t, err)

	b.Pin(res.Hash)
	deleted, err = b.DeleteIfUnreferenced(ctx, res.Hash, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, deleted, "pinned")
	b.Unpin(res.Hash)
	assert.False(t, b.Pinned(res.Hash))

	deleted, err = b.DeleteIfUnreferenced(ctx, res.Hash, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, deleted, "inside grace period")

	deleted, err = b.DeleteIfUnreferenced(ctx, res.Hash, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, deleted)

	_, _, err = b.Open(ctx, res.Hash)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBlobs_DeleteOrphan(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := s.Blobs()

	tracked, err := b.Put(ctx, []byte("tracked"))
	require.NoError(t, err)
	deleted, err := b.DeleteOrphan(ctx, tracked.Hash)
	require.NoError(t, err)
	assert.False(t, deleted)

	orphan := harvester.HashBytes([]byte("orphan"))
	require.NoError(t, b.Backend().Write(ctx, harvester.BlobStorageKey(orphan), bytesReader("orphan")))
	deleted, err = b.DeleteOrphan(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestBlobs_PutRewritesMissingFile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := s.Blobs()

	res, err := b.Put(ctx, []byte("fragile"))
	require.NoError(t, err)
	require.NoError(t, b.Backend().Delete(ctx, harvester.BlobStorageKey(res.Hash)))

	again, err := b.Put(ctx, []byte("fragile"))
	require.NoError(t, err)
	assert.True(t, again.Existed)
	data, err := b.Bytes(ctx, res.Hash)
	require.NoError(t, err)
	assert.Equal(t, "fragile", string(data))
}

func TestFsck(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	item := newTestItem(t, s, "one", "cover", "audio")

	_, err := s.AttachAsset(ctx, item.Item.ID, "cover", []byte("cover"))
	require.NoError(t, err)

	report, err := s.Fsck(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean())

	stray, err := s.PutBlob(ctx, []byte("stray"))
	require.NoError(t, err)
	require.NoError(t, s.Meta().LinkAsset(ctx, itemKey(item.Item.ID), "audio", stray.Hash.String()))
	_, err = s.Meta().IncrementBlobRef(ctx, stray.Hash.String())
	require.NoError(t, err)

	report, err = s.Fsck(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.StaleLinks, 1)
	assert.Equal(t, "audio", report.StaleLinks[0].Slot)
	require.Len(t, report.Refcounts, 1)
	assert.False(t, report.Repaired)

	report, err = s.Fsck(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.Equal(t, 0, blobRefs(t, s, stray.Hash))

	report, err = s.Fsck(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	item := newTestItem(t, s, "one", "cover")
	_, err := s.AttachAsset(ctx, item.Item.ID, "cover", []byte("bytes"))
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Index.Items)
	assert.Equal(t, int64(1), stats.Index.StoredAssets)
	assert.Equal(t, int64(1), stats.Blobs.BlobCount)
	assert.False(t, stats.WritesHalted)
}
