package store

import (
	"context"
	"fmt"

	"github.com/wolfeidau/catalog-harvester/store/index"
	"github.com/wolfeidau/catalog-harvester/store/metadb"
)

// FsckReport describes the consistency of asset links, index rows and blob
// reference counts.
type FsckReport struct {
	// StaleLinks are links without a matching stored index row.
	StaleLinks []metadb.Link `json:"stale_links,omitempty"`
	// UnlinkedAssets are stored index rows without a link.
	UnlinkedAssets []index.Asset `json:"unlinked_assets,omitempty"`
	// Refcounts lists blobs whose stored count differs from their links.
	Refcounts []metadb.RefcountDiscrepancy `json:"refcounts,omitempty"`
	Repaired  bool                         `json:"repaired"`
	Rebuild   metadb.RebuildResult         `json:"rebuild"`
}

// Clean reports whether nothing was found.
func (r *FsckReport) Clean() bool {
	return len(r.StaleLinks) == 0 && len(r.UnlinkedAssets) == 0 && len(r.Refcounts) == 0
}

// Fsck checks links against the index and counts against links. With
// repair, stale links are dropped, unlinked rows go back to pending and
// counts are recomputed. Run it while no jobs are in flight.
func (s *Store) Fsck(ctx context.Context, repair bool) (*FsckReport, error) {
	report := &FsckReport{}

	linked := make(map[string]map[string]string)
	err := s.meta.ForEachLink(ctx, func(l metadb.Link) error {
		if linked[l.ItemKey] == nil {
			linked[l.ItemKey] = make(map[string]string)
		}
		linked[l.ItemKey][l.Slot] = l.Hash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning links: %w", err)
	}

	stored := make(map[string]map[string]string)
	err = s.index.StoredAssets(ctx, func(a index.Asset) error {
		key := itemKey(a.ItemID)
		if stored[key] == nil {
			stored[key] = make(map[string]string)
		}
		stored[key][a.Slot] = a.BlobHash
		if linked[key][a.Slot] != a.BlobHash {
			report.UnlinkedAssets = append(report.UnlinkedAssets, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning assets: %w", err)
	}

	for key, slots := range linked {
		for slot, hash := range slots {
			if stored[key][slot] != hash {
				report.StaleLinks = append(report.StaleLinks, metadb.Link{ItemKey: key, Slot: slot, Hash: hash})
			}
		}
	}

	if !repair {
		report.Refcounts, err = s.meta.VerifyRefcounts(ctx)
		if err != nil {
			return nil, err
		}
		return report, nil
	}

	for _, l := range report.StaleLinks {
		if _, err := s.meta.UnlinkAsset(ctx, l.ItemKey, l.Slot); err != nil {
			return nil, fmt.Errorf("dropping stale link: %w", err)
		}
		if id, err := parseItemKey(l.ItemKey); err == nil {
			s.cache.InvalidateItems(id)
		}
	}
	for _, a := range report.UnlinkedAssets {
		if err := s.index.SetAssetStatus(ctx, a.ItemID, a.Slot, index.AssetPending, "reset by fsck"); err != nil {
			return nil, fmt.Errorf("resetting asset: %w", err)
		}
		s.cache.InvalidateItems(a.ItemID)
	}

	report.Refcounts, err = s.meta.VerifyRefcounts(ctx)
	if err != nil {
		return nil, err
	}
	report.Rebuild, err = s.meta.RebuildRefcounts(ctx)
	if err != nil {
		return nil, err
	}
	report.Repaired = true
	s.logger.Info("fsck repaired store",
		"stale_links", len(report.StaleLinks),
		"unlinked_assets", len(report.UnlinkedAssets),
		"refcounts", len(report.Refcounts))
	return report, nil
}
