package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	harvester "github.com/wolfeidau/catalog-harvester"
	"github.com/wolfeidau/catalog-harvester/store/metadb"
	"github.com/wolfeidau/catalog-harvester/telemetry"
)

// phaseDeleteUnreferenced deletes blobs with RefCount == 0 once their
// release is older than the grace period. Pinned blobs are skipped by the
// collector.
func (m *Manager) phaseDeleteUnreferenced(ctx context.Context, result *Result) {
	m.logger.Debug("phase: delete unreferenced blobs")
	start := time.Now()
	deleted := 0
	defer func() { telemetry.RecordGCPhase(ctx, "unreferenced", deleted, time.Since(start)) }()

	hashes, err := m.db.GetUnreferencedBlobs(ctx, m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("get unreferenced blobs: %v", err))
		m.logger.Error("failed to get unreferenced blobs", "error", err)
		return
	}

	cutoff := m.now().Add(-m.config.GracePeriod)
	for _, hash := range hashes {
		select {
		case <-ctx.Done():
			return
		default:
		}

		h, err := harvester.ParseHash(hash)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("parse hash %s: %v", hash, err))
			continue
		}

		var size int64
		if entry, err := m.db.GetBlob(ctx, hash); err == nil {
			size = entry.Size
		}

		ok, err := m.blobs.DeleteIfUnreferenced(ctx, h, cutoff)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete unreferenced blob %s: %v", hash, err))
			m.logger.Error("failed to delete unreferenced blob", "hash", hash, "error", err)
			continue
		}
		if !ok {
			result.UnreferencedBlobsKept++
			continue
		}

		deleted++
		result.UnreferencedBlobsDeleted++
		result.BytesReclaimed += size

		m.logger.Debug("deleted unreferenced blob", "hash", h.ShortString(), "size", size)
	}
}

// phaseDeleteOrphans deletes blob files that have no blob entry.
func (m *Manager) phaseDeleteOrphans(ctx context.Context, result *Result) {
	m.logger.Debug("phase: delete orphan blobs")
	start := time.Now()
	deleted := 0
	defer func() { telemetry.RecordGCPhase(ctx, "orphans", deleted, time.Since(start)) }()

	hashes, err := m.blobs.List(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list backend blobs: %v", err))
		m.logger.Error("failed to list backend blobs", "error", err)
		return
	}

	for _, h := range hashes {
		if deleted >= m.config.BatchSize {
			break
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := m.db.GetBlob(ctx, h.String())
		if err == nil {
			continue
		}
		if !errors.Is(err, metadb.ErrNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("check blob %s: %v", h, err))
			continue
		}

		ok, err := m.blobs.DeleteOrphan(ctx, h)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete orphan blob %s: %v", h, err))
			m.logger.Error("failed to delete orphan blob", "hash", h.ShortString(), "error", err)
			continue
		}
		if !ok {
			continue
		}

		deleted++
		result.OrphanBlobsDeleted++
		m.logger.Debug("deleted orphan blob", "hash", h.ShortString())
	}
}

// phaseSweepTemp removes temp files abandoned by interrupted writes.
func (m *Manager) phaseSweepTemp(ctx context.Context, result *Result) {
	if m.sweeper == nil || m.config.TempMaxAge <= 0 {
		return
	}
	m.logger.Debug("phase: sweep temp files")
	start := time.Now()

	n, err := m.sweeper.SweepTemp(ctx, m.config.TempMaxAge)
	telemetry.RecordGCPhase(ctx, "temp", n, time.Since(start))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sweep temp: %v", err))
		m.logger.Error("failed to sweep temp files", "error", err)
	}
	result.TempFilesSwept += n
}
