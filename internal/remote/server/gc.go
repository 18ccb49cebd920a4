package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/wfr/internal/remote"
	"github.com/kilupskalvis/wfr/internal/remote/blobstore"
	"github.com/kilupskalvis/wfr/internal/remote/metastore"
)

// GarbageCollect removes step logs not referenced by any stored run.
func GarbageCollect(ctx context.Context, meta metastore.MetaStore, blobs blobstore.BlobStore, logger *slog.Logger) (*remote.GCResult, error) {
	result := &remote.GCResult{}

	referenced, err := meta.AllLogHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("get referenced hashes: %w", err)
	}
	result.ReferencedLogs = len(referenced)

	allHashes, err := blobs.ListHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list log hashes: %w", err)
	}
	result.LogsScanned = len(allHashes)

	for _, hash := range allHashes {
		if referenced[hash] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := blobs.Delete(ctx, hash); err != nil {
			logger.Warn("gc: failed to delete log", "hash", hash, "error", err)
			continue
		}
		result.LogsDeleted++
	}

	logger.Info("gc complete",
		"scanned", result.LogsScanned,
		"referenced", result.ReferencedLogs,
		"deleted", result.LogsDeleted,
	)

	return result, nil
}
