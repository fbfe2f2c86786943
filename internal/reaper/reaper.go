// Package reaper periodically removes abandoned multipart uploads.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/crateway/crateway/internal/metadata"
	"github.com/crateway/crateway/internal/storage"
)

// Reaper scans the metadata store for multipart uploads that were created
// more than TTL ago and never completed or aborted, and removes both their
// staged part data and their metadata record.
type Reaper struct {
	meta  metadata.MetadataStore
	store storage.StorageBackend
	ttl   int
}

// New creates a Reaper. meta must implement metadata.UploadReaper for
// RunOnce to do anything; stores that don't support reaping are silently skipped,
// since reaping is a janitorial convenience, not a correctness requirement.
func New(meta metadata.MetadataStore, store storage.StorageBackend, ttlSeconds int) *Reaper {
	return &Reaper{meta: meta, store: store, ttl: ttlSeconds}
}

// RunOnce performs a single reap pass and returns the number of uploads reaped.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	reaper, ok := r.meta.(metadata.UploadReaper)
	if !ok {
		return 0, nil
	}

	expired, err := reaper.ReapExpiredUploads(r.ttl)
	if err != nil {
		return 0, err
	}

	for _, up := range expired {
		if err := r.store.DeleteParts(ctx, up.BucketName, up.ObjectKey, up.UploadID); err != nil {
			slog.Warn("reaper: failed to delete staged parts",
				"bucket", up.BucketName, "key", up.ObjectKey, "upload_id", up.UploadID, "error", err)
		}
	}
	if len(expired) > 0 {
		slog.Info("reaper: reaped abandoned multipart uploads", "count", len(expired))
	}
	return len(expired), nil
}

// Start runs RunOnce on the given interval until ctx is canceled. It is
// meant to be launched in its own goroutine; every tick is independent of
// the last, matching the server's crash-only design where recovery is not
// a special mode but something that happens continuously.
func (r *Reaper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				slog.Warn("reaper: scan failed", "error", err)
			}
		}
	}
}
