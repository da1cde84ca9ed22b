package engine

import (
	"context"
	"fmt"

	"github.com/tunetrainer/synccore/internal/wire"
)

// finalize implements spec.md §4.E step 6: the watermark advances per the
// initial/incremental rule. Per-entry outbox disposition (completed,
// retried, or permanently failed) is handled earlier, in
// processPushResults, as soon as the mediator's per-row outcomes arrive —
// not here, since a push rejection must not block the watermark from
// advancing over whatever the pull side already applied.
func (e *Engine) finalize(ctx context.Context, userID string, lastResp wire.SyncResponse, initial bool) error {
	watermark := lastResp.SyncedAt
	if initial && lastResp.SyncStartedAt != "" {
		// Prefer the stable syncStartedAt anchor so the first incremental
		// cycle after an initial sync still picks up changes that occurred
		// during pagination (spec.md §4.E step 6).
		watermark = lastResp.SyncStartedAt
	}
	if watermark == "" {
		return nil
	}
	if err := e.watermarks.Set(ctx, userID, watermark); err != nil {
		return fmt.Errorf("engine: persisting watermark: %w", err)
	}
	return nil
}
