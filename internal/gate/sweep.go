package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepResult counts what one maintenance pass removed.
type SweepResult struct {
	CacheEntries int64 // expired cache entries (plus orphaned payloads)
	Entities     int64 // unreferenced stale entities
}

// Sweep runs one maintenance pass: expired cache entries are purged
// and entities that are unreferenced and inactive for longer than
// olderThan are garbage collected. The two passes run concurrently;
// they touch disjoint tables.
func (g *Gatekeeper) Sweep(ctx context.Context, olderThan time.Duration) (SweepResult, error) {
	var result SweepResult

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		n, err := g.cache.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep cache: %w", err)
		}
		result.CacheEntries = n
		return nil
	})
	grp.Go(func() error {
		n, err := g.state.CollectGarbage(ctx, olderThan)
		if err != nil {
			return fmt.Errorf("sweep state: %w", err)
		}
		result.Entities = n
		return nil
	})
	if err := grp.Wait(); err != nil {
		return result, err
	}

	slog.Info("maintenance sweep finished",
		"cache_entries_removed", result.CacheEntries,
		"entities_collected", result.Entities)
	return result, nil
}
