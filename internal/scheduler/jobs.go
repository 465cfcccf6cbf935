package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/emberlight/studiofeed/internal/cache"
	"github.com/emberlight/studiofeed/internal/store"
	"github.com/emberlight/studiofeed/internal/types"
)

// CacheSweepJob removes expired cache entries and records the sweep time
// under last_cache_clear in the durable scope.
func CacheSweepJob(c *cache.Cache, durable store.KV, now func() time.Time, log *zap.SugaredLogger) Job {
	return func(ctx context.Context) error {
		removed, err := c.Sweep()
		if err != nil {
			return fmt.Errorf("sweep cache: %w", err)
		}
		if err := store.SetTime(durable, store.KeyLastCacheClear, now()); err != nil {
			return fmt.Errorf("record sweep time: %w", err)
		}
		if removed > 0 {
			log.Infow("swept expired cache entries", "removed", removed)
		}
		return nil
	}
}

// FeedRefresher re-fetches the merged feed
type FeedRefresher interface {
	Refresh(ctx context.Context) ([]types.FeedItem, error)
}

// FeedRefreshJob keeps the cached feed warm.
func FeedRefreshJob(r FeedRefresher, log *zap.SugaredLogger) Job {
	return func(ctx context.Context) error {
		items, err := r.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("refresh feed: %w", err)
		}
		log.Debugw("feed refreshed", "items", len(items))
		return nil
	}
}
