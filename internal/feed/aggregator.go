package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/emberlight/studiofeed/internal/cache"
	"github.com/emberlight/studiofeed/internal/remote"
	"github.com/emberlight/studiofeed/internal/store"
	"github.com/emberlight/studiofeed/internal/types"
)

// CacheKey is the session cache key of the merged feed.
const CacheKey = "news_feed"

const (
	defaultDisplayCount = 6
	defaultCooldown     = 60 * time.Second
	postsPerLabel       = 30
)

// ErrFeedUnavailable means every source failed or returned nothing.
var ErrFeedUnavailable = errors.New("news feed unavailable")

// CooldownError is returned by Retry inside the cooldown window.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("retry available in %s", e.Remaining.Round(time.Second))
}

// PostSource lists issues by label
type PostSource interface {
	ListIssues(ctx context.Context, q remote.IssueQuery) (*remote.IssuePage, error)
}

// Channel is one video source
type Channel struct {
	ID   string
	Name string
}

// Settings configures an Aggregator.
type Settings struct {
	// Labels are queried one at a time; the remote store ANDs multiple labels.
	Labels []string
	// AllowedAuthors hides posts by anyone else. Empty keeps every author.
	AllowedAuthors []string
	Channels       []Channel
	DisplayCount   int
	Cooldown       time.Duration
}

// Aggregator merges issue-backed posts and channel videos into one stream.
type Aggregator struct {
	posts    PostSource
	videos   VideoFetcher
	durable  store.KV
	cache    *cache.Cache
	settings Settings
	allowed  map[string]bool
	now      func() time.Time
	log      *zap.SugaredLogger
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithClock overrides the clock used for the retry cooldown.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLogger sets the aggregator's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Aggregator) { a.log = l }
}

// New creates an aggregator. durable holds the last retry time; c caches the
// merged result and may be nil.
func New(posts PostSource, videos VideoFetcher, durable store.KV, c *cache.Cache, settings Settings, opts ...Option) *Aggregator {
	if settings.DisplayCount <= 0 {
		settings.DisplayCount = defaultDisplayCount
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = defaultCooldown
	}
	allowed := make(map[string]bool, len(settings.AllowedAuthors))
	for _, a := range settings.AllowedAuthors {
		allowed[strings.ToLower(a)] = true
	}

	a := &Aggregator{
		posts:    posts,
		videos:   videos,
		durable:  durable,
		cache:    c,
		settings: settings,
		allowed:  allowed,
		now:      time.Now,
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate returns the cached feed, or fetches every source.
func (a *Aggregator) Aggregate(ctx context.Context) ([]types.FeedItem, error) {
	if a.cache != nil {
		if items, ok := cache.GetJSON[[]types.FeedItem](a.cache, CacheKey); ok {
			a.log.Debugw("feed served from cache", "items", len(items))
			return items, nil
		}
	}
	return a.Refresh(ctx)
}

// Refresh fetches every source regardless of the cache and stores the result.
func (a *Aggregator) Refresh(ctx context.Context) ([]types.FeedItem, error) {
	items, err := a.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		if err := cache.SetJSON(a.cache, CacheKey, items); err != nil {
			a.log.Warnw("failed to cache feed", "err", err)
		}
	}
	return items, nil
}

// Retry re-fetches after a failed aggregate, at most once per cooldown.
func (a *Aggregator) Retry(ctx context.Context) ([]types.FeedItem, error) {
	now := a.now()
	if last, err := store.GetTime(a.durable, store.KeyLastRetry); err == nil {
		if elapsed := now.Sub(last); elapsed < a.settings.Cooldown {
			return nil, &CooldownError{Remaining: a.settings.Cooldown - elapsed}
		}
	}
	if err := store.SetTime(a.durable, store.KeyLastRetry, now); err != nil {
		a.log.Warnw("failed to persist retry time", "err", err)
	}
	if a.cache != nil {
		if err := a.cache.Invalidate(CacheKey); err != nil {
			a.log.Warnw("failed to invalidate feed cache", "err", err)
		}
	}
	return a.Refresh(ctx)
}

// fetch queries all sources concurrently. A failing source contributes no
// items and never cancels its siblings.
func (a *Aggregator) fetch(ctx context.Context) ([]types.FeedItem, error) {
	var (
		mu     sync.Mutex
		posts  []types.Post
		videos []types.Video
		errs   []error
	)

	var g errgroup.Group
	for _, label := range a.settings.Labels {
		label := label
		g.Go(func() error {
			page, err := a.posts.ListIssues(ctx, remote.IssueQuery{
				State:   types.StateOpen,
				Labels:  []string{label},
				PerPage: postsPerLabel,
				Page:    1,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.log.Warnw("post source failed", "label", label, "err", err)
				errs = append(errs, fmt.Errorf("label %s: %w", label, err))
				return nil
			}
			posts = append(posts, page.Issues...)
			return nil
		})
	}
	for _, ch := range a.settings.Channels {
		ch := ch
		g.Go(func() error {
			vs, err := a.videos.FetchChannel(ctx, ch.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				a.log.Warnw("video channel failed", "channel", ch.ID, "name", ch.Name, "err", err)
				errs = append(errs, fmt.Errorf("channel %s: %w", ch.ID, err))
				return nil
			}
			videos = append(videos, vs...)
			return nil
		})
	}
	_ = g.Wait()

	items := a.merge(posts, videos)
	if len(items) == 0 {
		if joined := errors.Join(errs...); joined != nil {
			return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, joined)
		}
		return nil, ErrFeedUnavailable
	}

	a.log.Infow("feed aggregated", "posts", len(posts), "videos", len(videos), "shown", len(items), "failed_sources", len(errs))
	return items, nil
}

// merge dedups posts by number, drops posts outside the author allow-list,
// sorts newest first and truncates to the display count.
func (a *Aggregator) merge(posts []types.Post, videos []types.Video) []types.FeedItem {
	seen := make(map[int]bool, len(posts))
	items := make([]types.FeedItem, 0, len(posts)+len(videos))
	for _, p := range posts {
		if seen[p.Number] || !a.authorAllowed(p.Author) {
			continue
		}
		seen[p.Number] = true
		items = append(items, types.PostItem(p))
	}
	for _, v := range videos {
		items = append(items, types.VideoItem(v))
	}

	slices.SortStableFunc(items, func(x, y types.FeedItem) int {
		return y.Date.Compare(x.Date)
	})
	if len(items) > a.settings.DisplayCount {
		items = items[:a.settings.DisplayCount]
	}
	return items
}

func (a *Aggregator) authorAllowed(author string) bool {
	return len(a.allowed) == 0 || a.allowed[strings.ToLower(author)]
}
