package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"
	"go.uber.org/zap"

	"github.com/emberlight/studiofeed/internal/auth"
	"github.com/emberlight/studiofeed/internal/cache"
	"github.com/emberlight/studiofeed/internal/config"
	"github.com/emberlight/studiofeed/internal/feed"
	"github.com/emberlight/studiofeed/internal/issues"
	"github.com/emberlight/studiofeed/internal/mutation"
	"github.com/emberlight/studiofeed/internal/notifier"
	"github.com/emberlight/studiofeed/internal/notifier/providers"
	"github.com/emberlight/studiofeed/internal/remote"
	"github.com/emberlight/studiofeed/internal/render"
	"github.com/emberlight/studiofeed/internal/scheduler"
	"github.com/emberlight/studiofeed/internal/store"
	"github.com/emberlight/studiofeed/internal/types"
)

// App holds the application state.
type App struct {
	log      *zap.SugaredLogger
	durable  store.KV
	cache    *cache.Cache
	auth     *auth.Manager // immutable after creation
	notifier *notifier.Notifier
	renderer *render.Text
	saved    *store.Snapshots

	mu sync.RWMutex
	// Mutable fields - use getSnapshot() for concurrent access.
	config      *config.Config
	client      *remote.Client
	engine      *mutation.Engine
	feed        *feed.Aggregator
	controllers map[string]*issues.Controller
}

// snapshot holds fields that may be replaced by ReloadConfig.
type snapshot struct {
	config *config.Config
	client *remote.Client
	engine *mutation.Engine
	feed   *feed.Aggregator
}

func (a *App) getSnapshot() snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return snapshot{config: a.config, client: a.client, engine: a.engine, feed: a.feed}
}

// Options are the process-level collaborators of an App.
type Options struct {
	// Durable is the persistent scope (credential, cooldowns, sweep time).
	Durable store.KV
	// Out receives rendered views; Notices receives notifications.
	Out     io.Writer
	Notices io.Writer
	Log     *zap.SugaredLogger
	// Snapshots keeps the last good feed for when every source is down. Optional.
	Snapshots *store.Snapshots
	// HTTPClient is used for video feeds; the remote client builds its own.
	HTTPClient *http.Client
}

// New wires every component and validates any stored credential.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg.Repository.Owner == "" || cfg.Repository.Name == "" {
		return nil, fmt.Errorf("repository owner and name must be configured")
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	tokens := auth.NewTokenStore(opts.Durable)
	if _, stored := tokens.Load(); !stored && cfg.Repository.Token != "" {
		if err := tokens.Save(cfg.Repository.Token); err != nil {
			return nil, fmt.Errorf("failed to store bootstrap token: %w", err)
		}
	}

	a := &App{
		log:         log,
		durable:     opts.Durable,
		cache:       cache.New(store.NewMemory(), cfg.CacheTTL()),
		auth:        auth.NewManager(tokens, cfg.Admins, log.Named("auth")),
		notifier:    notifier.New(notifierSender(opts.Notices), log),
		renderer:    render.NewText(opts.Out),
		saved:       opts.Snapshots,
		controllers: make(map[string]*issues.Controller),
	}
	a.auth.Subscribe(auth.ListenerFuncs{
		Login: func(handle string) { a.notifier.Info("Logged in as @" + handle) },
		LoginRequested: func() {
			a.notifier.Info("Run `studiofeed login <token>` to sign in again.")
		},
	})

	a.build(cfg, opts.HTTPClient)
	a.auth.Init(ctx, a.getSnapshot().client)
	if err := a.auth.LastError(); err != nil {
		a.notifier.Error(remote.UserMessage(err))
	}
	return a, nil
}

// build creates every config-dependent component and swaps them in.
func (a *App) build(cfg *config.Config, hc *http.Client) {
	if hc == nil {
		hc = &http.Client{Timeout: cfg.HTTPTimeout()}
	}
	client := remote.New(cfg.Repository.APIURL, cfg.Repository.Owner, cfg.Repository.Name,
		remote.WithTimeout(cfg.HTTPTimeout()),
		remote.WithTokenSource(a.auth.Credential),
		remote.WithRateLimit(cfg.HTTP.RequestsPerSecond),
		remote.WithLogger(a.log.Named("remote")),
	)

	engine := mutation.New(client, a.auth, a.notifier,
		mutation.WithRenderer(a.renderer),
		mutation.WithAuthFailureHandler(a.auth),
		mutation.WithLogger(a.log.Named("mutation")),
	)

	channels := make([]feed.Channel, len(cfg.Feed.Channels))
	for i, ch := range cfg.Feed.Channels {
		channels[i] = feed.Channel{ID: ch.ID, Name: ch.Name}
	}
	videos := &feed.FallbackFetcher{
		Primary:   feed.NewRSSFetcher(cfg.Videos.PrimaryProxy, hc),
		Secondary: feed.NewJSONFetcher(cfg.Videos.FallbackAPI, hc),
		Log:       a.log.Named("videos"),
	}
	agg := feed.New(client, videos, a.durable, a.cache, feed.Settings{
		Labels:         cfg.Feed.Labels,
		AllowedAuthors: cfg.Feed.AllowedAuthors,
		Channels:       channels,
		DisplayCount:   cfg.Feed.DisplayCount,
		Cooldown:       cfg.RetryCooldown(),
	}, feed.WithLogger(a.log.Named("feed")))

	a.mu.Lock()
	a.config = cfg
	a.client = client
	a.engine = engine
	a.feed = agg
	a.controllers = make(map[string]*issues.Controller)
	a.mu.Unlock()
}

func notifierSender(w io.Writer) notifier.Sender {
	if w == nil {
		return &notifier.Recorder{}
	}
	return providers.NewConsoleSender(w)
}

// ReloadConfig reloads the configuration from disk.
func (a *App) ReloadConfig() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.build(cfg, nil)
	a.log.Info("configuration reloaded")
	return nil
}

// Controller returns the list controller of a collection, creating it on first use.
func (a *App) Controller(scope string) *issues.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ctl, ok := a.controllers[scope]; ok {
		return ctl
	}
	ctl := issues.New(a.client, a.auth, a.cache, issues.Settings{
		Scope:          scope,
		Labels:         ScopeLabels(a.config, scope),
		PageSize:       a.config.Listing.PageSize,
		OpenSubmission: a.config.IsFeedbackScope(scope),
	},
		issues.WithRenderer(a.renderer),
		issues.WithAuthFailureHandler(a.auth),
		issues.WithLogger(a.log.Named("issues").With("scope", scope)),
	)
	a.controllers[scope] = ctl
	return ctl
}

// ScopeLabels maps a collection name to its remote label filter: "news",
// feedback boards and explicit "key:value" labels pass through, any other
// name is a game's updates.
func ScopeLabels(cfg *config.Config, scope string) []string {
	switch {
	case scope == "news", cfg.IsFeedbackScope(scope), strings.Contains(scope, ":"):
		return []string{scope}
	default:
		return []string{"update:" + scope}
	}
}

// Feed renders the merged news stream.
func (a *App) Feed(ctx context.Context) error {
	items, err := a.getSnapshot().feed.Aggregate(ctx)
	return a.showFeed(items, err)
}

// RetryFeed re-fetches the stream, subject to the retry cooldown.
func (a *App) RetryFeed(ctx context.Context) error {
	items, err := a.getSnapshot().feed.Retry(ctx)
	return a.showFeed(items, err)
}

const feedSnapshot = "feed"

func (a *App) showFeed(items []types.FeedItem, err error) error {
	var cooldown *feed.CooldownError
	switch {
	case errors.As(err, &cooldown):
		a.notifier.Error(fmt.Sprintf("Please wait %s before retrying.", cooldown.Remaining.Round(time.Second)))
		return err
	case err != nil:
		a.notifier.Error("News is unavailable right now. Try `studiofeed feed retry` in a minute.")
		a.showSavedFeed()
		return err
	}

	a.renderer.Feed(items)
	if a.saved != nil {
		if _, err := store.SaveSnapshot(a.saved, feedSnapshot, items); err != nil {
			a.log.Warnw("failed to save feed snapshot", "err", err)
		}
	}
	return nil
}

func (a *App) showSavedFeed() {
	if a.saved == nil {
		return
	}
	items, taken, err := store.LoadLatestSnapshot[[]types.FeedItem](a.saved, feedSnapshot)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.log.Warnw("failed to load feed snapshot", "err", err)
		}
		return
	}
	a.notifier.Info("Showing news saved on " + taken.Local().Format("Jan 2 15:04") + ".")
	a.renderer.Feed(items)
}

// List loads pages of a collection and shows the given tab.
func (a *App) List(ctx context.Context, scope, tab string, pages int) error {
	ctl := a.Controller(scope)
	if err := ctl.LoadPage(ctx, 1, true); err != nil {
		a.notifier.Error(remote.UserMessage(err))
		return err
	}
	for i := 1; i < pages && !ctl.State().Exhausted; i++ {
		if err := ctl.LoadMore(ctx); err != nil {
			a.notifier.Error(remote.UserMessage(err))
			return err
		}
	}
	if tab != "" && tab != issues.TabAll {
		return ctl.SetTab(ctx, tab)
	}
	return nil
}

// Show renders a post with its reactions and comments.
func (a *App) Show(ctx context.Context, number int) error {
	s := a.getSnapshot()
	post, err := a.getIssue(ctx, s, number)
	if err != nil {
		a.notifier.Error(remote.UserMessage(err))
		return err
	}
	if err := s.engine.Load(ctx, *post); err != nil {
		a.log.Warnw("post details incomplete", "post", number, "err", err)
	}

	_, loggedIn := a.auth.CurrentUser()
	a.renderer.Post(render.Detail{
		Post:         *post,
		Groups:       s.engine.Groups(number),
		Comments:     s.engine.Comments(number),
		CommentCount: s.engine.CommentCount(number),
		CanComment:   loggedIn,
	})
	return nil
}

// getIssue fetches one post; a rejected credential ends the session.
func (a *App) getIssue(ctx context.Context, s snapshot, number int) (*types.Post, error) {
	post, err := s.client.GetIssue(ctx, number)
	if err != nil {
		a.auth.HandleAuthFailure(err)
		return nil, err
	}
	return post, nil
}

// React toggles on (add=true) or off the current user's reaction.
func (a *App) React(ctx context.Context, number int, content types.ReactionContent, add bool) (mutation.Result, error) {
	s := a.getSnapshot()
	post, err := a.getIssue(ctx, s, number)
	if err != nil {
		return mutation.Result{}, err
	}
	if err := s.engine.Load(ctx, *post); err != nil {
		return mutation.Result{}, err
	}
	if add {
		return s.engine.AddReaction(ctx, number, content), nil
	}
	return s.engine.RemoveReaction(ctx, number, content), nil
}

// Comment posts a comment as the current user.
func (a *App) Comment(ctx context.Context, number int, body string) (mutation.Result, error) {
	s := a.getSnapshot()
	post, err := a.getIssue(ctx, s, number)
	if err != nil {
		return mutation.Result{}, err
	}
	if err := s.engine.Load(ctx, *post); err != nil {
		return mutation.Result{}, err
	}
	return s.engine.AddComment(ctx, number, body), nil
}

// CreatePost opens a post in scope.
func (a *App) CreatePost(ctx context.Context, scope string, in remote.NewIssue) (*types.Post, error) {
	return a.Controller(scope).Create(ctx, in)
}

// EditPost patches a post in whichever collection it belongs to.
func (a *App) EditPost(ctx context.Context, number int, patch remote.IssuePatch) (*types.Post, error) {
	ctl, err := a.track(ctx, number)
	if err != nil {
		return nil, err
	}
	return ctl.Update(ctx, number, patch)
}

// ClosePost soft-deletes a post.
func (a *App) ClosePost(ctx context.Context, number int) error {
	ctl, err := a.track(ctx, number)
	if err != nil {
		return err
	}
	return ctl.Close(ctx, number)
}

// track fetches a post and hands it to its collection's controller so
// authorship is known before a write.
func (a *App) track(ctx context.Context, number int) (*issues.Controller, error) {
	s := a.getSnapshot()
	post, err := a.getIssue(ctx, s, number)
	if err != nil {
		return nil, err
	}
	ctl := a.Controller(ScopeOf(s.config, *post))
	ctl.Track(*post)
	return ctl, nil
}

// ScopeOf returns the collection a post is listed in.
func ScopeOf(cfg *config.Config, p types.Post) string {
	for _, l := range p.Labels {
		if cfg.IsFeedbackScope(l) {
			return l
		}
	}
	if game, ok := p.LabelValue("update"); ok {
		return game
	}
	return "news"
}

// Login validates and stores a personal access token.
func (a *App) Login(ctx context.Context, token string) (string, error) {
	return a.auth.Login(ctx, token)
}

// Logout clears the stored credential.
func (a *App) Logout() error {
	return a.auth.Logout()
}

// WhoAmI returns the logged-in handle and whether it is an admin.
func (a *App) WhoAmI() (string, bool, bool) {
	user, ok := a.auth.CurrentUser()
	return user, ok && a.auth.IsAdmin(), ok
}

// OpenConfig opens the config file in the default editor.
func (a *App) OpenConfig() error {
	path, err := config.ConfigPath()
	if err != nil {
		return err
	}
	return browser.OpenFile(path)
}

// OpenCache opens the directory holding the local state database.
func (a *App) OpenCache() error {
	dir, err := config.CacheDir()
	if err != nil {
		return err
	}
	return browser.OpenFile(dir)
}

// OpenPost opens a post on the remote site.
func (a *App) OpenPost(ctx context.Context, number int) error {
	post, err := a.getSnapshot().client.GetIssue(ctx, number)
	if err != nil {
		return err
	}
	return browser.OpenURL(post.URL)
}

// Watch runs the cache sweep and feed refresh jobs until ctx is done.
func (a *App) Watch(ctx context.Context) error {
	s := a.getSnapshot()
	sched, err := scheduler.New("Local", a.log)
	if err != nil {
		return err
	}

	sweep := time.Duration(s.config.Cache.SweepIntervalMinutes) * time.Minute
	if err := sched.AddIntervalJob("cache-sweep", sweep, scheduler.CacheSweepJob(a.cache, a.durable, time.Now, a.log)); err != nil {
		return err
	}
	refresh := time.Duration(s.config.Feed.RefreshIntervalMins) * time.Minute
	if err := sched.AddIntervalJob("feed-refresh", refresh, scheduler.FeedRefreshJob(s.feed, a.log)); err != nil {
		return err
	}

	if err := sched.RunNow("feed-refresh", scheduler.FeedRefreshJob(s.feed, a.log)); err != nil {
		a.log.Warnw("initial feed refresh failed", "err", err)
	}
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()

	for _, job := range sched.Jobs() {
		a.log.Infow("job summary", "job", job.Name, "runs", job.Runs, "failed", job.Failed, "last_err", job.LastErr)
	}
	return nil
}
