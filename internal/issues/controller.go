package issues

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/emberlight/studiofeed/internal/cache"
	"github.com/emberlight/studiofeed/internal/feed"
	"github.com/emberlight/studiofeed/internal/remote"
	"github.com/emberlight/studiofeed/internal/types"
)

// TabAll shows every post of the collection.
const TabAll = "all"

const defaultPageSize = 10

var (
	// ErrLoading is returned by LoadPage while another page is being fetched.
	ErrLoading = errors.New("a page is already loading")
	// ErrStale means the response arrived after the tab changed and was dropped.
	ErrStale = errors.New("response superseded")
	// ErrForbidden is returned for writes the current user may not perform.
	ErrForbidden = errors.New("not allowed")
)

// Remote is the subset of the remote store client the controller uses
type Remote interface {
	ListIssues(ctx context.Context, q remote.IssueQuery) (*remote.IssuePage, error)
	CreateIssue(ctx context.Context, in remote.NewIssue) (*types.Post, error)
	UpdateIssue(ctx context.Context, number int, patch remote.IssuePatch) (*types.Post, error)
	CloseIssue(ctx context.Context, number int) (*types.Post, error)
}

// Identity reports who is acting and whether they are an admin
type Identity interface {
	CurrentUser() (string, bool)
	IsAdmin() bool
}

// Renderer is told whenever the visible list changes.
type Renderer interface {
	RenderList(state State)
}

// AuthFailureHandler is given failed remote calls.
type AuthFailureHandler interface {
	HandleAuthFailure(err error) bool
}

// Settings configures a Controller
type Settings struct {
	// Scope names the collection in cache keys, e.g. "starve-neon" or "feedback".
	Scope string
	// Labels narrow the remote query; every created post carries them.
	Labels   []string
	PageSize int
	// OpenSubmission lets any logged-in user create posts (feedback boards).
	OpenSubmission bool
}

// State is a snapshot of the controller
type State struct {
	Scope     string
	Tab       string
	Cursor    int
	Exhausted bool
	Loading   bool
	// Posts is the working set filtered to Tab.
	Posts []types.Post
}

// Controller pages through one collection and filters it by tab client-side.
type Controller struct {
	remote   Remote
	identity Identity
	cache    *cache.Cache
	settings Settings
	render   Renderer
	authFail AuthFailureHandler
	log      *zap.SugaredLogger

	mu        sync.Mutex
	cursor    int
	attempted int
	exhausted bool
	loading   bool
	tab       string
	gen       uint64
	working   []types.Post
}

// Option configures a Controller
type Option func(*Controller)

// WithRenderer sets the list view.
func WithRenderer(r Renderer) Option {
	return func(c *Controller) { c.render = r }
}

// WithAuthFailureHandler forwards failed writes to h.
func WithAuthFailureHandler(h AuthFailureHandler) Option {
	return func(c *Controller) { c.authFail = h }
}

// WithLogger sets the controller's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Controller) { c.log = l }
}

// New creates a controller for one collection. c may be nil to disable caching.
func New(r Remote, identity Identity, c *cache.Cache, settings Settings, opts ...Option) *Controller {
	if settings.PageSize <= 0 {
		settings.PageSize = defaultPageSize
	}
	ctl := &Controller{
		remote:    r,
		identity:  identity,
		cache:     c,
		settings:  settings,
		log:       zap.NewNop().Sugar(),
		cursor:    1,
		attempted: 1,
		tab:       TabAll,
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

// PageKey is the cache key of page n of scope.
func PageKey(scope string, n int) string {
	return fmt.Sprintf("issues_%s_page_%d", scope, n)
}

func (c *Controller) pagePrefix() string {
	return fmt.Sprintf("issues_%s_page_", c.settings.Scope)
}

// LoadPage fetches page n, replacing the working set or appending to it.
func (c *Controller) LoadPage(ctx context.Context, n int, replace bool) error {
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrLoading
	}
	c.loading = true
	c.attempted = n
	c.gen++
	gen := c.gen
	state := c.stateLocked()
	c.mu.Unlock()
	c.emit(state)

	page, err := c.fetchPage(ctx, n)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.log.Debugw("dropping stale page", "scope", c.settings.Scope, "page", n)
		return ErrStale
	}
	c.loading = false
	if err != nil {
		state = c.stateLocked()
		c.mu.Unlock()
		c.emit(state)
		c.forwardAuthFailure(err)
		return fmt.Errorf("load page %d: %w", n, err)
	}

	posts := page.Posts
	c.cursor = n
	c.exhausted = page.exhausted(c.settings.PageSize)
	if replace {
		c.working = posts
	} else {
		c.working = appendUnique(c.working, posts)
	}
	state = c.stateLocked()
	c.mu.Unlock()

	c.log.Debugw("page loaded", "scope", c.settings.Scope, "page", n, "count", len(posts), "exhausted", state.Exhausted)
	c.emit(state)
	return nil
}

// LoadMore fetches the next page. It is a no-op while loading or exhausted.
func (c *Controller) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	if c.loading || c.exhausted {
		c.mu.Unlock()
		return nil
	}
	next := c.cursor + 1
	c.mu.Unlock()

	err := c.LoadPage(ctx, next, false)
	if errors.Is(err, ErrLoading) {
		return nil
	}
	return err
}

// SetTab switches the filter. Any in-flight page is superseded. Posts already
// fetched for the tab are shown without a network call.
func (c *Controller) SetTab(ctx context.Context, tab string) error {
	if tab == "" {
		tab = TabAll
	}

	c.mu.Lock()
	c.tab = tab
	c.cursor = 1
	c.gen++
	c.loading = false
	present := slices.ContainsFunc(c.working, func(p types.Post) bool { return matchesTab(p, tab) })
	state := c.stateLocked()
	c.mu.Unlock()

	if present {
		c.emit(state)
		return nil
	}
	return c.LoadPage(ctx, 1, true)
}

// Retry drops the cached copy of the last attempted page and fetches it again.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	page := c.attempted
	c.mu.Unlock()

	if c.cache != nil {
		if err := c.cache.Invalidate(PageKey(c.settings.Scope, page)); err != nil {
			c.log.Warnw("failed to invalidate page", "page", page, "err", err)
		}
	}
	return c.LoadPage(ctx, page, page == 1)
}

// State returns a snapshot of the controller
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Find returns a post from the working set.
func (c *Controller) Find(number int) (types.Post, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := indexOf(c.working, number); i >= 0 {
		return c.working[i], true
	}
	return types.Post{}, false
}

// Track adds a post fetched elsewhere (e.g. a detail view) to the working set.
func (c *Controller) Track(p types.Post) {
	c.mu.Lock()
	c.working = appendUnique(c.working, []types.Post{p})
	c.mu.Unlock()
}

// cachedPage is one page as stored in the session cache. Posts may be
// shorter than Fetched when the store returned pull requests.
type cachedPage struct {
	Posts   []types.Post `json:"posts"`
	Fetched int          `json:"fetched"`
	HasNext bool         `json:"has_next"`
}

// exhausted reports whether no page follows this one. A short page ends the
// collection unless the store's Link header still names a next page.
func (p cachedPage) exhausted(pageSize int) bool {
	fetched := max(p.Fetched, len(p.Posts))
	return !p.HasNext && fetched < pageSize
}

func (c *Controller) fetchPage(ctx context.Context, n int) (cachedPage, error) {
	key := PageKey(c.settings.Scope, n)
	if c.cache != nil {
		if page, ok := cache.GetJSON[cachedPage](c.cache, key); ok {
			return page, nil
		}
	}

	page, err := c.remote.ListIssues(ctx, remote.IssueQuery{
		State:   types.StateOpen,
		Labels:  c.settings.Labels,
		PerPage: c.settings.PageSize,
		Page:    n,
	})
	if err != nil {
		return cachedPage{}, err
	}

	fetched := cachedPage{Posts: page.Issues, Fetched: page.Fetched, HasNext: page.HasNext}
	if c.cache != nil {
		if err := cache.SetJSON(c.cache, key, fetched); err != nil {
			c.log.Warnw("failed to cache page", "key", key, "err", err)
		}
	}
	return fetched, nil
}

// Create opens a new post in the collection.
func (c *Controller) Create(ctx context.Context, in remote.NewIssue) (*types.Post, error) {
	if _, ok := c.identity.CurrentUser(); !ok {
		return nil, ErrForbidden
	}
	if !c.identity.IsAdmin() && !c.settings.OpenSubmission {
		return nil, ErrForbidden
	}
	for _, l := range c.settings.Labels {
		if !slices.Contains(in.Labels, l) {
			in.Labels = append(in.Labels, l)
		}
	}

	created, err := c.remote.CreateIssue(ctx, in)
	if err != nil {
		c.forwardAuthFailure(err)
		return nil, fmt.Errorf("create post: %w", err)
	}

	c.invalidate()
	c.mu.Lock()
	c.working = append([]types.Post{*created}, c.working...)
	state := c.stateLocked()
	c.mu.Unlock()
	c.emit(state)

	c.log.Infow("post created", "scope", c.settings.Scope, "number", created.Number)
	return created, nil
}

// Update patches a post. Admins may edit any post, others only their own.
func (c *Controller) Update(ctx context.Context, number int, patch remote.IssuePatch) (*types.Post, error) {
	if err := c.authorizeEdit(number); err != nil {
		return nil, err
	}

	updated, err := c.remote.UpdateIssue(ctx, number, patch)
	if err != nil {
		c.forwardAuthFailure(err)
		return nil, fmt.Errorf("update post #%d: %w", number, err)
	}

	c.invalidate()
	c.replace(*updated)
	c.log.Infow("post updated", "scope", c.settings.Scope, "number", number)
	return updated, nil
}

// Close soft-deletes a post; it leaves the open-state view.
func (c *Controller) Close(ctx context.Context, number int) error {
	if err := c.authorizeEdit(number); err != nil {
		return err
	}

	closed, err := c.remote.CloseIssue(ctx, number)
	if err != nil {
		c.forwardAuthFailure(err)
		return fmt.Errorf("close post #%d: %w", number, err)
	}

	c.invalidate()
	c.replace(*closed)
	c.log.Infow("post closed", "scope", c.settings.Scope, "number", number)
	return nil
}

func (c *Controller) authorizeEdit(number int) error {
	user, ok := c.identity.CurrentUser()
	if !ok {
		return ErrForbidden
	}
	if c.identity.IsAdmin() {
		return nil
	}
	if p, found := c.Find(number); found && strings.EqualFold(p.Author, user) {
		return nil
	}
	return ErrForbidden
}

// replace swaps in the server copy of a post, dropping it once closed.
func (c *Controller) replace(p types.Post) {
	c.mu.Lock()
	if i := indexOf(c.working, p.Number); i >= 0 {
		if p.State == types.StateClosed {
			c.working = slices.Delete(c.working, i, i+1)
		} else {
			c.working[i] = p
		}
	}
	state := c.stateLocked()
	c.mu.Unlock()
	c.emit(state)
}

// invalidate drops every cached page of the collection and the merged feed.
func (c *Controller) invalidate() {
	if c.cache == nil {
		return
	}
	if err := c.cache.InvalidatePrefix(c.pagePrefix()); err != nil {
		c.log.Warnw("failed to invalidate pages", "scope", c.settings.Scope, "err", err)
	}
	if err := c.cache.Invalidate(feed.CacheKey); err != nil {
		c.log.Warnw("failed to invalidate feed", "err", err)
	}
}

func (c *Controller) forwardAuthFailure(err error) {
	if c.authFail != nil {
		c.authFail.HandleAuthFailure(err)
	}
}

func (c *Controller) emit(state State) {
	if c.render != nil {
		c.render.RenderList(state)
	}
}

func (c *Controller) stateLocked() State {
	var visible []types.Post
	for _, p := range c.working {
		if p.State != types.StateClosed && matchesTab(p, c.tab) {
			visible = append(visible, p)
		}
	}
	return State{
		Scope:     c.settings.Scope,
		Tab:       c.tab,
		Cursor:    c.cursor,
		Exhausted: c.exhausted,
		Loading:   c.loading,
		Posts:     visible,
	}
}

// matchesTab reports whether p belongs on tab. A tab matches a label
// exactly ("news") or by its value ("bug" matches "type:bug").
func matchesTab(p types.Post, tab string) bool {
	if tab == TabAll || tab == "" {
		return true
	}
	for _, l := range p.Labels {
		if strings.EqualFold(l, tab) {
			return true
		}
		if _, value, ok := strings.Cut(l, ":"); ok && strings.EqualFold(value, tab) {
			return true
		}
	}
	return false
}

func appendUnique(working, posts []types.Post) []types.Post {
	for _, p := range posts {
		if i := indexOf(working, p.Number); i >= 0 {
			working[i] = p
			continue
		}
		working = append(working, p)
	}
	return working
}

func indexOf(posts []types.Post, number int) int {
	return slices.IndexFunc(posts, func(p types.Post) bool { return p.Number == number })
}
