package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/emberlight/studiofeed/internal/remote"
	"github.com/emberlight/studiofeed/internal/types"
)

// Reasons a mutation never leaves Idle
var (
	ErrNotAuthenticated = errors.New("not logged in")
	ErrInvalidContent   = errors.New("unknown reaction content")
	ErrDuplicate        = errors.New("reaction already present")
	ErrInFlight         = errors.New("mutation already in flight")
	ErrNoReaction       = errors.New("no reaction to remove")
	ErrEmptyComment     = errors.New("comment body is empty")
)

// prefetchLimit bounds concurrent per-post fetches
const prefetchLimit = 4

// Remote is the subset of the remote store client the engine drives
type Remote interface {
	ListReactions(ctx context.Context, number int) ([]types.Reaction, error)
	AddReaction(ctx context.Context, number int, content types.ReactionContent) (*types.Reaction, error)
	RemoveReaction(ctx context.Context, number int, reactionID string) error
	ListComments(ctx context.Context, number int) ([]types.Comment, error)
	AddComment(ctx context.Context, number int, body string) (*types.Comment, error)
}

// Identity reports who is acting.
type Identity interface {
	CurrentUser() (string, bool)
}

// Notifier shows a message to the user.
type Notifier interface {
	Error(message string)
}

// Renderer is told about every visible change. It receives copies, never
// the engine's own slices.
type Renderer interface {
	RenderReactions(post int, groups []types.ReactionGroup)
	RenderComments(post int, comments []types.Comment, count int)
}

// AuthFailureHandler is given every failed remote call so a rejected
// credential can end the session.
type AuthFailureHandler interface {
	HandleAuthFailure(err error) bool
}

type nopRenderer struct{}

func (nopRenderer) RenderReactions(int, []types.ReactionGroup) {}
func (nopRenderer) RenderComments(int, []types.Comment, int) {}

type inflightKey struct {
	post    int
	content types.ReactionContent
}

// Engine holds the reaction and comment working sets of rendered posts and
// applies optimistic mutations to them.
type Engine struct {
	remote   Remote
	identity Identity
	notify   Notifier
	render   Renderer
	authFail AuthFailureHandler
	log      *zap.SugaredLogger
	now      func() time.Time
	newID    func() string

	mu        sync.Mutex
	reactions map[int][]types.Reaction
	comments  map[int][]types.Comment
	counts    map[int]int
	inflight  map[inflightKey]bool
}

// Option configures an Engine
type Option func(*Engine)

// WithRenderer sets the view that is re-rendered after every change.
func WithRenderer(r Renderer) Option {
	return func(e *Engine) { e.render = r }
}

// WithAuthFailureHandler forwards failed calls to h.
func WithAuthFailureHandler(h AuthFailureHandler) Option {
	return func(e *Engine) { e.authFail = h }
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the clock used for placeholder timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides placeholder ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// New creates a new mutation engine
func New(r Remote, identity Identity, notify Notifier, opts ...Option) *Engine {
	e := &Engine{
		remote:    r,
		identity:  identity,
		notify:    notify,
		render:    nopRenderer{},
		log:       zap.NewNop().Sugar(),
		now:       time.Now,
		newID:     func() string { return types.TempPrefix + uuid.NewString() },
		reactions: make(map[int][]types.Reaction),
		comments:  make(map[int][]types.Comment),
		counts:    make(map[int]int),
		inflight:  make(map[inflightKey]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load fetches reactions and comments for a single post.
func (e *Engine) Load(ctx context.Context, post types.Post) error {
	return e.Prefetch(ctx, []types.Post{post})[post.Number]
}

// Prefetch loads reactions and comments for every post concurrently. One
// post failing never cancels the others; failures are returned per post.
func (e *Engine) Prefetch(ctx context.Context, posts []types.Post) map[int]error {
	var (
		mu     sync.Mutex
		failed = make(map[int]error)
	)
	record := func(number int, err error) {
		mu.Lock()
		failed[number] = errors.Join(failed[number], err)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchLimit)
	for _, p := range posts {
		p := p
		g.Go(func() error {
			reactions, err := e.remote.ListReactions(gctx, p.Number)
			if err != nil {
				record(p.Number, fmt.Errorf("reactions for #%d: %w", p.Number, err))
			} else {
				e.storeReactions(p.Number, reactions)
			}

			comments, err := e.remote.ListComments(gctx, p.Number)
			if err != nil {
				record(p.Number, fmt.Errorf("comments for #%d: %w", p.Number, err))
			} else {
				e.storeComments(p.Number, p.Comments, comments)
			}
			return nil
		})
	}
	_ = g.Wait()

	for number, err := range failed {
		e.log.Warnw("prefetch failed", "post", number, "err", err)
	}
	return failed
}

// storeReactions replaces the server-known reactions of post, keeping any
// placeholders still awaiting their remote call.
func (e *Engine) storeReactions(post int, fetched []types.Reaction) {
	e.mu.Lock()
	merged := append([]types.Reaction(nil), fetched...)
	for _, r := range e.reactions[post] {
		if types.IsTempID(r.ID) {
			merged = append(merged, r)
		}
	}
	e.reactions[post] = merged
	groups := e.groupsLocked(post)
	e.mu.Unlock()

	e.render.RenderReactions(post, groups)
}

func (e *Engine) storeComments(post, serverCount int, fetched []types.Comment) {
	e.mu.Lock()
	merged := append([]types.Comment(nil), fetched...)
	pending := 0
	for _, c := range e.comments[post] {
		if types.IsTempID(c.ID) {
			merged = append(merged, c)
			pending++
		}
	}
	e.comments[post] = merged
	e.counts[post] = max(serverCount, len(fetched)) + pending
	comments, count := e.commentsLocked(post)
	e.mu.Unlock()

	e.render.RenderComments(post, comments, count)
}

// AddReaction adds the current user's reaction of the given content.
func (e *Engine) AddReaction(ctx context.Context, post int, content types.ReactionContent) Result {
	res := Result{Kind: KindReactionAdd, State: StateIdle}
	user, ok := e.identity.CurrentUser()
	if !ok {
		res.Err = ErrNotAuthenticated
		return res
	}
	if !content.Valid() {
		res.Err = ErrInvalidContent
		return res
	}

	key := inflightKey{post, content}
	e.mu.Lock()
	if e.inflight[key] {
		e.mu.Unlock()
		res.Err = ErrInFlight
		return res
	}
	if indexOfReaction(e.reactions[post], user, content) >= 0 {
		e.mu.Unlock()
		res.Err = ErrDuplicate
		return res
	}
	temp := types.Reaction{ID: e.newID(), PostNumber: post, Content: content, User: user}
	e.reactions[post] = append(e.reactions[post], temp)
	e.inflight[key] = true
	groups := e.groupsLocked(post)
	e.mu.Unlock()

	res.State, res.ID = StateSpeculative, temp.ID
	e.render.RenderReactions(post, groups)

	server, err := e.remote.AddReaction(ctx, post, content)

	e.mu.Lock()
	delete(e.inflight, key)
	list := e.reactions[post]
	i := indexOfID(list, temp.ID)
	if err != nil {
		if i >= 0 {
			e.reactions[post] = append(list[:i], list[i+1:]...)
		}
	} else if i >= 0 {
		confirmed := *server
		confirmed.PostNumber = post
		if confirmed.User == "" {
			confirmed.User = user
		}
		if indexOfID(list, confirmed.ID) >= 0 {
			// the remote store answers a repeated add with the existing reaction
			e.reactions[post] = append(list[:i], list[i+1:]...)
		} else {
			list[i] = confirmed
		}
	}
	groups = e.groupsLocked(post)
	e.mu.Unlock()

	e.render.RenderReactions(post, groups)
	if err != nil {
		return e.rollback(res, err, "Could not add reaction")
	}
	res.State, res.ID = StateConfirmed, server.ID
	return res
}

// RemoveReaction removes the current user's reaction of the given content.
func (e *Engine) RemoveReaction(ctx context.Context, post int, content types.ReactionContent) Result {
	res := Result{Kind: KindReactionRemove, State: StateIdle}
	user, ok := e.identity.CurrentUser()
	if !ok {
		res.Err = ErrNotAuthenticated
		return res
	}

	key := inflightKey{post, content}
	e.mu.Lock()
	if e.inflight[key] {
		e.mu.Unlock()
		res.Err = ErrInFlight
		return res
	}
	list := e.reactions[post]
	i := indexOfReaction(list, user, content)
	if i < 0 {
		e.mu.Unlock()
		res.Err = ErrNoReaction
		return res
	}
	removed := list[i]
	e.reactions[post] = append(list[:i:i], list[i+1:]...)
	e.inflight[key] = true
	groups := e.groupsLocked(post)
	e.mu.Unlock()

	res.State, res.ID = StateSpeculative, removed.ID
	e.render.RenderReactions(post, groups)

	err := e.remote.RemoveReaction(ctx, post, removed.ID)

	e.mu.Lock()
	delete(e.inflight, key)
	if err != nil {
		list = e.reactions[post]
		at := min(i, len(list))
		restored := make([]types.Reaction, 0, len(list)+1)
		restored = append(restored, list[:at]...)
		restored = append(restored, removed)
		restored = append(restored, list[at:]...)
		e.reactions[post] = restored
	}
	groups = e.groupsLocked(post)
	e.mu.Unlock()

	if err != nil {
		e.render.RenderReactions(post, groups)
		return e.rollback(res, err, "Could not remove reaction")
	}
	res.State = StateConfirmed
	return res
}

// ToggleReaction removes the reaction if the current user holds it, else adds it.
func (e *Engine) ToggleReaction(ctx context.Context, post int, content types.ReactionContent) Result {
	user, ok := e.identity.CurrentUser()
	if !ok {
		return Result{Kind: KindReactionAdd, State: StateIdle, Err: ErrNotAuthenticated}
	}
	e.mu.Lock()
	owned := indexOfReaction(e.reactions[post], user, content) >= 0
	e.mu.Unlock()

	if owned {
		return e.RemoveReaction(ctx, post, content)
	}
	return e.AddReaction(ctx, post, content)
}

// AddComment appends a comment by the current user.
func (e *Engine) AddComment(ctx context.Context, post int, body string) Result {
	res := Result{Kind: KindCommentAdd, State: StateIdle}
	user, ok := e.identity.CurrentUser()
	if !ok {
		res.Err = ErrNotAuthenticated
		return res
	}
	body = strings.TrimSpace(body)
	if body == "" {
		res.Err = ErrEmptyComment
		return res
	}

	temp := types.Comment{ID: e.newID(), PostNumber: post, Author: user, Body: body, CreatedAt: e.now()}
	e.mu.Lock()
	e.comments[post] = append(e.comments[post], temp)
	e.counts[post]++
	comments, count := e.commentsLocked(post)
	e.mu.Unlock()

	res.State, res.ID = StateSpeculative, temp.ID
	e.render.RenderComments(post, comments, count)

	server, err := e.remote.AddComment(ctx, post, body)

	e.mu.Lock()
	list := e.comments[post]
	i := indexOfCommentID(list, temp.ID)
	if err != nil {
		if i >= 0 {
			e.comments[post] = append(list[:i], list[i+1:]...)
		}
		e.counts[post]--
	} else if i >= 0 {
		confirmed := *server
		confirmed.PostNumber = post
		list[i] = confirmed
	}
	comments, count = e.commentsLocked(post)
	e.mu.Unlock()

	e.render.RenderComments(post, comments, count)
	if err != nil {
		return e.rollback(res, err, "Could not post comment")
	}
	res.State, res.ID = StateConfirmed, server.ID
	return res
}

func (e *Engine) rollback(res Result, err error, what string) Result {
	e.log.Warnw("mutation rolled back", "kind", res.Kind, "id", res.ID, "err", err)
	e.notify.Error(what + ": " + remote.UserMessage(err))
	if e.authFail != nil {
		e.authFail.HandleAuthFailure(err)
	}
	res.State, res.Err = StateRolledBack, err
	return res
}

// Reactions returns a copy of the post's reaction working set
func (e *Engine) Reactions(post int) []types.Reaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Reaction(nil), e.reactions[post]...)
}

// Groups returns the post's reactions grouped for display
func (e *Engine) Groups(post int) []types.ReactionGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groupsLocked(post)
}

// Comments returns a copy of the post's comments
func (e *Engine) Comments(post int) []types.Comment {
	e.mu.Lock()
	defer e.mu.Unlock()
	comments, _ := e.commentsLocked(post)
	return comments
}

// CommentCount returns the displayed comment counter
func (e *Engine) CommentCount(post int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[post]
}

func (e *Engine) groupsLocked(post int) []types.ReactionGroup {
	user, _ := e.identity.CurrentUser()
	return types.GroupReactions(e.reactions[post], user)
}

func (e *Engine) commentsLocked(post int) ([]types.Comment, int) {
	return append([]types.Comment(nil), e.comments[post]...), e.counts[post]
}

func indexOfReaction(list []types.Reaction, user string, content types.ReactionContent) int {
	for i, r := range list {
		if r.User == user && r.Content == content {
			return i
		}
	}
	return -1
}

func indexOfID(list []types.Reaction, id string) int {
	for i, r := range list {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func indexOfCommentID(list []types.Comment, id string) int {
	for i, c := range list {
		if c.ID == id {
			return i
		}
	}
	return -1
}
