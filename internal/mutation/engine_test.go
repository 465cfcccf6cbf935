package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emberlight/studiofeed/internal/notifier"
	"github.com/emberlight/studiofeed/internal/remote"
	"github.com/emberlight/studiofeed/internal/types"
)

type fakeRemote struct {
	mu        sync.Mutex
	reactions map[int][]types.Reaction
	comments  map[int][]types.Comment
	nextID    int

	// gate, when set, blocks mutating calls until it is closed or sent to
	gate    chan struct{}
	started chan struct{}
	fail    error
	listErr map[int]error
	adds    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		reactions: make(map[int][]types.Reaction),
		comments:  make(map[int][]types.Comment),
		listErr:   make(map[int]error),
		nextID:    1000,
	}
}

func (f *fakeRemote) wait() {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeRemote) ListReactions(_ context.Context, n int) ([]types.Reaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[n]; err != nil {
		return nil, err
	}
	return append([]types.Reaction(nil), f.reactions[n]...), nil
}

func (f *fakeRemote) AddReaction(_ context.Context, n int, c types.ReactionContent) (*types.Reaction, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds++
	if f.fail != nil {
		return nil, f.fail
	}
	f.nextID++
	r := types.Reaction{ID: fmt.Sprint(f.nextID), PostNumber: n, Content: c, User: "bob"}
	f.reactions[n] = append(f.reactions[n], r)
	return &r, nil
}

func (f *fakeRemote) RemoveReaction(_ context.Context, n int, id string) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *fakeRemote) ListComments(_ context.Context, n int) ([]types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[n]; err != nil {
		return nil, err
	}
	return append([]types.Comment(nil), f.comments[n]...), nil
}

func (f *fakeRemote) AddComment(_ context.Context, n int, body string) (*types.Comment, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.nextID++
	c := types.Comment{ID: fmt.Sprint(f.nextID), PostNumber: n, Author: "bob", Body: body}
	return &c, nil
}

type staticUser string

func (u staticUser) CurrentUser() (string, bool) { return string(u), u != "" }

type renderLog struct {
	mu     sync.Mutex
	groups [][]types.ReactionGroup
	counts []int
}

func (r *renderLog) RenderReactions(_ int, g []types.ReactionGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = append(r.groups, g)
}

func (r *renderLog) RenderComments(_ int, _ []types.Comment, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, count)
}

type authSpy struct{ seen []error }

func (a *authSpy) HandleAuthFailure(err error) bool {
	a.seen = append(a.seen, err)
	return remote.IsUnauthorized(err)
}

type harness struct {
	remote *fakeRemote
	engine *Engine
	toasts *notifier.Recorder
	render *renderLog
	auth   *authSpy
}

func newHarness(t *testing.T, user string) *harness {
	t.Helper()
	h := &harness{remote: newFakeRemote(), toasts: &notifier.Recorder{}, render: &renderLog{}, auth: &authSpy{}}
	log := zaptest.NewLogger(t).Sugar()
	h.engine = New(h.remote, staticUser(user), notifier.New(h.toasts, log),
		WithRenderer(h.render),
		WithAuthFailureHandler(h.auth),
		WithLogger(log),
		WithClock(func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) }),
	)
	return h
}

var post42 = types.Post{Number: 42, Comments: 1}

// bob's +1 is shown speculatively, then reverted when the call fails.
func TestAddReactionRollback(t *testing.T) {
	h := newHarness(t, "bob")
	h.remote.reactions[42] = []types.Reaction{{ID: "1", PostNumber: 42, Content: types.ReactionPlusOne, User: "alice"}}
	require.NoError(t, h.engine.Load(context.Background(), post42))
	before := h.engine.Reactions(42)

	h.remote.gate = make(chan struct{})
	h.remote.started = make(chan struct{})
	h.remote.fail = &remote.RemoteError{Kind: remote.KindTransport, Message: "request failed"}

	done := make(chan Result)
	go func() { done <- h.engine.AddReaction(context.Background(), 42, types.ReactionPlusOne) }()
	<-h.remote.started

	speculative := h.engine.Groups(42)
	require.Len(t, speculative, 1)
	assert.Equal(t, 2, speculative[0].Count)
	assert.True(t, speculative[0].Mine)
	assert.True(t, speculative[0].Pending)
	assert.Len(t, h.engine.Reactions(42), 2)

	close(h.remote.gate)
	res := <-done

	assert.Equal(t, StateRolledBack, res.State)
	assert.True(t, types.IsTempID(res.ID))
	assert.Equal(t, before, h.engine.Reactions(42))
	groups := h.engine.Groups(42)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].Count)
	assert.False(t, groups[0].Mine)
	require.Len(t, h.toasts.Errors(), 1)
	assert.Contains(t, h.toasts.Errors()[0], "Network error")
	assert.Len(t, h.auth.seen, 1)
}

func TestAddReactionConfirmsInPlace(t *testing.T) {
	h := newHarness(t, "bob")
	res := h.engine.AddReaction(context.Background(), 42, types.ReactionRocket)

	assert.Equal(t, StateConfirmed, res.State)
	assert.True(t, res.Applied())
	assert.Equal(t, "1001", res.ID)
	reactions := h.engine.Reactions(42)
	require.Len(t, reactions, 1)
	assert.Equal(t, "1001", reactions[0].ID)
	assert.False(t, h.engine.Groups(42)[0].Pending)
	assert.Empty(t, h.toasts.Messages())
	// speculative render, then confirmed render
	assert.Len(t, h.render.groups, 2)
}

func TestAddReactionTwiceYieldsOne(t *testing.T) {
	h := newHarness(t, "bob")
	h.remote.gate = make(chan struct{})
	h.remote.started = make(chan struct{})

	done := make(chan Result)
	go func() { done <- h.engine.AddReaction(context.Background(), 42, types.ReactionHeart) }()
	<-h.remote.started

	second := h.engine.AddReaction(context.Background(), 42, types.ReactionHeart)
	assert.Equal(t, StateIdle, second.State)
	assert.ErrorIs(t, second.Err, ErrInFlight)

	close(h.remote.gate)
	first := <-done
	require.Equal(t, StateConfirmed, first.State)

	third := h.engine.AddReaction(context.Background(), 42, types.ReactionHeart)
	assert.ErrorIs(t, third.Err, ErrDuplicate)

	assert.Equal(t, 1, h.remote.adds)
	assert.Len(t, h.engine.Reactions(42), 1)
}

func TestRepeatedAddAnsweredWithExistingReaction(t *testing.T) {
	h := newHarness(t, "bob")
	h.remote.reactions[42] = []types.Reaction{{ID: "1001", PostNumber: 42, Content: types.ReactionEyes, User: "carol"}}
	require.NoError(t, h.engine.Load(context.Background(), post42))
	h.remote.nextID = 1000 // next server id collides with carol's reaction

	res := h.engine.AddReaction(context.Background(), 42, types.ReactionEyes)
	require.Equal(t, StateConfirmed, res.State)
	assert.Len(t, h.engine.Reactions(42), 1)
}

// Nothing is speculated without a logged-in user.
func TestAnonymousMutationsAreNoOps(t *testing.T) {
	h := newHarness(t, "")

	res := h.engine.AddReaction(context.Background(), 42, types.ReactionPlusOne)
	assert.Equal(t, StateIdle, res.State)
	assert.ErrorIs(t, res.Err, ErrNotAuthenticated)

	res = h.engine.AddComment(context.Background(), 42, "hello")
	assert.ErrorIs(t, res.Err, ErrNotAuthenticated)

	res = h.engine.ToggleReaction(context.Background(), 42, types.ReactionPlusOne)
	assert.ErrorIs(t, res.Err, ErrNotAuthenticated)

	assert.Empty(t, h.engine.Reactions(42))
	assert.Empty(t, h.render.groups)
	assert.Zero(t, h.remote.adds)
}

func TestInvalidContentIgnored(t *testing.T) {
	h := newHarness(t, "bob")
	res := h.engine.AddReaction(context.Background(), 42, types.ReactionContent("thumbsup"))
	assert.ErrorIs(t, res.Err, ErrInvalidContent)
}

func TestRemoveReactionRestoresPosition(t *testing.T) {
	h := newHarness(t, "bob")
	h.remote.reactions[42] = []types.Reaction{
		{ID: "1", Content: types.ReactionPlusOne, User: "alice"},
		{ID: "2", Content: types.ReactionHeart, User: "bob"},
		{ID: "3", Content: types.ReactionHeart, User: "carol"},
	}
	require.NoError(t, h.engine.Load(context.Background(), post42))
	before := h.engine.Reactions(42)

	h.remote.fail = &remote.RemoteError{Kind: remote.KindRejected, StatusCode: 404, Message: "Not Found"}
	res := h.engine.RemoveReaction(context.Background(), 42, types.ReactionHeart)

	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, before, h.engine.Reactions(42))
	assert.Equal(t, []string{"Could not remove reaction: Not Found. Please try again."}, h.toasts.Errors())
}

func TestToggleReaction(t *testing.T) {
	h := newHarness(t, "bob")

	res := h.engine.ToggleReaction(context.Background(), 42, types.ReactionLaugh)
	assert.Equal(t, KindReactionAdd, res.Kind)
	assert.Equal(t, StateConfirmed, res.State)

	res = h.engine.ToggleReaction(context.Background(), 42, types.ReactionLaugh)
	assert.Equal(t, KindReactionRemove, res.Kind)
	assert.Equal(t, StateConfirmed, res.State)
	assert.Empty(t, h.engine.Reactions(42))

	res = h.engine.RemoveReaction(context.Background(), 42, types.ReactionLaugh)
	assert.ErrorIs(t, res.Err, ErrNoReaction)
}

func TestAddCommentConfirmed(t *testing.T) {
	h := newHarness(t, "bob")
	h.remote.comments[42] = []types.Comment{{ID: "7", Author: "alice", Body: "first"}}
	require.NoError(t, h.engine.Load(context.Background(), post42))

	res := h.engine.AddComment(context.Background(), 42, "  nice patch  ")
	require.Equal(t, StateConfirmed, res.State)

	comments := h.engine.Comments(42)
	require.Len(t, comments, 2)
	assert.Equal(t, res.ID, comments[1].ID)
	assert.Equal(t, "nice patch", comments[1].Body)
	assert.Equal(t, 2, h.engine.CommentCount(42))
	// load, speculative, confirmed
	assert.Equal(t, []int{1, 2, 2}, h.render.counts)
}

func TestAddCommentRollback(t *testing.T) {
	h := newHarness(t, "bob")
	h.remote.comments[42] = []types.Comment{{ID: "7", Author: "alice", Body: "first"}}
	require.NoError(t, h.engine.Load(context.Background(), post42))
	before := h.engine.Comments(42)

	h.remote.fail = &remote.RemoteError{Kind: remote.KindUnauthorized, StatusCode: 401, Message: "Bad credentials"}
	res := h.engine.AddComment(context.Background(), 42, "lost")

	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, before, h.engine.Comments(42))
	assert.Equal(t, 1, h.engine.CommentCount(42))
	assert.Equal(t, []int{1, 2, 1}, h.render.counts)
	require.Len(t, h.toasts.Errors(), 1)
	assert.True(t, remote.IsUnauthorized(h.auth.seen[0]))
}

func TestEmptyCommentIgnored(t *testing.T) {
	h := newHarness(t, "bob")
	res := h.engine.AddComment(context.Background(), 42, "   ")
	assert.ErrorIs(t, res.Err, ErrEmptyComment)
	assert.Empty(t, h.render.counts)
}

func TestPrefetchIsAllSettled(t *testing.T) {
	h := newHarness(t, "bob")
	h.remote.reactions[1] = []types.Reaction{{ID: "1", Content: types.ReactionEyes, User: "alice"}}
	h.remote.reactions[3] = []types.Reaction{{ID: "3", Content: types.ReactionRocket, User: "carol"}}
	h.remote.listErr[2] = errors.New("boom")

	failed := h.engine.Prefetch(context.Background(), []types.Post{{Number: 1}, {Number: 2}, {Number: 3}})

	require.Len(t, failed, 1)
	assert.Error(t, failed[2])
	assert.Len(t, h.engine.Reactions(1), 1)
	assert.Len(t, h.engine.Reactions(3), 1)
	assert.Empty(t, h.engine.Reactions(2))
}
