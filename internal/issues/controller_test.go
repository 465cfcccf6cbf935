package issues

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emberlight/studiofeed/internal/cache"
	"github.com/emberlight/studiofeed/internal/feed"
	"github.com/emberlight/studiofeed/internal/remote"
	"github.com/emberlight/studiofeed/internal/store"
	"github.com/emberlight/studiofeed/internal/types"
)

type fakeRemote struct {
	mu    sync.Mutex
	posts []types.Post
	calls int
	err   error

	// firstGate blocks only the first ListIssues call
	firstGate chan struct{}
	started   chan struct{}
	// pageOverride replaces the response of the nth call (1-based)
	pageOverride map[int][]types.Post
}

func (f *fakeRemote) ListIssues(_ context.Context, q remote.IssueQuery) (*remote.IssuePage, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	gate := f.firstGate
	f.mu.Unlock()

	if call == 1 && gate != nil {
		f.started <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if override, ok := f.pageOverride[call]; ok {
		return &remote.IssuePage{Issues: override}, nil
	}
	start := (q.Page - 1) * q.PerPage
	if start >= len(f.posts) {
		return &remote.IssuePage{}, nil
	}
	end := min(start+q.PerPage, len(f.posts))
	return &remote.IssuePage{Issues: append([]types.Post(nil), f.posts[start:end]...), HasNext: end < len(f.posts)}, nil
}

func (f *fakeRemote) CreateIssue(_ context.Context, in remote.NewIssue) (*types.Post, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Post{Number: 999, Title: in.Title, Body: in.Body, Labels: in.Labels, State: types.StateOpen, Author: "alice"}, nil
}

func (f *fakeRemote) UpdateIssue(_ context.Context, n int, patch remote.IssuePatch) (*types.Post, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := types.Post{Number: n, State: types.StateOpen, Author: "bob"}
	if patch.Title != nil {
		p.Title = *patch.Title
	}
	return &p, nil
}

func (f *fakeRemote) CloseIssue(_ context.Context, n int) (*types.Post, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Post{Number: n, State: types.StateClosed}, nil
}

type identity struct {
	user  string
	admin bool
}

func (i identity) CurrentUser() (string, bool) { return i.user, i.user != "" }
func (i identity) IsAdmin() bool               { return i.admin }

func makePosts(n int, labels ...string) []types.Post {
	out := make([]types.Post, n)
	for i := range out {
		out[i] = types.Post{Number: i + 1, Title: fmt.Sprintf("post %d", i+1), State: types.StateOpen, Author: "bob", Labels: labels}
	}
	return out
}

type fixture struct {
	remote  *fakeRemote
	session *store.Memory
	cache   *cache.Cache
	now     time.Time
	ctl     *Controller
}

func newFixture(t *testing.T, id identity, settings Settings) *fixture {
	t.Helper()
	f := &fixture{remote: &fakeRemote{}, session: store.NewMemory(), now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
	f.cache = cache.New(f.session, 10*time.Minute, cache.WithClock(func() time.Time { return f.now }))
	f.ctl = New(f.remote, id, f.cache, settings, WithLogger(zaptest.NewLogger(t).Sugar()))
	return f
}

func TestLoadMoreUntilExhausted(t *testing.T) {
	f := newFixture(t, identity{}, Settings{Scope: "starve-neon", PageSize: 10})
	f.remote.posts = makePosts(25)
	ctx := context.Background()

	require.NoError(t, f.ctl.LoadPage(ctx, 1, true))
	assert.False(t, f.ctl.State().Exhausted)

	require.NoError(t, f.ctl.LoadMore(ctx))
	assert.False(t, f.ctl.State().Exhausted)
	assert.Equal(t, 2, f.ctl.State().Cursor)

	require.NoError(t, f.ctl.LoadMore(ctx))
	st := f.ctl.State()
	assert.True(t, st.Exhausted)
	assert.Len(t, st.Posts, 25)
	assert.Equal(t, 3, f.remote.calls)

	require.NoError(t, f.ctl.LoadMore(ctx))
	require.NoError(t, f.ctl.LoadMore(ctx))
	assert.Equal(t, 3, f.remote.calls)
}

func TestFullLastPageNeedsOneMoreFetch(t *testing.T) {
	f := newFixture(t, identity{}, Settings{Scope: "news", PageSize: 10})
	f.remote.posts = makePosts(20)
	ctx := context.Background()

	require.NoError(t, f.ctl.LoadPage(ctx, 1, true))
	require.NoError(t, f.ctl.LoadMore(ctx))
	assert.False(t, f.ctl.State().Exhausted)

	require.NoError(t, f.ctl.LoadMore(ctx))
	assert.True(t, f.ctl.State().Exhausted)
	assert.Len(t, f.ctl.State().Posts, 20)
}

// A page cached eleven minutes ago is past the ten minute TTL and is fetched again.
func TestExpiredPageIsRefetched(t *testing.T) {
	f := newFixture(t, identity{}, Settings{Scope: "starve-neon", PageSize: 10})
	f.remote.posts = makePosts(3)
	require.NoError(t, cache.SetJSON(f.cache, "issues_starve-neon_page_1", cachedPage{Posts: makePosts(2), Fetched: 2}))

	require.NoError(t, f.ctl.LoadPage(context.Background(), 1, true))
	assert.Zero(t, f.remote.calls)
	assert.Len(t, f.ctl.State().Posts, 2)

	f.now = f.now.Add(11 * time.Minute)
	require.NoError(t, f.ctl.LoadPage(context.Background(), 1, true))
	assert.Equal(t, 1, f.remote.calls)
	assert.Len(t, f.ctl.State().Posts, 3)
}

func TestLoadMoreIgnoredWhileLoading(t *testing.T) {
	f := newFixture(t, identity{}, Settings{Scope: "news", PageSize: 10})
	f.remote.posts = makePosts(15)
	f.remote.firstGate = make(chan struct{})
	f.remote.started = make(chan struct{})
	ctx := context.Background()

	done := make(chan error)
	go func() { done <- f.ctl.LoadPage(ctx, 1, true) }()
	<-f.remote.started

	assert.True(t, f.ctl.State().Loading)
	require.NoError(t, f.ctl.LoadMore(ctx))
	assert.ErrorIs(t, f.ctl.LoadPage(ctx, 2, false), ErrLoading)

	close(f.remote.firstGate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.remote.calls)
	assert.False(t, f.ctl.State().Loading)
}

func TestSetTabUsesWorkingSet(t *testing.T) {
	f := newFixture(t, identity{}, Settings{Scope: "feedback", PageSize: 10})
	f.remote.posts = append(makePosts(2, "type:bug"), types.Post{Number: 3, State: types.StateOpen, Labels: []string{"type:idea"}})
	ctx := context.Background()
	require.NoError(t, f.ctl.LoadPage(ctx, 1, true))

	require.NoError(t, f.ctl.SetTab(ctx, "bug"))
	st := f.ctl.State()
	assert.Equal(t, "bug", st.Tab)
	assert.Equal(t, 1, st.Cursor)
	assert.Len(t, st.Posts, 2)
	assert.Equal(t, 1, f.remote.calls)

	require.NoError(t, f.ctl.SetTab(ctx, ""))
	assert.Len(t, f.ctl.State().Posts, 3)
	assert.Equal(t, 1, f.remote.calls)
}

func TestSetTabFetchesWhenAbsentAndDropsStale(t *testing.T) {
	f := newFixture(t, identity{}, Settings{Scope: "feedback", PageSize: 10})
	f.remote.posts = makePosts(1, "type:idea")
	f.remote.pageOverride = map[int][]types.Post{2: makePosts(2, "type:bug")}
	f.remote.firstGate = make(chan struct{})
	f.remote.started = make(chan struct{})
	ctx := context.Background()

	done := make(chan error)
	go func() { done <- f.ctl.LoadPage(ctx, 1, true) }()
	<-f.remote.started

	require.NoError(t, f.ctl.SetTab(ctx, "bug"))
	assert.Equal(t, 2, f.remote.calls)

	close(f.remote.firstGate)
	assert.ErrorIs(t, <-done, ErrStale)

	st := f.ctl.State()
	require.Len(t, st.Posts, 2)
	assert.Equal(t, []string{"type:bug"}, st.Posts[0].Labels)
	assert.False(t, st.Loading)
}

func TestRetryRefetchesFailedPage(t *testing.T) {
	f := newFixture(t, identity{}, Settings{Scope: "news", PageSize: 10})
	f.remote.posts = makePosts(12)
	ctx := context.Background()
	require.NoError(t, f.ctl.LoadPage(ctx, 1, true))

	f.remote.err = &remote.RemoteError{Kind: remote.KindTransport}
	require.Error(t, f.ctl.LoadMore(ctx))
	assert.Equal(t, 1, f.ctl.State().Cursor)

	f.remote.err = nil
	require.NoError(t, f.ctl.Retry(ctx))
	st := f.ctl.State()
	assert.Equal(t, 2, st.Cursor)
	assert.Len(t, st.Posts, 12)
	assert.True(t, st.Exhausted)
}

func TestCreateRequiresAdminOutsideFeedback(t *testing.T) {
	ctx := context.Background()
	in := remote.NewIssue{Title: "Patch 1.3", Labels: []string{"news"}}

	f := newFixture(t, identity{user: "bob"}, Settings{Scope: "news", Labels: []string{"news"}})
	_, err := f.ctl.Create(ctx, in)
	assert.ErrorIs(t, err, ErrForbidden)

	f = newFixture(t, identity{}, Settings{Scope: "feedback", OpenSubmission: true})
	_, err = f.ctl.Create(ctx, in)
	assert.ErrorIs(t, err, ErrForbidden)

	f = newFixture(t, identity{user: "bob"}, Settings{Scope: "feedback", Labels: []string{"feedback"}, OpenSubmission: true})
	created, err := f.ctl.Create(ctx, in)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"news", "feedback"}, created.Labels)
}

func TestCreateInvalidatesCaches(t *testing.T) {
	f := newFixture(t, identity{user: "alice", admin: true}, Settings{Scope: "news", Labels: []string{"news"}})
	f.remote.posts = makePosts(3)
	ctx := context.Background()
	require.NoError(t, f.ctl.LoadPage(ctx, 1, true))
	require.NoError(t, f.cache.Set(PageKey("news", 2), []byte(`[]`)))
	require.NoError(t, f.cache.Set(feed.CacheKey, []byte(`[]`)))
	require.NoError(t, f.cache.Set(PageKey("feedback", 1), []byte(`[]`)))

	created, err := f.ctl.Create(ctx, remote.NewIssue{Title: "Patch 1.3"})
	require.NoError(t, err)

	keys, err := f.session.Keys("")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"issues_feedback_page_1", "issues_feedback_page_1_time"}, keys)
	assert.Equal(t, created.Number, f.ctl.State().Posts[0].Number)
}

func TestUpdateByAuthorOnly(t *testing.T) {
	f := newFixture(t, identity{user: "carol"}, Settings{Scope: "feedback", OpenSubmission: true})
	f.remote.posts = makePosts(2)
	ctx := context.Background()
	require.NoError(t, f.ctl.LoadPage(ctx, 1, true))

	title := "renamed"
	_, err := f.ctl.Update(ctx, 1, remote.IssuePatch{Title: &title})
	assert.ErrorIs(t, err, ErrForbidden)

	f = newFixture(t, identity{user: "Bob"}, Settings{Scope: "feedback", OpenSubmission: true})
	f.remote.posts = makePosts(2)
	require.NoError(t, f.ctl.LoadPage(ctx, 1, true))
	updated, err := f.ctl.Update(ctx, 1, remote.IssuePatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	p, ok := f.ctl.Find(1)
	require.True(t, ok)
	assert.Equal(t, "renamed", p.Title)
}

func TestCloseRemovesFromView(t *testing.T) {
	f := newFixture(t, identity{user: "alice", admin: true}, Settings{Scope: "news"})
	f.remote.posts = makePosts(3)
	ctx := context.Background()
	require.NoError(t, f.ctl.LoadPage(ctx, 1, true))
	require.NoError(t, f.cache.Set(feed.CacheKey, []byte(`[]`)))

	require.NoError(t, f.ctl.Close(ctx, 2))
	st := f.ctl.State()
	require.Len(t, st.Posts, 2)
	for _, p := range st.Posts {
		assert.NotEqual(t, 2, p.Number)
	}
	_, ok := f.cache.Get(feed.CacheKey)
	assert.False(t, ok)
}

type authSpy struct{ calls int }

func (a *authSpy) HandleAuthFailure(err error) bool {
	a.calls++
	return remote.IsUnauthorized(err)
}

func TestWriteFailureForwardedToAuth(t *testing.T) {
	spy := &authSpy{}
	f := newFixture(t, identity{user: "alice", admin: true}, Settings{Scope: "news"})
	f.ctl = New(f.remote, identity{user: "alice", admin: true}, f.cache, Settings{Scope: "news"}, WithAuthFailureHandler(spy))
	f.remote.err = &remote.RemoteError{Kind: remote.KindUnauthorized, StatusCode: 401}

	_, err := f.ctl.Create(context.Background(), remote.NewIssue{Title: "x"})
	require.Error(t, err)
	assert.True(t, remote.IsUnauthorized(err))
	assert.Equal(t, 1, spy.calls)
}

// A full page that loses a pull request to filtering is still followed by
// the next page, including when it is served from the cache.
func TestPageWithPullRequestIsNotExhausted(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		if page != "1" {
			fmt.Fprint(w, `[{"number": 11, "title": "post 11", "state": "open", "user": {"login": "bob"}}]`)
			return
		}
		items := make([]string, 0, 10)
		for i := 1; i <= 9; i++ {
			items = append(items, fmt.Sprintf(`{"number": %d, "title": "post %d", "state": "open", "user": {"login": "bob"}}`, i, i))
		}
		items = append(items, `{"number": 10, "title": "a PR", "state": "open", "user": {"login": "bob"}, "pull_request": {"url": "x"}}`)
		w.Header().Set("Link", `<`+"http://"+r.Host+`/repos/emberlight/site/issues?page=2>; rel="next"`)
		fmt.Fprint(w, "["+strings.Join(items, ",")+"]")
	}))
	defer srv.Close()

	session := store.NewMemory()
	c := cache.New(session, 10*time.Minute)
	client := remote.New(srv.URL, "emberlight", "site")
	ctl := New(client, identity{}, c, Settings{Scope: "news", PageSize: 10})
	ctx := context.Background()

	require.NoError(t, ctl.LoadPage(ctx, 1, true))
	st := ctl.State()
	assert.Len(t, st.Posts, 9)
	assert.False(t, st.Exhausted)

	require.NoError(t, ctl.LoadMore(ctx))
	st = ctl.State()
	assert.Len(t, st.Posts, 10)
	assert.True(t, st.Exhausted)
	assert.Equal(t, []string{"1", "2"}, pages)

	// page 1 again, from the cache: the next-page hint survives
	fresh := New(client, identity{}, c, Settings{Scope: "news", PageSize: 10})
	require.NoError(t, fresh.LoadPage(ctx, 1, true))
	assert.False(t, fresh.State().Exhausted)
	assert.Equal(t, []string{"1", "2"}, pages)
}

func TestPageExhaustion(t *testing.T) {
	assert.True(t, cachedPage{Posts: makePosts(3), Fetched: 3}.exhausted(10))
	assert.False(t, cachedPage{Posts: makePosts(9), Fetched: 10}.exhausted(10))
	assert.False(t, cachedPage{Posts: makePosts(3), Fetched: 3, HasNext: true}.exhausted(10))
	assert.False(t, cachedPage{Posts: makePosts(10), Fetched: 10}.exhausted(10))
	assert.True(t, cachedPage{}.exhausted(10))
}
