package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/emberlight/studiofeed/internal/types"
)

const (
	DefaultBaseURL = "https://api.github.com"
	acceptHeader   = "application/vnd.github.v3+json"

	// maxListPages bounds comment and reaction pagination per issue.
	maxListPages = 10
	listPageSize = 100
)

// TokenSource returns the current bearer credential, if any.
type TokenSource func() (string, bool)

// Client issues requests against one repository's issues, comments and reactions.
// It never retries; callers own retry policy.
type Client struct {
	baseURL    string
	owner      string
	repo       string
	httpClient *http.Client
	timeout    time.Duration
	token      TokenSource
	limiter    *rate.Limiter
	log        *zap.SugaredLogger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default client (which has a 10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds every request; a timed-out call is a transport error.
// It applies to a copy of the HTTP client, whatever the option order.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithTokenSource attaches the bearer credential to requests when present.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// WithRateLimit paces outgoing requests. rps <= 0 disables pacing.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a client for owner/repo
func New(baseURL, owner, repo string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		owner:      owner,
		repo:       repo,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		token:      func() (string, bool) { return "", false },
		log:        zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c
}

// IssueQuery filters ListIssues
type IssueQuery struct {
	State   string // "open" (default), "closed" or "all"
	Labels  []string
	PerPage int
	Page    int
}

// IssuePage is one page of ListIssues results
type IssuePage struct {
	Issues []types.Post
	// Fetched counts every item the store returned, including skipped pull requests.
	Fetched int
	HasNext bool
}

// NewIssue is the payload for CreateIssue
type NewIssue struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// IssuePatch is the payload for UpdateIssue; nil fields are left unchanged.
type IssuePatch struct {
	Title  *string   `json:"title,omitempty"`
	Body   *string   `json:"body,omitempty"`
	Labels *[]string `json:"labels,omitempty"`
	State  *string   `json:"state,omitempty"`
}

type apiUser struct {
	Login string `json:"login"`
}

type apiLabel struct {
	Name string `json:"name"`
}

type apiIssue struct {
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	User        apiUser         `json:"user"`
	CreatedAt   time.Time       `json:"created_at"`
	State       string          `json:"state"`
	Labels      []apiLabel      `json:"labels"`
	Comments    int             `json:"comments"`
	HTMLURL     string          `json:"html_url"`
	PullRequest json.RawMessage `json:"pull_request,omitempty"`
}

type apiComment struct {
	ID        int64     `json:"id"`
	User      apiUser   `json:"user"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type apiReaction struct {
	ID      int64   `json:"id"`
	User    apiUser `json:"user"`
	Content string  `json:"content"`
}

type apiError struct {
	Message string `json:"message"`
}

func (i apiIssue) toPost() types.Post {
	labels := make([]string, len(i.Labels))
	for j, l := range i.Labels {
		labels[j] = l.Name
	}
	return types.Post{
		Number:    i.Number,
		Title:     i.Title,
		Body:      i.Body,
		Author:    i.User.Login,
		CreatedAt: i.CreatedAt,
		State:     i.State,
		Labels:    labels,
		Comments:  i.Comments,
		URL:       i.HTMLURL,
	}
}

func (c apiComment) toComment(issue int) types.Comment {
	return types.Comment{
		ID:         strconv.FormatInt(c.ID, 10),
		PostNumber: issue,
		Author:     c.User.Login,
		Body:       c.Body,
		CreatedAt:  c.CreatedAt,
	}
}

func (r apiReaction) toReaction(issue int) types.Reaction {
	return types.Reaction{
		ID:         strconv.FormatInt(r.ID, 10),
		PostNumber: issue,
		Content:    types.ReactionContent(r.Content),
		User:       r.User.Login,
	}
}

// call describes one request
type call struct {
	method string
	path   string
	query  url.Values
	body   any
	out    any
	// token, when non-nil, overrides the token source
	token *string
}

func (c *Client) repoPath(format string, args ...any) string {
	return fmt.Sprintf("/repos/%s/%s", url.PathEscape(c.owner), url.PathEscape(c.repo)) + fmt.Sprintf(format, args...)
}

func (c *Client) do(ctx context.Context, cl call) (http.Header, error) {
	op := cl.method + " " + cl.path

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, transportError(op, err)
		}
	}

	var reqBody io.Reader
	if cl.body != nil {
		jsonBody, err := json.Marshal(cl.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	u := c.baseURL + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", acceptHeader)
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, ok := c.token()
	if cl.token != nil {
		token, ok = *cl.token, *cl.token != ""
	}
	if ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debugw("remote call failed", "op", op, "err", err)
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(op, err)
	}
	c.log.Debugw("remote call", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		return nil, statusError(resp.StatusCode, apiErr.Message)
	}

	if cl.out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, cl.out); err != nil {
			return nil, &RemoteError{
				Kind:       KindRejected,
				StatusCode: resp.StatusCode,
				Message:    "malformed response from " + op,
				Err:        err,
			}
		}
	}

	return resp.Header, nil
}

// CurrentUser validates token and returns the login it belongs to.
func (c *Client) CurrentUser(ctx context.Context, token string) (string, error) {
	var user apiUser
	if _, err := c.do(ctx, call{method: http.MethodGet, path: "/user", out: &user, token: &token}); err != nil {
		return "", err
	}
	if user.Login == "" {
		return "", &RemoteError{Kind: KindUnauthorized, StatusCode: http.StatusOK, Message: "credential has no associated user"}
	}
	return user.Login, nil
}

// ListIssues returns one page of issues matching q. Pull requests are skipped.
func (c *Client) ListIssues(ctx context.Context, q IssueQuery) (*IssuePage, error) {
	query := url.Values{}
	state := q.State
	if state == "" {
		state = types.StateOpen
	}
	query.Set("state", state)
	if len(q.Labels) > 0 {
		query.Set("labels", strings.Join(q.Labels, ","))
	}
	if q.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(q.PerPage))
	}
	if q.Page > 0 {
		query.Set("page", strconv.Itoa(q.Page))
	}

	var raw []apiIssue
	header, err := c.do(ctx, call{method: http.MethodGet, path: c.repoPath("/issues"), query: query, out: &raw})
	if err != nil {
		return nil, err
	}

	page := &IssuePage{Issues: make([]types.Post, 0, len(raw)), Fetched: len(raw)}
	for _, issue := range raw {
		if len(issue.PullRequest) > 0 && string(issue.PullRequest) != "null" {
			continue
		}
		page.Issues = append(page.Issues, issue.toPost())
	}
	_, page.HasNext = parseLink(header.Get("Link"))["next"]
	return page, nil
}

// GetIssue fetches a single issue by number
func (c *Client) GetIssue(ctx context.Context, number int) (*types.Post, error) {
	var raw apiIssue
	if _, err := c.do(ctx, call{method: http.MethodGet, path: c.repoPath("/issues/%d", number), out: &raw}); err != nil {
		return nil, err
	}
	p := raw.toPost()
	return &p, nil
}

// CreateIssue opens a new issue
func (c *Client) CreateIssue(ctx context.Context, in NewIssue) (*types.Post, error) {
	var raw apiIssue
	if _, err := c.do(ctx, call{method: http.MethodPost, path: c.repoPath("/issues"), body: in, out: &raw}); err != nil {
		return nil, err
	}
	p := raw.toPost()
	return &p, nil
}

// UpdateIssue patches an issue's title, body, labels or state
func (c *Client) UpdateIssue(ctx context.Context, number int, patch IssuePatch) (*types.Post, error) {
	var raw apiIssue
	if _, err := c.do(ctx, call{method: http.MethodPatch, path: c.repoPath("/issues/%d", number), body: patch, out: &raw}); err != nil {
		return nil, err
	}
	p := raw.toPost()
	return &p, nil
}

// CloseIssue transitions an issue to closed. Issues are never deleted.
func (c *Client) CloseIssue(ctx context.Context, number int) (*types.Post, error) {
	closed := types.StateClosed
	return c.UpdateIssue(ctx, number, IssuePatch{State: &closed})
}

// ListComments returns every comment on an issue, oldest first
func (c *Client) ListComments(ctx context.Context, number int) ([]types.Comment, error) {
	var comments []types.Comment
	for page := 1; page <= maxListPages; page++ {
		var raw []apiComment
		header, err := c.do(ctx, call{
			method: http.MethodGet,
			path:   c.repoPath("/issues/%d/comments", number),
			query:  pageQuery(page),
			out:    &raw,
		})
		if err != nil {
			return nil, err
		}
		for _, rc := range raw {
			comments = append(comments, rc.toComment(number))
		}
		if _, more := parseLink(header.Get("Link"))["next"]; !more {
			break
		}
	}
	return comments, nil
}

// AddComment posts a comment and returns the server's copy
func (c *Client) AddComment(ctx context.Context, number int, body string) (*types.Comment, error) {
	var raw apiComment
	if _, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   c.repoPath("/issues/%d/comments", number),
		body:   map[string]string{"body": body},
		out:    &raw,
	}); err != nil {
		return nil, err
	}
	cm := raw.toComment(number)
	return &cm, nil
}

// ListReactions returns every reaction on an issue
func (c *Client) ListReactions(ctx context.Context, number int) ([]types.Reaction, error) {
	var reactions []types.Reaction
	for page := 1; page <= maxListPages; page++ {
		var raw []apiReaction
		header, err := c.do(ctx, call{
			method: http.MethodGet,
			path:   c.repoPath("/issues/%d/reactions", number),
			query:  pageQuery(page),
			out:    &raw,
		})
		if err != nil {
			return nil, err
		}
		for _, rr := range raw {
			reactions = append(reactions, rr.toReaction(number))
		}
		if _, more := parseLink(header.Get("Link"))["next"]; !more {
			break
		}
	}
	return reactions, nil
}

// AddReaction reacts to an issue. The server answers with the existing
// reaction when the user already holds one of that content.
func (c *Client) AddReaction(ctx context.Context, number int, content types.ReactionContent) (*types.Reaction, error) {
	var raw apiReaction
	if _, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   c.repoPath("/issues/%d/reactions", number),
		body:   map[string]string{"content": string(content)},
		out:    &raw,
	}); err != nil {
		return nil, err
	}
	r := raw.toReaction(number)
	return &r, nil
}

// RemoveReaction deletes one reaction by its server id
func (c *Client) RemoveReaction(ctx context.Context, number int, reactionID string) error {
	id, err := strconv.ParseInt(reactionID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid reaction id %q: %w", reactionID, err)
	}
	_, err = c.do(ctx, call{method: http.MethodDelete, path: c.repoPath("/issues/%d/reactions/%d", number, id)})
	return err
}

func pageQuery(page int) url.Values {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(listPageSize))
	q.Set("page", strconv.Itoa(page))
	return q
}
