package render

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emberlight/studiofeed/internal/issues"
	"github.com/emberlight/studiofeed/internal/types"
)

const (
	dateLayout   = "Jan 2, 2006"
	excerptLimit = 140
)

// Text renders feeds, lists and post details as plain text
type Text struct {
	mu sync.Mutex
	w  io.Writer
}

// NewText creates a renderer writing to w
func NewText(w io.Writer) *Text {
	return &Text{w: w}
}

func (t *Text) write(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	io.WriteString(t.w, s)
}

// Feed writes the merged news stream
func (t *Text) Feed(items []types.FeedItem) {
	t.write(buildFeed(items))
}

func buildFeed(items []types.FeedItem) string {
	var buf bytes.Buffer
	for i, it := range items {
		switch it.Type {
		case types.FeedItemPost:
			p := it.Post
			fmt.Fprintf(&buf, "%d. [post #%d] %s (%s, @%s)\n", i+1, p.Number, p.Title, it.Date.Format(dateLayout), p.Author)
			if excerpt := excerpt(p.Body); excerpt != "" {
				fmt.Fprintf(&buf, "   %s\n", excerpt)
			}
			if p.URL != "" {
				fmt.Fprintf(&buf, "   %s\n", p.URL)
			}
		case types.FeedItemVideo:
			v := it.Video
			fmt.Fprintf(&buf, "%d. [video] %s (%s, %s)\n", i+1, v.Title, it.Date.Format(dateLayout), v.Author)
			fmt.Fprintf(&buf, "   %s\n", v.URL)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

// RenderList writes the visible posts of a collection
func (t *Text) RenderList(state issues.State) {
	if state.Loading {
		return
	}
	t.write(buildList(state))
}

func buildList(state issues.State) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s (tab: %s, page %d)\n", state.Scope, state.Tab, state.Cursor)
	if len(state.Posts) == 0 {
		buf.WriteString("  no posts\n")
	}
	for _, p := range state.Posts {
		fmt.Fprintf(&buf, "  #%-5d %s  [%s] @%s, %d comments\n", p.Number, p.Title, strings.Join(p.Labels, ", "), p.Author, p.Comments)
	}
	if !state.Exhausted {
		buf.WriteString("  more available\n")
	}
	return buf.String()
}

// RenderReactions writes one line of grouped reactions
func (t *Text) RenderReactions(post int, groups []types.ReactionGroup) {
	t.write(fmt.Sprintf("#%d reactions: %s\n", post, reactionLine(groups)))
}

// RenderComments writes the comment counter
func (t *Text) RenderComments(post int, comments []types.Comment, count int) {
	pending := 0
	for _, c := range comments {
		if types.IsTempID(c.ID) {
			pending++
		}
	}
	line := fmt.Sprintf("#%d comments: %d", post, count)
	if pending > 0 {
		line += fmt.Sprintf(" (%d sending)", pending)
	}
	t.write(line + "\n")
}

// Detail is everything shown for a single post
type Detail struct {
	Post         types.Post
	Groups       []types.ReactionGroup
	Comments     []types.Comment
	CommentCount int
	// CanComment hides the comment prompt for anonymous viewers.
	CanComment bool
}

// Post writes the detail view of a post
func (t *Text) Post(d Detail) {
	t.write(buildDetail(d))
}

func buildDetail(d Detail) string {
	var buf bytes.Buffer
	p := d.Post
	fmt.Fprintf(&buf, "#%d %s\n", p.Number, p.Title)
	fmt.Fprintf(&buf, "by @%s on %s [%s]\n", p.Author, p.CreatedAt.Format(dateLayout), p.State)
	if len(p.Labels) > 0 {
		fmt.Fprintf(&buf, "labels: %s\n", strings.Join(p.Labels, ", "))
	}
	if thumb := p.Thumbnail(); thumb != "" {
		fmt.Fprintf(&buf, "image: %s\n", thumb)
	}
	fmt.Fprintf(&buf, "\n%s\n\n", strings.TrimSpace(p.Body))
	fmt.Fprintf(&buf, "reactions: %s\n", reactionLine(d.Groups))
	fmt.Fprintf(&buf, "comments (%d):\n", d.CommentCount)
	for _, c := range d.Comments {
		fmt.Fprintf(&buf, "  @%s %s: %s\n", c.Author, stamp(c.CreatedAt), c.Body)
	}
	if d.CanComment {
		fmt.Fprintf(&buf, "\nreply: studiofeed comment %d <text>\n", p.Number)
	} else {
		buf.WriteString("\nlog in to react or comment\n")
	}
	return buf.String()
}

// reactionLine renders groups as "👍 2* 🎉 1", where * marks the viewer's own.
func reactionLine(groups []types.ReactionGroup) string {
	if len(groups) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		s := fmt.Sprintf("%s %d", g.Emoji, g.Count)
		if g.Mine {
			s += "*"
		}
		if g.Pending {
			s += "…"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "  ")
}

func excerpt(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	return truncate(body, excerptLimit)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}
