package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/emberlight/studiofeed/internal/issues"
	"github.com/emberlight/studiofeed/internal/types"
)

var day = time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)

func TestFeed(t *testing.T) {
	var buf bytes.Buffer
	NewText(&buf).Feed([]types.FeedItem{
		types.PostItem(types.Post{Number: 42, Title: "Patch 1.2", Author: "alice", CreatedAt: day, Body: "Fixes\n\nlots   of things"}),
		types.VideoItem(types.Video{Title: "Devlog 7", Author: "Emberlight", URL: "https://www.youtube.com/watch?v=abc", Published: day.Add(-time.Hour)}),
	})

	out := buf.String()
	assert.Contains(t, out, "1. [post #42] Patch 1.2 (Oct 1, 2026, @alice)")
	assert.Contains(t, out, "   Fixes lots of things\n")
	assert.Contains(t, out, "2. [video] Devlog 7")
	assert.Contains(t, out, "https://www.youtube.com/watch?v=abc")
}

func TestListSkipsLoadingState(t *testing.T) {
	var buf bytes.Buffer
	r := NewText(&buf)
	r.RenderList(issues.State{Scope: "news", Loading: true})
	assert.Empty(t, buf.String())

	r.RenderList(issues.State{Scope: "news", Tab: "all", Cursor: 1, Exhausted: true,
		Posts: []types.Post{{Number: 3, Title: "Hello", Author: "alice", Labels: []string{"news"}}}})
	assert.Contains(t, buf.String(), "#3")
	assert.NotContains(t, buf.String(), "more available")
}

func TestReactionLine(t *testing.T) {
	groups := types.GroupReactions([]types.Reaction{
		{ID: "1", Content: types.ReactionPlusOne, User: "alice"},
		{ID: "temp-x", Content: types.ReactionPlusOne, User: "bob"},
		{ID: "2", Content: types.ReactionRocket, User: "carol"},
	}, "bob")
	assert.Equal(t, "👍 2*…  🚀 1", reactionLine(groups))
	assert.Equal(t, "none", reactionLine(nil))
}

func TestDetailHidesCommentPromptWhenAnonymous(t *testing.T) {
	d := Detail{
		Post:         types.Post{Number: 42, Title: "Patch", Author: "alice", State: types.StateOpen, Body: "![shot](https://i/s.png) body"},
		Comments:     []types.Comment{{ID: "1", Author: "bob", Body: "nice", CreatedAt: day}},
		CommentCount: 1,
	}
	anon := buildDetail(d)
	assert.Contains(t, anon, "image: https://i/s.png")
	assert.Contains(t, anon, "@bob Oct 1, 2026: nice")
	assert.Contains(t, anon, "log in to react or comment")
	assert.NotContains(t, anon, "reply:")

	d.CanComment = true
	assert.Contains(t, buildDetail(d), "reply: studiofeed comment 42 <text>")
}

func TestTruncateIsRuneSafe(t *testing.T) {
	s := strings.Repeat("é", 10)
	assert.Equal(t, s, truncate(s, 10))
	assert.Equal(t, "ééé...", truncate(s, 6))
}
