package types

import (
	"regexp"
	"strings"
	"time"
)

// Post is an issue-backed content item
type Post struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	State     string    `json:"state"`
	Labels    []string  `json:"labels"`
	Comments  int       `json:"comments"`
	URL       string    `json:"url"`
}

const (
	StateOpen   = "open"
	StateClosed = "closed"
)

var markdownImage = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)`)

// Thumbnail returns the first markdown image referenced in the body, or "".
func (p Post) Thumbnail() string {
	m := markdownImage.FindStringSubmatch(p.Body)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// HasLabel reports whether the post carries the exact label.
func (p Post) HasLabel(label string) bool {
	for _, l := range p.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// LabelValue returns the value of the first "<prefix>:<value>" label.
func (p Post) LabelValue(prefix string) (string, bool) {
	for _, l := range p.Labels {
		if v, ok := strings.CutPrefix(l, prefix+":"); ok {
			return v, true
		}
	}
	return "", false
}

// ReactionContent is one of the eight reaction kinds the remote store accepts.
type ReactionContent string

const (
	ReactionPlusOne  ReactionContent = "+1"
	ReactionMinusOne ReactionContent = "-1"
	ReactionLaugh    ReactionContent = "laugh"
	ReactionConfused ReactionContent = "confused"
	ReactionHeart    ReactionContent = "heart"
	ReactionHooray   ReactionContent = "hooray"
	ReactionRocket   ReactionContent = "rocket"
	ReactionEyes     ReactionContent = "eyes"
)

// ReactionContents lists every reaction kind in display order.
var ReactionContents = []ReactionContent{
	ReactionPlusOne, ReactionMinusOne, ReactionLaugh, ReactionConfused,
	ReactionHeart, ReactionHooray, ReactionRocket, ReactionEyes,
}

var reactionEmoji = map[ReactionContent]string{
	ReactionPlusOne:  "👍",
	ReactionMinusOne: "👎",
	ReactionLaugh:    "😄",
	ReactionConfused: "😕",
	ReactionHeart:    "❤️",
	ReactionHooray:   "🎉",
	ReactionRocket:   "🚀",
	ReactionEyes:     "👀",
}

// Valid reports whether c is a known reaction kind.
func (c ReactionContent) Valid() bool {
	_, ok := reactionEmoji[c]
	return ok
}

// Emoji returns the display glyph for c.
func (c ReactionContent) Emoji() string {
	return reactionEmoji[c]
}

// ParseReactionContent accepts either the remote tag ("+1") or its emoji ("👍").
func ParseReactionContent(s string) (ReactionContent, bool) {
	if c := ReactionContent(s); c.Valid() {
		return c, true
	}
	for c, e := range reactionEmoji {
		if e == s || strings.TrimSuffix(e, "\ufe0f") == s {
			return c, true
		}
	}
	return "", false
}

// TempPrefix marks identifiers generated locally before the server assigns one.
const TempPrefix = "temp-"

// IsTempID reports whether id is a client-side placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// Reaction is a single user's reaction on a post
type Reaction struct {
	ID         string          `json:"id"`
	PostNumber int             `json:"post_number"`
	Content    ReactionContent `json:"content"`
	User       string          `json:"user"`
}

// ReactionGroup is the aggregated view of all reactions of one kind on a post
type ReactionGroup struct {
	Content ReactionContent `json:"content"`
	Emoji   string          `json:"emoji"`
	Count   int             `json:"count"`
	Mine    bool            `json:"mine"`
	Pending bool            `json:"pending"`
}

// GroupReactions collapses reactions into one group per content, in display order.
// Mine is set when user owns one of the reactions in the group.
func GroupReactions(reactions []Reaction, user string) []ReactionGroup {
	byContent := make(map[ReactionContent]*ReactionGroup)
	for _, r := range reactions {
		g, ok := byContent[r.Content]
		if !ok {
			g = &ReactionGroup{Content: r.Content, Emoji: r.Content.Emoji()}
			byContent[r.Content] = g
		}
		g.Count++
		if user != "" && r.User == user {
			g.Mine = true
		}
		if IsTempID(r.ID) {
			g.Pending = true
		}
	}

	groups := make([]ReactionGroup, 0, len(byContent))
	for _, c := range ReactionContents {
		if g, ok := byContent[c]; ok {
			groups = append(groups, *g)
		}
	}
	return groups
}

// Comment is a comment on a post
type Comment struct {
	ID         string    `json:"id"`
	PostNumber int       `json:"post_number"`
	Author     string    `json:"author"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Video is an entry from a channel's video feed
type Video struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	URL       string    `json:"url"`
	Thumbnail string    `json:"thumbnail"`
	Published time.Time `json:"published"`
}

// FeedItemType discriminates FeedItem variants.
type FeedItemType string

const (
	FeedItemPost  FeedItemType = "post"
	FeedItemVideo FeedItemType = "video"
)

// FeedItem is one entry of the merged news stream. Exactly one of Post or Video is set.
type FeedItem struct {
	Type  FeedItemType `json:"type"`
	Date  time.Time    `json:"date"`
	Post  *Post        `json:"post,omitempty"`
	Video *Video       `json:"video,omitempty"`
}

// PostItem wraps p as a feed item dated by its creation time.
func PostItem(p Post) FeedItem {
	return FeedItem{Type: FeedItemPost, Date: p.CreatedAt, Post: &p}
}

// VideoItem wraps v as a feed item dated by its publish time.
func VideoItem(v Video) FeedItem {
	return FeedItem{Type: FeedItemVideo, Date: v.Published, Video: &v}
}
