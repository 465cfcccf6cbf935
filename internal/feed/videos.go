package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"go.uber.org/zap"

	"github.com/emberlight/studiofeed/internal/types"
)

const youtubeFeedURL = "https://www.youtube.com/feeds/videos.xml?channel_id="

// VideoFetcher returns the latest videos of one channel
type VideoFetcher interface {
	FetchChannel(ctx context.Context, channelID string) ([]types.Video, error)
}

// ChannelFeedURL returns the Atom feed URL of a channel.
func ChannelFeedURL(channelID string) string {
	return youtubeFeedURL + url.QueryEscape(channelID)
}

// relayed wraps target in a relay URL, e.g. https://relay/raw?url=<escaped target>.
// An empty relay returns target unchanged.
func relayed(relay, target string) string {
	if relay == "" {
		return target
	}
	return relay + url.QueryEscape(target)
}

// RSSFetcher reads a channel's Atom feed, optionally through a CORS relay.
type RSSFetcher struct {
	relay      string
	httpClient *http.Client
	parser     *gofeed.Parser
}

// NewRSSFetcher creates a fetcher that requests feeds through relay
func NewRSSFetcher(relay string, hc *http.Client) *RSSFetcher {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &RSSFetcher{relay: relay, httpClient: hc, parser: gofeed.NewParser()}
}

func (f *RSSFetcher) FetchChannel(ctx context.Context, channelID string) ([]types.Video, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, relayed(f.relay, ChannelFeedURL(channelID)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed relay returned status %d", resp.StatusCode)
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	videos := make([]types.Video, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		id := extensionValue(item.Extensions, "yt", "videoId")
		if id == "" {
			id = strings.TrimPrefix(item.GUID, "yt:video:")
		}
		if id == "" {
			continue
		}

		v := types.Video{
			ID:        id,
			ChannelID: channelID,
			Title:     item.Title,
			URL:       item.Link,
			Thumbnail: mediaThumbnail(item.Extensions),
		}
		if len(item.Authors) > 0 && item.Authors[0] != nil {
			v.Author = item.Authors[0].Name
		} else {
			v.Author = parsed.Title
		}
		if item.PublishedParsed != nil {
			v.Published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			v.Published = *item.UpdatedParsed
		}
		if v.Thumbnail == "" && item.Image != nil {
			v.Thumbnail = item.Image.URL
		}
		videos = append(videos, normalizeVideo(v))
	}
	return videos, nil
}

func extensionValue(exts ext.Extensions, prefix, name string) string {
	if vals := exts[prefix][name]; len(vals) > 0 {
		return strings.TrimSpace(vals[0].Value)
	}
	return ""
}

// mediaThumbnail reads <media:group><media:thumbnail url="..."/></media:group>.
func mediaThumbnail(exts ext.Extensions) string {
	for _, group := range exts["media"]["group"] {
		for _, thumb := range group.Children["thumbnail"] {
			if u := thumb.Attrs["url"]; u != "" {
				return u
			}
		}
	}
	return ""
}

// normalizeVideo fills the fields both transports can derive from the video ID.
func normalizeVideo(v types.Video) types.Video {
	if v.URL == "" {
		v.URL = "https://www.youtube.com/watch?v=" + v.ID
	}
	if v.Thumbnail == "" {
		v.Thumbnail = "https://i.ytimg.com/vi/" + v.ID + "/hqdefault.jpg"
	}
	return v
}

// JSONFetcher reads a channel through an rss2json-style metadata API.
type JSONFetcher struct {
	api        string
	httpClient *http.Client
}

// NewJSONFetcher creates a fetcher for the API prefix, e.g.
// https://api.rss2json.com/v1/api.json?rss_url=
func NewJSONFetcher(api string, hc *http.Client) *JSONFetcher {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &JSONFetcher{api: api, httpClient: hc}
}

type rss2jsonResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Feed    struct {
		Title string `json:"title"`
	} `json:"feed"`
	Items []struct {
		Title     string `json:"title"`
		PubDate   string `json:"pubDate"`
		Link      string `json:"link"`
		GUID      string `json:"guid"`
		Author    string `json:"author"`
		Thumbnail string `json:"thumbnail"`
	} `json:"items"`
}

// rss2json reports dates in UTC without a zone
const rss2jsonDate = "2006-01-02 15:04:05"

func (f *JSONFetcher) FetchChannel(ctx context.Context, channelID string) ([]types.Video, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, relayed(f.api, ChannelFeedURL(channelID)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed metadata API returned status %d", resp.StatusCode)
	}

	var body rss2jsonResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode feed metadata: %w", err)
	}
	if body.Status != "ok" {
		return nil, fmt.Errorf("feed metadata API: %s", body.Message)
	}

	videos := make([]types.Video, 0, len(body.Items))
	for _, item := range body.Items {
		id := videoIDFromLink(item.Link)
		if id == "" {
			id = strings.TrimPrefix(item.GUID, "yt:video:")
		}
		if id == "" {
			continue
		}
		published, _ := time.ParseInLocation(rss2jsonDate, item.PubDate, time.UTC)
		author := item.Author
		if author == "" {
			author = body.Feed.Title
		}
		videos = append(videos, normalizeVideo(types.Video{
			ID:        id,
			ChannelID: channelID,
			Title:     item.Title,
			Author:    author,
			URL:       item.Link,
			Thumbnail: item.Thumbnail,
			Published: published,
		}))
	}
	return videos, nil
}

func videoIDFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get("v")
}

// FallbackFetcher uses Secondary only when Primary fails for a channel.
type FallbackFetcher struct {
	Primary   VideoFetcher
	Secondary VideoFetcher
	Log       *zap.SugaredLogger
}

func (f *FallbackFetcher) FetchChannel(ctx context.Context, channelID string) ([]types.Video, error) {
	videos, err := f.Primary.FetchChannel(ctx, channelID)
	if err == nil {
		return videos, nil
	}
	if f.Log != nil {
		f.Log.Warnw("primary video transport failed, trying fallback", "channel", channelID, "err", err)
	}
	if f.Secondary == nil {
		return nil, err
	}

	videos, fallbackErr := f.Secondary.FetchChannel(ctx, channelID)
	if fallbackErr != nil {
		return nil, errors.Join(err, fallbackErr)
	}
	return videos, nil
}
