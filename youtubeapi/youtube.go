// Package youtubeapi wraps the YouTube Data API for the two operations the
// chat session manager needs: resolving a live broadcast to its active chat
// feed, and fetching pages of live chat messages. Credentials are supplied by
// the caller per call and never cached here.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// Sentinel errors for upstream conditions the caller handles distinctly.
// Anything else returned by the API (network failures, 5xx, call timeouts)
// is passed through as-is and treated as transient.
var (
	// ErrNotFound covers both "video does not exist" and "video has no active
	// live chat" on resolve, and "live chat has ended" on fetch.
	ErrNotFound = errors.New("broadcast not found or not live")
	// ErrUnauthorized means the supplied credentials were rejected.
	ErrUnauthorized = errors.New("credentials rejected")
	// ErrRateLimited means the upstream throttled the call.
	ErrRateLimited = errors.New("rate limited by upstream")
)

// Credentials is an opaque OAuth token pair owned by the caller. The client
// only reads it to authenticate individual calls.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// BroadcastHandle describes one live broadcast and the chat feed attached to
// it. Immutable once resolved.
type BroadcastHandle struct {
	VideoID           string
	LiveChatID        string
	Title             string
	ChannelTitle      string
	ThumbnailURL      string
	ConcurrentViewers uint64
}

// ChatItem is one raw live chat message as returned by the API.
type ChatItem struct {
	AuthorName      string
	AuthorChannelID string
	IsModerator     bool
	Text            string
	PublishedAt     time.Time
}

// Page is one page of live chat messages plus the continuation state the
// upstream hands back: the cursor for the next call and the minimum delay it
// asks us to wait before making it.
type Page struct {
	Items             []ChatItem
	NextPageToken     string
	SuggestedInterval time.Duration // zero when the upstream omits it
}

// Client provides the feed operations. The zero value is usable; Timeout
// bounds each individual API call (default 10s) and HTTPClient can be
// injected for tests.
type Client struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Client) service(ctx context.Context, creds Credentials) (*yt.Service, error) {
	if c.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.Expiry,
	})
	return yt.NewService(ctx, option.WithTokenSource(ts))
}

// ResolveBroadcast looks up a video and returns its live chat handle.
// A video that does not exist or has no active live chat returns ErrNotFound;
// that is an expected outcome, not a failure.
func (c *Client) ResolveBroadcast(ctx context.Context, creds Credentials, videoID string) (*BroadcastHandle, error) {
	if videoID == "" {
		return nil, fmt.Errorf("videoID empty")
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Items) == 0 {
		return nil, ErrNotFound
	}
	v := resp.Items[0]
	if v.LiveStreamingDetails == nil || v.LiveStreamingDetails.ActiveLiveChatId == "" {
		return nil, ErrNotFound
	}
	h := &BroadcastHandle{
		VideoID:           videoID,
		LiveChatID:        v.LiveStreamingDetails.ActiveLiveChatId,
		ConcurrentViewers: v.LiveStreamingDetails.ConcurrentViewers,
	}
	if v.Snippet != nil {
		h.Title = v.Snippet.Title
		h.ChannelTitle = v.Snippet.ChannelTitle
		if v.Snippet.Thumbnails != nil && v.Snippet.Thumbnails.Default != nil {
			h.ThumbnailURL = v.Snippet.Thumbnails.Default.Url
		}
	}
	return h, nil
}

// FetchEntries fetches the next page of live chat messages after pageToken
// (empty means "from now"). ErrNotFound signals the chat has ended.
func (c *Client) FetchEntries(ctx context.Context, creds Credentials, liveChatID, pageToken string) (*Page, error) {
	if liveChatID == "" {
		return nil, fmt.Errorf("liveChatID empty")
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	svc, err := c.service(ctx, creds)
	if err != nil {
		return nil, err
	}
	call := svc.LiveChatMessages.List(liveChatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}
	return pageFromResponse(resp), nil
}

func pageFromResponse(resp *yt.LiveChatMessageListResponse) *Page {
	page := &Page{NextPageToken: resp.NextPageToken}
	if resp.PollingIntervalMillis > 0 {
		page.SuggestedInterval = time.Duration(resp.PollingIntervalMillis) * time.Millisecond
	}
	for _, it := range resp.Items {
		if it == nil || it.Snippet == nil {
			continue
		}
		item := ChatItem{Text: it.Snippet.DisplayMessage}
		if t, err := time.Parse(time.RFC3339, it.Snippet.PublishedAt); err == nil {
			item.PublishedAt = t.UTC()
		}
		if it.AuthorDetails != nil {
			item.AuthorName = it.AuthorDetails.DisplayName
			item.AuthorChannelID = it.AuthorDetails.ChannelId
			item.IsModerator = it.AuthorDetails.IsChatModerator
		}
		page.Items = append(page.Items, item)
	}
	return page
}

// classify maps googleapi errors onto the sentinel taxonomy. Unmatched errors
// (network, 5xx, deadline) pass through unchanged and count as transient.
func classify(err error) error {
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return err
	}
	switch ge.Code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case http.StatusForbidden:
		for _, item := range ge.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
				return fmt.Errorf("%w: %v", ErrRateLimited, err)
			}
		}
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
