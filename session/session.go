// Package session implements the live chat ingestion session manager: one
// polling session per broadcast owner, coordinated by a Registry that
// enforces a global concurrency cap.
//
// A session owns its poll-sleep-poll loop exclusively. Cursor, interval and
// error counters are mutated only by the loop goroutine; the handful of
// fields the Registry reads for stats snapshots are atomics so snapshots
// never block or interfere with polling.
package session

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/youtubeapi"
)

// Platform is the tag stamped on every normalized entry. This core
// integrates exactly one upstream.
const Platform = "youtube"

// Entry is one normalized chat message, handed to the relay callback the
// moment it is produced and never stored here.
type Entry struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Author      string    `json:"author"`
	Message     string    `json:"message"`
	PublishedAt time.Time `json:"published_at"`
	Platform    string    `json:"platform"`
	Metadata    Metadata  `json:"metadata"`
}

// Metadata carries per-message extras the overlay layer renders with.
type Metadata struct {
	AuthorChannelID string `json:"author_channel_id"`
	Moderator       bool   `json:"moderator"`
	Color           string `json:"color"`
}

// RelayFunc is invoked once per normalized entry, in feed order, from the
// session's own goroutine. It must not block for long; slow consumers delay
// the next poll.
type RelayFunc func(Entry)

// FeedClient is the narrow surface of the YouTube client a session needs.
// youtubeapi.Client satisfies it; tests supply stubs.
type FeedClient interface {
	ResolveBroadcast(ctx context.Context, creds youtubeapi.Credentials, videoID string) (*youtubeapi.BroadcastHandle, error)
	FetchEntries(ctx context.Context, creds youtubeapi.Credentials, liveChatID, pageToken string) (*youtubeapi.Page, error)
}

// Session is one unit of ongoing polling work bound to a single broadcast.
// Created and removed only by the Registry; never reactivated after its loop
// exits.
type Session struct {
	owner      string
	videoID    string
	liveChatID string
	creds      youtubeapi.Credentials
	relay      RelayFunc
	startedAt  time.Time

	cancel context.CancelFunc
	done   chan struct{}

	// Read cross-goroutine for stats; written by the loop (and once at start).
	active       atomic.Bool
	intervalNs   atomic.Int64
	errorCount   atomic.Int32
	lastActivity atomic.Int64 // unix nanos
	relayed      atomic.Int64
}

// Stats is a point-in-time snapshot of one session.
type Stats struct {
	Owner           string        `json:"owner"`
	VideoID         string        `json:"video_id"`
	Active          bool          `json:"active"`
	PollInterval    time.Duration `json:"poll_interval"`
	ErrorCount      int           `json:"error_count"`
	Uptime          time.Duration `json:"uptime"`
	LastActivity    time.Time     `json:"last_activity"`
	MessagesRelayed int64         `json:"messages_relayed"`
}

func (s *Session) stats() Stats {
	return Stats{
		Owner:           s.owner,
		VideoID:         s.videoID,
		Active:          s.active.Load(),
		PollInterval:    time.Duration(s.intervalNs.Load()),
		ErrorCount:      int(s.errorCount.Load()),
		Uptime:          time.Since(s.startedAt),
		LastActivity:    time.Unix(0, s.lastActivity.Load()).UTC(),
		MessagesRelayed: s.relayed.Load(),
	}
}

// run is the poll loop. It exits when ctx is canceled (stop request or
// process shutdown) or when consecutive failures reach the threshold. The
// deferred cleanup removes the session from the registry, so by the time
// StopSession observes the done channel closed the table slot is free.
func (s *Session) run(ctx context.Context, r *Registry) {
	log := slog.Default().With(
		slog.String("owner", s.owner),
		slog.String("video_id", s.videoID),
		slog.String("component", "chat_session"),
	)
	defer func() {
		s.active.Store(false)
		s.cancel()
		r.remove(s.owner, s)
		close(s.done)
		telemetry.ActiveSessions.Dec()
	}()

	cursor := ""
	for {
		if ctx.Err() != nil {
			log.Info("chat session stopped")
			telemetry.SessionsStopped.Inc()
			return
		}
		start := time.Now()
		page, err := r.feed.FetchEntries(ctx, s.creds, s.liveChatID, cursor)
		telemetry.PollDuration.Observe(time.Since(start).Seconds())
		telemetry.PollCycles.Inc()
		if err != nil {
			if ctx.Err() != nil {
				// Canceled mid-call; a stop, not a failure.
				log.Info("chat session stopped")
				telemetry.SessionsStopped.Inc()
				return
			}
			n := int(s.errorCount.Add(1))
			telemetry.PollErrors.Inc()
			log.Warn("chat poll failed", slog.Int("consecutive_errors", n), slog.Any("err", err))
			if n >= r.cfg.ErrorThreshold {
				log.Error("chat session giving up after repeated failures", slog.Int("consecutive_errors", n))
				telemetry.SessionsFailed.Inc()
				return
			}
			backoff := time.Duration(s.intervalNs.Load()) * time.Duration(r.cfg.BackoffMultiplier)
			if !sleep(ctx, backoff) {
				log.Info("chat session stopped")
				telemetry.SessionsStopped.Inc()
				return
			}
			continue
		}

		// Relay in feed order before advancing the cursor.
		for _, item := range page.Items {
			s.relay(normalize(s.owner, item))
		}
		if n := len(page.Items); n > 0 {
			s.relayed.Add(int64(n))
			telemetry.CountRelayed(n)
		}
		cursor = page.NextPageToken
		interval := page.SuggestedInterval
		if interval <= 0 {
			interval = r.cfg.DefaultPollInterval
		}
		s.intervalNs.Store(int64(interval))
		s.errorCount.Store(0)
		s.lastActivity.Store(time.Now().UnixNano())

		if !sleep(ctx, interval) {
			log.Info("chat session stopped")
			telemetry.SessionsStopped.Inc()
			return
		}
	}
}

// sleep waits for d or until ctx is canceled; returns false on cancellation
// so stop latency is bounded by the current network call, not the interval.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func normalize(owner string, item youtubeapi.ChatItem) Entry {
	colorKey := item.AuthorChannelID
	if colorKey == "" {
		colorKey = item.AuthorName
	}
	return Entry{
		ID:          uuid.New().String(),
		Owner:       owner,
		Author:      item.AuthorName,
		Message:     item.Text,
		PublishedAt: item.PublishedAt,
		Platform:    Platform,
		Metadata: Metadata{
			AuthorChannelID: item.AuthorChannelID,
			Moderator:       item.IsModerator,
			Color:           displayColor(colorKey),
		},
	}
}

// authorPalette matches the overlay's default name colors.
var authorPalette = [...]string{
	"#e91e63", "#9c27b0", "#3f51b5", "#2196f3", "#00bcd4",
	"#009688", "#4caf50", "#ff9800", "#ff5722", "#795548",
}

// displayColor picks a stable color per author so overlays render the same
// name in the same color across polls.
func displayColor(key string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return authorPalette[h.Sum32()%uint32(len(authorPalette))]
}
