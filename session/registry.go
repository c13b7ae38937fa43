package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/youtubeapi"
)

// Admission errors returned synchronously by StartSession. They are the
// caller's to act on; the registry never retries them.
var (
	// ErrAlreadyActive means the owner already has a session. Stop it first.
	ErrAlreadyActive = errors.New("session already active for owner")
	// ErrCapacity means the global concurrency cap is reached. Not a queue;
	// retry later or free a slot.
	ErrCapacity = errors.New("session capacity reached")
	// ErrBroadcastNotLive means the broadcast does not exist or has no
	// active live chat.
	ErrBroadcastNotLive = errors.New("broadcast not found or not live")
)

// Config carries the session manager knobs. Zero values fall back to the
// defaults the upstream quota contract was tuned for.
type Config struct {
	MaxSessions         int           // global concurrency cap (default 5)
	ErrorThreshold      int           // consecutive failures before giving up (default 5)
	DefaultPollInterval time.Duration // used when upstream omits an interval (default 5s)
	BackoffMultiplier   int           // sleep multiplier after a failed poll (default 2)
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 5
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.DefaultPollInterval <= 0 {
		c.DefaultPollInterval = 5 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	return c
}

// Registry is the single authority over which sessions exist. One per
// process, constructed explicitly and passed to callers.
type Registry struct {
	cfg  Config
	feed FeedClient

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry whose session loops are children of ctx:
// canceling it (process shutdown) stops every loop. Use Close to also wait
// for them to exit.
func NewRegistry(ctx context.Context, cfg Config, feed FeedClient) *Registry {
	rootCtx, rootCancel := context.WithCancel(ctx)
	return &Registry{
		cfg:        cfg.withDefaults(),
		feed:       feed,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		sessions:   make(map[string]*Session),
	}
}

// StartSession admits and launches a polling session for owner. The owner
// slot and capacity are reserved atomically before the broadcast is resolved,
// so concurrent starts can never exceed the cap; the reservation is released
// if resolution fails.
func (r *Registry) StartSession(owner, videoID string, creds youtubeapi.Credentials, onMessage RelayFunc) error {
	if owner == "" {
		return fmt.Errorf("owner empty")
	}
	if videoID == "" {
		return fmt.Errorf("video id empty")
	}
	if onMessage == nil {
		return fmt.Errorf("relay callback required")
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(r.rootCtx)
	s := &Session{
		owner:     owner,
		videoID:   videoID,
		creds:     creds,
		relay:     onMessage,
		startedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.intervalNs.Store(int64(r.cfg.DefaultPollInterval))
	s.lastActivity.Store(now.UnixNano())
	s.active.Store(true)

	r.mu.Lock()
	if _, exists := r.sessions[owner]; exists {
		r.mu.Unlock()
		cancel()
		return ErrAlreadyActive
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		cancel()
		return ErrCapacity
	}
	r.sessions[owner] = s
	r.mu.Unlock()

	handle, err := r.feed.ResolveBroadcast(ctx, creds, videoID)
	if err != nil {
		s.active.Store(false)
		cancel()
		r.remove(owner, s)
		close(s.done)
		if errors.Is(err, youtubeapi.ErrNotFound) {
			return ErrBroadcastNotLive
		}
		return fmt.Errorf("resolve broadcast: %w", err)
	}
	s.liveChatID = handle.LiveChatID

	telemetry.SessionsStarted.Inc()
	telemetry.ActiveSessions.Inc()
	slog.Info("chat session started",
		slog.String("owner", owner),
		slog.String("video_id", videoID),
		slog.String("channel", handle.ChannelTitle),
		slog.String("title", handle.Title),
		slog.Uint64("viewers", handle.ConcurrentViewers),
	)
	go s.run(ctx, r)
	return nil
}

// StopSession signals the owner's session to stop and waits for its loop to
// exit. Idempotent: stopping an unknown owner is a no-op. After it returns,
// a new StartSession for the same owner can succeed.
func (r *Registry) StopSession(owner string) {
	r.mu.Lock()
	s, ok := r.sessions[owner]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

// GetStats returns a point-in-time snapshot for owner, without touching the
// session loop.
func (r *Registry) GetStats(owner string) (Stats, bool) {
	r.mu.Lock()
	s, ok := r.sessions[owner]
	r.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return s.stats(), true
}

// ListAll returns snapshots of every current session, ordered by owner.
func (r *Registry) ListAll() []Stats {
	r.mu.Lock()
	out := make([]Stats, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.stats())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// Close stops every session and waits for all loops to exit. The registry
// must not be used afterwards.
func (r *Registry) Close() {
	r.rootCancel()
	r.mu.Lock()
	waiting := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		waiting = append(waiting, s)
	}
	r.mu.Unlock()
	for _, s := range waiting {
		<-s.done
	}
}

// remove deletes the owner's table entry if it still points at s. The
// pointer comparison keeps a stale loop exit from evicting a successor
// session started for the same owner.
func (r *Registry) remove(owner string, s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[owner]; ok && cur == s {
		delete(r.sessions, owner)
	}
	r.mu.Unlock()
}
