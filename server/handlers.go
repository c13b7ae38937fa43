// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/session"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// TokenSource supplies stored OAuth credentials; db.TokenStore satisfies it.
type TokenSource interface {
	Get(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
	Upsert(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx        context.Context
	db         *sql.DB
	registry   *session.Registry
	broadcast  *relay.Broadcaster
	tokens     TokenSource
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, reg *session.Registry, bc *relay.Broadcaster, tokens TokenSource) *Handlers {
	return &Handlers{
		ctx:        ctx,
		db:         db,
		registry:   reg,
		broadcast:  bc,
		tokens:     tokens,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		// Don't add the state - this will cause the OAuth flow to fail
		// which is better than a memory exhaustion attack
		return
	}

	h.stateStore[state] = expiry
}
