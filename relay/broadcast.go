// Package relay fans normalized chat entries out to subscribers. Sessions
// publish through their relay callback; the HTTP layer subscribes per owner
// to stream entries to clients.
package relay

import (
	"sync"

	"github.com/onnwee/chat-relay/session"
)

const subscriberBuffer = 64

// Broadcaster is a per-owner fan-out pub/sub. Publishing never blocks: a
// subscriber whose buffer is full misses the entry. That keeps a slow SSE
// client from stalling the session poll loop.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan session.Entry
	nextID uint64
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[uint64]chan session.Entry)}
}

// Subscribe returns a channel receiving entries published for owner and an
// unsubscribe function. The channel is closed on unsubscribe or Close.
func (b *Broadcaster) Subscribe(owner string) (<-chan session.Entry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan session.Entry, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	if b.subs[owner] == nil {
		b.subs[owner] = make(map[uint64]chan session.Entry)
	}
	b.subs[owner][id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if owners, ok := b.subs[owner]; ok {
			if _, ok := owners[id]; ok {
				delete(owners, id)
				if len(owners) == 0 {
					delete(b.subs, owner)
				}
				close(ch)
			}
		}
	}
	return ch, unsub
}

// Publish delivers e to every subscriber of e.Owner. Entries for owners with
// no subscribers are dropped.
func (b *Broadcaster) Publish(e session.Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e.Owner] {
		select {
		case ch <- e:
		default:
			// subscriber buffer full, drop for that subscriber
		}
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, owners := range b.subs {
		for _, ch := range owners {
			close(ch)
		}
	}
	b.subs = make(map[string]map[uint64]chan session.Entry)
}
