package wsproto

import "sync"

// Broadcaster fans process-wide lifecycle events (session.created,
// session.destroyed, session.renamed, session.ai_permission_changed,
// session.ai_status_changed) out to every connected client.
// Slow consumers are dropped rather than allowed to back-pressure senders.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[uint64]chan Response
	nextID    uint64
}

// NewBroadcaster creates a ready-to-use Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[uint64]chan Response)}
}

// Subscribe registers a new listener with the given buffer depth.
func (b *Broadcaster) Subscribe(bufSize int) (uint64, <-chan Response) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Response, bufSize)
	b.listeners[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a listener.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.listeners[id]; ok {
		close(ch)
		delete(b.listeners, id)
	}
}

// Publish broadcasts r to every listener, dropping it for any listener
// whose channel is currently full.
func (b *Broadcaster) Publish(r Response) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.listeners {
		select {
		case ch <- r:
		default:
		}
	}
}
