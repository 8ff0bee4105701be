// Package session carries per-session signals between the sync core and
// the authentication collaborator.
package session

import (
	"sync"
	"time"
)

// ReauthEvent reports that the remote store rejected the session's
// credentials and an interactive login is needed.
type ReauthEvent struct {
	Op     string
	Status int
	At     time.Time
}

// Notifier fans reauthentication events out to subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the event,
// which is fine because any one event is enough to prompt a login.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan ReauthEvent
	closed bool
}

// NewNotifier creates a notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan ReauthEvent)}
}

// Subscribe registers a subscriber and returns its event channel and a
// cancel function. Cancel closes the channel and is safe to call more
// than once.
func (n *Notifier) Subscribe() (<-chan ReauthEvent, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan ReauthEvent, 1)
	if n.closed {
		close(ch)
		return ch, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()

			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
}

// ReauthRequired publishes ev to every subscriber.
func (n *Notifier) ReauthRequired(ev ReauthEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the session: all subscriber channels are closed and later
// subscriptions receive an already-closed channel.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	n.closed = true

	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
