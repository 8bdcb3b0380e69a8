// Package notifier broadcasts finished runs to server-sent event listeners.
package notifier

import (
	"sync"

	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

// Update describes a run that just finished.
type Update struct {
	RunID  string         `json:"run_id"`
	Status core.RunStatus `json:"status"`
	Failed []int          `json:"failed_tfa,omitempty"`
}

// Notifier fans updates out to every subscriber. Each subscriber holds at
// most one pending update; a slow listener sees only the newest.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[chan Update]struct{}
}

// New creates a new Notifier instance.
func New() *Notifier {
	return &Notifier{
		listeners: make(map[chan Update]struct{}),
	}
}

// Subscribe returns a channel receiving updates. The caller must call
// Unsubscribe when done.
func (n *Notifier) Subscribe() chan Update {
	ch := make(chan Update, 1)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener channel and closes it.
func (n *Notifier) Unsubscribe(ch chan Update) {
	n.mu.Lock()
	delete(n.listeners, ch)
	n.mu.Unlock()
	close(ch)
}

// Broadcast sends u to all listeners without blocking, replacing any
// update a listener has not consumed yet.
func (n *Notifier) Broadcast(u Update) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.listeners {
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}
