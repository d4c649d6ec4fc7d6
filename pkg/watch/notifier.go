// Package watch publishes auction-store changes to in-process subscribers
// and fans them out to websocket clients. Domain code talks only to the
// Notifier; the Hub is an HTTP-layer subscriber, so the core stays fully
// usable headless.
package watch

import (
	"sync"

	"github.com/gavelnet/gavel/pkg/auction"
)

// Event is one observed change of an auction record.
type Event struct {
	Type    string           `json:"type"`
	Auction *auction.Auction `json:"auction"`
}

// Event types.
const (
	EventCreated   = "created"
	EventStarted   = "started"
	EventPrice     = "price"
	EventWithdrawn = "withdrawn"
	EventFinished  = "finished"
	EventSynced    = "synced"
)

// Notifier is a fan-out of Events. Publish never blocks: a subscriber that
// stops draining loses events, not the publisher.
type Notifier struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered event channel and an unsubscribe func that
// closes it.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	cancel := func() {
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every live subscriber, dropping on full buffers.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
