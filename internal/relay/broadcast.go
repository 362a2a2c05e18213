package relay

import (
	"sync"

	"github.com/klingon-exchange/burrow/internal/event"
)

// broadcastBuffer bounds each receiver's backlog. A session that falls this
// far behind misses intermediate events; the live tail is best-effort and
// historical replay through a query stays authoritative.
const broadcastBuffer = 256

// Broadcaster fans freshly saved events out to the relay's live sessions.
type Broadcaster struct {
	mu        sync.RWMutex
	receivers map[chan *event.Event]struct{}
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{receivers: make(map[chan *event.Event]struct{})}
}

// Subscribe registers a bounded receiver channel.
func (b *Broadcaster) Subscribe() chan *event.Event {
	ch := make(chan *event.Event, broadcastBuffer)
	b.mu.Lock()
	b.receivers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a receiver.
func (b *Broadcaster) Unsubscribe(ch chan *event.Event) {
	b.mu.Lock()
	delete(b.receivers, ch)
	b.mu.Unlock()
}

// Publish delivers the event to every receiver that has buffer space left.
func (b *Broadcaster) Publish(ev *event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.receivers {
		select {
		case ch <- ev:
		default:
			// receiver lagged past the bound; drop
		}
	}
}
