package events

import (
	"sync"
	"sync/atomic"

	"github.com/moltbunker/stakeledger/internal/ledger"
	"github.com/moltbunker/stakeledger/internal/logging"
)

// DefaultBuffer is the per-subscriber channel capacity used when Subscribe is
// given a non-positive size.
const DefaultBuffer = 64

// Feed fans ledger notifications out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the notification.
type Feed struct {
	mu     sync.RWMutex
	subs   map[uint64]chan ledger.Notification
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[uint64]chan ledger.Notification)}
}

// Subscribe registers a subscriber. The returned cancel func closes the channel
// and is safe to call more than once. Subscribing to a closed feed returns an
// already closed channel.
func (f *Feed) Subscribe(buffer int) (<-chan ledger.Notification, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan ledger.Notification, buffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	count := len(f.subs)
	f.mu.Unlock()

	logging.Debug("event subscriber added",
		"subscribers", count,
		logging.Component("events"))

	var once sync.Once
	return ch, func() {
		once.Do(func() { f.remove(id) })
	}
}

func (f *Feed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}

// Publish implements ledger.NotificationSink.
func (f *Feed) Publish(n ledger.Notification) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	f.published.Add(1)

	for _, ch := range f.subs {
		select {
		case ch <- n:
		default:
			f.dropped.Add(1)
			logging.Warn("event subscriber too slow, notification dropped",
				"kind", string(n.Kind),
				logging.Staker(n.Staker),
				logging.Component("events"))
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Published returns how many notifications the feed accepted.
func (f *Feed) Published() uint64 { return f.published.Load() }

// Dropped returns how many per-subscriber deliveries were skipped.
func (f *Feed) Dropped() uint64 { return f.dropped.Load() }

// Close closes every subscriber channel. Later publishes are ignored.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

var _ ledger.NotificationSink = (*Feed)(nil)
