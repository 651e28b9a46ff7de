package propagator

import (
	"sync"

	"github.com/subsync-io/subsync/internal/domain"
)

// Each subscriber holds at most one pending record. Streams carry whole
// records, so a slow consumer only needs the newest state; intermediate
// states coalesce away.
const subscriberBuffer = 1

// Bus fans entitlement changes out to in-process subscribers, one channel
// per connected stream client. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan *domain.EntitlementRecord]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[chan *domain.EntitlementRecord]struct{}),
	}
}

// Subscribe registers interest in one user's entitlement changes. The
// returned cancel func must be called when the consumer goes away; after
// cancel the channel is closed.
func (b *Bus) Subscribe(userID string) (<-chan *domain.EntitlementRecord, func()) {
	ch := make(chan *domain.EntitlementRecord, subscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[userID]
	if !ok {
		set = make(map[chan *domain.EntitlementRecord]struct{})
		b.subs[userID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		set, ok := b.subs[userID]
		if !ok {
			return
		}
		if _, live := set[ch]; !live {
			return
		}
		delete(set, ch)
		if len(set) == 0 {
			delete(b.subs, userID)
		}
		close(ch)
	}
	return ch, cancel
}

// Publish delivers a record to every subscriber of its user. Delivery
// never blocks: when a subscriber has not consumed the previous record,
// the stale one is displaced so the newest state wins.
func (b *Bus) Publish(rec *domain.EntitlementRecord) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for ch := range b.subs[rec.UserID] {
		select {
		case ch <- rec:
			delivered++
			continue
		default:
		}

		// Buffer full: drop the stale record, then try once more. A racing
		// publisher may have refilled it, in which case the subscriber
		// already holds a record at least as fresh as this one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- rec:
			delivered++
		default:
		}
	}
	return delivered
}

// SubscriberCount reports how many channels are registered for a user.
func (b *Bus) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}
