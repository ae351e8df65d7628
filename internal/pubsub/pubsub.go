// Package pubsub implements the in-process, topic-based publish/subscribe
// bus described in spec §4.1. It decouples producers (the store, the
// Lightning monitor) from subscribers (the invoice generator's rendezvous,
// feed streams) without either side holding a direct reference to the
// other, grounded on original_source/lightning/pubsub.py.
package pubsub

import (
	"sync"

	"github.com/satgateway/gateway/internal/logging"
)

var log = logging.SubLogger("PSUB")

// Callback is invoked synchronously, on the publisher's goroutine, for
// every subscriber whose topic matches a published event.
type Callback func(topic string, payload interface{})

type subscription struct {
	id       uint64
	topic    string
	callback Callback
}

// Bus is a process-local, topic-exact-match publish/subscribe bus. The zero
// value is not usable; construct one with New. Production wires a single
// shared instance; tests construct their own so they can isolate state.
type Bus struct {
	mu            sync.Mutex
	nextID        uint64
	subscriptions map[uint64]subscription
	// order preserves registration order per topic so that, for the same
	// topic, subscribers are invoked in subscribe order.
	order []uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscriptions: make(map[uint64]subscription),
	}
}

// Subscribe registers callback for topic (exact match only; no wildcards)
// and returns an id usable with Unsubscribe. Order of registration for the
// same topic is preserved by Publish.
func (b *Bus) Subscribe(topic string, callback Callback) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscriptions[id] = subscription{id: id, topic: topic, callback: callback}
	b.order = append(b.order, id)
	return id
}

// Unsubscribe removes a subscription if present. Idempotent.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscriptions[id]; !ok {
		return
	}
	delete(b.subscriptions, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish delivers payload synchronously to every subscriber currently
// registered on topic, in registration order. The subscriber set is
// snapshotted under the bus mutex and callbacks are invoked outside of it,
// so a callback may itself Subscribe, Unsubscribe, or Publish without
// deadlocking. A callback that panics is recovered, logged, and does not
// prevent later subscribers in the same Publish from running.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.Lock()
	snapshot := make([]subscription, 0, len(b.order))
	for _, id := range b.order {
		sub, ok := b.subscriptions[id]
		if ok && sub.topic == topic {
			snapshot = append(snapshot, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliver(sub, topic, payload)
	}
}

func (b *Bus) deliver(sub subscription, topic string, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("subscriber %d on topic %s panicked: %v", sub.id, topic, r)
		}
	}()
	sub.callback(topic, payload)
}
