package handoff

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an ephemeral notification; only subscribers attached when it
// fires ever see it.
type Event struct {
	Topic   string
	Payload Attribute
	FiredAt time.Time
}

// Subscription is one listener on a topic. C holds at most one pending
// event; a slow listener misses events rather than stalling Emit.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	bus   *Bus
	topic string
	id    uint64
	once  sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.topic, s.id)
	})
}

// Bus fans events out to current subscribers by topic.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]*Subscription
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[uint64]*Subscription)}
}

// Subscribe attaches a listener to topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan Event, 1)
	sub := &Subscription{
		C:     ch,
		ch:    ch,
		bus:   b,
		topic: topic,
		id:    b.nextID.Add(1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	byID, ok := b.subs[topic]
	if !ok {
		byID = make(map[uint64]*Subscription)
		b.subs[topic] = byID
	}
	byID[sub.id] = sub
	return sub
}

// Emit delivers ev to subscribers attached right now and returns how many
// received it. Nothing is retained for later subscribers.
func (b *Bus) Emit(ev Event) int {
	if ev.FiredAt.IsZero() {
		ev.FiredAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.subs[ev.Topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribers returns the listener count for topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Dropped returns how many deliveries were skipped on full listeners.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byID := b.subs[topic]
	delete(byID, id)
	if len(byID) == 0 {
		delete(b.subs, topic)
	}
}
