package hw

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// EventRing is a ring of 64-bit completion events posted by the
// controller and drained by a single consumer. When the
// consumer falls a full ring behind, further events are dropped and
// the overflow flag latches until Reset.
//
// The consumer side is not safe for concurrent use.
type EventRing struct {
	ring []uint64
	mask uint32

	pmu      sync.Mutex
	producer atomic.Uint32
	consumer atomic.Uint32
	overflow atomic.Bool

	// cachedProducer and cachedConsumer avoid an atomic load per
	// event on the consumer side.
	cachedProducer uint32
	cachedConsumer uint32

	notify chan struct{}
}

// NewEventRing allocates a ring. size must be a power of two.
func NewEventRing(size int) (*EventRing, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("event ring size %d is not a power of two", size)
	}
	return &EventRing{
		ring:   make([]uint64, size),
		mask:   uint32(size - 1),
		notify: make(chan struct{}, 1),
	}, nil
}

// Size returns the ring capacity.
func (r *EventRing) Size() int { return len(r.ring) }

// Post appends an event. It returns false and latches the overflow
// flag if the ring is full. Post is safe for concurrent use.
func (r *EventRing) Post(ev Event) bool {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	prod := r.producer.Load()
	if prod-r.consumer.Load() >= uint32(len(r.ring)) {
		r.overflow.Store(true)
		r.kick()
		return false
	}
	r.ring[prod&r.mask] = uint64(ev)
	r.producer.Store(prod + 1)
	r.kick()
	return true
}

func (r *EventRing) kick() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives after events are posted. It
// plays the part of the event queue interrupt.
func (r *EventRing) Notify() <-chan struct{} { return r.notify }

// Peek returns the number of unconsumed events and the index of the
// first. Events are returned once; callers must Release what they
// process.
func (r *EventRing) Peek() (n, index uint32) {
	n = r.cachedProducer - r.cachedConsumer
	if n == 0 {
		r.cachedProducer = r.producer.Load()
		n = r.cachedProducer - r.cachedConsumer
	}
	index = r.cachedConsumer
	r.cachedConsumer += n
	return n, index
}

// Unpeek returns n events that were peeked but not processed, so the
// next Peek sees them again.
func (r *EventRing) Unpeek(n uint32) { r.cachedConsumer -= n }

// Get returns the event at index.
func (r *EventRing) Get(index uint32) Event { return Event(r.ring[index&r.mask]) }

// Release hands n consumed slots back to the producer.
func (r *EventRing) Release(n uint32) {
	r.consumer.Store(r.consumer.Load() + n)
}

// Overflowed reports whether events were dropped since the last
// Reset.
func (r *EventRing) Overflowed() bool { return r.overflow.Load() }

// Reset discards pending events and clears the overflow flag. It must
// only be called while the producer is quiescent.
func (r *EventRing) Reset() {
	p := r.producer.Load()
	r.consumer.Store(p)
	r.cachedProducer = p
	r.cachedConsumer = p
	r.overflow.Store(false)
}
