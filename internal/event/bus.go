// Package event queues typed service events and fans them out to
// subscribers from a single dispatch goroutine.
//
// Producers call Publish while holding their own service lock; Publish only
// appends to the queue, so subscribers run outside that lock and may call
// back into the service. Events are delivered in Publish order.
package event

import (
	"sync"

	"github.com/danmuck/syncctl/internal/logging"
	"github.com/rs/zerolog"
)

// Event is delivered by invoking exactly one method of listener L.
type Event[L any] interface {
	Deliver(listener L)
}

// Bus is a per-service subscriber set plus its dispatch queue.
type Bus[L comparable] struct {
	subMu     sync.RWMutex
	listeners []L

	qMu    sync.Mutex
	cond   *sync.Cond
	queue  []Event[L]
	closed bool
	done   chan struct{}

	logger zerolog.Logger
}

func NewBus[L comparable](name string) *Bus[L] {
	b := &Bus[L]{
		done:   make(chan struct{}),
		logger: logging.For("event").With().Str("bus", name).Logger(),
	}
	b.cond = sync.NewCond(&b.qMu)
	go b.run()
	return b
}

// Add registers l. It returns false if l is already registered.
func (b *Bus[L]) Add(l L) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, cur := range b.listeners {
		if cur == l {
			return false
		}
	}
	b.listeners = append(b.listeners, l)
	return true
}

// Remove unregisters l. It returns false if l was not registered.
func (b *Bus[L]) Remove(l L) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for i, cur := range b.listeners {
		if cur == l {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bus[L]) Len() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.listeners)
}

// Publish enqueues ev. It never blocks on subscribers and returns false
// once the bus is closed.
func (b *Bus[L]) Publish(ev Event[L]) bool {
	b.qMu.Lock()
	defer b.qMu.Unlock()
	if b.closed {
		return false
	}
	b.queue = append(b.queue, ev)
	b.cond.Signal()
	return true
}

// Close stops accepting events. Already queued events are still delivered.
func (b *Bus[L]) Close() {
	b.qMu.Lock()
	defer b.qMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cond.Signal()
}

// Done is closed after the last queued event has been delivered.
func (b *Bus[L]) Done() <-chan struct{} {
	return b.done
}

func (b *Bus[L]) run() {
	defer close(b.done)
	for {
		b.qMu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		batch := b.queue
		b.queue = nil
		closed := b.closed
		b.qMu.Unlock()

		for _, ev := range batch {
			b.dispatch(ev)
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

func (b *Bus[L]) dispatch(ev Event[L]) {
	b.subMu.RLock()
	snapshot := append([]L(nil), b.listeners...)
	b.subMu.RUnlock()
	for _, l := range snapshot {
		b.deliver(ev, l)
	}
}

func (b *Bus[L]) deliver(ev Event[L], l L) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msgf("subscriber panicked on %T", ev)
		}
	}()
	ev.Deliver(l)
}
