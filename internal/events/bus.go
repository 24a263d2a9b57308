package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler receives a published payload on the publisher's goroutine.
type Handler func(payload any)

// Bus is a lightweight in-process pub/sub broker. Handlers registered with On
// run synchronously, in registration order, before Publish returns. Channel
// subscribers registered with Subscribe are fed without blocking and miss
// events when they fall behind.
type Bus struct {
	log *zap.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[Event][]handlerEntry
	subs     map[Event][]chan any
}

type handlerEntry struct {
	id int
	h  Handler
}

// NewBus creates an event bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:      log.Named("bus"),
		handlers: make(map[Event][]handlerEntry),
		subs:     make(map[Event][]chan any),
	}
}

// On registers a synchronous handler for e and returns a function that
// removes it.
func (b *Bus) On(e Event, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[e] = append(b.handlers[e], handlerEntry{id: id, h: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[e]
		for i, he := range hs {
			if he.id == id {
				b.handlers[e] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish runs the handlers of e in order, then fans the payload out to
// channel subscribers.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	handlers := append([]handlerEntry(nil), b.handlers[e]...)
	b.mu.RUnlock()

	for _, he := range handlers {
		b.dispatch(e, he.h, payload)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}

// dispatch isolates a panicking handler so later handlers still run.
func (b *Bus) dispatch(e Event, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", zap.String("event", string(e)), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	h(payload)
}
