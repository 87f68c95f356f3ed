package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"servicebus/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// routes is an immutable routing table. Writers replace it wholesale, so a
// publish walks a table that no subscribe or unsubscribe can change under it.
type routes struct {
	typed map[domain.EventType][]subscription
	all   []subscription
}

func (r *routes) clone() *routes {
	next := &routes{
		typed: make(map[domain.EventType][]subscription, len(r.typed)),
		all:   r.all,
	}
	for t, subs := range r.typed {
		next.typed[t] = subs
	}
	return next
}

// without returns subs minus the entry with id. The input slice is never
// written to since older tables may still reference it.
func without(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			out := make([]subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}

// Bus is an in-process, goroutine-safe event bus.
//
// Handlers run synchronously on the publishing goroutine, in subscription
// order, so events published from one goroutine are observed in publish
// order by every subscriber. Stream emissions rely on this. A handler may
// publish again or (un)subscribe; it must not wait on another publisher.
type Bus struct {
	writeMu sync.Mutex
	table   atomic.Pointer[routes]
	nextID  atomic.Uint64
	logger  *slog.Logger

	// mu guards closed and active. Publish holds it only to enter and
	// leave, so handlers may publish again.
	mu     sync.Mutex
	idle   *sync.Cond
	closed bool
	active int
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	b := &Bus{logger: logger.With("component", "eventbus")}
	b.idle = sync.NewCond(&b.mu)
	b.table.Store(&routes{typed: make(map[domain.EventType][]subscription)})
	return b
}

// Publish delivers event to the subscribers of its type, then to the
// subscribers of every event. A panicking handler is logged and skipped.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if !b.enter() {
		return
	}
	defer b.leave()

	t := b.table.Load()
	for _, sub := range t.typed[event.Type] {
		b.deliver(ctx, event, sub)
	}
	for _, sub := range t.all {
		b.deliver(ctx, event, sub)
	}
}

func (b *Bus) enter() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.active++
	return true
}

func (b *Bus) leave() {
	b.mu.Lock()
	b.active--
	if b.active == 0 {
		b.idle.Broadcast()
	}
	b.mu.Unlock()
}

func (b *Bus) deliver(ctx context.Context, event domain.Event, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"subscription", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, event)
}

// update applies fn to a copy of the routing table and publishes the copy.
func (b *Bus) update(fn func(*routes)) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	next := b.table.Load().clone()
	fn(next)
	b.table.Store(next)
}

// Subscribe registers a handler for a specific event type.
// Returns an idempotent unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := subscription{id: b.nextID.Add(1), handler: handler}
	b.update(func(r *routes) {
		subs := r.typed[eventType]
		r.typed[eventType] = append(subs[:len(subs):len(subs)], sub)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.update(func(r *routes) {
				rest := without(r.typed[eventType], sub.id)
				if len(rest) == 0 {
					delete(r.typed, eventType)
					return
				}
				r.typed[eventType] = rest
			})
		})
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an idempotent unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := subscription{id: b.nextID.Add(1), handler: handler}
	b.update(func(r *routes) {
		r.all = append(r.all[:len(r.all):len(r.all)], sub)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.update(func(r *routes) { r.all = without(r.all, sub.id) })
		})
	}
}

// Subscribers reports how many handlers an event of the given type reaches,
// counting the subscribers of every event.
func (b *Bus) Subscribers(eventType domain.EventType) int {
	t := b.table.Load()
	return len(t.typed[eventType]) + len(t.all)
}

// Close stops accepting publishes and waits for in-flight ones to return.
// It is safe to call more than once, but not from a handler.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for b.active > 0 {
		b.idle.Wait()
	}
}
