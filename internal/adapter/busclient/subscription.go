package busclient

import (
	"context"
	"encoding/json"
	"sync"

	"servicebus/internal/domain"
)

// Future is the client side of a promise subscription. It settles once, with
// the event's data, with a rejection, or with a timeout.
type Future struct {
	id   string
	done chan struct{}
	once sync.Once
	data json.RawMessage
	err  error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ResourceID returns the promise's synthetic resource id.
func (f *Future) ResourceID() string { return f.id }

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle reports whether this call settled the future.
func (f *Future) settle(data json.RawMessage, err error) bool {
	settled := false
	f.once.Do(func() {
		f.data = data
		f.err = err
		close(f.done)
		settled = true
	})
	return settled
}

func rejection(id string, data json.RawMessage) error {
	var msg string
	if err := json.Unmarshal(data, &msg); err != nil {
		msg = string(data)
	}
	return domain.NewDomainError(id, domain.ErrPromiseRejected, msg)
}

// Multicast fans the events of one stream subscription out to its
// listeners. It lives until the subscription is released.
type Multicast struct {
	id     string
	buffer int

	mu        sync.Mutex
	listeners []chan json.RawMessage
	backlog   []json.RawMessage
	closed    bool
	dropped   int
}

func newMulticast(id string, buffer int) *Multicast {
	return &Multicast{id: id, buffer: buffer}
}

// ResourceID returns the stream's resource id.
func (m *Multicast) ResourceID() string { return m.id }

// Listen returns a channel receiving the stream's events in order. The
// first listener also receives the events that arrived before anyone
// listened. The channel is closed when the subscription is released.
func (m *Multicast) Listen() <-chan json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan json.RawMessage, m.buffer)
	for _, data := range m.backlog {
		ch <- data
	}
	m.backlog = nil
	if m.closed {
		close(ch)
		return ch
	}
	m.listeners = append(m.listeners, ch)
	return ch
}

// Dropped reports how many deliveries were lost to full listeners.
func (m *Multicast) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *Multicast) push(data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if len(m.listeners) == 0 {
		if len(m.backlog) >= m.buffer {
			m.dropped++
			return
		}
		m.backlog = append(m.backlog, data)
		return
	}
	for _, ch := range m.listeners {
		select {
		case ch <- data:
		default:
			m.dropped++
		}
	}
}

func (m *Multicast) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.listeners {
		close(ch)
	}
	m.listeners = nil
}
