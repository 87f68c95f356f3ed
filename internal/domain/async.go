package domain

import (
	"context"
	"sync"
)

// Promise is a one-shot asynchronous result. A service method returning a
// *Promise is answered with a Promise subscription, and the settled value is
// pushed to the caller as a single event.
type Promise struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

// NewPromise returns an unsettled promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// GoPromise runs fn in its own goroutine and settles the promise with its result.
func GoPromise(ctx context.Context, fn func(ctx context.Context) (any, error)) *Promise {
	p := NewPromise()
	go func() {
		v, err := fn(ctx)
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	}()
	return p
}

// Resolve settles the promise with v. Only the first settle call has an effect.
func (p *Promise) Resolve(v any) {
	p.once.Do(func() {
		p.value = v
		close(p.done)
	})
}

// Reject settles the promise with err. Only the first settle call has an effect.
func (p *Promise) Reject(err error) {
	if err == nil {
		err = ErrPromiseRejected
	}
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the promise settles.
func (p *Promise) Done() <-chan struct{} { return p.done }

// Result returns the settled value. It must only be called after Done is closed.
func (p *Promise) Result() (any, error) { return p.value, p.err }

// Stream is an ongoing broadcast. A service method (or field) yielding a
// *Stream is answered with a Stream subscription; every Emit after that is
// pushed to subscribers until they unsubscribe.
type Stream struct {
	mu     sync.Mutex
	id     string
	nextID uint64
	subs   []streamSub
}

type streamSub struct {
	id uint64
	fn func(any)
}

// NewStream creates a stream. id may be empty; the registry then names it
// after the resource member that produced it.
func NewStream(id string) *Stream {
	return &Stream{id: id}
}

// ID returns the stream's resource id.
func (s *Stream) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// BindID assigns id if the stream has none yet and returns the effective id.
func (s *Stream) BindID(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		s.id = id
	}
	return s.id
}

// Emit delivers v to every current subscriber, in subscription order.
func (s *Stream) Emit(v any) {
	s.mu.Lock()
	subs := make([]streamSub, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(v)
	}
}

// Subscribe registers fn and returns a function that removes it.
func (s *Stream) Subscribe(fn func(any)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, streamSub{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Subscribers reports how many subscribers the stream currently has.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
