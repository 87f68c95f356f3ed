package statesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"servicebus/internal/domain"
)

// ReplicaOptions tunes how a replica forwards its local commits.
type ReplicaOptions struct {
	// Buffer queues local commits until Flush instead of sending them at
	// once.
	Buffer bool
	// FlushInterval flushes the buffer periodically. Zero flushes only on
	// demand.
	FlushInterval time.Duration
}

// Replica mirrors the authority's state tree. It loads a snapshot when it
// starts, applies the mutations the authority relays and forwards its own
// local commits to the authority.
type Replica struct {
	store  *Store
	bus    domain.EventBus
	link   Link
	logger *slog.Logger
	opts   ReplicaOptions

	out *outbox

	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	buffering bool
	buffer    []domain.Mutation

	unsub    func()
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReplica creates a replica of the authority reachable over link.
func NewReplica(store *Store, bus domain.EventBus, link Link, logger *slog.Logger, opts ReplicaOptions) *Replica {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replica{
		store:     store,
		bus:       bus,
		link:      link,
		logger:    logger.With("component", "statesync.replica"),
		opts:      opts,
		ready:     make(chan struct{}),
		buffering: opts.Buffer,
		stopCh:    make(chan struct{}),
	}
}

// Start registers with the authority and requests its state. Ready is
// closed once the snapshot has been merged.
func (r *Replica) Start(ctx context.Context) error {
	r.out = newOutbox(r.link, peerQueue, r.logger, func(err error) {
		r.logger.Warn("authority link lost", "error", err)
		r.link.Close()
	})
	if r.bus != nil {
		r.unsub = r.bus.Subscribe(domain.EventMutation, r.onLocalCommit)
	}

	peerID := r.store.Source()
	if !r.out.queue(Message{Kind: KindRegister, Peer: peerID}) ||
		!r.out.queue(Message{Kind: KindSendState, Peer: peerID}) {
		return domain.NewDomainError("Replica.Start", domain.ErrLinkClosed, "")
	}

	r.wg.Add(1)
	go r.receive(ctx)

	if r.opts.FlushInterval > 0 {
		r.wg.Add(1)
		go r.flushLoop(r.opts.FlushInterval)
	}
	return nil
}

// Ready is closed once the authority's snapshot has been merged.
func (r *Replica) Ready() <-chan struct{} { return r.ready }

// WaitReady blocks until Ready or ctx ends.
func (r *Replica) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replica) receive(ctx context.Context) {
	defer r.wg.Done()
	for {
		msg, err := r.link.Receive(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrLinkClosed) && !errors.Is(err, context.Canceled) {
				r.logger.Warn("authority link failed", "error", err)
			}
			return
		}

		switch msg.Kind {
		case KindLoadState:
			m, err := BulkLoadMutation(msg.State)
			if err != nil {
				r.logger.Error("snapshot not decodable", "error", err)
				continue
			}
			if err := r.store.Commit(ctx, m, domain.OriginRemote); err != nil {
				r.logger.Error("snapshot not applied", "error", err)
				continue
			}
			r.readyOnce.Do(func() { close(r.ready) })
			r.logger.Info("state loaded", "authority", msg.Peer)
		case KindMutation:
			if msg.Mutation == nil {
				continue
			}
			if err := r.store.Commit(ctx, *msg.Mutation, domain.OriginRemote); err != nil {
				r.logger.Warn("relayed mutation rejected", "type", msg.Mutation.Type, "error", err)
			}
		default:
			r.logger.Debug("ignoring message", "kind", string(msg.Kind))
		}
	}
}

func (r *Replica) onLocalCommit(_ context.Context, ev domain.Event) {
	if ev.Mutation.Source != r.store.Source() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buffering {
		r.buffer = append(r.buffer, ev.Mutation)
		return
	}
	if !r.send(ev.Mutation) {
		r.logger.Warn("mutation not forwarded, link closed", "type", ev.Mutation.Type, "seq", ev.Mutation.Seq)
	}
}

func (r *Replica) send(m domain.Mutation) bool {
	return r.out.queue(Message{Kind: KindMutation, Mutation: &m})
}

// EnableBuffering queues later local commits until Flush.
func (r *Replica) EnableBuffering() {
	r.mu.Lock()
	r.buffering = true
	r.mu.Unlock()
}

// DisableBuffering flushes the buffer and sends later commits at once.
func (r *Replica) DisableBuffering() error {
	r.mu.Lock()
	r.buffering = false
	r.mu.Unlock()
	return r.Flush()
}

// Buffered reports how many mutations wait for Flush.
func (r *Replica) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Flush sends the buffered mutations in commit order.
func (r *Replica) Flush() error {
	// Holding mu keeps a commit that races the flush behind the buffer.
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.buffer {
		if !r.send(m) {
			r.buffer = r.buffer[i:]
			return domain.NewDomainError("Replica.Flush", domain.ErrLinkClosed, "")
		}
	}
	r.buffer = nil
	return nil
}

func (r *Replica) flushLoop(every time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Flush(); err != nil {
				r.logger.Warn("periodic flush failed", "error", err)
				return
			}
		case <-r.stopCh:
			return
		}
	}
}

// Stop closes the link to the authority. Buffered mutations that were not
// flushed are dropped.
func (r *Replica) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.unsub != nil {
			r.unsub()
		}
		if r.out != nil {
			r.out.close()
		}
		r.link.Close()
		r.wg.Wait()
	})
}
