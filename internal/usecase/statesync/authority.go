package statesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"servicebus/internal/domain"
)

const peerQueue = 256

type peer struct {
	id   string
	link Link
	out  *outbox
}

// Authority owns the state tree. It answers snapshot requests, applies the
// mutations replicas send and relays them to every other replica, and
// broadcasts its own local commits.
type Authority struct {
	store  *Store
	logger *slog.Logger

	mu    sync.Mutex
	peers map[*peer]struct{}
	unsub func()
	wg    sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAuthority starts broadcasting local commits of store to attached
// replicas.
func NewAuthority(store *Store, bus domain.EventBus, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authority{
		store:  store,
		logger: logger.With("component", "statesync.authority"),
		peers:  make(map[*peer]struct{}),
		stopCh: make(chan struct{}),
	}
	if bus != nil {
		a.unsub = bus.Subscribe(domain.EventMutation, a.onLocalCommit)
	}
	return a
}

// Attach serves one replica link until it closes or the authority stops.
func (a *Authority) Attach(ctx context.Context, link Link) {
	p := &peer{link: link}
	p.out = newOutbox(link, peerQueue, a.logger, func(error) { link.Close() })

	a.mu.Lock()
	select {
	case <-a.stopCh:
		a.mu.Unlock()
		p.out.close()
		link.Close()
		return
	default:
	}
	a.peers[p] = struct{}{}
	a.wg.Add(1)
	a.mu.Unlock()

	go a.serve(ctx, p)
}

// Peers reports the number of attached replicas.
func (a *Authority) Peers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.peers)
}

func (a *Authority) serve(ctx context.Context, p *peer) {
	defer a.wg.Done()
	defer a.detach(p)

	for {
		msg, err := p.link.Receive(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrLinkClosed) && !errors.Is(err, context.Canceled) {
				a.logger.Warn("replica link failed", "peer", p.id, "error", err)
			}
			return
		}

		switch msg.Kind {
		case KindRegister:
			a.mu.Lock()
			p.id = msg.Peer
			a.mu.Unlock()
			a.logger.Info("replica registered", "peer", msg.Peer)
		case KindSendState:
			a.sendState(p)
		case KindMutation:
			if msg.Mutation == nil {
				continue
			}
			a.applyRemote(ctx, p, *msg.Mutation)
		default:
			a.logger.Debug("ignoring message", "kind", string(msg.Kind), "peer", p.id)
		}
	}
}

// sendState queues the snapshot while commits are paused, so every later
// mutation reaches the replica after it.
func (a *Authority) sendState(p *peer) {
	err := a.store.withCommitsPaused(func() error {
		snap, err := a.store.Snapshot()
		if err != nil {
			return err
		}
		p.out.queue(Message{Kind: KindLoadState, Peer: a.store.Source(), State: snap})
		return nil
	})
	if err != nil {
		a.logger.Error("snapshot failed", "peer", p.id, "error", err)
	}
}

func (a *Authority) applyRemote(ctx context.Context, from *peer, m domain.Mutation) {
	// Relayed before the next commit so relays and local broadcasts keep one
	// order on every link.
	err := a.store.commit(ctx, m, domain.OriginRemote, func(applied domain.Mutation) {
		a.broadcast(applied, from)
	})
	if err != nil {
		a.logger.Warn("replica mutation rejected", "peer", from.id, "type", m.Type, "error", err)
	}
}

func (a *Authority) onLocalCommit(_ context.Context, ev domain.Event) {
	if ev.Mutation.Source != a.store.Source() {
		return
	}
	a.broadcast(ev.Mutation, nil)
}

func (a *Authority) broadcast(m domain.Mutation, except *peer) {
	a.mu.Lock()
	targets := make([]*peer, 0, len(a.peers))
	for p := range a.peers {
		if p != except {
			targets = append(targets, p)
		}
	}
	a.mu.Unlock()

	for _, p := range targets {
		mut := m
		p.out.queue(Message{Kind: KindMutation, Mutation: &mut})
	}
}

func (a *Authority) detach(p *peer) {
	a.mu.Lock()
	delete(a.peers, p)
	a.mu.Unlock()
	p.out.close()
	p.link.Close()
	a.logger.Debug("replica detached", "peer", p.id)
}

// Stop closes every replica link and stops broadcasting.
func (a *Authority) Stop() {
	a.stopOnce.Do(func() {
		if a.unsub != nil {
			a.unsub()
		}
		a.mu.Lock()
		close(a.stopCh)
		peers := make([]*peer, 0, len(a.peers))
		for p := range a.peers {
			peers = append(peers, p)
		}
		a.mu.Unlock()
		for _, p := range peers {
			p.link.Close()
		}
		a.wg.Wait()
	})
}
