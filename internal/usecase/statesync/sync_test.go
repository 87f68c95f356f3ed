package statesync

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicebus/internal/domain"
	"servicebus/internal/infra/logger"
	"servicebus/internal/usecase/eventbus"
)

const waitFor = 2 * time.Second

type node struct {
	store *Store
	bus   *eventbus.Bus
}

func newAuthorityNode(t *testing.T) (*node, *Authority) {
	t.Helper()
	s, bus := newTestStore(t, "authority")
	require.NoError(t, s.RegisterModule("counter", map[string]any{"count": 0}))
	a := NewAuthority(s, bus, logger.Discard())
	t.Cleanup(a.Stop)
	return &node{store: s, bus: bus}, a
}

func startReplica(t *testing.T, a *Authority, source string, opts ReplicaOptions, seed func(*Store)) (*node, *Replica) {
	t.Helper()
	s, bus := newTestStore(t, source)
	if seed != nil {
		seed(s)
	}
	replicaEnd, authorityEnd := NewLocalLinkPair()
	a.Attach(context.Background(), authorityEnd)

	r := NewReplica(s, bus, replicaEnd, logger.Discard(), opts)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.WaitReady(ctx))
	return &node{store: s, bus: bus}, r
}

func count(s *Store) float64 {
	c, ok := s.Get("counter")
	if !ok {
		return -1
	}
	n, _ := c.(map[string]any)["count"].(float64)
	return n
}

func commit(t *testing.T, s *Store, typ string, payload string) {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	require.NoError(t, s.Commit(context.Background(), domain.Mutation{Type: typ, Payload: raw}, domain.OriginLocal))
}

func TestReplicaLoadsSnapshotAndFollowsAuthority(t *testing.T) {
	auth, a := newAuthorityNode(t)
	replica, _ := startReplica(t, a, "replica-1", ReplicaOptions{}, nil)
	assert.Equal(t, float64(0), count(replica.store))

	var republished atomic.Int32
	replica.bus.Subscribe(domain.EventMutation, func(context.Context, domain.Event) { republished.Add(1) })

	commit(t, auth.store, "INCR", "")
	require.Eventually(t, func() bool { return count(replica.store) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, float64(1), count(auth.store))
	assert.Zero(t, republished.Load(), "a relayed mutation is applied, not committed again")
	assert.Equal(t, 1, a.Peers())
}

func TestReplicaCommitReachesAuthorityAndOtherReplicas(t *testing.T) {
	auth, a := newAuthorityNode(t)
	r1, _ := startReplica(t, a, "replica-1", ReplicaOptions{}, nil)
	r2, _ := startReplica(t, a, "replica-2", ReplicaOptions{}, nil)

	commit(t, r1.store, "INCR", "")
	assert.Equal(t, float64(1), count(r1.store), "local commit applies at once")

	require.Eventually(t, func() bool { return count(auth.store) == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return count(r2.store) == 1 }, waitFor, 5*time.Millisecond)

	// A later authority commit reaches r1 after anything relayed earlier, so
	// an echo of r1's own mutation would show up as 3.
	commit(t, auth.store, "INCR", "")
	require.Eventually(t, func() bool { return count(r2.store) == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return count(r1.store) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, float64(2), count(auth.store))
}

func TestMutationsFromOneReplicaKeepOrder(t *testing.T) {
	auth, a := newAuthorityNode(t)
	r1, _ := startReplica(t, a, "replica-1", ReplicaOptions{}, nil)
	r2, _ := startReplica(t, a, "replica-2", ReplicaOptions{}, nil)

	want := make([]any, 0, 50)
	for i := range 50 {
		commit(t, r1.store, "APPEND", string(rune('0'+i%10)))
		want = append(want, float64(i%10))
	}

	list := func(s *Store) []any {
		v, _ := s.Get("list")
		l, _ := v.([]any)
		return l
	}
	require.Eventually(t, func() bool { return len(list(r2.store)) == 50 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, list(auth.store))
	assert.Equal(t, want, list(r2.store))
}

func TestSnapshotKeepsReplicaOnlyModules(t *testing.T) {
	_, a := newAuthorityNode(t)
	replica, _ := startReplica(t, a, "replica-1", ReplicaOptions{}, func(s *Store) {
		require.NoError(t, s.RegisterModule("window", map[string]any{"open": true}))
		require.NoError(t, s.RegisterModule("counter", map[string]any{"count": 42}))
	})

	assert.Equal(t, map[string]any{
		"window":  map[string]any{"open": true},
		"counter": map[string]any{"count": float64(0)},
	}, replica.store.State())
}

func TestBufferedReplicaFlushesInOrder(t *testing.T) {
	auth, a := newAuthorityNode(t)
	replica, r := startReplica(t, a, "replica-1", ReplicaOptions{Buffer: true}, nil)

	for _, v := range []string{`"a"`, `"b"`, `"c"`} {
		commit(t, replica.store, "APPEND", v)
	}
	assert.Equal(t, 3, r.Buffered())
	assert.Never(t, func() bool {
		_, ok := auth.store.Get("list")
		return ok
	}, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, r.Flush())
	assert.Zero(t, r.Buffered())
	require.Eventually(t, func() bool {
		v, _ := auth.store.Get("list")
		l, _ := v.([]any)
		return len(l) == 3
	}, waitFor, 5*time.Millisecond)
	v, _ := auth.store.Get("list")
	assert.Equal(t, []any{"a", "b", "c"}, v)

	require.NoError(t, r.DisableBuffering())
	commit(t, replica.store, "APPEND", `"d"`)
	assert.Zero(t, r.Buffered())
	require.Eventually(t, func() bool {
		v, _ := auth.store.Get("list")
		l, _ := v.([]any)
		return len(l) == 4
	}, waitFor, 5*time.Millisecond)

	r.EnableBuffering()
	commit(t, replica.store, "APPEND", `"e"`)
	assert.Equal(t, 1, r.Buffered())
}

func TestPeriodicFlush(t *testing.T) {
	auth, a := newAuthorityNode(t)
	replica, _ := startReplica(t, a, "replica-1", ReplicaOptions{Buffer: true, FlushInterval: 10 * time.Millisecond}, nil)

	commit(t, replica.store, "INCR", "")
	require.Eventually(t, func() bool { return count(auth.store) == 1 }, waitFor, 5*time.Millisecond)
}

func TestAuthorityRejectsUnknownReplicaMutation(t *testing.T) {
	auth, a := newAuthorityNode(t)
	replicaEnd, authorityEnd := NewLocalLinkPair()
	a.Attach(context.Background(), authorityEnd)
	defer replicaEnd.Close()

	ctx := context.Background()
	require.NoError(t, replicaEnd.Send(ctx, Message{Kind: KindMutation, Mutation: &domain.Mutation{Type: "NOPE", Source: "x", Seq: 1}}))
	require.NoError(t, replicaEnd.Send(ctx, Message{Kind: KindMutation, Mutation: &domain.Mutation{Type: "INCR", Source: "x", Seq: 2}}))

	require.Eventually(t, func() bool { return count(auth.store) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, a.Peers(), "a rejected mutation keeps the link")
}

func TestAuthorityStopClosesReplicaLinks(t *testing.T) {
	_, a := newAuthorityNode(t)
	startReplica(t, a, "replica-1", ReplicaOptions{}, nil)
	require.Equal(t, 1, a.Peers())

	a.Stop()
	assert.Zero(t, a.Peers())

	replicaEnd, authorityEnd := NewLocalLinkPair()
	a.Attach(context.Background(), authorityEnd)
	_, err := replicaEnd.Receive(context.Background())
	assert.ErrorIs(t, err, domain.ErrLinkClosed, "attach after stop closes the link")
}

func TestStreamLinkOverPipe(t *testing.T) {
	auth, a := newAuthorityNode(t)
	replicaConn, authorityConn := net.Pipe()
	a.Attach(context.Background(), NewStreamLink(authorityConn))

	s, bus := newTestStore(t, "replica-1")
	r := NewReplica(s, bus, NewStreamLink(replicaConn), logger.Discard(), ReplicaOptions{})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.WaitReady(ctx))
	assert.Equal(t, float64(0), count(s))

	commit(t, s, "INCR", "")
	require.Eventually(t, func() bool { return count(auth.store) == 1 }, waitFor, 5*time.Millisecond)
}

type stubFrameConn struct {
	frames chan []byte
}

func (c *stubFrameConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *stubFrameConn) WriteFrame(_ context.Context, frame []byte) error {
	c.frames <- frame
	return nil
}

func (c *stubFrameConn) Close() error { return nil }

func TestFrameLink(t *testing.T) {
	conn := &stubFrameConn{frames: make(chan []byte, 2)}
	link := NewFrameLink(conn)
	ctx := context.Background()

	require.NoError(t, link.Send(ctx, Message{Kind: KindSendState, Peer: "p"}))
	msg, err := link.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, Message{Kind: KindSendState, Peer: "p"}, msg)

	conn.frames <- []byte("not json")
	_, err = link.Receive(ctx)
	assert.ErrorIs(t, err, domain.ErrMalformedMessage)
}

func TestLocalLinkClose(t *testing.T) {
	a, b := NewLocalLinkPair()
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Send(context.Background(), Message{Kind: KindRegister}), domain.ErrLinkClosed)
	_, err := b.Receive(context.Background())
	assert.ErrorIs(t, err, domain.ErrLinkClosed)
}
