package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicebus/internal/domain"
	"servicebus/internal/infra/logger"
	"servicebus/internal/usecase/eventbus"
)

func setX(state map[string]any, payload json.RawMessage) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return err
	}
	state["x"] = v
	return nil
}

func incr(state map[string]any, _ json.RawMessage) error {
	c, _ := state["counter"].(map[string]any)
	if c == nil {
		c = map[string]any{"count": float64(0)}
		state["counter"] = c
	}
	n, _ := c["count"].(float64)
	c["count"] = n + 1
	return nil
}

func appendItem(state map[string]any, payload json.RawMessage) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return err
	}
	list, _ := state["list"].([]any)
	state["list"] = append(list, v)
	return nil
}

func newTestStore(t *testing.T, source string) (*Store, *eventbus.Bus) {
	t.Helper()
	log := logger.Discard()
	bus := eventbus.New(log)
	t.Cleanup(bus.Close)
	s := NewStore(StoreDeps{Bus: bus, Logger: log, Source: source})
	require.NoError(t, s.RegisterMutation("SET_X", setX))
	require.NoError(t, s.RegisterMutation("INCR", incr))
	require.NoError(t, s.RegisterMutation("APPEND", appendItem))
	return s, bus
}

type mutationLog struct {
	mu  sync.Mutex
	got []domain.Mutation
}

func recordMutations(bus domain.EventBus) *mutationLog {
	l := &mutationLog{}
	bus.Subscribe(domain.EventMutation, func(_ context.Context, ev domain.Event) {
		l.mu.Lock()
		l.got = append(l.got, ev.Mutation)
		l.mu.Unlock()
	})
	return l
}

func (l *mutationLog) all() []domain.Mutation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Mutation(nil), l.got...)
}

func TestLocalCommitIsStampedAndPublished(t *testing.T) {
	s, bus := newTestStore(t, "proc-a")
	published := recordMutations(bus)

	require.NoError(t, s.Commit(context.Background(), domain.Mutation{Type: "SET_X", Payload: json.RawMessage(`1`)}, domain.OriginLocal))
	require.NoError(t, s.Commit(context.Background(), domain.Mutation{Type: "SET_X", Payload: json.RawMessage(`2`)}, domain.OriginLocal))

	got := published.all()
	require.Len(t, got, 2)
	assert.Equal(t, "proc-a", got[0].Source)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)

	x, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, float64(2), x)
}

func TestRemoteCommitIsNotPublished(t *testing.T) {
	s, bus := newTestStore(t, "proc-a")
	published := recordMutations(bus)

	m := domain.Mutation{Type: "SET_X", Payload: json.RawMessage(`"v"`), Source: "proc-b", Seq: 1}
	require.NoError(t, s.Commit(context.Background(), m, domain.OriginRemote))

	x, _ := s.Get("x")
	assert.Equal(t, "v", x)
	assert.Empty(t, published.all())
}

func TestRemoteCommitIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, "proc-a")
	ctx := context.Background()

	m := domain.Mutation{Type: "APPEND", Payload: json.RawMessage(`"a"`), Source: "proc-b", Seq: 1}
	require.NoError(t, s.Commit(ctx, m, domain.OriginRemote))
	require.NoError(t, s.Commit(ctx, m, domain.OriginRemote))

	list, _ := s.Get("list")
	assert.Equal(t, []any{"a"}, list)

	// Same seq from another source is a different mutation.
	other := domain.Mutation{Type: "APPEND", Payload: json.RawMessage(`"b"`), Source: "proc-c", Seq: 1}
	require.NoError(t, s.Commit(ctx, other, domain.OriginRemote))
	list, _ = s.Get("list")
	assert.Equal(t, []any{"a", "b"}, list)
}

func TestSetTwiceConverges(t *testing.T) {
	s, _ := newTestStore(t, "proc-a")
	ctx := context.Background()
	for range 2 {
		require.NoError(t, s.Commit(ctx, domain.Mutation{Type: "SET_X", Payload: json.RawMessage(`5`)}, domain.OriginRemote))
	}
	x, _ := s.Get("x")
	assert.Equal(t, float64(5), x)
}

func TestOwnMutationEchoedBackIsDropped(t *testing.T) {
	s, _ := newTestStore(t, "proc-a")
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, domain.Mutation{Type: "APPEND", Payload: json.RawMessage(`1`)}, domain.OriginLocal))
	echo := domain.Mutation{Type: "APPEND", Payload: json.RawMessage(`1`), Source: "proc-a", Seq: 1}
	require.NoError(t, s.Commit(ctx, echo, domain.OriginRemote))

	list, _ := s.Get("list")
	assert.Equal(t, []any{float64(1)}, list)
}

func TestUnknownMutation(t *testing.T) {
	s, _ := newTestStore(t, "")
	err := s.Commit(context.Background(), domain.Mutation{Type: "NOPE"}, domain.OriginLocal)
	assert.ErrorIs(t, err, domain.ErrMutationUnknown)
	assert.Empty(t, s.State())
}

func TestMutatorError(t *testing.T) {
	s, _ := newTestStore(t, "")
	require.NoError(t, s.RegisterMutation("FAIL", func(map[string]any, json.RawMessage) error {
		return errors.New("boom")
	}))
	err := s.Commit(context.Background(), domain.Mutation{Type: "FAIL"}, domain.OriginLocal)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.ErrorContains(t, err, "boom")
}

func TestFailedMutatorLeavesStateUntouched(t *testing.T) {
	s, bus := newTestStore(t, "")
	log := recordMutations(bus)
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, domain.Mutation{Type: "INCR"}, domain.OriginLocal))
	require.NoError(t, s.Commit(ctx, domain.Mutation{Type: "APPEND", Payload: json.RawMessage(`"a"`)}, domain.OriginLocal))
	before := s.State()

	require.NoError(t, s.RegisterMutation("HALF", func(state map[string]any, _ json.RawMessage) error {
		state["counter"].(map[string]any)["count"] = float64(99)
		state["list"].([]any)[0] = "clobbered"
		state["fresh"] = true
		return errors.New("halfway")
	}))
	err := s.Commit(ctx, domain.Mutation{Type: "HALF"}, domain.OriginLocal)
	require.ErrorContains(t, err, "halfway")

	assert.Equal(t, before, s.State())
	assert.Len(t, log.all(), 2, "failed commit must not be published")
}

func TestRegisterMutationRejectsDuplicates(t *testing.T) {
	s, _ := newTestStore(t, "")
	assert.ErrorIs(t, s.RegisterMutation("SET_X", setX), domain.ErrDuplicate)
	assert.ErrorIs(t, s.RegisterMutation("", setX), domain.ErrInvalidInput)
	assert.ErrorIs(t, s.RegisterMutation(BulkLoadState, setX), domain.ErrDuplicate)
}

func TestBulkLoadMergesKeyByKey(t *testing.T) {
	s, _ := newTestStore(t, "")
	require.NoError(t, s.RegisterModule("local", map[string]any{"open": true}))
	require.NoError(t, s.RegisterModule("counter", map[string]any{"count": 7}))

	m, err := BulkLoadMutation(json.RawMessage(`{"counter":{"count":0},"scenes":["a"]}`))
	require.NoError(t, err)
	require.NoError(t, s.Commit(context.Background(), m, domain.OriginRemote))

	assert.Equal(t, map[string]any{
		"local":   map[string]any{"open": true},
		"counter": map[string]any{"count": float64(0)},
		"scenes":  []any{"a"},
	}, s.State())
}

func TestSetModuleState(t *testing.T) {
	s, _ := newTestStore(t, "")
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, domain.Mutation{
		Type:    SetModuleState,
		Payload: json.RawMessage(`{"module":"scenes","state":["a","b"]}`),
	}, domain.OriginLocal))

	scenes, ok := s.Get("scenes")
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, scenes)

	err := s.Commit(ctx, domain.Mutation{Type: SetModuleState, Payload: json.RawMessage(`{"state":1}`)}, domain.OriginLocal)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRegisterModuleKeepsLoadedState(t *testing.T) {
	s, _ := newTestStore(t, "")
	m, err := BulkLoadMutation(json.RawMessage(`{"counter":{"count":3}}`))
	require.NoError(t, err)
	require.NoError(t, s.Commit(context.Background(), m, domain.OriginRemote))

	require.NoError(t, s.RegisterModule("counter", map[string]any{"count": 0}))
	c, _ := s.Get("counter")
	assert.Equal(t, map[string]any{"count": float64(3)}, c)
}

func TestStateIsACopy(t *testing.T) {
	s, _ := newTestStore(t, "")
	require.NoError(t, s.RegisterModule("counter", map[string]any{"count": 1}))

	st := s.State()
	st["counter"].(map[string]any)["count"] = 99.0
	c, _ := s.Get("counter")
	assert.Equal(t, map[string]any{"count": float64(1)}, c)
}

func TestNewProcessIDIsUnique(t *testing.T) {
	a, b := NewProcessID(), NewProcessID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}

func TestStoreService(t *testing.T) {
	s, bus := newTestStore(t, "proc-a")
	svc, stop := NewStoreService(s, bus)
	defer stop()

	var emitted []any
	svc.Mutations.Subscribe(func(v any) { emitted = append(emitted, v) })

	require.NoError(t, svc.Commit(context.Background(), "INCR", nil))
	assert.Equal(t, map[string]any{"counter": map[string]any{"count": float64(1)}}, svc.GetState())
	assert.Equal(t, map[string]any{"count": float64(1)}, svc.GetModule("counter"))
	assert.Nil(t, svc.GetModule("missing"))

	require.Len(t, emitted, 1)
	assert.Equal(t, "INCR", emitted[0].(domain.Mutation).Type)

	assert.ErrorIs(t, svc.Commit(context.Background(), "NOPE", nil), domain.ErrMutationUnknown)
}
