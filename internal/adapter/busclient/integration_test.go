package busclient

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicebus/internal/adapter/transport"
	"servicebus/internal/domain"
	"servicebus/internal/infra/config"
	"servicebus/internal/infra/logger"
	"servicebus/internal/usecase/eventbus"
	"servicebus/internal/usecase/registry"
)

type source struct {
	SourceID string `json:"sourceId"`
	Name     string `json:"name"`
}

func (s *source) ResourceID() string { return domain.NewResourceID("Source", s.SourceID) }

func (s *source) GetSettings() map[string]any {
	return map[string]any{"name": s.Name, "volume": 0.5}
}

type sourcesService struct {
	Updates *domain.Stream `json:"updates"`
	sources map[string]*source
}

func (s *sourcesService) ResourceID() string { return "SourcesService" }

func (s *sourcesService) GetSource(id string) (*source, error) {
	src, ok := s.sources[id]
	if !ok {
		return nil, domain.NewDomainError("SourcesService.getSource", domain.ErrNotFound, id)
	}
	return src, nil
}

func (s *sourcesService) GetSources() []*source {
	out := make([]*source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func (s *sourcesService) Watch() *domain.Stream { return s.Updates }

func (s *sourcesService) Load(ctx context.Context) *domain.Promise {
	return domain.GoPromise(ctx, func(context.Context) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "loaded", nil
	})
}

func (s *sourcesService) Hang() *domain.Promise { return domain.NewPromise() }

type busEnv struct {
	srv     *transport.Server
	reg     *registry.Registry
	sources *sourcesService
}

func newBusEnv(t *testing.T, mutate func(*config.TransportConfig)) *busEnv {
	t.Helper()
	log := logger.Discard()
	bus := eventbus.New(log)
	reg := registry.New(registry.Deps{Bus: bus, Logger: log})
	svc := &sourcesService{
		Updates: domain.NewStream(""),
		sources: map[string]*source{
			"abc": {SourceID: "abc", Name: "Camera"},
			"def": {SourceID: "def", Name: "Mic"},
		},
	}
	require.NoError(t, reg.Register("SourcesService", svc))

	dir, err := os.MkdirTemp("", "sbc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Defaults().Transport
	cfg.PipePath = filepath.Join(dir, "bus.sock")
	if mutate != nil {
		mutate(&cfg)
	}
	srv := transport.NewServer(reg, bus, cfg, log)
	require.NoError(t, srv.Listen(context.Background()))
	t.Cleanup(func() {
		srv.Stop(context.Background())
		reg.Close()
		bus.Close()
	})
	return &busEnv{srv: srv, reg: reg, sources: svc}
}

func (e *busEnv) pipeClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	c := New(PipeDialer{Path: e.srv.Pipe().Path()}, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestScenarioHelperTraversal(t *testing.T) {
	env := newBusEnv(t, nil)
	c := env.pipeClient(t)
	ctx := context.Background()

	sources, err := c.Resource(ctx, "SourcesService")
	require.NoError(t, err)
	assert.Contains(t, sources.Methods(), "getSource")
	assert.Contains(t, sources.Fields(), "updates")

	v, err := sources.Call(ctx, "getSource", "abc")
	require.NoError(t, err)
	require.Equal(t, ValueResource, v.Kind())
	src := v.Resource()
	assert.Equal(t, `Source["abc"]`, src.ID())

	settings, err := src.Call(ctx, "getSettings")
	require.NoError(t, err)
	got, err := Decode[map[string]any](settings)
	require.NoError(t, err)
	assert.Equal(t, "Camera", got["name"])

	name, err := src.Get(ctx, "name")
	require.NoError(t, err)
	n, err := Decode[string](name)
	require.NoError(t, err)
	assert.Equal(t, "Camera", n)
}

func TestSchemeFetchedOncePerType(t *testing.T) {
	env := newBusEnv(t, nil)
	c := env.pipeClient(t)
	ctx := context.Background()

	sources, err := c.Resource(ctx, "SourcesService")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.SchemeRequests())

	list, err := sources.Call(ctx, "getSources")
	require.NoError(t, err)
	require.Equal(t, ValueList, list.Kind())
	require.Len(t, list.List(), 2)
	for _, item := range list.List() {
		require.Equal(t, ValueResource, item.Kind())
	}
	assert.Equal(t, `Source["abc"]`, list.List()[0].Resource().ID())
	assert.Equal(t, `Source["def"]`, list.List()[1].Resource().ID())

	// Two Source helpers, one scheme lookup for the Source type.
	assert.Equal(t, int64(2), c.SchemeRequests())

	_, err = c.Resource(ctx, `Source["abc"]`)
	require.NoError(t, err)
	_, err = sources.Call(ctx, "getSource", "def")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.SchemeRequests())
}

func TestScenarioStreamUnsubscribe(t *testing.T) {
	env := newBusEnv(t, nil)
	c := env.pipeClient(t)
	ctx := context.Background()

	sources, err := c.Resource(ctx, "SourcesService")
	require.NoError(t, err)
	v, err := sources.Call(ctx, "watch")
	require.NoError(t, err)
	require.Equal(t, ValueStream, v.Kind())
	updates := v.Stream().Listen()

	for i := 1; i <= 3; i++ {
		env.sources.Updates.Emit(i)
	}
	for want := 1; want <= 3; want++ {
		select {
		case data := <-updates:
			assert.JSONEq(t, string(rune('0'+want)), string(data))
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", want)
		}
	}

	released, err := c.Unsubscribe(ctx, v.Stream().ResourceID())
	require.NoError(t, err)
	assert.True(t, released)

	env.sources.Updates.Emit(4)
	for data := range updates {
		t.Fatalf("unexpected event after unsubscribe: %s", data)
	}
	assert.Equal(t, 0, env.sources.Updates.Subscribers())
}

func TestPromiseOverPipe(t *testing.T) {
	env := newBusEnv(t, nil)
	c := env.pipeClient(t)
	ctx := context.Background()

	sources, err := c.Resource(ctx, "SourcesService")
	require.NoError(t, err)
	v, err := sources.Call(ctx, "load")
	require.NoError(t, err)
	require.Equal(t, ValueFuture, v.Kind())

	data, err := v.Future().Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"loaded"`, string(data))
}

func TestMethodErrorOverPipe(t *testing.T) {
	env := newBusEnv(t, nil)
	c := env.pipeClient(t)

	_, err := c.Request(context.Background(), "SourcesService", "getSource", "zzz")
	assert.ErrorIs(t, err, domain.ErrMethodThrow)

	_, err = c.Request(context.Background(), "Missing", "x")
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
	assert.Equal(t, StatusConnected, c.Status(), "dispatch errors keep the connection")
}

func TestRequestSyncMatchesAsyncEnvelope(t *testing.T) {
	env := newBusEnv(t, nil)
	c := env.pipeClient(t)

	async, err := c.Request(context.Background(), "SourcesService", "getSource", "abc")
	require.NoError(t, err)
	blocking, err := c.RequestSync("SourcesService", "getSource", "abc")
	require.NoError(t, err)
	assert.Equal(t, async, blocking)

	sources, err := c.Resource(context.Background(), "SourcesService")
	require.NoError(t, err)
	v, err := sources.CallSync("getSource", "def")
	require.NoError(t, err)
	settings, err := v.Resource().CallSync("getSettings")
	require.NoError(t, err)
	got, err := Decode[map[string]any](settings)
	require.NoError(t, err)
	assert.Equal(t, "Mic", got["name"])
}

func TestInProcClient(t *testing.T) {
	env := newBusEnv(t, nil)
	c := New(InProcDialer{Channel: env.srv.InProc()}, WithLogger(logger.Discard()))
	defer c.Close()

	res, err := c.Request(context.Background(), "ServicesManager", "getServiceNames")
	require.NoError(t, err)
	names, err := Decode[[]string](Value{kind: ValuePlain, raw: res.(domain.ValueResult).Data})
	require.NoError(t, err)
	assert.Contains(t, names, "SourcesService")
	assert.Contains(t, names, transport.ServiceName)

	_, err = c.RequestSync("SourcesService", "getSources")
	assert.ErrorIs(t, err, domain.ErrSyncInOwner)
}

func TestWebSocketClient(t *testing.T) {
	env := newBusEnv(t, func(c *config.TransportConfig) {
		c.WebSocketAddr = "127.0.0.1:0"
	})
	c := New(WebSocketDialer{URL: env.srv.WebSocket().URL()}, WithLogger(logger.Discard()))
	defer c.Close()

	sources, err := c.Resource(context.Background(), "SourcesService")
	require.NoError(t, err)
	v, err := sources.Call(context.Background(), "getSource", "abc")
	require.NoError(t, err)
	assert.Equal(t, `Source["abc"]`, v.Resource().ID())
}

func TestServerStopRejectsPendingPromise(t *testing.T) {
	env := newBusEnv(t, nil)
	c := env.pipeClient(t)
	ctx := context.Background()

	res, err := c.Request(ctx, "SourcesService", "hang")
	require.NoError(t, err)
	f := c.Future(res.(domain.SubscriptionResult).ResourceID)
	require.NotNil(t, f)

	require.NoError(t, env.srv.Stop(ctx))

	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, domain.ErrTransport)
	require.Eventually(t, func() bool { return c.Status() == StatusDisconnected }, 2*time.Second, 10*time.Millisecond)
}

func TestCallSyncTracksPromiseAndStream(t *testing.T) {
	env := newBusEnv(t, nil)
	c := env.pipeClient(t)
	ctx := context.Background()

	sources, err := c.Resource(ctx, "SourcesService")
	require.NoError(t, err)

	loaded, err := sources.CallSync("load")
	require.NoError(t, err)
	require.Equal(t, ValueFuture, loaded.Kind())
	data, err := loaded.Future().Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"loaded"`, string(data))

	watched, err := sources.CallSync("watch")
	require.NoError(t, err)
	require.Equal(t, ValueStream, watched.Kind())
	updates := watched.Stream().Listen()

	env.sources.Updates.Emit("first")
	select {
	case data := <-updates:
		assert.JSONEq(t, `"first"`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("stream event from a sync call not delivered")
	}

	// The sync connection holds the subscription, so the release goes there.
	released, err := c.Unsubscribe(ctx, watched.Stream().ResourceID())
	require.NoError(t, err)
	assert.True(t, released)
	require.Eventually(t, func() bool { return env.sources.Updates.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, open := <-updates
	assert.False(t, open)
}

func TestStreamHeldOnBothConnectionsSurvivesOne(t *testing.T) {
	env := newBusEnv(t, nil)
	c := env.pipeClient(t)
	ctx := context.Background()

	async, err := c.Request(ctx, "SourcesService", "watch")
	require.NoError(t, err)
	_, err = c.RequestSync("SourcesService", "watch")
	require.NoError(t, err)

	m, err := c.Subscribe(async.(domain.SubscriptionResult))
	require.NoError(t, err)
	updates := m.Listen()

	// Dropping the sync connection leaves the main connection's reference.
	c.mu.Lock()
	syncConn := c.syncConn
	c.mu.Unlock()
	require.NotNil(t, syncConn)
	syncConn.Close()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.syncConn == nil
	}, 2*time.Second, 10*time.Millisecond)

	env.sources.Updates.Emit(1)
	select {
	case data, ok := <-updates:
		require.True(t, ok, "stream closed with the sync connection")
		assert.JSONEq(t, `1`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered over the main connection")
	}
}
