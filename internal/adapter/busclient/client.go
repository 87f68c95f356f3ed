// Package busclient is the caller side of the service bus. A Client keeps
// one connection to the transport server, matches responses to requests by
// id and routes subscription events to futures and stream listeners.
//
//	c := busclient.New(busclient.PipeDialer{Path: cfg.Transport.PipePath},
//	    busclient.WithConfig(cfg.Client),
//	)
//	sources, err := c.Resource(ctx, "SourcesService")
//	v, err := sources.Call(ctx, "getSource", "abc")
//	settings, err := v.Resource().Call(ctx, "getSettings")
package busclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"servicebus/internal/domain"
	"servicebus/internal/infra/tracer"
)

const (
	defaultPromiseTimeout = 20 * time.Second
	defaultSyncTimeout    = 10 * time.Second
	defaultEventBuffer    = 256

	servicesManagerID = "ServicesManager"
	methodUnsubscribe = "unsubscribe"
)

// Status is the connection state of a Client.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusPending
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type reply struct {
	result domain.Result
	err    error
}

// call is one in-flight request, tied to the connection it was written on.
type call struct {
	conn Conn
	ch   chan reply
}

type promiseEntry struct {
	future *Future
	conn   Conn
	timer  *time.Timer
}

// streamEntry counts the references each connection holds on a stream.
// The server releases references per connection, so unsubscribe goes back
// through the connection that took them.
type streamEntry struct {
	m       *Multicast
	holders map[Conn]int
}

// Client talks to one transport server. It is safe for concurrent use.
type Client struct {
	dialer         Dialer
	logger         *slog.Logger
	promiseTimeout time.Duration
	syncTimeout    time.Duration
	eventBuffer    int

	nextID atomic.Uint64

	mu         sync.Mutex
	status     Status
	conn       Conn
	connecting chan struct{}
	dialErr    error
	syncConn   Conn
	pending    map[domain.RequestID]*call
	futures    map[string]*promiseEntry
	streams    map[string]*streamEntry

	syncMu  sync.Mutex
	writeMu sync.Mutex
	events  chan domain.EventResult

	schemeMu    sync.Mutex
	schemes     map[string]domain.ResourceScheme
	schemeGroup singleflight.Group
	schemeCalls atomic.Int64
}

// New creates a disconnected client. The first request connects it.
func New(dialer Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:         dialer,
		logger:         slog.Default(),
		promiseTimeout: defaultPromiseTimeout,
		syncTimeout:    defaultSyncTimeout,
		eventBuffer:    defaultEventBuffer,
		pending:        make(map[domain.RequestID]*call),
		futures:        make(map[string]*promiseEntry),
		streams:        make(map[string]*streamEntry),
		schemes:        make(map[string]domain.ResourceScheme),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "busclient")
	c.events = make(chan domain.EventResult, c.eventBuffer)
	return c
}

// Status reports the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials the server unless a connection exists. Concurrent callers
// share one dial attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusConnected:
		c.mu.Unlock()
		return nil
	case StatusPending:
		wait := c.connecting
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.status == StatusConnected {
			return nil
		}
		if c.dialErr != nil {
			return c.dialErr
		}
		return domain.NewDomainError("Client.Connect", domain.ErrNotConnected, "")
	}
	c.status = StatusPending
	wait := make(chan struct{})
	c.connecting = wait
	c.mu.Unlock()
	defer close(wait)

	conn, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if err != nil {
		derr := fmt.Errorf("%w: %w", domain.ErrTransport, err)
		c.status = StatusDisconnected
		c.dialErr = derr
		c.mu.Unlock()
		c.logger.Warn("connect failed", "error", err)
		return derr
	}
	if c.status != StatusPending {
		// Disconnect won the race.
		c.mu.Unlock()
		conn.Close()
		return domain.NewDomainError("Client.Connect", domain.ErrNotConnected, "disconnected while dialing")
	}
	c.conn = conn
	c.status = StatusConnected
	c.dialErr = nil
	c.mu.Unlock()

	c.logger.Debug("connected", "peer", conn.Peer())
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the connection, and the sync connection if one is
// open, immediately. In-flight requests and pending subscriptions on them
// are rejected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn, syncConn := c.conn, c.syncConn
	c.conn, c.syncConn = nil, nil
	c.status = StatusDisconnected
	c.mu.Unlock()
	if conn != nil {
		c.fail(conn, domain.ErrNotConnected)
	}
	if syncConn != nil {
		c.fail(syncConn, domain.ErrNotConnected)
	}
}

// Close is Disconnect.
func (c *Client) Close() error {
	c.Disconnect()
	return nil
}

func (c *Client) newID() domain.RequestID {
	return domain.RequestID(strconv.FormatUint(c.nextID.Add(1), 10))
}

// Request invokes method on resourceID and waits for its response. It
// connects first when the client is disconnected. A subscription result is
// registered before Request returns, so no event for it is missed.
func (c *Client) Request(ctx context.Context, resourceID, method string, args ...any) (domain.Result, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, domain.NewDomainError("Client.Request", domain.ErrNotConnected, "")
	}
	return c.requestOn(ctx, conn, "client", resourceID, method, args)
}

func (c *Client) requestOn(ctx context.Context, conn Conn, channel, resourceID, method string, args []any) (domain.Result, error) {
	id := c.newID()
	ctx, span := tracer.StartClientSpan(ctx, "servicebus.client.request",
		tracer.RequestAttrs(channel, string(id), resourceID, method)...)
	defer span.End()

	res, err := c.roundTrip(ctx, conn, id, resourceID, method, args)
	if err != nil {
		span.SetAttributes(tracer.StringAttr(tracer.AttrErrorCode, string(domain.ErrorCodeOf(err))))
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.StringAttr(tracer.AttrResultKind, string(res.Kind())))
	tracer.SetOK(span)
	return res, nil
}

func (c *Client) roundTrip(ctx context.Context, conn Conn, id domain.RequestID, resourceID, method string, args []any) (domain.Result, error) {
	req, err := domain.NewRequest(id, resourceID, method, args...)
	if err != nil {
		return nil, domain.NewDomainError("Client.Request", domain.ErrInvalidParams, err.Error())
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, domain.NewDomainError("Client.Request", domain.ErrInvalidParams, err.Error())
	}

	cl := &call{conn: conn, ch: make(chan reply, 1)}
	c.mu.Lock()
	if conn != c.conn && conn != c.syncConn {
		c.mu.Unlock()
		return nil, domain.NewDomainError("Client.Request", domain.ErrNotConnected, "connection closed")
	}
	c.pending[id] = cl
	c.mu.Unlock()

	if err := c.write(ctx, cl.conn, frame); err != nil {
		// fail answers cl along with every other call on the connection.
		c.fail(cl.conn, err)
	}

	select {
	case r := <-cl.ch:
		return r.result, r.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, conn Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteFrame(ctx, frame)
}

func (c *Client) readLoop(conn Conn) {
	for {
		frame, err := conn.ReadFrame(context.Background())
		if err != nil {
			c.fail(conn, err)
			return
		}
		c.dispatch(conn, frame)
	}
}

// dispatch routes one inbound frame. It runs on the read goroutine only, so
// a subscription is always tracked before the events that follow it.
func (c *Client) dispatch(conn Conn, frame []byte) {
	var resp domain.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	if resp.ID == "" {
		if resp.Error != nil {
			c.logger.Warn("server rejected a frame", "code", resp.Error.Data, "message", resp.Error.Message)
			return
		}
		res, err := domain.DecodeResult(resp.Result)
		if err != nil {
			c.logger.Warn("dropping undecodable event", "error", err)
			return
		}
		if ev, ok := res.(domain.EventResult); ok {
			c.handleEvent(ev)
		}
		return
	}

	c.mu.Lock()
	cl, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown request", "id", string(resp.ID))
		return
	}

	if resp.Error != nil {
		cl.ch <- reply{err: domain.FromWireError(resp.Error)}
		return
	}
	res, err := domain.DecodeResult(resp.Result)
	if err != nil {
		cl.ch <- reply{err: err}
		return
	}
	if sub, ok := res.(domain.SubscriptionResult); ok {
		c.track(conn, sub)
	}
	cl.ch <- reply{result: res}
}

func (c *Client) track(conn Conn, sub domain.SubscriptionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch sub.Emitter {
	case domain.EmitterPromise:
		if _, ok := c.futures[sub.ResourceID]; ok {
			return
		}
		f := newFuture(sub.ResourceID)
		entry := &promiseEntry{future: f, conn: conn}
		entry.timer = time.AfterFunc(c.promiseTimeout, func() { c.expire(sub.ResourceID, f) })
		c.futures[sub.ResourceID] = entry
	case domain.EmitterStream:
		e, ok := c.streams[sub.ResourceID]
		if !ok {
			e = &streamEntry{
				m:       newMulticast(sub.ResourceID, c.eventBuffer),
				holders: make(map[Conn]int),
			}
			c.streams[sub.ResourceID] = e
		}
		e.holders[conn]++
	}
}

// expire drops a promise entry once its bound has passed, rejecting the
// future if no event settled it.
func (c *Client) expire(id string, f *Future) {
	c.mu.Lock()
	if e, ok := c.futures[id]; ok && e.future == f {
		delete(c.futures, id)
	}
	c.mu.Unlock()

	err := domain.NewDomainError(id, domain.ErrSubscriptionTimeout, c.promiseTimeout.String())
	if f.settle(nil, err) {
		c.logger.Warn("promise subscription timed out", "resource", id, "after", c.promiseTimeout)
	}
}

func (c *Client) handleEvent(ev domain.EventResult) {
	switch ev.Emitter {
	case domain.EmitterPromise:
		c.mu.Lock()
		e, ok := c.futures[ev.ResourceID]
		c.mu.Unlock()
		if ok {
			if ev.IsRejected {
				e.future.settle(nil, rejection(ev.ResourceID, ev.Data))
			} else {
				e.future.settle(ev.Data, nil)
			}
		}
	case domain.EmitterStream:
		c.mu.Lock()
		e, ok := c.streams[ev.ResourceID]
		c.mu.Unlock()
		if ok {
			e.m.push(ev.Data)
		}
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Debug("event feed full, dropping", "resource", ev.ResourceID)
	}
}

// fail tears down conn. Every request written on it is rejected on its own
// with ErrTransport, as are the subscriptions it carried.
func (c *Client) fail(conn Conn, cause error) {
	err := fmt.Errorf("%w: %w", domain.ErrTransport, cause)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.status = StatusDisconnected
	}
	if c.syncConn == conn {
		c.syncConn = nil
	}
	var calls []*call
	for id, cl := range c.pending {
		if cl.conn == conn {
			calls = append(calls, cl)
			delete(c.pending, id)
		}
	}
	var futures []*promiseEntry
	for id, e := range c.futures {
		if e.conn == conn {
			futures = append(futures, e)
			delete(c.futures, id)
		}
	}
	var streams []*Multicast
	for id, e := range c.streams {
		if _, held := e.holders[conn]; !held {
			continue
		}
		delete(e.holders, conn)
		if len(e.holders) == 0 {
			streams = append(streams, e.m)
			delete(c.streams, id)
		}
	}
	c.mu.Unlock()

	conn.Close()
	for _, cl := range calls {
		cl.ch <- reply{err: err}
	}
	for _, e := range futures {
		e.timer.Stop()
		e.future.settle(nil, err)
	}
	for _, m := range streams {
		m.close()
	}
	c.logger.Debug("connection closed",
		"cause", cause,
		"rejected_requests", len(calls),
		"rejected_promises", len(futures),
		"closed_streams", len(streams),
	)
}

// Future returns the tracked future of a promise subscription, or nil when
// none is tracked.
func (c *Client) Future(resourceID string) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.futures[resourceID]; ok {
		return e.future
	}
	return nil
}

// Await waits for the event of a promise subscription returned by Request.
func (c *Client) Await(ctx context.Context, sub domain.SubscriptionResult) (json.RawMessage, error) {
	if sub.Emitter != domain.EmitterPromise {
		return nil, domain.NewDomainError("Client.Await", domain.ErrInvalidInput, "not a promise subscription")
	}
	f := c.Future(sub.ResourceID)
	if f == nil {
		return nil, domain.NewDomainError("Client.Await", domain.ErrNotFound, sub.ResourceID)
	}
	data, err := f.Wait(ctx)
	if ctx.Err() == nil {
		c.forgetFuture(sub.ResourceID, f)
	}
	return data, err
}

func (c *Client) forgetFuture(id string, f *Future) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.futures[id]; ok && e.future == f {
		e.timer.Stop()
		delete(c.futures, id)
	}
}

// Subscribe returns the multicast of a stream subscription returned by
// Request.
func (c *Client) Subscribe(sub domain.SubscriptionResult) (*Multicast, error) {
	if sub.Emitter != domain.EmitterStream {
		return nil, domain.NewDomainError("Client.Subscribe", domain.ErrInvalidInput, "not a stream subscription")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.streams[sub.ResourceID]
	if !ok {
		return nil, domain.NewDomainError("Client.Subscribe", domain.ErrNotFound, sub.ResourceID)
	}
	return e.m, nil
}

type holding struct {
	conn Conn
	refs int
}

// Unsubscribe stops local delivery for resourceID, then releases the
// server-side subscription on every connection that holds it. It reports
// whether the server released one.
func (c *Client) Unsubscribe(ctx context.Context, resourceID string) (bool, error) {
	var m *Multicast
	var pe *promiseEntry
	var held []holding

	c.mu.Lock()
	if e, ok := c.streams[resourceID]; ok {
		m = e.m
		for conn, n := range e.holders {
			held = append(held, holding{conn: conn, refs: n})
		}
		delete(c.streams, resourceID)
	}
	if e, ok := c.futures[resourceID]; ok {
		pe = e
		held = append(held, holding{conn: e.conn, refs: 1})
		delete(c.futures, resourceID)
	}
	c.mu.Unlock()

	if m != nil {
		m.close()
	}
	if pe != nil {
		pe.timer.Stop()
		pe.future.settle(nil, domain.NewDomainError(resourceID, domain.ErrPromiseRejected, "unsubscribed"))
	}

	if len(held) == 0 {
		// Not tracked here; the main connection may still hold it.
		res, err := c.Request(ctx, resourceID, methodUnsubscribe)
		if err != nil {
			return false, err
		}
		return isTrue(res), nil
	}

	released := false
	for _, h := range held {
		for i := 0; i < h.refs; i++ {
			res, err := c.requestOn(ctx, h.conn, "client", resourceID, methodUnsubscribe, nil)
			if err != nil {
				return released, err
			}
			released = released || isTrue(res)
		}
	}
	return released, nil
}

func isTrue(res domain.Result) bool {
	var ok bool
	v, isValue := res.(domain.ValueResult)
	return isValue && json.Unmarshal(v.Data, &ok) == nil && ok
}

// UnsubscribeAll releases every subscription this client tracks.
func (c *Client) UnsubscribeAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.streams)+len(c.futures))
	for id := range c.streams {
		ids = append(ids, id)
	}
	for id := range c.futures {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var errs error
	for _, id := range ids {
		if _, err := c.Unsubscribe(ctx, id); err != nil {
			errs = errors.Join(errs, fmt.Errorf("unsubscribe %s: %w", id, err))
		}
	}
	return errs
}

// Events is a feed of every event the client receives, in arrival order.
// Events are dropped when nobody drains it.
func (c *Client) Events() <-chan domain.EventResult { return c.events }

// NextEvent waits for the next event on the Events feed, bounded by the
// promise timeout.
func (c *Client) NextEvent(ctx context.Context) (domain.EventResult, error) {
	timer := time.NewTimer(c.promiseTimeout)
	defer timer.Stop()
	select {
	case ev := <-c.events:
		return ev, nil
	case <-timer.C:
		return domain.EventResult{}, domain.NewDomainError("Client.NextEvent", domain.ErrSubscriptionTimeout, c.promiseTimeout.String())
	case <-ctx.Done():
		return domain.EventResult{}, ctx.Err()
	}
}
