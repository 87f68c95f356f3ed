package transport

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"servicebus/internal/domain"
)

const writeTimeout = 5 * time.Second

type outbound struct {
	frame []byte
	push  bool
}

// connSub is one subscription held by a connection. Events published before
// the subscription response has been queued wait in backlog so a caller never
// sees an event for an id it has not been told about.
type connSub struct {
	emitter domain.Emitter
	refs    int
	live    bool
	backlog [][]byte
}

// connection is the per-connection state of the server. It implements
// registry.Caller.
type connection struct {
	srv     *Server
	id      uint64
	key     string
	channel string
	conn    Conn

	sendCh    chan outbound
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]*connSub
	all  bool
}

func newConnection(s *Server, id uint64, channel string, conn Conn) *connection {
	return &connection{
		srv:     s,
		id:      id,
		key:     "conn:" + strconv.FormatUint(id, 10),
		channel: channel,
		conn:    conn,
		sendCh:  make(chan outbound, s.cfg.SendQueue),
		done:    make(chan struct{}),
		subs:    make(map[string]*connSub),
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *connection) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		frame, err := c.conn.ReadFrame(ctx)
		if err != nil {
			if !isClosedErr(err) {
				c.srv.logger.Warn("connection read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		c.srv.handleFrame(ctx, c, frame)
	}
}

func (c *connection) writeLoop() {
	pw, canPush := c.conn.(pushWriter)
	for {
		select {
		case <-c.done:
			return
		case out := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			var err error
			if out.push && canPush {
				err = pw.WritePush(ctx, out.frame)
			} else {
				err = c.conn.WriteFrame(ctx, out.frame)
			}
			cancel()
			if err != nil {
				if !isClosedErr(err) {
					c.srv.logger.Warn("connection write failed", "conn_id", c.id, "error", err)
				}
				c.close()
				return
			}
		}
	}
}

// enqueue queues a response, waiting for room. Only the connection's own
// read loop sends responses, so waiting stalls no one else.
func (c *connection) enqueue(frame []byte, push bool) {
	select {
	case c.sendCh <- outbound{frame: frame, push: push}:
	case <-c.done:
	}
}

// push queues an event frame without waiting; it runs on publishing
// goroutines. A connection whose queue is full is closed, so its peer sees
// a transport error instead of a silent gap in the stream.
func (c *connection) push(frame []byte) {
	select {
	case c.sendCh <- outbound{frame: frame, push: true}:
		return
	case <-c.done:
		return
	default:
	}
	c.srv.metrics.Errors.Add(1)
	c.srv.logger.Warn("closing slow connection", "conn_id", c.id, "queue", cap(c.sendCh))
	c.close()
}

func (c *connection) send(resp domain.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		c.srv.logger.Error("response not encodable", "conn_id", c.id, "error", err)
		frame, _ = json.Marshal(domain.NewErrorResponse(resp.ID, domain.ErrMethodThrow))
	}
	c.enqueue(frame, false)
}

func (c *connection) sendResult(id domain.RequestID, res domain.Result) {
	resp, err := domain.NewResultResponse(id, res)
	if err != nil {
		c.send(domain.NewErrorResponse(id, err))
		return
	}
	c.send(resp)
}

// Subscribed records a subscription created by a request on this connection.
// It stays pending until activate is called.
func (c *connection) Subscribed(resourceID string, emitter domain.Emitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[resourceID]; ok {
		sub.refs++
		return
	}
	c.subs[resourceID] = &connSub{emitter: emitter, refs: 1}
}

// activate marks a subscription live once its response is queued and flushes
// any events that arrived in between.
func (c *connection) activate(resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[resourceID]
	if !ok || sub.live {
		return
	}
	sub.live = true
	for _, frame := range sub.backlog {
		c.push(frame)
	}
	flushed := len(sub.backlog) > 0
	sub.backlog = nil
	if flushed && sub.emitter == domain.EmitterPromise {
		delete(c.subs, resourceID)
	}
}

// deliver queues an event if this connection subscribes to its resource.
// Promise subscriptions are dropped after their single event.
func (c *connection) deliver(ev domain.ServiceEvent, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[ev.ResourceID]
	if !ok {
		if c.all {
			c.push(frame)
		}
		return
	}
	if !sub.live {
		sub.backlog = append(sub.backlog, frame)
		return
	}
	c.push(frame)
	if sub.emitter == domain.EmitterPromise {
		delete(c.subs, ev.ResourceID)
	}
}

// release drops one reference this connection holds on resourceID. It
// reports false when the connection holds none.
func (c *connection) release(resourceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[resourceID]
	if !ok {
		return false
	}
	sub.refs--
	if sub.refs <= 0 {
		delete(c.subs, resourceID)
	}
	return true
}

func (c *connection) listenAll() {
	c.mu.Lock()
	c.all = true
	c.mu.Unlock()
}

// streamRefs returns the stream references still held, for release on
// teardown.
func (c *connection) streamRefs() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int)
	for id, sub := range c.subs {
		if sub.emitter == domain.EmitterStream {
			out[id] = sub.refs
		}
	}
	return out
}

func (c *connection) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

type connKey struct{}

func withConnection(ctx context.Context, c *connection) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

func connectionFrom(ctx context.Context) *connection {
	c, _ := ctx.Value(connKey{}).(*connection)
	return c
}
