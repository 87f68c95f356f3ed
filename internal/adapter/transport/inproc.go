package transport

import (
	"context"
	"io"
	"sync"

	"servicebus/internal/domain"
)

// inprocPipe is one in-process connection: a request lane from the client,
// a response lane and a push message lane back to it.
type inprocPipe struct {
	requests  chan []byte
	responses chan []byte
	messages  chan []byte
	done      chan struct{}
	once      sync.Once
}

func newInprocPipe(queue int) *inprocPipe {
	return &inprocPipe{
		requests:  make(chan []byte, queue),
		responses: make(chan []byte, queue),
		messages:  make(chan []byte, queue),
		done:      make(chan struct{}),
	}
}

func (p *inprocPipe) close() {
	p.once.Do(func() { close(p.done) })
}

func send(ctx context.Context, p *inprocPipe, lane chan []byte, frame []byte) error {
	select {
	case lane <- frame:
		return nil
	case <-p.done:
		return domain.ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InProcChannel serves callers living in the same OS process as the
// registry. Frames are still JSON encoded so both sides see exactly what a
// socket peer would.
type InProcChannel struct {
	queue     int
	accept    chan *inprocPipe
	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// NewInProcChannel creates an in-process channel whose lanes buffer queue
// frames each.
func NewInProcChannel(queue int) *InProcChannel {
	if queue <= 0 {
		queue = 64
	}
	return &InProcChannel{
		queue:  queue,
		accept: make(chan *inprocPipe),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (ch *InProcChannel) Name() string { return "inproc" }

func (ch *InProcChannel) Open(context.Context) error { return nil }

// Ready is closed once the server has started listening.
func (ch *InProcChannel) Ready() <-chan struct{} { return ch.ready }

func (ch *InProcChannel) markReady() {
	ch.readyOnce.Do(func() { close(ch.ready) })
}

func (ch *InProcChannel) Accept(ctx context.Context) (Conn, error) {
	select {
	case p := <-ch.accept:
		return &inprocServerConn{p: p}, nil
	case <-ch.closed:
		return nil, domain.ErrServerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ch *InProcChannel) Close() error {
	ch.closeOnce.Do(func() { close(ch.closed) })
	return nil
}

// Dial opens a new in-process connection. It waits for the server to be
// ready.
func (ch *InProcChannel) Dial(ctx context.Context) (*InProcClientConn, error) {
	select {
	case <-ch.ready:
	case <-ch.closed:
		return nil, domain.ErrServerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p := newInprocPipe(ch.queue)
	select {
	case ch.accept <- p:
		return &InProcClientConn{p: p}, nil
	case <-ch.closed:
		return nil, domain.ErrServerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type inprocServerConn struct {
	p *inprocPipe
}

func (c *inprocServerConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.p.requests:
		return f, nil
	case <-c.p.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *inprocServerConn) WriteFrame(ctx context.Context, frame []byte) error {
	return send(ctx, c.p, c.p.responses, frame)
}

func (c *inprocServerConn) WritePush(ctx context.Context, frame []byte) error {
	return send(ctx, c.p, c.p.messages, frame)
}

func (c *inprocServerConn) Close() error {
	c.p.close()
	return nil
}

func (c *inprocServerConn) Peer() string { return "inproc" }

// InProcClientConn is the caller's end of an in-process connection.
type InProcClientConn struct {
	p    *inprocPipe
	held []byte
}

// ReadFrame returns the next response or push message. The server writes a
// subscription response before any event for it; when both lanes are ready
// the response is returned first so that order survives the lane split.
func (c *InProcClientConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if c.held != nil {
		f := c.held
		c.held = nil
		return f, nil
	}
	select {
	case f := <-c.p.responses:
		return f, nil
	default:
	}
	select {
	case f := <-c.p.responses:
		return f, nil
	case f := <-c.p.messages:
		select {
		case r := <-c.p.responses:
			c.held = f
			return r, nil
		default:
		}
		return f, nil
	case <-c.p.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *InProcClientConn) WriteFrame(ctx context.Context, frame []byte) error {
	return send(ctx, c.p, c.p.requests, frame)
}

func (c *InProcClientConn) Close() error {
	c.p.close()
	return nil
}

func (c *InProcClientConn) Peer() string { return "inproc" }

// Owner reports that this connection lives inside the state-owning process.
func (c *InProcClientConn) Owner() bool { return true }
