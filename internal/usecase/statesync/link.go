package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"servicebus/internal/domain"
	"servicebus/pkg/ndjson"
)

// MessageKind names a state sync message.
type MessageKind string

const (
	// KindRegister announces a replica to the authority.
	KindRegister MessageKind = "register"
	// KindSendState asks the authority for a snapshot.
	KindSendState MessageKind = "send-state"
	// KindLoadState carries a snapshot to a replica.
	KindLoadState MessageKind = "load-state"
	// KindMutation carries one committed mutation.
	KindMutation MessageKind = "mutation"
)

// Message is one state sync frame.
type Message struct {
	Kind     MessageKind      `json:"kind"`
	Peer     string           `json:"peer,omitempty"`
	State    json.RawMessage  `json:"state,omitempty"`
	Mutation *domain.Mutation `json:"mutation,omitempty"`
}

// Link is an ordered, bidirectional message channel between two processes.
type Link interface {
	Send(ctx context.Context, msg Message) error
	// Receive blocks until the next message. It returns domain.ErrLinkClosed
	// once the link is closed.
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// --- in-process link ---

type localPipe struct {
	done chan struct{}
	once sync.Once
}

type localLink struct {
	pipe *localPipe
	in   <-chan Message
	out  chan<- Message
}

// NewLocalLinkPair returns the two connected ends of an in-process link.
func NewLocalLinkPair() (Link, Link) {
	p := &localPipe{done: make(chan struct{})}
	ab := make(chan Message, 256)
	ba := make(chan Message, 256)
	return &localLink{pipe: p, in: ba, out: ab}, &localLink{pipe: p, in: ab, out: ba}
}

func (l *localLink) Send(ctx context.Context, msg Message) error {
	select {
	case <-l.pipe.done:
		return domain.ErrLinkClosed
	default:
	}
	select {
	case l.out <- msg:
		return nil
	case <-l.pipe.done:
		return domain.ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *localLink) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-l.in:
		return msg, nil
	case <-l.pipe.done:
		return Message{}, domain.ErrLinkClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (l *localLink) Close() error {
	l.pipe.once.Do(func() { close(l.pipe.done) })
	return nil
}

// --- framed link ---

// FrameConn carries one JSON object per frame, such as a transport
// connection.
type FrameConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

type frameLink struct {
	conn    FrameConn
	writeMu sync.Mutex
}

// NewFrameLink runs a link over a framed connection.
func NewFrameLink(conn FrameConn) Link {
	return &frameLink{conn: conn}
}

func (l *frameLink) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Kind, err)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.WriteFrame(ctx, b); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrLinkClosed, err)
	}
	return nil
}

func (l *frameLink) Receive(ctx context.Context) (Message, error) {
	frame, err := l.conn.ReadFrame(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", domain.ErrLinkClosed, err)
	}
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, domain.NewDomainError("Link.Receive", domain.ErrMalformedMessage, err.Error())
	}
	return msg, nil
}

func (l *frameLink) Close() error { return l.conn.Close() }

// ndjsonConn frames a byte stream as newline-delimited JSON.
type ndjsonConn struct {
	rwc io.ReadWriteCloser
	r   *ndjson.Reader
	w   *ndjson.Writer
}

func (c *ndjsonConn) ReadFrame(context.Context) ([]byte, error) { return c.r.Next() }

func (c *ndjsonConn) WriteFrame(_ context.Context, frame []byte) error {
	return c.w.WriteRecord(frame)
}

func (c *ndjsonConn) Close() error { return c.rwc.Close() }

// NewStreamLink runs a link over a byte stream such as a local socket.
func NewStreamLink(rwc io.ReadWriteCloser) Link {
	return NewFrameLink(&ndjsonConn{
		rwc: rwc,
		r:   ndjson.NewReader(rwc, 0),
		w:   ndjson.NewWriter(rwc),
	})
}

// --- ordered sender ---

// outbox sends messages over a link from a single goroutine, in the order
// they were queued.
type outbox struct {
	link   Link
	logger *slog.Logger
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	onFail func(error)
}

func newOutbox(link Link, size int, logger *slog.Logger, onFail func(error)) *outbox {
	o := &outbox{
		link:   link,
		logger: logger,
		ch:     make(chan Message, size),
		done:   make(chan struct{}),
		onFail: onFail,
	}
	go o.run()
	return o
}

func (o *outbox) run() {
	for {
		select {
		case <-o.done:
			return
		case msg := <-o.ch:
			if err := o.link.Send(context.Background(), msg); err != nil {
				o.logger.Debug("state sync send failed", "kind", string(msg.Kind), "error", err)
				o.close()
				if o.onFail != nil {
					o.onFail(err)
				}
				return
			}
		}
	}
}

// queue reports false once the outbox is closed.
func (o *outbox) queue(msg Message) bool {
	select {
	case o.ch <- msg:
		return true
	case <-o.done:
		return false
	}
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.done) })
}
