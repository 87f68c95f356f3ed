package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"servicebus/internal/domain"
	"servicebus/pkg/ndjson"
)

// Conn is one established connection on a channel. Each frame is exactly one
// JSON object. ReadFrame is called from a single goroutine; WriteFrame may be
// called concurrently with it.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
	Peer() string
}

// pushWriter is implemented by connections that carry push events on a
// separate lane from responses.
type pushWriter interface {
	WritePush(ctx context.Context, frame []byte) error
}

// StreamConn frames a byte stream as newline-delimited JSON.
type StreamConn struct {
	nc        net.Conn
	r         *ndjson.Reader
	w         *ndjson.Writer
	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps nc. maxFrame bounds a single inbound frame.
func NewStreamConn(nc net.Conn, maxFrame int) *StreamConn {
	return &StreamConn{
		nc: nc,
		r:  ndjson.NewReader(nc, maxFrame),
		w:  ndjson.NewWriter(nc),
	}
}

// ReadFrame blocks until the next frame arrives. Closing the connection
// unblocks it.
func (c *StreamConn) ReadFrame(_ context.Context) ([]byte, error) {
	frame, err := c.r.Next()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes frame as one line with one Write call.
func (c *StreamConn) WriteFrame(ctx context.Context, frame []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(deadline)
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	return c.w.WriteRecord(frame)
}

func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.nc.Close() })
	return c.closeErr
}

func (c *StreamConn) Peer() string {
	if addr := c.nc.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}

// WebSocketConn carries one frame per text message.
type WebSocketConn struct {
	ws     *websocket.Conn
	peer   string
	closed chan struct{}
	once   sync.Once
}

// NewWebSocketConn wraps an accepted or dialed websocket.
func NewWebSocketConn(ws *websocket.Conn, peer string, maxFrame int) *WebSocketConn {
	if maxFrame > 0 {
		ws.SetReadLimit(int64(maxFrame))
	}
	return &WebSocketConn{ws: ws, peer: peer, closed: make(chan struct{})}
}

func (c *WebSocketConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *WebSocketConn) WriteFrame(ctx context.Context, frame []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

func (c *WebSocketConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

func (c *WebSocketConn) Peer() string { return c.peer }

// Done is closed once Close has been called.
func (c *WebSocketConn) Done() <-chan struct{} { return c.closed }

// isClosedErr reports whether err only signals an orderly end of the stream.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, domain.ErrLinkClosed) ||
		errors.Is(err, context.Canceled)
}
