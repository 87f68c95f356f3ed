package busclient

import (
	"context"
	"fmt"
	"net"

	"nhooyr.io/websocket"

	"servicebus/internal/adapter/transport"
)

// Conn is the client's end of one transport connection.
type Conn = transport.Conn

// Dialer opens a connection to the transport server.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// owner is implemented by dialers and connections that live inside the
// state-owning process.
type owner interface {
	Owner() bool
}

// PipeDialer connects to the server's local socket.
type PipeDialer struct {
	Path     string
	MaxFrame int
}

func (d PipeDialer) Dial(ctx context.Context) (Conn, error) {
	var nd net.Dialer
	nc, err := nd.DialContext(ctx, "unix", d.Path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Path, err)
	}
	return transport.NewStreamConn(nc, d.MaxFrame), nil
}

// InProcDialer connects over the in-process channel of a server running in
// the same OS process.
type InProcDialer struct {
	Channel *transport.InProcChannel
}

func (d InProcDialer) Dial(ctx context.Context) (Conn, error) {
	if d.Channel == nil {
		return nil, fmt.Errorf("in-process channel is not enabled")
	}
	conn, err := d.Channel.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Owner reports true: in-process callers share the state-owning process.
func (d InProcDialer) Owner() bool { return true }

// WebSocketDialer connects to the server's websocket endpoint.
type WebSocketDialer struct {
	URL      string
	MaxFrame int
}

func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return transport.NewWebSocketConn(ws, d.URL, d.MaxFrame), nil
}
