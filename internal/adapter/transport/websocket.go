package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"servicebus/internal/domain"
	"servicebus/internal/infra/middleware"
)

// WebSocketChannel serves remote tooling over websockets, one frame per text
// message.
type WebSocketChannel struct {
	addr     string
	path     string
	maxFrame int
	guard    *middleware.Limiter
	logger   *slog.Logger
	status   http.Handler

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string

	conns     chan Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWebSocketChannel creates a channel serving upgrades on addr at path.
// guard limits upgrade attempts per peer and may be nil.
func NewWebSocketChannel(addr, path string, maxFrame int, guard *middleware.Limiter, logger *slog.Logger) *WebSocketChannel {
	if path == "" {
		path = "/api"
	}
	return &WebSocketChannel{
		addr:     addr,
		path:     path,
		maxFrame: maxFrame,
		guard:    guard,
		logger:   logger,
		conns:    make(chan Conn),
		closed:   make(chan struct{}),
	}
}

func (ch *WebSocketChannel) Name() string { return "websocket" }

// BoundAddr returns the actual address the channel bound to. Only valid after Open.
func (ch *WebSocketChannel) BoundAddr() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.boundAddr
}

// URL returns the ws:// address clients dial. Only valid after Open.
func (ch *WebSocketChannel) URL() string {
	return "ws://" + ch.BoundAddr() + ch.path
}

func (ch *WebSocketChannel) Open(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ch.addr)
	if err != nil {
		return fmt.Errorf("websocket listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(ch.path, middleware.UpgradeGuard(ch.guard, http.HandlerFunc(ch.handleUpgrade)))
	if ch.status != nil && ch.path != "/status" {
		mux.Handle("/status", ch.status)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ch.mu.Lock()
	ch.httpSrv = srv
	ch.boundAddr = ln.Addr().String()
	ch.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			ch.logger.Error("websocket serve failed", "error", err)
		}
	}()
	return nil
}

func (ch *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		ch.logger.Warn("websocket accept failed", "error", err)
		return
	}

	wc := NewWebSocketConn(ws, r.RemoteAddr, ch.maxFrame)
	select {
	case ch.conns <- wc:
	case <-ch.closed:
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	// Keep the handler alive for the lifetime of the connection.
	select {
	case <-wc.Done():
	case <-ch.closed:
	}
}

func (ch *WebSocketChannel) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-ch.conns:
		return c, nil
	case <-ch.closed:
		return nil, domain.ErrServerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ch *WebSocketChannel) Close() error {
	ch.closeOnce.Do(func() { close(ch.closed) })

	ch.mu.Lock()
	srv := ch.httpSrv
	ch.httpSrv = nil
	ch.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
