package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"servicebus/internal/domain"
)

// PipeChannel listens on a local stream socket. One socket serves one
// application instance.
type PipeChannel struct {
	path     string
	maxFrame int

	mu sync.Mutex
	ln net.Listener
}

// NewPipeChannel creates a channel bound to path once opened.
func NewPipeChannel(path string, maxFrame int) *PipeChannel {
	return &PipeChannel{path: path, maxFrame: maxFrame}
}

func (ch *PipeChannel) Name() string { return "pipe" }

// Path returns the socket address.
func (ch *PipeChannel) Path() string { return ch.path }

// Open binds the socket. A stale socket file left by a crashed instance is
// removed; a live one makes Open fail.
func (ch *PipeChannel) Open(ctx context.Context) error {
	if err := removeStaleSocket(ctx, ch.path); err != nil {
		return err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", ch.path)
	if err != nil {
		return fmt.Errorf("pipe listen %s: %w", ch.path, err)
	}
	if err := os.Chmod(ch.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("pipe chmod %s: %w", ch.path, err)
	}
	ch.mu.Lock()
	ch.ln = ln
	ch.mu.Unlock()
	return nil
}

func (ch *PipeChannel) Accept(ctx context.Context) (Conn, error) {
	ch.mu.Lock()
	ln := ch.ln
	ch.mu.Unlock()
	if ln == nil {
		return nil, domain.ErrServerStopped
	}
	nc, err := ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, domain.ErrServerStopped
		}
		return nil, err
	}
	return NewStreamConn(nc, ch.maxFrame), nil
}

func (ch *PipeChannel) Close() error {
	ch.mu.Lock()
	ln := ch.ln
	ch.ln = nil
	ch.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func removeStaleSocket(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pipe stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("pipe %s exists and is not a socket", path)
	}
	d := net.Dialer{Timeout: 200 * time.Millisecond}
	if c, err := d.DialContext(ctx, "unix", path); err == nil {
		c.Close()
		return fmt.Errorf("pipe %s: %w", path, domain.ErrAlreadyListening)
	}
	return os.Remove(path)
}
