package busclient

import (
	"context"
	"errors"
	"fmt"

	"servicebus/internal/domain"
)

// RequestSync performs one blocking call for tooling that cannot wait on
// asynchronous results. It goes over a dedicated sync connection, so it never
// queues behind the client's own traffic, and gives up after the sync
// timeout. The result envelope is the one Request would return.
//
// The sync connection is dialed on first use and kept until Disconnect. Its
// frames go through the same demultiplexing as the main connection, so
// promise and stream results are tracked and their events delivered; such
// subscriptions are held by the sync connection and end with it.
//
// RequestSync is refused inside the state-owning process, where blocking on
// the server would deadlock it against itself.
func (c *Client) RequestSync(resourceID, method string, args ...any) (domain.Result, error) {
	if c.inOwner() {
		return nil, domain.NewDomainError("Client.RequestSync", domain.ErrSyncInOwner, resourceID+"."+method)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.syncTimeout)
	defer cancel()

	res, err := c.requestSync(ctx, resourceID, method, args)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, domain.NewDomainError("Client.RequestSync", domain.ErrSyncTimeout, c.syncTimeout.String())
	}
	return res, err
}

func (c *Client) requestSync(ctx context.Context, resourceID, method string, args []any) (domain.Result, error) {
	conn, err := c.syncConnection(ctx)
	if err != nil {
		return nil, err
	}
	return c.requestOn(ctx, conn, "sync", resourceID, method, args)
}

// syncConnection returns the sync connection, dialing it when none is open.
func (c *Client) syncConnection(ctx context.Context) (Conn, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.mu.Lock()
	conn := c.syncConn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	c.mu.Lock()
	c.syncConn = conn
	c.mu.Unlock()

	c.logger.Debug("sync connection open", "peer", conn.Peer())
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) inOwner() bool {
	if o, ok := c.dialer.(owner); ok && o.Owner() {
		return true
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	o, ok := conn.(owner)
	return ok && o.Owner()
}
