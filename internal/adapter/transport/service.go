package transport

import (
	"context"
	"sort"

	"servicebus/internal/domain"
)

// ServiceName is the resource id of the transport's own service.
const ServiceName = "TcpServerService"

// ConnectionInfo describes one open connection.
type ConnectionInfo struct {
	ID            uint64 `json:"id"`
	Channel       string `json:"channel"`
	Peer          string `json:"peer"`
	Subscriptions int    `json:"subscriptions"`
	ListensAll    bool   `json:"listensAll"`
}

// serverService exposes transport controls as a bus resource.
type serverService struct {
	s *Server
}

func (svc *serverService) ResourceID() string { return ServiceName }

// ListenAllSubscriptions makes the calling connection receive every event,
// whether or not it subscribed to the resource. Test tooling uses it to
// observe side effects of other callers.
func (svc *serverService) ListenAllSubscriptions(ctx context.Context) error {
	c := connectionFrom(ctx)
	if c == nil {
		return domain.NewDomainError("TcpServerService.listenAllSubscriptions", domain.ErrInvalidInput, "no calling connection")
	}
	c.listenAll()
	svc.s.logger.Debug("connection listens to all events", "conn_id", c.id)
	return nil
}

// GetConnections lists the open connections ordered by id.
func (svc *serverService) GetConnections() []ConnectionInfo {
	out := make([]ConnectionInfo, 0)
	svc.s.conns.Range(func(_, v any) bool {
		c := v.(*connection)
		c.mu.Lock()
		all := c.all
		c.mu.Unlock()
		out = append(out, ConnectionInfo{
			ID:            c.id,
			Channel:       c.channel,
			Peer:          c.conn.Peer(),
			Subscriptions: c.subscriptionCount(),
			ListensAll:    all,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
