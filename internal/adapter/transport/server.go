package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"servicebus/internal/domain"
	"servicebus/internal/infra/config"
	"servicebus/internal/infra/middleware"
	"servicebus/internal/infra/tracer"
	"servicebus/internal/usecase/registry"
)

// Channel is one listening endpoint of the server.
type Channel interface {
	Name() string
	Open(ctx context.Context) error
	// Accept blocks until the next connection. It returns
	// domain.ErrServerStopped once the channel is closed.
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// readySignaler is implemented by channels that announce the server start.
type readySignaler interface {
	markReady()
}

// Server forwards frames from its channels to the registry and routes
// registry events back to subscribed connections.
type Server struct {
	reg     *registry.Registry
	bus     domain.EventBus
	cfg     config.TransportConfig
	logger  *slog.Logger
	limiter *middleware.Limiter
	sweep   context.CancelFunc

	channels []Channel
	inproc   *InProcChannel
	pipe     *PipeChannel
	ws       *WebSocketChannel

	conns  sync.Map // connection id (uint64) -> *connection
	nextID atomic.Uint64
	connWG sync.WaitGroup

	metrics Metrics
	started atomic.Pointer[time.Time]

	listening atomic.Bool
	stopOnce  sync.Once
	unsubAll  func()
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// NewServer creates a transport server with the channels enabled in cfg and
// registers the TcpServerService resource on reg.
func NewServer(reg *registry.Registry, bus domain.EventBus, cfg config.TransportConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 256
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		reg:    reg,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "transport"),
	}
	sweepCtx, sweep := context.WithCancel(context.Background())
	s.sweep = sweep
	s.limiter = middleware.NewLimiter(sweepCtx, cfg.RequestsPerSecond, cfg.Burst)

	if cfg.InProc {
		s.inproc = NewInProcChannel(cfg.SendQueue)
		s.channels = append(s.channels, s.inproc)
	}
	if cfg.PipePath != "" {
		s.pipe = NewPipeChannel(cfg.PipePath, cfg.MaxFrameBytes)
		s.channels = append(s.channels, s.pipe)
	}
	if cfg.WebSocketAddr != "" {
		s.ws = NewWebSocketChannel(cfg.WebSocketAddr, cfg.WebSocketPath, cfg.MaxFrameBytes, s.limiter, s.logger)
		s.ws.status = statusHandler(s)
		s.channels = append(s.channels, s.ws)
	}

	if err := reg.Register(ServiceName, &serverService{s: s}); err != nil {
		s.logger.Warn("transport service not registered", "error", err)
	}
	return s
}

// InProc returns the in-process channel, or nil when it is disabled.
func (s *Server) InProc() *InProcChannel { return s.inproc }

// Pipe returns the local socket channel, or nil when it is disabled.
func (s *Server) Pipe() *PipeChannel { return s.pipe }

// WebSocket returns the websocket channel, or nil when it is disabled.
func (s *Server) WebSocket() *WebSocketChannel { return s.ws }

// Listen opens every channel and starts accepting connections. It returns
// once the channels are bound; use Wait to block until they stop. Listen may
// only be called once.
func (s *Server) Listen(ctx context.Context) error {
	if !s.listening.CompareAndSwap(false, true) {
		return domain.NewDomainError("Server.Listen", domain.ErrAlreadyListening, "")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i, ch := range s.channels {
		if err := ch.Open(ctx); err != nil {
			for _, opened := range s.channels[:i] {
				opened.Close()
			}
			cancel()
			return fmt.Errorf("open %s channel: %w", ch.Name(), err)
		}
	}

	s.unsubAll = s.bus.SubscribeAll(s.routeEvent)

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range s.channels {
		g.Go(func() error { return s.acceptLoop(gctx, ch) })
	}
	s.group = g

	for _, ch := range s.channels {
		if r, ok := ch.(readySignaler); ok {
			r.markReady()
		}
	}

	now := time.Now()
	s.started.Store(&now)

	names := make([]string, len(s.channels))
	for i, ch := range s.channels {
		names[i] = ch.Name()
	}
	s.logger.Info("transport listening", "channels", names)
	return nil
}

// Wait blocks until every accept loop has returned.
func (s *Server) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Stop unsubscribes from the event source first so nothing is forwarded to
// a closing connection, then closes the channels and every connection.
// Calling Stop more than once is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.unsubAll != nil {
			s.unsubAll()
		}
		for _, ch := range s.channels {
			if cerr := ch.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close %s channel: %w", ch.Name(), cerr))
			}
		}
		s.conns.Range(func(_, v any) bool {
			v.(*connection).close()
			return true
		})
		if s.cancel != nil {
			s.cancel()
		}
		s.sweep()

		done := make(chan struct{})
		go func() {
			s.connWG.Wait()
			if s.group != nil {
				_ = s.group.Wait()
			}
			close(done)
		}()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
		select {
		case <-done:
		case <-ctx.Done():
			err = errors.Join(err, fmt.Errorf("transport stop: %w", ctx.Err()))
		}
		s.logger.Info("transport stopped")
	})
	return err
}

// Connections reports the number of open connections.
func (s *Server) Connections() int {
	n := 0
	s.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Server) acceptLoop(ctx context.Context, ch Channel) error {
	for {
		conn, err := ch.Accept(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrServerStopped) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s accept: %w", ch.Name(), err)
		}
		s.connWG.Add(1)
		go s.serveConn(ctx, ch.Name(), conn)
	}
}

func (s *Server) serveConn(ctx context.Context, channel string, conn Conn) {
	defer s.connWG.Done()

	c := newConnection(s, s.nextID.Add(1), channel, conn)
	s.conns.Store(c.id, c)
	s.logger.Debug("connection opened", "conn_id", c.id, "channel", channel, "peer", conn.Peer())

	go c.writeLoop()
	c.readLoop(ctx)

	c.close()
	s.conns.Delete(c.id)
	s.limiter.Forget(c.key)
	for id, refs := range c.streamRefs() {
		for i := 0; i < refs; i++ {
			s.reg.Unsubscribe(id)
		}
	}
	s.logger.Debug("connection closed", "conn_id", c.id, "channel", channel)
}

// handleFrame decodes and dispatches one inbound frame. Protocol errors are
// answered on the same connection, which stays open.
func (s *Server) handleFrame(ctx context.Context, c *connection, frame []byte) {
	s.metrics.Requests.Add(1)
	req, err := domain.ParseRequest(frame)
	if err != nil {
		s.metrics.Errors.Add(1)
		s.logger.Debug("rejected frame", "conn_id", c.id, "code", string(domain.ErrorCodeOf(err)), "error", err)
		c.send(domain.NewErrorResponse("", err))
		return
	}
	if !s.limiter.Allow(c.key) {
		s.metrics.Errors.Add(1)
		c.send(domain.NewErrorResponse(req.ID, domain.ErrRateLimit))
		return
	}

	attrs := append(tracer.RequestAttrs(c.channel, string(req.ID), req.Params.Resource, req.Method),
		tracer.IntAttr(tracer.AttrConnID, int(c.id)))
	ctx, span := tracer.StartServerSpan(ctx, "servicebus.request", attrs...)
	defer span.End()
	ctx = withConnection(ctx, c)

	if req.Method == registry.MethodUnsubscribe && s.reg.IsSubscription(req.Params.Resource) {
		if !c.release(req.Params.Resource) {
			// Only the holder may release its reference.
			c.sendResult(req.ID, domain.ValueResult{Data: json.RawMessage("false")})
			tracer.SetOK(span)
			return
		}
	}

	res, err := s.reg.Execute(ctx, c, req)
	if err != nil {
		s.metrics.Errors.Add(1)
		span.SetAttributes(tracer.StringAttr(tracer.AttrErrorCode, string(domain.ErrorCodeOf(err))))
		tracer.RecordError(span, err)
		c.send(domain.NewErrorResponse(req.ID, err))
		return
	}
	span.SetAttributes(tracer.StringAttr(tracer.AttrResultKind, string(res.Kind())))
	tracer.SetOK(span)

	c.sendResult(req.ID, res)
	if sub, ok := res.(domain.SubscriptionResult); ok {
		c.activate(sub.ResourceID)
	}
}

// routeEvent forwards a registry event to every connection holding a live
// subscription for its resource id.
func (s *Server) routeEvent(_ context.Context, ev domain.Event) {
	if ev.Type != domain.EventServiceMessage {
		return
	}
	resp, err := domain.NewEventResponse(ev.Service)
	if err != nil {
		s.logger.Warn("event not encodable", "resource", ev.Service.ResourceID, "error", err)
		return
	}
	frame, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("event not encodable", "resource", ev.Service.ResourceID, "error", err)
		return
	}
	s.metrics.Events.Add(1)
	s.conns.Range(func(_, v any) bool {
		v.(*connection).deliver(ev.Service, frame)
		return true
	})
}
