package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"servicebus/internal/adapter/busclient"
	"servicebus/internal/domain"
	"servicebus/internal/infra/config"
	"servicebus/internal/infra/logger"
	"servicebus/internal/usecase/eventbus"
	"servicebus/internal/usecase/statesync"
)

// dialerFor picks the websocket endpoint when a URL is given and the local
// socket otherwise.
func dialerFor(cfg *config.Config, wsURL string) busclient.Dialer {
	if wsURL != "" {
		return busclient.WebSocketDialer{URL: wsURL, MaxFrame: cfg.Transport.MaxFrameBytes}
	}
	return busclient.PipeDialer{Path: cfg.Transport.PipePath, MaxFrame: cfg.Transport.MaxFrameBytes}
}

func newClient(cfg *config.Config, wsURL string) (*busclient.Client, *slog.Logger, func(), error) {
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	c := busclient.New(dialerFor(cfg, wsURL),
		busclient.WithLogger(log),
		busclient.WithConfig(cfg.Client),
	)
	return c, log, func() {
		c.Close()
		logCloser()
	}, nil
}

func runCall(args []string) error {
	var common commonFlags
	fs := newFlagSet("call", &common)
	blocking := fs.Bool("sync", false, "use the blocking call path on a dedicated connection")
	wsURL := fs.String("url", "", "websocket URL to connect to instead of the local socket")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: servicebus call [--sync] RESOURCE METHOD [ARG...]")
	}
	resourceID, method := fs.Arg(0), fs.Arg(1)
	callArgs := parseArgs(fs.Args()[2:])

	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	c, _, closeClient, err := newClient(cfg, *wsURL)
	if err != nil {
		return err
	}
	defer closeClient()

	var res domain.Result
	if *blocking {
		res, err = c.RequestSync(resourceID, method, callArgs...)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.PromiseTimeout)
		defer cancel()
		res, err = c.Request(ctx, resourceID, method, callArgs...)
		if err == nil {
			if sub, ok := res.(domain.SubscriptionResult); ok && sub.Emitter == domain.EmitterPromise {
				data, werr := c.Await(ctx, sub)
				if werr != nil {
					return werr
				}
				return printJSON(data)
			}
		}
	}
	if err != nil {
		return err
	}
	return printResult(res)
}

func printResult(res domain.Result) error {
	if v, ok := res.(domain.ValueResult); ok {
		return printJSON(v.Data)
	}
	raw, err := domain.EncodeResult(res)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func runWatch(args []string) error {
	var common commonFlags
	fs := newFlagSet("watch", &common)
	wsURL := fs.String("url", "", "websocket URL to connect to instead of the local socket")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: servicebus watch RESOURCE MEMBER [ARG...]")
	}

	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	c, log, closeClient, err := newClient(cfg, *wsURL)
	if err != nil {
		return err
	}
	defer closeClient()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := c.Request(ctx, fs.Arg(0), fs.Arg(1), parseArgs(fs.Args()[2:])...)
	if err != nil {
		return err
	}
	sub, ok := res.(domain.SubscriptionResult)
	if !ok || sub.Emitter != domain.EmitterStream {
		return fmt.Errorf("%s.%s is not a stream (got %s)", fs.Arg(0), fs.Arg(1), res.Kind())
	}
	m, err := c.Subscribe(sub)
	if err != nil {
		return err
	}
	events := m.Listen()
	log.Info("watching", "subscription", sub.ResourceID)

	for {
		select {
		case data, ok := <-events:
			if !ok {
				return nil
			}
			if err := printJSON(data); err != nil {
				return err
			}
		case <-ctx.Done():
			unsubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := c.Unsubscribe(unsubCtx, sub.ResourceID); err != nil {
				log.Warn("unsubscribe failed", "error", err)
			}
			return nil
		}
	}
}

func runState(args []string) error {
	var common commonFlags
	fs := newFlagSet("state", &common)
	module := fs.String("module", "", "print only this module")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.SyncTimeout)
	defer cancel()

	conn, err := busclient.PipeDialer{Path: cfg.StateSync.PipePath, MaxFrame: cfg.Transport.MaxFrameBytes}.Dial(ctx)
	if err != nil {
		return fmt.Errorf("state sync: %w", err)
	}

	bus := eventbus.New(log)
	defer bus.Close()
	store := statesync.NewStore(statesync.StoreDeps{Bus: bus, Logger: log})
	replica := statesync.NewReplica(store, bus, statesync.NewFrameLink(conn), log, replicaConfig(cfg.StateSync))
	if err := replica.Start(ctx); err != nil {
		return err
	}
	defer replica.Stop()

	if err := replica.WaitReady(ctx); err != nil {
		return fmt.Errorf("waiting for snapshot: %w", err)
	}
	if *module != "" {
		v, ok := store.Get(*module)
		if !ok {
			return fmt.Errorf("module %q: %w", *module, domain.ErrNotFound)
		}
		return printJSON(v)
	}
	return printJSON(store.State())
}
