package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"servicebus/internal/adapter/transport"
	"servicebus/internal/domain"
	"servicebus/internal/infra/config"
	"servicebus/internal/infra/logger"
	"servicebus/internal/infra/tracer"
	"servicebus/internal/usecase/eventbus"
	"servicebus/internal/usecase/registry"
	"servicebus/internal/usecase/statesync"
)

func runServe(args []string) error {
	var common commonFlags
	fs := newFlagSet("serve", &common)
	pipePath := fs.String("pipe", "", "override transport.pipe_path")
	wsAddr := fs.String("websocket", "", "override transport.websocket_addr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// 1. Config
	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	if *pipePath != "" {
		cfg.Transport.PipePath = *pipePath
	}
	if *wsAddr != "" {
		cfg.Transport.WebSocketAddr = *wsAddr
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus & registry
	bus := eventbus.New(log)
	defer bus.Close()
	reg := registry.New(registry.Deps{Bus: bus, Logger: log})
	defer reg.Close()

	// 4. State store
	store := statesync.NewStore(statesync.StoreDeps{Bus: bus, Logger: log})
	storeSvc, stopStoreSvc := statesync.NewStoreService(store, bus)
	defer stopStoreSvc()
	if err := reg.Register(statesync.ServiceName, storeSvc); err != nil {
		return fmt.Errorf("register store service: %w", err)
	}

	// 5. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 6. State authority
	if cfg.StateSync.Enabled {
		authority := statesync.NewAuthority(store, bus, log)
		defer authority.Stop()
		stateCh := transport.NewPipeChannel(cfg.StateSync.PipePath, cfg.Transport.MaxFrameBytes)
		if err := stateCh.Open(ctx); err != nil {
			return fmt.Errorf("state sync: %w", err)
		}
		defer stateCh.Close()
		go acceptReplicas(ctx, stateCh, authority, log)
	}

	// 7. Transport
	srv := transport.NewServer(reg, bus, cfg.Transport, log)
	if err := srv.Listen(ctx); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("transport stop error", "error", err)
		}
	}()

	log.Info("servicebus starting",
		"source", store.Source(),
		"pipe", cfg.Transport.PipePath,
		"websocket", cfg.Transport.WebSocketAddr,
		"state_sync", cfg.StateSync.Enabled,
	)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// acceptReplicas attaches every connection on the state channel to the
// authority until ctx ends.
func acceptReplicas(ctx context.Context, ch *transport.PipeChannel, authority *statesync.Authority, log *slog.Logger) {
	for {
		conn, err := ch.Accept(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrServerStopped) {
				log.Error("state sync accept failed", "error", err)
			}
			return
		}
		log.Debug("replica connected", "peer", conn.Peer())
		authority.Attach(ctx, statesync.NewFrameLink(conn))
	}
}

// replicaConfig maps state sync settings to replica options.
func replicaConfig(cfg config.StateSyncConfig) statesync.ReplicaOptions {
	return statesync.ReplicaOptions{
		Buffer:        cfg.BufferMutations,
		FlushInterval: cfg.FlushInterval,
	}
}
