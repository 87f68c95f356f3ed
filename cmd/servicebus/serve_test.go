package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"servicebus/internal/adapter/busclient"
	"servicebus/internal/adapter/transport"
	"servicebus/internal/domain"
	"servicebus/internal/infra/logger"
	"servicebus/internal/usecase/eventbus"
	"servicebus/internal/usecase/statesync"
)

func TestAcceptReplicasOverStateSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "sbs")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	log := logger.Discard()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New(log)
	defer bus.Close()
	store := statesync.NewStore(statesync.StoreDeps{Bus: bus, Logger: log})
	if err := store.RegisterModule("scenes", []string{"intro"}); err != nil {
		t.Fatal(err)
	}
	authority := statesync.NewAuthority(store, bus, log)
	defer authority.Stop()

	ch := transport.NewPipeChannel(filepath.Join(dir, "state.sock"), 1<<20)
	if err := ch.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	go acceptReplicas(ctx, ch, authority, log)

	conn, err := busclient.PipeDialer{Path: ch.Path()}.Dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rbus := eventbus.New(log)
	defer rbus.Close()
	rstore := statesync.NewStore(statesync.StoreDeps{Bus: rbus, Logger: log})
	replica := statesync.NewReplica(rstore, rbus, statesync.NewFrameLink(conn), log, statesync.ReplicaOptions{})
	if err := replica.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer replica.Stop()

	readyCtx, readyCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readyCancel()
	if err := replica.WaitReady(readyCtx); err != nil {
		t.Fatalf("replica not ready: %v", err)
	}
	if v, ok := rstore.Get("scenes"); !ok || len(v.([]any)) != 1 {
		t.Fatalf("snapshot scenes = %#v", v)
	}

	if err := rstore.Commit(ctx, domain.Mutation{
		Type:    statesync.SetModuleState,
		Payload: []byte(`{"module":"scenes","state":["intro","outro"]}`),
	}, domain.OriginLocal); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		v, _ := store.Get("scenes")
		if l, ok := v.([]any); ok && len(l) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("authority scenes = %#v", v)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
