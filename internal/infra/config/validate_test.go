package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Logger.Level = "loud" }, "logger.level"},
		{"bad format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"bad exporter", func(c *Config) {
			c.Tracer.Enabled = true
			c.Tracer.Exporter = "jaeger"
		}, "tracer.exporter"},
		{"sample ratio", func(c *Config) {
			c.Tracer.Enabled = true
			c.Tracer.SampleRatio = 1.5
		}, "tracer.sample_ratio"},
		{"no channel", func(c *Config) {
			c.Transport.InProc = false
			c.Transport.PipePath = ""
			c.Transport.WebSocketAddr = ""
		}, "at least one of in_proc"},
		{"bad ws addr", func(c *Config) { c.Transport.WebSocketAddr = "nohostport" }, "transport.websocket_addr"},
		{"bad ws path", func(c *Config) {
			c.Transport.WebSocketAddr = "127.0.0.1:0"
			c.Transport.WebSocketPath = "api"
		}, "transport.websocket_path"},
		{"frame size", func(c *Config) { c.Transport.MaxFrameBytes = 0 }, "transport.max_frame_bytes"},
		{"send queue", func(c *Config) { c.Transport.SendQueue = 0 }, "transport.send_queue"},
		{"negative rate", func(c *Config) { c.Transport.RequestsPerSecond = -1 }, "transport.requests_per_second"},
		{"zero burst", func(c *Config) {
			c.Transport.RequestsPerSecond = 10
			c.Transport.Burst = 0
		}, "transport.burst"},
		{"shutdown", func(c *Config) { c.Transport.ShutdownTimeout = 0 }, "transport.shutdown_timeout"},
		{"promise timeout", func(c *Config) { c.Client.PromiseTimeout = 0 }, "client.promise_timeout"},
		{"sync timeout", func(c *Config) { c.Client.SyncTimeout = -time.Second }, "client.sync_timeout"},
		{"event buffer", func(c *Config) { c.Client.EventBuffer = -1 }, "client.event_buffer"},
		{"state pipe", func(c *Config) { c.StateSync.PipePath = "" }, "state_sync.pipe_path"},
		{"flush interval", func(c *Config) { c.StateSync.FlushInterval = -time.Millisecond }, "state_sync.flush_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateStateSyncDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.StateSync.Enabled = false
	cfg.StateSync.PipePath = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled state sync should not be validated: %v", err)
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Client.PromiseTimeout = 0
	cfg.Client.SyncTimeout = 0
	cfg.Transport.SendQueue = 0

	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(ve.Errors), ve.Errors)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
