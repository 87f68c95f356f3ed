package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateTransport(cfg, ve)
	validateClient(cfg, ve)
	validateStateSync(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio %v must be within [0, 1]", r)
	}
}

func validateTransport(cfg *Config, ve *ValidationError) {
	t := cfg.Transport
	if !t.InProc && t.PipePath == "" && t.WebSocketAddr == "" {
		ve.Add("transport: at least one of in_proc, pipe_path, websocket_addr must be set")
	}
	if t.WebSocketAddr != "" {
		if _, _, err := net.SplitHostPort(t.WebSocketAddr); err != nil {
			ve.Add("transport.websocket_addr %q is not a valid host:port", t.WebSocketAddr)
		}
		if !strings.HasPrefix(t.WebSocketPath, "/") {
			ve.Add("transport.websocket_path must start with /")
		}
	}
	if t.MaxFrameBytes <= 0 {
		ve.Add("transport.max_frame_bytes must be > 0")
	}
	if t.SendQueue <= 0 {
		ve.Add("transport.send_queue must be > 0")
	}
	if t.RequestsPerSecond < 0 {
		ve.Add("transport.requests_per_second must be >= 0")
	}
	if t.RequestsPerSecond > 0 && t.Burst <= 0 {
		ve.Add("transport.burst must be > 0 when requests_per_second is set")
	}
	if t.ShutdownTimeout <= 0 {
		ve.Add("transport.shutdown_timeout must be > 0")
	}
}

func validateClient(cfg *Config, ve *ValidationError) {
	if cfg.Client.PromiseTimeout <= 0 {
		ve.Add("client.promise_timeout must be > 0")
	}
	if cfg.Client.SyncTimeout <= 0 {
		ve.Add("client.sync_timeout must be > 0")
	}
	if cfg.Client.EventBuffer < 0 {
		ve.Add("client.event_buffer must be >= 0")
	}
}

func validateStateSync(cfg *Config, ve *ValidationError) {
	if !cfg.StateSync.Enabled {
		return
	}
	if cfg.StateSync.PipePath == "" {
		ve.Add("state_sync.pipe_path is required when state sync is enabled")
	}
	if cfg.StateSync.FlushInterval < 0 {
		ve.Add("state_sync.flush_interval must be >= 0")
	}
}
