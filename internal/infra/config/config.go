package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service bus configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Transport TransportConfig `yaml:"transport"`
	Client    ClientConfig    `yaml:"client"`
	StateSync StateSyncConfig `yaml:"state_sync"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"` // fraction of root spans kept, 0..1
}

// TransportConfig selects the channels the transport server listens on and
// bounds per-connection resources.
type TransportConfig struct {
	InProc            bool          `yaml:"in_proc"`
	PipePath          string        `yaml:"pipe_path"`      // empty disables the local socket
	WebSocketAddr     string        `yaml:"websocket_addr"` // empty disables websockets
	WebSocketPath     string        `yaml:"websocket_path"`
	MaxFrameBytes     int           `yaml:"max_frame_bytes"`
	SendQueue         int           `yaml:"send_queue"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	Burst             int           `yaml:"burst"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ClientConfig holds remote client timeouts. The two bounds are independent.
type ClientConfig struct {
	PromiseTimeout time.Duration `yaml:"promise_timeout"`
	SyncTimeout    time.Duration `yaml:"sync_timeout"`
	EventBuffer    int           `yaml:"event_buffer"` // per stream, newer events drop when full
}

// StateSyncConfig holds replicated state settings.
type StateSyncConfig struct {
	Enabled         bool          `yaml:"enabled"`
	PipePath        string        `yaml:"pipe_path"`
	BufferMutations bool          `yaml:"buffer_mutations"`
	FlushInterval   time.Duration `yaml:"flush_interval"` // 0 = flush only on demand
}

// DefaultPipePath returns the well-known local socket of the service bus,
// under $XDG_RUNTIME_DIR when it is set.
func DefaultPipePath() string {
	return runtimePath("servicebus.sock")
}

// DefaultStatePipePath returns the well-known local socket of state sync.
func DefaultStatePipePath() string {
	return runtimePath("servicebus-state.sock")
}

func runtimePath(name string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, name)
	}
	return filepath.Join(os.TempDir(), name)
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			ServiceName: "servicebus",
			SampleRatio: 1,
		},
		Transport: TransportConfig{
			InProc:            true,
			PipePath:          DefaultPipePath(),
			WebSocketAddr:     "",
			WebSocketPath:     "/api",
			MaxFrameBytes:     4 << 20, // 4 MiB
			SendQueue:         256,
			RequestsPerSecond: 0,
			Burst:             64,
			ShutdownTimeout:   5 * time.Second,
		},
		Client: ClientConfig{
			PromiseTimeout: 20 * time.Second,
			SyncTimeout:    10 * time.Second,
			EventBuffer:    256,
		},
		StateSync: StateSyncConfig{
			Enabled:         true,
			PipePath:        DefaultStatePipePath(),
			BufferMutations: false,
			FlushInterval:   0,
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := validatePermissions(path); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SERVICEBUS_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVICEBUS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SERVICEBUS_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SERVICEBUS_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("SERVICEBUS_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SERVICEBUS_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("SERVICEBUS_TRACER_SERVICE_NAME"); v != "" {
		cfg.Tracer.ServiceName = v
	}
	if v := os.Getenv("SERVICEBUS_PIPE_PATH"); v != "" {
		cfg.Transport.PipePath = v
	}
	if v := os.Getenv("SERVICEBUS_WEBSOCKET_ADDR"); v != "" {
		cfg.Transport.WebSocketAddr = v
	}
	if v := os.Getenv("SERVICEBUS_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Transport.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("SERVICEBUS_PROMISE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Client.PromiseTimeout = d
		}
	}
	if v := os.Getenv("SERVICEBUS_SYNC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Client.SyncTimeout = d
		}
	}
	if v := os.Getenv("SERVICEBUS_STATE_PIPE_PATH"); v != "" {
		cfg.StateSync.PipePath = v
	}
	switch os.Getenv("SERVICEBUS_STATE_BUFFER") {
	case "true":
		cfg.StateSync.BufferMutations = true
	case "false":
		cfg.StateSync.BufferMutations = false
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
