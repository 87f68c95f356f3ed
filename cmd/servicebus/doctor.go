package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"servicebus/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor(args []string) error {
	var common commonFlags
	fs := newFlagSet("doctor", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Try to load config; the socket checks fall back to defaults.
	cfg, cfgErr := config.Load(common.configPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(common.configPath, cfgErr)},
		{Name: "Channels", Fn: checkChannels},
		{Name: "Bus socket", Fn: checkBusSocket},
		{Name: "State socket", Fn: checkStateSocket},
		{Name: "WebSocket", Fn: checkWebSocket},
		{Name: "Timeouts", Fn: checkTimeouts},
	}

	fmt.Println("servicebus doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports a missing file as a warning since defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check %s syntax and permissions (0600 or 0644)", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func orDefaults(cfg *config.Config) *config.Config {
	if cfg == nil {
		return config.Defaults()
	}
	return cfg
}

func checkChannels(cfg *config.Config) CheckResult {
	t := orDefaults(cfg).Transport
	var names []string
	if t.InProc {
		names = append(names, "inproc")
	}
	if t.PipePath != "" {
		names = append(names, "pipe")
	}
	if t.WebSocketAddr != "" {
		names = append(names, "websocket")
	}
	if len(names) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no transport channel enabled",
			Fix:     "Set transport.pipe_path or transport.websocket_addr",
		}
	}
	if t.PipePath == "" && t.WebSocketAddr == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "only the in-process channel is enabled; no other process can connect",
		}
	}
	return CheckResult{Status: StatusPass, Message: strings.Join(names, ", ")}
}

func checkBusSocket(cfg *config.Config) CheckResult {
	return checkSocket(orDefaults(cfg).Transport.PipePath, "servicebus serve")
}

func checkStateSocket(cfg *config.Config) CheckResult {
	c := orDefaults(cfg)
	if !c.StateSync.Enabled {
		return CheckResult{Status: StatusPass, Message: "state sync disabled"}
	}
	return checkSocket(c.StateSync.PipePath, "servicebus serve")
}

// checkSocket reports whether a server is listening on path, or whether one
// could bind it.
func checkSocket(path, starter string) CheckResult {
	if path == "" {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		dir := filepath.Dir(path)
		if derr := dirWritable(dir); derr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot create %s: %v", path, derr),
				Fix:     "Point the pipe path at a writable directory or set XDG_RUNTIME_DIR",
			}
		}
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("nothing listening on %s", path),
			Fix:     fmt.Sprintf("Start the bus with '%s'", starter),
		}
	}
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("stat %s: %v", path, err)}
	}
	if info.Mode()&os.ModeSocket == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s exists and is not a socket", path),
			Fix:     "Remove the file or choose another pipe path",
		}
	}
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("stale socket at %s", path),
			Fix:     "It is replaced on the next start; remove it to clean up",
		}
	}
	conn.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("listening on %s", path)}
}

func dirWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".servicebus-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkWebSocket(cfg *config.Config) CheckResult {
	t := orDefaults(cfg).Transport
	if t.WebSocketAddr == "" {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	host, port, err := net.SplitHostPort(t.WebSocketAddr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("invalid address %q: %v", t.WebSocketAddr, err),
			Fix:     "Use host:port, for example 127.0.0.1:8765",
		}
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("listening on all interfaces, port %s", port),
			Fix:     "Bind to 127.0.0.1 unless remote clients need access",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("ws://%s%s", t.WebSocketAddr, t.WebSocketPath)}
}

func checkTimeouts(cfg *config.Config) CheckResult {
	c := orDefaults(cfg).Client
	msg := fmt.Sprintf("promise %s, sync %s", c.PromiseTimeout, c.SyncTimeout)
	if c.SyncTimeout > c.PromiseTimeout {
		return CheckResult{
			Status:  StatusWarn,
			Message: msg + "; blocking calls outlast promises",
		}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}
