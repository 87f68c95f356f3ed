package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"servicebus/internal/infra/config"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "serve":
		err = runServe(args)
	case "call":
		err = runCall(args)
	case "watch":
		err = runWatch(args)
	case "state":
		err = runState(args)
	case "doctor":
		err = runDoctor(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'servicebus --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`servicebus - inter-process service bus

USAGE:
    servicebus COMMAND [FLAGS]

COMMANDS:
    serve       Run the state-owning process: registry, transport and state authority
    call        Call a method on a remote resource and print the result
    watch       Subscribe to a stream member and print every event
    state       Load a replica of the shared state and print it
    doctor      Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./servicebus.yaml)

CONFIGURATION:
    Config file: ./servicebus.yaml
    Environment: SERVICEBUS_* variables override config

EXAMPLES:
    servicebus serve
    servicebus call ServicesManager getServiceNames
    servicebus call --sync StoreService getState
    servicebus call StoreService commit SET_MODULE_STATE '{"module":"scenes","state":[]}'
    servicebus watch StoreService mutations
    servicebus state`)
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
}

func newFlagSet(name string, common *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&common.configPath, "config", defaultConfigPath(), "config file path")
	fs.SortFlags = false
	return fs
}

func defaultConfigPath() string {
	if p := os.Getenv("SERVICEBUS_CONFIG"); p != "" {
		return p
	}
	return "servicebus.yaml"
}

func loadConfig(common commonFlags) (*config.Config, error) {
	cfg, err := config.Load(common.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// parseArgs turns command line arguments into call arguments. Valid JSON is
// passed through, anything else is sent as a string.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, a := range raw {
		if json.Valid([]byte(a)) {
			args = append(args, json.RawMessage(a))
			continue
		}
		args = append(args, a)
	}
	return args
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
