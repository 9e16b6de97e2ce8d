// Command control runs flow graphs on a pool of workers.
//
// Usage:
//
//	control -g graphs.yaml [-n nodes/] [-t 4] [-o results.json] [flags]
//	control validate -g graphs.yaml
//	control nodes [-n nodes/] [-p plugin]
//	control diagram -g graphs.yaml [--format ascii] [--results results.json]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/control/
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and returns the process exit code: 0 on success, 1 if
// anything failed, including any graph run.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunsFailed) {
			fmt.Fprintln(stderr, "Error:", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "control",
		Short:         "Run flow graphs on a pool of isolated workers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, os.LookupEnv, cmd.Flags())
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), cfg, stdout, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Configuration file (YAML or JSON)")
	pf.StringSliceP("graphs", "g", nil, "Graph configuration file(s): JSON, YAML or HCL")
	pf.StringSliceP("nodes", "n", nil, "Directories to discover node definitions in")
	pf.StringSliceP("plugins", "p", nil, "Node plugins to load (registered name or plugin directory)")
	pf.Bool("verbose", false, "Verbose logging and rendering")
	pf.String("log-level", "warn", "Log level: debug, info, warn, error")
	pf.String("log-format", "text", "Log format: text or json")
	pf.String("env-file", ".env", "Environment file loaded before running (ignored when missing)")

	f := root.Flags()
	f.StringP("output", "o", "", "Write every task result to a file or a redis://, amqp:// or postgres:// URL")
	f.IntP("threads", "t", 0, "Number of workers (default: number of CPUs)")
	f.BoolP("respawn", "r", false, "Respawn workers that crash")
	f.IntP("idle", "i", 0, "Milliseconds a worker may stay idle before it is terminated (0 disables)")
	f.String("renderer", "text", "Progress renderer: text or json")
	f.StringToString("input", nil, "Task input as KEY=VALUE (repeatable)")
	f.Int("repeat", 1, "Number of independent runs per graph")
	f.String("schedule", "", "Cron expression: resubmit every graph on this schedule until interrupted")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	f.Duration("startup-timeout", defaultConfig().StartupTimeout, "Maximum time to wait for workers to come online")

	root.AddCommand(
		newValidateCmd(&configPath, stdout),
		newNodesCmd(&configPath, stdout),
		newDiagramCmd(&configPath, stdout),
	)
	return root
}
