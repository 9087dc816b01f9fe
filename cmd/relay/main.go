// Command relay runs a task-executing agent against a work gateway (poll),
// as a JSON-RPC task server (serve), or once for a single task (exec).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set by goreleaser at build time.
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := rootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Agent task lifecycle runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&opts.logLevel, "log-level", "", "DEBUG, INFO, WARNING or ERROR")
	pf.StringVar(&opts.logFormat, "log-format", "", "text or json")

	cmd.AddCommand(pollCmd(opts))
	cmd.AddCommand(serveCmd(opts))
	cmd.AddCommand(execCmd(opts))
	cmd.AddCommand(callCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
