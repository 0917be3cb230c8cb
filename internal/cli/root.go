// Package cli implements the recordsync command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/recordsync/config"
	"github.com/c0deZ3R0/recordsync/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command for the recordsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "recordsync",
		Short: "Real-time record synchronization",
		Long: `recordsync serves company, department and employee records over HTTP and
pushes every change to connected clients over server-sent events and
websockets. The watch command runs a headless client against such a server.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// load reads the configuration and installs the global logger.
func (o *RootOptions) load() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}
	logging.Init(cfg.Logging)
	return cfg, logging.Default(), nil
}

// signalContext is canceled on SIGINT or SIGTERM, or when cmd's context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
