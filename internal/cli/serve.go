package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/recordsync/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr   string
	Store  string
	DSN    string
	Origin string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the record server",
		Long: `Run the record server: CRUD endpoints per resource, the broadcast
stream at /{resource}/events, the room channel at /ws, /metrics and /healthz.

Example:
  recordsync serve --addr :3001
  recordsync serve --store sqlite --dsn file:records.db
  recordsync serve --store postgres --dsn postgres://localhost/records`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Store, "store", "", "repository driver: memory, sqlite or postgres")
	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "repository data source")
	cmd.Flags().StringVar(&opts.Origin, "allowed-origin", "", "origin allowed for browser clients")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Store != "" {
		cfg.Server.Store.Driver = opts.Store
	}
	if opts.DSN != "" {
		cfg.Server.Store.DSN = opts.DSN
	}
	if opts.Origin != "" {
		cfg.Server.AllowedOrigin = opts.Origin
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s, err := server.FromConfig(cfg.Server, logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()
	logger.Info("starting record server",
		slog.String("addr", cfg.Server.Addr),
		slog.String("store", cfg.Server.Store.Driver),
	)
	return s.Run(ctx)
}
