package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/recordsync/cache"
	"github.com/c0deZ3R0/recordsync/client"
	"github.com/c0deZ3R0/recordsync/config"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/metrics"
	"github.com/c0deZ3R0/recordsync/records"
	"github.com/c0deZ3R0/recordsync/storage/sqlite"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	BaseURL     string
	CachePath   string
	MetricsAddr string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <resource>...",
		Short: "Keep a local copy of resources in sync and print changes",
		Long: `Run a headless client that keeps companies, departments or employees in
sync with a record server, printing a line whenever the local copy or a
channel's connection state changes. With --cache the last fetched records
survive restarts and are shown while the server is unreachable.

Example:
  recordsync watch employees
  recordsync watch companies departments --cache ./records-cache.db`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rts := make([]records.ResourceType, 0, len(args))
			for _, arg := range args {
				rt, err := records.ParseResourceType(arg)
				if err != nil {
					return err
				}
				rts = append(rts, rt)
			}
			return runWatch(cmd, opts, rts)
		},
	}

	cmd.Flags().StringVar(&opts.BaseURL, "server", "", "record server URL (overrides config)")
	cmd.Flags().StringVar(&opts.CachePath, "cache", "", "SQLite offline cache file (overrides config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve client metrics on this address")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions, rts []records.ResourceType) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	if opts.BaseURL != "" {
		cfg.Client.BaseURL = opts.BaseURL
	}
	if opts.CachePath != "" {
		cfg.Client.CachePath = opts.CachePath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	var collector metrics.Collector
	if opts.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		prom, err := metrics.NewPrometheus(reg)
		if err != nil {
			return err
		}
		collector = prom
		go serveMetrics(ctx, opts.MetricsAddr, reg, logger)
	}

	offline, err := openCache(cfg.Client.CachePath, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	c, err := client.New(clientOptions(cfg.Client, offline, logger, collector, out))
	if err != nil {
		offline.Close()
		return err
	}
	defer c.Close()

	for _, rt := range rts {
		rs, err := c.Resource(rt)
		if err != nil {
			return err
		}
		rs.Store().OnChange(func() { printSummary(out, rs) })
	}
	c.Notifications().OnChange(func() {
		if list := c.Notifications().List(); len(list) > 0 && !list[0].Read {
			fmt.Fprintf(out, "notification [%s] %s\n", list[0].Level, list[0].Message)
		}
	})

	if err := c.Start(ctx, rts...); err != nil {
		// supervision keeps retrying; the store fills in once the server is back
		logger.LogError(ctx, err, "initial fetch failed")
	}
	<-ctx.Done()
	return nil
}

func clientOptions(cfg config.ClientConfig, offline cache.OfflineCache, logger *logging.Logger, collector metrics.Collector, out io.Writer) client.Options {
	return client.Options{
		BaseURL:         cfg.BaseURL,
		RequestTimeout:  cfg.RequestTimeout,
		Cache:           offline,
		Channels:        cfg.Channels,
		NewBackoff:      backoffFactory(cfg.Reconnect),
		MaxAttempts:     cfg.Reconnect.MaxAttempts,
		SettleWindow:    cfg.SettleWindow,
		RefetchDelay:    cfg.RefetchDelay,
		BulkConcurrency: cfg.BulkConcurrency,
		OnStateChange: func(rt records.ResourceType, status client.ConnectionStatus) {
			fmt.Fprintf(out, "%s/%s: %s\n", rt, status.Channel, status.State)
		},
		Logger:  logger,
		Metrics: collector,
	}
}

// backoffFactory builds one strategy per supervised channel.
func backoffFactory(r config.ReconnectConfig) func() client.BackoffStrategy {
	if r.Strategy == config.StrategyExponential {
		return func() client.BackoffStrategy {
			return &client.ExponentialBackoff{
				InitialDelay: r.InitialDelay,
				MaxDelay:     r.MaxDelay,
				Multiplier:   r.Multiplier,
				Jitter:       r.Jitter,
			}
		}
	}
	return func() client.BackoffStrategy {
		return &client.ConstantBackoff{Delay: r.InitialDelay}
	}
}

func openCache(path string, logger *logging.Logger) (cache.OfflineCache, error) {
	if path == "" {
		return cache.NewMemory(), nil
	}
	c, err := sqlite.NewCache(&sqlite.Config{
		DataSourceName: "file:" + path,
		EnableWAL:      true,
		Logger:         logger.WithComponent("storage/sqlite"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open offline cache %s: %w", path, err)
	}
	return c, nil
}

func printSummary(out io.Writer, rs *client.ResourceSync) {
	st := rs.Status()
	stale := ""
	if st.Stale {
		stale = ", stale"
	}
	fmt.Fprintf(out, "%s: %d records (%s%s)\n", st.Resource, rs.Store().Len(), st.Source, stale)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info("serving client metrics", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.LogError(ctx, err, "metrics server failed")
	}
}
