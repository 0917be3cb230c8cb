package server

import (
	"fmt"

	"github.com/c0deZ3R0/recordsync/config"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/records"
	"github.com/c0deZ3R0/recordsync/storage/memory"
	"github.com/c0deZ3R0/recordsync/storage/postgres"
	"github.com/c0deZ3R0/recordsync/storage/sqlite"
	"github.com/c0deZ3R0/recordsync/transport/httptransport"
)

// OpenRepository opens the repository named by store.
func OpenRepository(store config.StoreConfig, logger *logging.Logger) (records.Repository, error) {
	if logger == nil {
		logger = logging.WithComponent(logging.Component(component))
	}
	switch store.Driver {
	case config.DriverMemory, "":
		return memory.NewRepository(), nil
	case config.DriverSQLite:
		repo, err := sqlite.NewRepository(&sqlite.Config{
			DataSourceName: store.DSN,
			EnableWAL:      true,
			Logger:         logger.WithComponent("storage/sqlite"),
		})
		if err != nil {
			return nil, err
		}
		return repo, nil
	case config.DriverPostgres:
		repo, err := postgres.NewRepository(&postgres.Config{
			ConnectionString: store.DSN,
			Logger:           logger.WithComponent("storage/postgres"),
		})
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", store.Driver)
	}
}

// FromConfig opens the configured repository and builds a server around it.
// A PostgreSQL repository also gets a change relay so writes made by other
// instances reach this server's subscribers.
func FromConfig(cfg config.ServerConfig, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.WithComponent(logging.Component(component))
	}
	repo, err := OpenRepository(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	var handlerOpts []httptransport.ServerOption
	if cfg.MaxRequestSize > 0 {
		handlerOpts = append(handlerOpts, httptransport.WithMaxRequestSize(cfg.MaxRequestSize))
	}
	if cfg.MaxDecompressedSize > 0 {
		handlerOpts = append(handlerOpts, httptransport.WithMaxDecompressedSize(cfg.MaxDecompressedSize))
	}
	if cfg.RequestTimeout > 0 {
		handlerOpts = append(handlerOpts, httptransport.WithRequestTimeout(cfg.RequestTimeout))
	}
	s, err := New(repo,
		WithAddr(cfg.Addr),
		WithAllowedOrigin(cfg.AllowedOrigin),
		WithBufferSize(cfg.SubscriberBuffer),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithHandlerOptions(handlerOpts...),
		WithLogger(logger),
	)
	if err != nil {
		repo.Close()
		return nil, err
	}

	if pg, ok := repo.(*postgres.Repository); ok {
		relay, err := postgres.NewChangeListener(pg, s.Bus())
		if err != nil {
			s.Close()
			return nil, err
		}
		s.SetRelay(relay)
	}
	return s, nil
}
