package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/rulesift/rulesift/adapters"
	redisrules "github.com/rulesift/rulesift/adapters/redis"
	"github.com/rulesift/rulesift/internal/config"
	"github.com/rulesift/rulesift/record"
	"github.com/rulesift/rulesift/runtime"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var accessLog bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var w io.Writer
			if accessLog {
				w = cmd.ErrOrStderr()
			}
			return runServe(cmd.Context(), a.config, a.logger, w)
		},
	}
	cmd.Flags().BoolVar(&accessLog, "access-log", false, "write an Apache combined access log to stderr")

	return cmd
}

// stores holds the opened backends and what is needed to release them.
type stores struct {
	records runtime.RecordSource
	rules   runtime.RuleStore
	checks  []readinessCheck
	closers []func() error
}

func (s *stores) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *stores) track(name string, v interface{}) {
	if p, ok := v.(pinger); ok {
		s.checks = append(s.checks, readinessCheck{name: name, ping: p})
	}
	if c, ok := v.(io.Closer); ok {
		s.closers = append(s.closers, c.Close)
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *stores, err error) {
	st := &stores{}
	defer func() {
		if err != nil {
			_ = st.close()
		}
	}()

	var (
		memory *runtime.MemoryStorage
		pg     *runtime.PostgresStorage
	)
	postgres := func() (*runtime.PostgresStorage, error) {
		if pg != nil {
			return pg, nil
		}
		pgCfg, err := cfg.PostgresStorage()
		if err != nil {
			return nil, err
		}
		pg, err = runtime.NewPostgresStorage(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		st.checks = append(st.checks, readinessCheck{name: "postgres", ping: pg})
		st.closers = append(st.closers, func() error { pg.Close(); return nil })
		return pg, nil
	}

	switch cfg.Records.Type {
	case config.StoreMemory:
		seed, err := loadSeed(adapters.ResolvePath(cfg.Dir(), cfg.Records.SeedFile))
		if err != nil {
			return nil, err
		}
		memory = runtime.NewMemoryStorage(seed)
		st.records = memory
		logger.Info("using in-memory records", "count", len(seed))
	case config.StorePostgres:
		if st.records, err = postgres(); err != nil {
			return nil, err
		}
	default:
		src, err := adapters.CreateSource(ctx, cfg.SourceConfig())
		if err != nil {
			return nil, fmt.Errorf("records: %w", err)
		}
		st.records = src
		if interval := cfg.PollInterval(); interval > 0 {
			polling, err := adapters.NewPollingSource(src, interval, logger)
			if err != nil {
				return nil, fmt.Errorf("records: %w", err)
			}
			// The poller closes src.
			if p, ok := src.(pinger); ok {
				st.checks = append(st.checks, readinessCheck{name: cfg.Records.Type, ping: p})
			}
			st.closers = append(st.closers, polling.Close)
			st.records = polling
			logger.Info("polling record source", "type", cfg.Records.Type, "interval", interval)
		} else {
			st.track(cfg.Records.Type, src)
		}
	}

	switch cfg.Rules.Store {
	case config.StoreMemory:
		if memory == nil {
			memory = runtime.NewMemoryStorage(nil)
		}
		st.rules = memory
	case config.StorePostgres:
		if st.rules, err = postgres(); err != nil {
			return nil, err
		}
	case config.StoreRedis:
		store, err := redisrules.NewRuleStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		st.rules = store
		st.track("redis", store)
	default:
		return nil, fmt.Errorf("rules: %w %q", config.ErrUnknownStore, cfg.Rules.Store)
	}

	return st, nil
}

func loadSeed(path string) ([]record.Record, error) {
	if path == "" {
		return nil, nil
	}
	format, err := adapters.FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed records: %w", err)
	}
	return adapters.DecodeRecords(format, data)
}

func openSinks(ctx context.Context, cfg *config.Config) (runtime.MultiSink, error) {
	sinks := make(runtime.MultiSink, 0, len(cfg.Sinks))
	for i, sc := range cfg.Sinks {
		sink, err := adapters.CreateSink(ctx, sc)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("sinks[%d]: %w", i, err)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, accessLog io.Writer) error {
	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	var (
		registry *prometheus.Registry
		metrics  *runtime.Metrics
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if metrics, err = runtime.NewMetrics(registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Warn("closing stores", "error", err)
		}
	}()

	sinks, err := openSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Warn("closing sinks", "error", err)
		}
	}()

	service := runtime.NewService(st.records, st.rules,
		runtime.WithLogger(logger),
		runtime.WithMetrics(metrics),
		runtime.WithSinks(sinks...),
		runtime.WithStrictValidation(cfg.Evaluation.Strict),
	)

	var th *throttle
	if cfg.Throttle.Enabled {
		window, delay, err := cfg.ThrottleTimings()
		if err != nil {
			return err
		}
		th = newThrottle(cfg.Throttle.Threshold, window, delay, cfg.Throttle.MaxClients)
	}

	opts := serverOptions{
		corsOrigins:      cfg.HTTP.CORSOrigins,
		emptyResultError: cfg.HTTP.EmptyResultError,
		throttle:         th,
		checks:           st.checks,
		accessLog:        accessLog,
	}
	if registry != nil {
		opts.gatherer = registry
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newServer(service, logger, opts).handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *runtime.GRPCServer
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer = runtime.NewGRPCServer(service, logger)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	return err
}
