// Package main is the entry point for the zkqueue service.
// It wires a producer and a consumer on one queue, serves the HTTP API and
// optionally relays items to and from Kafka.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"zkqueue-go/internal/api"
	"zkqueue-go/internal/banner"
	"zkqueue-go/internal/config"
	"zkqueue-go/internal/coord"
	"zkqueue-go/internal/coord/etcd"
	"zkqueue-go/internal/coord/memory"
	"zkqueue-go/internal/coord/postgres"
	"zkqueue-go/internal/coord/redis"
	"zkqueue-go/internal/coord/zookeeper"
	"zkqueue-go/internal/ingest"
	"zkqueue-go/internal/processor"
	"zkqueue-go/internal/queue"
	"zkqueue-go/internal/relay"
	kafkarelay "zkqueue-go/internal/relay/kafka"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	banner.Print()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logger)

	logger.Info("configuration loaded",
		"path", *configPath,
		"backend", cfg.Coordination.Backend,
		"queue", cfg.Queue.Path,
	)

	deps, cleanup, err := initDependencies(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if deps.processor != nil {
		go func() {
			if err := deps.processor.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("processor error", "error", err)
				cancel()
			}
		}()
	}

	if deps.source != nil {
		go func() {
			if err := deps.source.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("kafka source error", "error", err)
				cancel()
			}
		}()
	}

	// Start HTTP server
	go func() {
		if err := deps.server.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("zkqueue started",
		"address", cfg.Server.Address(),
		"backend", cfg.Coordination.Backend,
		"sink", cfg.Relay.Sink,
		"source", cfg.Relay.Source,
	)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := deps.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if deps.processor != nil {
		if err := deps.processor.Stop(); err != nil {
			logger.Error("processor shutdown error", "error", err)
		}
	}

	logger.Info("zkqueue stopped")
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	server    *api.Server
	processor *processor.Service
	source    *kafkarelay.Source
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and a cleanup function.
func initDependencies(cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var cleanupFuncs []func()
	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}
	fail := func(err error) (*dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	newClient, err := clientFactory(cfg, logger)
	if err != nil {
		return fail(err)
	}

	opts := func(role string) (queue.Options, error) {
		client, err := newClient()
		if err != nil {
			return queue.Options{}, err
		}
		roleLogger := logger.With("component", role)
		return queue.Options{
			Path:             cfg.Queue.Path,
			Prefix:           cfg.Queue.Prefix,
			Width:            cfg.Queue.Width,
			Client:           client,
			OperationTimeout: cfg.Queue.OperationTimeout,
			HighWaterMark:    cfg.Queue.HighWaterMark,
			Logger:           roleLogger,
			Listener: queue.Listener{
				OnConnect: func() { roleLogger.Info("queue connected") },
				OnError:   func(err error) { roleLogger.Warn("queue error", "error", err) },
				OnClose:   func() { roleLogger.Info("queue closed") },
			},
		}, nil
	}

	// Initialize producer
	producerOpts, err := opts("producer")
	if err != nil {
		return fail(err)
	}
	producer, err := queue.NewProducer(producerOpts)
	if err != nil {
		return fail(fmt.Errorf("failed to create producer: %w", err))
	}
	cleanupFuncs = append(cleanupFuncs, func() {
		producer.End()
		<-producer.Done()
	})

	// Initialize consumer
	consumerOpts, err := opts("consumer")
	if err != nil {
		return fail(err)
	}
	consumer, err := queue.NewConsumer(consumerOpts)
	if err != nil {
		return fail(fmt.Errorf("failed to create consumer: %w", err))
	}
	cleanupFuncs = append(cleanupFuncs, func() {
		consumer.Destroy()
		<-consumer.Done()
	})

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ConnectTimeout)
	defer cancel()
	if err := producer.WaitConnected(connectCtx); err != nil {
		return fail(fmt.Errorf("producer did not connect: %w", err))
	}
	logger.Info("coordination session established", "backend", cfg.Coordination.Backend)

	ingestService := ingest.NewService(producer, logger)

	deps := &dependencies{}

	// A relay sink owns the consumer; otherwise it serves HTTP pulls.
	var puller api.Puller = consumer
	var sink relay.Sink
	switch cfg.Relay.Sink {
	case config.SinkLog:
		sink = relay.NewLogSink(logger)
	case config.SinkKafka:
		sink = kafkarelay.NewSink(&cfg.Relay.Kafka, cfg.Queue.Path)
	}
	if sink != nil {
		puller = nil
		deps.processor = processor.NewService(consumer, sink, logger)
	}

	if cfg.Relay.Source == config.SourceKafka {
		source := kafkarelay.NewSource(&cfg.Relay.Kafka, ingestService, logger)
		cleanupFuncs = append(cleanupFuncs, func() { _ = source.Close() })
		deps.source = source
	}

	deps.server = api.NewServer(api.ServerDeps{
		Config:      &cfg.Server,
		Logger:      logger,
		ItemHandler: api.NewItemHandler(ingestService, puller, logger),
		Components: map[string]api.StatusReporter{
			"producer": producer,
			"consumer": consumer,
		},
	})

	return deps, cleanup, nil
}

// clientFactory returns a constructor for coordination clients of the
// configured backend. Every producer and consumer gets its own session.
func clientFactory(cfg *config.Config, logger *slog.Logger) (func() (coord.Client, error), error) {
	c := cfg.Coordination

	switch c.Backend {
	case config.BackendMemory:
		logger.Info("using in-process coordination service")
		srv := memory.NewServer()
		return func() (coord.Client, error) { return srv.NewClient(), nil }, nil

	case config.BackendZookeeper:
		return func() (coord.Client, error) {
			return zookeeper.New(zookeeper.Config{
				Servers:        c.Zookeeper.Servers,
				SessionTimeout: c.Zookeeper.SessionTimeout,
				SpinDelay:      c.Zookeeper.SpinDelay,
				Retries:        c.Zookeeper.Retries,
				Logger:         logger,
			})
		}, nil

	case config.BackendEtcd:
		return func() (coord.Client, error) {
			return etcd.New(etcd.Config{
				Endpoints:   c.Etcd.Endpoints,
				Namespace:   c.Etcd.Namespace,
				DialTimeout: c.Etcd.DialTimeout,
				Logger:      logger,
			})
		}, nil

	case config.BackendRedis:
		return func() (coord.Client, error) {
			return redis.New(redis.Config{
				Addr:         c.Redis.RedisAddr(),
				Password:     c.Redis.Password,
				DB:           c.Redis.DB,
				KeyPrefix:    c.Redis.KeyPrefix,
				PingInterval: c.Redis.PingInterval,
				Logger:       logger,
			})
		}, nil

	case config.BackendPostgres:
		return func() (coord.Client, error) {
			return postgres.New(postgres.Config{
				Host:         c.Postgres.Host,
				Port:         c.Postgres.Port,
				User:         c.Postgres.User,
				Password:     c.Postgres.Password,
				Database:     c.Postgres.Database,
				SSLMode:      c.Postgres.SSLMode,
				MaxConns:     c.Postgres.MaxOpenConns,
				MinConns:     c.Postgres.MaxIdleConns,
				PingInterval: c.Postgres.PingInterval,
				Logger:       logger,
			})
		}, nil
	}

	return nil, fmt.Errorf("unknown coordination backend %q", c.Backend)
}

// initLogger creates and configures the application logger.
func initLogger(cfg config.LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
