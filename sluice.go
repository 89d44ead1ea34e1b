package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/admin"
	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/channel"
	"github.com/sluicedb/sluice/datasource"
	"github.com/sluicedb/sluice/importer"
	"github.com/sluicedb/sluice/ratelimit"
	"github.com/sluicedb/sluice/sqlgen"
	"github.com/sluicedb/sluice/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Sluice - CDC record importer")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	// Target database
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	targetDB, err := datasource.Open(ctx, datasource.Options{
		Driver:      cfg.Config.Target.Driver,
		DSN:         cfg.Config.Target.DSN,
		PoolSize:    cfg.Config.Target.PoolSize,
		MaxIdleTime: time.Duration(cfg.Config.Target.MaxIdleTimeSeconds) * time.Second,
		MaxLifetime: time.Duration(cfg.Config.Target.MaxLifetimeSeconds) * time.Second,
	})
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open target database")
		return
	}
	defer targetDB.Close()

	// SQL generation
	builder, err := sqlgen.NewBuilder(sqlgen.Options{
		Dialect:         cfg.Config.Target.Driver,
		Schema:          cfg.Config.Target.Schema,
		ShardingColumns: cfg.Config.Tables.ShardingColumns,
		NullKeyFallback: cfg.Config.Dialect.NullKeyFallback,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize SQL builder")
		return
	}

	// Record channel
	recordChannel, err := openChannel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open record channel")
		return
	}
	defer recordChannel.Close()

	// Table filter
	filter, err := importer.NewTableFilter(cfg.Config.Tables.Include)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid table filter")
		return
	}

	// Flush executor with rate limiting
	limiter := buildLimiter()
	executor, err := importer.NewExecutor(targetDB, builder, limiter, importer.ExecutorOptions{
		RetryTimes:       cfg.Config.Importer.RetryTimes,
		StatementTimeout: time.Duration(cfg.Config.Importer.StatementTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize flush executor")
		return
	}
	defer executor.Close()

	// Importer
	registry := importer.NewRegistry()
	imp := importer.New(importer.Config{
		Name:         "main",
		Channel:      recordChannel,
		Executor:     executor,
		Filter:       filter,
		BatchSize:    cfg.Config.Importer.BatchSize,
		FetchTimeout: time.Duration(cfg.Config.Importer.FetchTimeoutMS) * time.Millisecond,
	})
	registry.Register(imp)

	collector := telemetry.NewMetricsCollector(registry, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	// Admin and metrics server
	adminServer := startAdminServer(registry)

	imp.Start()

	log.Info().
		Str("driver", cfg.Config.Target.Driver).
		Str("channel", string(cfg.Config.Channel.Backend)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Sluice started successfully")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	registry.StopAll()

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
	}
}

func openChannel() (channel.Channel, error) {
	switch cfg.Config.Channel.Backend {
	case cfg.ChannelMemory:
		return channel.NewMemoryChannel(), nil
	case cfg.ChannelPebble:
		return channel.OpenPebbleChannel(filepath.Join(cfg.Config.DataDir, "staging"))
	case cfg.ChannelNATS:
		return channel.OpenNatsChannel(channel.NatsConfig{
			URL:     cfg.Config.Channel.NATS.URL,
			Stream:  cfg.Config.Channel.NATS.Stream,
			Subject: cfg.Config.Channel.NATS.Subject,
			Durable: cfg.Config.Channel.NATS.Durable,
		})
	default:
		return nil, fmt.Errorf("unknown channel backend: %s", cfg.Config.Channel.Backend)
	}
}

func buildLimiter() ratelimit.Limiter {
	rl := cfg.Config.RateLimit
	if rl.InsertQPS == 0 && rl.UpdateQPS == 0 && rl.DeleteQPS == 0 {
		return ratelimit.Unlimited{}
	}
	return ratelimit.NewQPSLimiter(ratelimit.Config{
		InsertQPS: rl.InsertQPS,
		UpdateQPS: rl.UpdateQPS,
		DeleteQPS: rl.DeleteQPS,
	})
}

func startAdminServer(registry *importer.Registry) *http.Server {
	if !cfg.Config.Prometheus.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(registry))

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port),
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Admin server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return server
}
