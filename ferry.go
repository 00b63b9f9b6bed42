package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/ferry/admin"
	"github.com/maxpert/ferry/cfg"
	"github.com/maxpert/ferry/check"
	"github.com/maxpert/ferry/governance"
	"github.com/maxpert/ferry/job"
	"github.com/maxpert/ferry/repository"
	"github.com/maxpert/ferry/telemetry"

	_ "github.com/maxpert/ferry/publisher/sink"
	_ "github.com/maxpert/ferry/publisher/transformer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	metricsInterval = 5 * time.Second
	shutdownTimeout = 30 * time.Second
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
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Ferry - MySQL migration and CDC ingestion")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry(cfg.Config.Prometheus.Enabled, cfg.Config.NodeID)
	if cfg.Config.Prometheus.Enabled {
		telemetry.InitMetrics()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open repository")
		return
	}
	defer repo.Close()

	gov := governance.New(repo, cfg.Config.Repository.Root)
	manager := job.NewManager(gov, strconv.FormatUint(cfg.Config.NodeID, 10), job.NewMySQLBuilder, check.NewChecker())

	for _, jc := range cfg.Config.Jobs {
		c, err := manager.Create(jc)
		if err != nil {
			log.Fatal().Err(err).Str("job", jc.Name).Msg("Failed to register job")
			return
		}
		if !jc.AutoStart {
			continue
		}
		if err := c.Start(ctx); err != nil {
			log.Error().Err(err).Str("job", jc.Name).Msg("Failed to start job")
		}
	}

	collector := telemetry.NewMetricsCollector(manager, metricsInterval)
	collector.Start()
	defer collector.Stop()

	server := startAdminServer(manager)

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("repository", string(cfg.Config.Repository.Type)).
		Int("jobs", len(cfg.Config.Jobs)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
	}
	if err := manager.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to stop jobs cleanly")
	}
}

func openRepository(ctx context.Context) (repository.Repository, error) {
	switch cfg.Config.Repository.Type {
	case cfg.RepositoryNATS:
		return repository.NewNatsRepository(ctx, cfg.Config.Repository.NatsURL, cfg.Config.Repository.Bucket)
	default:
		return repository.NewPebbleRepository(cfg.RepositoryPath())
	}
}

func startAdminServer(manager *job.Manager) *http.Server {
	if !cfg.Config.Admin.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(admin.ManagerJobs(manager)), cfg.Config.Admin.AuthToken)
	if h := telemetry.GetMetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Admin server failed")
		}
	}()
	log.Info().Str("address", server.Addr).Msg("Admin server listening")
	return server
}
