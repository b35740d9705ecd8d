// Package main is the entry point for the factortuner hyperparameter
// tuning service. It wires the sqlite store, parameter-space generator,
// batch execution engine, result collector, background maintenance jobs,
// and the HTTP operator surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chiehlin/factortuner/internal/config"
	"github.com/chiehlin/factortuner/internal/database"
	"github.com/chiehlin/factortuner/internal/events"
	"github.com/chiehlin/factortuner/internal/modules/engine"
	"github.com/chiehlin/factortuner/internal/modules/pipeline"
	"github.com/chiehlin/factortuner/internal/modules/progress"
	"github.com/chiehlin/factortuner/internal/modules/results"
	"github.com/chiehlin/factortuner/internal/modules/session"
	"github.com/chiehlin/factortuner/internal/reliability"
	"github.com/chiehlin/factortuner/internal/scheduler"
	"github.com/chiehlin/factortuner/internal/server"
	"github.com/chiehlin/factortuner/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting factortuner")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to create data directory")
	}

	// Tuning database (sessions, queue, results, execution log)
	tuningDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "tuning.db"),
		Profile: database.ProfileStandard,
		Name:    "tuning",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open tuning database")
	}
	defer tuningDB.Close()

	if err := tuningDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate tuning database")
	}

	// Event bus feeds the websocket progress stream
	bus := events.NewBus(log)
	em := events.NewManager(bus, log)

	repo := session.NewRepository(tuningDB.Conn(), log)
	svc, err := session.NewService(repo, cfg.TuningConfig, em, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load parameter space")
	}
	pm := progress.NewManager(tuningDB.Conn(), log)

	// Strategy evaluation: external script when configured, otherwise the
	// in-process backtest pipeline.
	var runner pipeline.Runner
	if cfg.BacktestScript != "" {
		runner, err = pipeline.NewSubprocessRunner(strings.Fields(cfg.BacktestScript), log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create subprocess runner")
		}
		log.Info().Str("script", cfg.BacktestScript).Msg("Using external backtest runner")
	} else {
		runner = pipeline.NewLocalRunner(tuningDB.Conn(), pipeline.NewFactorRanker(log), log)
		log.Info().Msg("Using in-process backtest runner")
	}

	eng := engine.NewEngine(repo, pm, runner, em, log)
	collector := results.NewCollector(tuningDB.Conn(), log)

	// Background maintenance
	sched := scheduler.New(log)

	if err := sched.AddJob("0 0 * * * *", reliability.NewCheckpointJob(tuningDB, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register checkpoint job")
	}
	if err := sched.AddJob("0 0 3 * * *", reliability.NewRetentionJob(repo, cfg.RetentionDays, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register retention job")
	}

	if cfg.Archive.Enabled {
		store, err := reliability.NewS3Client(cfg.Archive, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize archive storage")
		}
		archiveSvc := reliability.NewArchiveService(store, tuningDB, cfg.DataDir, log)
		if err := sched.AddJob("0 30 4 * * *", reliability.NewArchiveJob(archiveSvc, cfg.Archive.RetentionDays, log)); err != nil {
			log.Fatal().Err(err).Msg("Failed to register archive job")
		}
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Cloud archiving enabled")
	} else {
		log.Debug().Msg("Cloud archiving not configured")
	}

	sched.Start()

	srv := server.New(server.Config{
		Log:       log,
		Cfg:       cfg,
		TuningDB:  tuningDB,
		Repo:      repo,
		Service:   svc,
		Progress:  pm,
		Engine:    eng,
		Collector: collector,
		Bus:       bus,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Let any running execution finish its in-flight batch
	if eng.IsRunning() {
		eng.Stop()
		log.Info().Msg("Requested engine stop")
	}

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
