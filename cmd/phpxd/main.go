package main

import (
	"context"
	"log"
	"os"

	"github.com/phpx-sh/phpxd/internal/config"
	"github.com/phpx-sh/phpxd/internal/engine"
	"github.com/phpx-sh/phpxd/internal/lifecycle"
	"github.com/phpx-sh/phpxd/internal/pool"
	"github.com/phpx-sh/phpxd/internal/server"
	"github.com/phpx-sh/phpxd/internal/store"
	"github.com/phpx-sh/phpxd/internal/supervisor"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("phpxd: starting",
		"listen_addr", cfg.ListenAddr,
		"engine_bin", cfg.EngineBin,
		"entrypoint", cfg.Entrypoint,
		"max_workers", cfg.MaxWorkers,
		"min_warm_workers", cfg.MinWarmWorkers,
	)

	journal, err := store.NewSQLiteStore(cfg.EventDBPath)
	if err != nil {
		log.Fatalf("failed to open event journal: %v", err)
	}
	defer journal.Close()

	eng := engine.NewSubprocessEngine(engine.SubprocessConfig{Bin: cfg.EngineBin}, logger)
	p := pool.New(cfg, eng, journal, logger)
	sup := supervisor.New(cfg, p, journal, logger)
	control := lifecycle.New(cfg, p, sup, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	if err := control.Prewarm(ctx); err != nil {
		log.Fatalf("failed to prewarm workers: %v", err)
	}
	go func() {
		if err := control.Watch(ctx); err != nil {
			logger.Warn("application watch unavailable", "error", err)
		}
	}()

	srv := server.NewServer(cfg, p, sup, control, journal, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
