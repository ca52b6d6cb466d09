package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chronocore/backend/internal/config"
	"github.com/chronocore/backend/internal/diagnostics"
	"github.com/chronocore/backend/internal/engine"
	"github.com/chronocore/backend/internal/filter"
	"github.com/chronocore/backend/internal/httpapi"
	"github.com/chronocore/backend/internal/journal"
	"github.com/chronocore/backend/internal/model"
	"github.com/chronocore/backend/internal/monitoring"
	"github.com/chronocore/backend/internal/timing"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	dbPath := flag.String("db", "", "journal database path (overrides config)")
	noRecover := flag.Bool("no-recover", false, "skip crash recovery at startup")
	flag.Parse()

	// .env is optional; container platforms inject env directly
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("config load failed", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dbPath != "" {
		cfg.Journal.Path = *dbPath
	}

	clock := timing.System{}
	metrics := monitoring.New(prometheus.DefaultRegisterer)
	diag := diagnostics.NewStream()

	store, err := journal.Open(cfg.Journal.Path, journal.Options{
		BatchInterval:   cfg.Journal.BatchInterval(),
		BatchMax:        cfg.Journal.BatchMax,
		KeepCheckpoints: cfg.Journal.KeepCheckpoints,
		Fsync:           *cfg.Journal.Fsync,
	}, clock, metrics)
	if err != nil {
		slog.Error("journal open failed", "path", cfg.Journal.Path, "error", err)
		os.Exit(1)
	}

	pipe := filter.New(filter.Config{
		MinTagLen:       cfg.Filter.MinTagLen,
		RatePerSec:      cfg.Filter.RateLimitPerSec,
		DuplicateWindow: time.Duration(cfg.Filter.DuplicateWindowSec * float64(time.Second)),
		AutoProvisional: *cfg.Filter.AutoProvisional,
	}, clock)

	eng := engine.New(clock, store, pipe, diag, metrics, engine.Config{
		MinLapDupS:      cfg.Engine.MinLapDupSec,
		AutoProvisional: *cfg.Filter.AutoProvisional,
		PitTiming:       *cfg.Features.PitTiming,
		CheckpointEvery: cfg.Journal.CheckpointInterval(),
		TickEvery:       time.Duration(cfg.Engine.TickMs) * time.Millisecond,
	})

	if !*noRecover {
		switch err := eng.Recover(0); {
		case err == nil:
			// recovered; state logged by the engine
		case errors.Is(err, model.ErrNoSession):
			slog.Info("no previous session to recover")
		default:
			slog.Error("recovery failed, starting empty", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := httpapi.NewHub(eng.Snapshot)
	go hub.Run(ctx)
	eng.SetNotify(hub.PushState)

	decisions, unsubscribe := diag.Subscribe()
	defer unsubscribe()
	go func() {
		for d := range decisions {
			hub.PushDecision(d)
		}
	}()

	eng.Start()

	api := httpapi.New(eng, store, diag, hub)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket connections outlive any write deadline
	}

	go func() {
		slog.Info("listening", "port", cfg.Server.Port, "env", cfg.Server.Env, "db", cfg.Journal.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}

	eng.Stop()
	if err := store.Flush(shutdownCtx); err != nil {
		slog.Warn("final flush", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		slog.Warn("store close", "error", err)
	}
	slog.Info("bye")
}
