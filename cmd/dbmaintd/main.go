// dbmaintd is the database maintenance daemon. It owns the periodic
// maintenance loop; the managers themselves never schedule anything.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openquant/dbmaint/internal/config"
	"github.com/openquant/dbmaint/internal/logging"
	"github.com/openquant/dbmaint/internal/maintenance"
	"github.com/openquant/dbmaint/internal/parquet"
	"github.com/openquant/dbmaint/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "dbmaint.yaml", "config file path")
	dbPath := flag.String("db", "", "database path (overrides config)")
	dataDir := flag.String("data-dir", "", "shard data directory (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "log in JSON format")
	once := flag.Bool("once", false, "run one maintenance pass and exit")
	flag.Parse()

	logging.Init(parseLevel(*logLevel), *logJSON)
	log := logging.Component("dbmaintd")
	log.Info("starting", "version", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no config file found, using defaults", "path", *cfgPath)
			cfg = config.DefaultConfig()
		} else {
			log.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	if err := cfg.EnsureDirectories(); err != nil {
		log.Error("create data directories", "error", err)
		os.Exit(1)
	}

	session, err := store.Open(cfg.Database.Path, cfg.Database.MemoryLimit)
	if err != nil {
		log.Error("open database", "error", err, "path", cfg.Database.Path)
		os.Exit(1)
	}
	defer session.Close()

	mgr, err := maintenance.NewDatabaseManager(cfg, session, parquet.New())
	if err != nil {
		log.Error("create database manager", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		if err := runPass(ctx, mgr, log); err != nil {
			os.Exit(1)
		}
		return
	}

	schedule := mgr.Schedule()
	log.Info("maintenance loop running", "interval", schedule.Interval)

	ticker := time.NewTicker(schedule.Interval)
	defer ticker.Stop()

	// First pass immediately, then on the ticker.
	runPass(ctx, mgr, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			runPass(ctx, mgr, log)
		}
	}
}

func runPass(ctx context.Context, mgr *maintenance.DatabaseManager, log *slog.Logger) error {
	result, err := mgr.PerformMaintenance(ctx)
	if err != nil {
		log.Error("maintenance pass failed", "error", err)
		return err
	}
	log.Info("maintenance pass done",
		"duration", result.Duration,
		"shards_created", len(result.ShardsCreated),
		"compressed", len(result.Compression),
		"errors", len(result.Errors))
	for _, e := range result.Errors {
		log.Warn("maintenance step failed", "detail", e)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
