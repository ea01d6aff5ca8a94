package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tableforge/arbiter/internal/archive"
	"github.com/tableforge/arbiter/internal/collector"
	"github.com/tableforge/arbiter/internal/config"
	"github.com/tableforge/arbiter/internal/gateway"
	"github.com/tableforge/arbiter/internal/keystore"
	"github.com/tableforge/arbiter/internal/orchestrator"
	"github.com/tableforge/arbiter/internal/pending"
	"github.com/tableforge/arbiter/internal/providers"
	"github.com/tableforge/arbiter/internal/scheduler"
	"github.com/tableforge/arbiter/internal/session"
	"github.com/tableforge/arbiter/internal/settings"
	"github.com/tableforge/arbiter/internal/store/pg"
	"github.com/tableforge/arbiter/internal/telemetry"
	"github.com/tableforge/arbiter/internal/tools"
)

// archived events older than this are dropped by the vacuum sweep
const archiveRetention = 30 * 24 * time.Hour

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the arbiter backend",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runServe() {
	setupLogging()
	log := slog.Default()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, log)
	if err != nil {
		log.Warn("telemetry init failed", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTelemetry(flushCtx)
		}()
	}

	col := collector.New(cfg.Inbox.MaxItems, cfg.InboxRetention())

	var eventArchive *archive.Store
	if cfg.Archive.Enabled {
		eventArchive, err = archive.Open(config.ExpandHome(cfg.Archive.Path), log)
		if err != nil {
			log.Error("archive open failed", "path", cfg.Archive.Path, "error", err)
			os.Exit(1)
		}
		defer eventArchive.Close()
		col.SetArchiver(eventArchive)
	}

	persister, cleanup, err := buildPersister(cfg, log)
	if err != nil {
		log.Error("session persistence setup failed", "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}
	sessions := session.NewStore(cfg.SessionIdleTimeout(), persister)

	set := settings.NewStore()
	pend := pending.NewRegistry()

	server := gateway.NewServer(cfg, col, sessions, set, pend, log)

	keys := keystore.NewConfigKeyStore(cfg)
	llm := providers.NewGateway(keys, log)
	registry := tools.NewDefaultRegistry(col, pend, server, log)

	// Read through the config on every turn so a hot reload of the turn
	// budget or token budget applies without a restart.
	orch := orchestrator.New(sessions, col, llm, registry, func() orchestrator.Options {
		return orchestrator.Options{
			MaxIterations: cfg.TurnsSnapshot().MaxIterations,
			TokenBudget:   cfg.SessionTokenBudget(),
		}
	}, log)
	server.SetTurnRunner(orch)

	sched := scheduler.New(log)
	addJob := func(name, expr string, run func()) {
		if expr == "" {
			return
		}
		if err := sched.Add(name, expr, run); err != nil {
			log.Error("scheduler setup failed", "error", err)
			os.Exit(1)
		}
	}
	addJob("session-eviction", cfg.Sessions.EvictionCron, func() {
		if n := sessions.AutoEvict(); n > 0 {
			log.Info("sessions.evicted", "count", n)
		}
	})
	addJob("inbox-retention", cfg.Inbox.SweepCron, func() { col.SweepRetention() })
	if eventArchive != nil {
		addJob("archive-vacuum", cfg.Archive.VacuumCron, func() {
			if n, err := eventArchive.Vacuum(archiveRetention); err != nil {
				log.Warn("archive.vacuum_failed", "error", err)
			} else if n > 0 {
				log.Info("archive.vacuumed", "events", n)
			}
		})
	}
	go sched.Start(ctx)

	go func() {
		if err := config.Watch(ctx, cfgPath, cfg); err != nil {
			log.Warn("config watch unavailable", "error", err)
		}
	}()

	// Tailscale listener serves the same mux when built with -tags tsnet.
	mux := server.BuildMux()
	if tsCleanup := initTailscale(ctx, cfg, mux, log); tsCleanup != nil {
		defer tsCleanup()
	}

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	log.Info("arbiter starting", "version", Version, "mode", mode,
		"archive", cfg.Archive.Enabled, "telemetry", cfg.Telemetry.Enabled)

	if err := server.Start(ctx); err != nil {
		log.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// buildPersister picks the session persistence backend: Postgres in managed
// mode, snapshot files otherwise.
func buildPersister(cfg *config.Config, log *slog.Logger) (session.Persister, func(), error) {
	if cfg.IsManagedMode() {
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		log.Info("sessions.persistence", "backend", "postgres")
		return pg.NewSessionPersister(db), func() { db.Close() }, nil
	}

	dir := config.ExpandHome(cfg.Sessions.Storage)
	fp, err := session.NewFilePersister(dir)
	if err != nil {
		return nil, nil, err
	}
	log.Info("sessions.persistence", "backend", "file", "dir", dir)
	return fp, nil, nil
}
