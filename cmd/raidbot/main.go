package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jensholdgaard/discord-raid-bot/internal/bot"
	"github.com/jensholdgaard/discord-raid-bot/internal/clock"
	"github.com/jensholdgaard/discord-raid-bot/internal/config"
	"github.com/jensholdgaard/discord-raid-bot/internal/health"
	"github.com/jensholdgaard/discord-raid-bot/internal/leader"
	"github.com/jensholdgaard/discord-raid-bot/internal/ledger"
	"github.com/jensholdgaard/discord-raid-bot/internal/lifecycle"
	"github.com/jensholdgaard/discord-raid-bot/internal/notify"
	"github.com/jensholdgaard/discord-raid-bot/internal/reconcile"
	"github.com/jensholdgaard/discord-raid-bot/internal/scheduler"
	"github.com/jensholdgaard/discord-raid-bot/internal/signup"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
	"github.com/jensholdgaard/discord-raid-bot/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/discord-raid-bot/internal/store/entstore"
	_ "github.com/jensholdgaard/discord-raid-bot/internal/store/memstore"
	_ "github.com/jensholdgaard/discord-raid-bot/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver (sqlx, ent or mem).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Discord session and the outbound adapter. The session is shared
	// between the adapter and the bot's inbound handlers.
	session, err := bot.Session(cfg.Discord)
	if err != nil {
		return fmt.Errorf("building session: %w", err)
	}
	adapter := notify.NewDiscord(session, cfg.Raids.RoleEmojis, logger)

	// Core: ledger, engine, lifecycle, scheduler, reconciler.
	led := ledger.New(repos.Raids, repos.Signups, clk, logger, tp.TracerProvider)
	engine := signup.NewEngine(led, repos.Raids, repos.Signups, repos.Events,
		adapter, adapter, adapter, adapter, cfg.Raids, clk, logger, tp.TracerProvider)
	manager := lifecycle.NewManager(led, repos, adapter, adapter, adapter, engine,
		cfg.Raids, clk, logger, tp.TracerProvider)
	sched := scheduler.New(repos.Raids, repos.Signups, repos.Events, adapter, manager,
		cfg.Raids, clk, logger, tp.TracerProvider)
	reconciler := reconcile.New(repos.Raids, repos.Signups, led, adapter, adapter,
		logger, tp.TracerProvider)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	// Start HTTP server for health checks (runs on all replicas).
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()

	// startBot is the core work that only the leader should run.
	startBot := func(ctx context.Context) {
		discordBot := bot.New(session, adapter, engine, manager, repos, cfg.Discord,
			logger, tp.TracerProvider)

		if botErr := discordBot.Start(ctx); botErr != nil {
			logger.ErrorContext(ctx, "starting bot failed", slog.Any("error", botErr))
			return
		}

		// Converge signup rows with the reactions that accumulated while
		// no replica was active, then start firing milestones.
		if recErr := reconciler.Run(ctx); recErr != nil {
			logger.ErrorContext(ctx, "startup reconciliation failed", slog.Any("error", recErr))
		}
		go sched.Run(ctx)

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "raidbot is running (leader)", slog.String("version", version))

		// Block until leadership is lost or process is shutting down.
		<-ctx.Done()

		healthHandler.SetReady(false)
		if stopErr := discordBot.Stop(); stopErr != nil {
			logger.Error("bot shutdown error", slog.Any("error", stopErr))
		}
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, leader.Config(cfg.LeaderElection), logger, startBot, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		// No leader election: run the core directly.
		startBot(ctx)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
