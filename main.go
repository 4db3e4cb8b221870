package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"battle-orchestrator/cache"
	"battle-orchestrator/clients"
	"battle-orchestrator/config"
	"battle-orchestrator/events"
	"battle-orchestrator/handlers"
	"battle-orchestrator/middleware"
	"battle-orchestrator/observability"
	"battle-orchestrator/repository"
	"battle-orchestrator/services"
	"battle-orchestrator/utils"
	"battle-orchestrator/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	observability.SetLevel(cfg.Logging.Level)
	logger := observability.NewLogger("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.DefaultMetrics()
	deps := services.Dependencies{Metrics: metrics}

	switch cfg.Database.Driver {
	case config.StoreDriverMemory:
		logger.Warn().Msg("using in-memory store, state is lost on restart")
		deps.Repo = repository.NewMemoryRepository()
	default:
		db, err := repository.Open(cfg.Database.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := repository.Migrate(db); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate database")
		}
		deps.Repo = repository.NewGormRepository(db)
	}

	topics, err := clients.NewTopicProvider(cfg.Topics)
	if err != nil {
		logger.Warn().Err(err).Msg("topic provider unavailable")
	} else {
		deps.Topics = topics
	}

	var ledger *clients.EscrowClient
	if cfg.Ledger.URL != "" {
		ledger = clients.NewEscrowClient(cfg.Ledger.URL, cfg.Ledger.Token, cfg.Settlement.LedgerTimeout)
		deps.Ledger = ledger
	}

	if cfg.Redis.Addr != "" {
		lb := cache.NewLeaderboardCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := lb.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, leaderboard served from database")
			lb.Close()
		} else {
			defer lb.Close()
			deps.Cache = lb
		}
	}

	if cfg.NATS.URL != "" {
		pub, err := events.NewNATSPublisher(ctx, cfg.NATS.URL, cfg.NATS.SubjectPrefix, observability.NewLogger("events"))
		if err != nil {
			logger.Warn().Err(err).Msg("NATS unavailable, lifecycle events disabled")
		} else {
			deps.Events = pub
		}
	}

	if cfg.Archive.Enabled() {
		archive, err := utils.NewReceiptArchive(ctx, cfg.Archive)
		if err != nil {
			logger.Warn().Err(err).Msg("receipt archive unavailable")
		} else {
			deps.Archive = archive
		}
	}

	orch := services.NewOrchestrator(cfg, deps)
	if err := orch.Initialize(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start orchestrator")
	}

	if ledger != nil {
		workers.NewPoolSyncWorker(deps.Repo, ledger, cfg.Ledger.PoolSyncInterval, cfg.Settlement.LedgerTimeout).Start(ctx)
	}

	app := fiber.New(fiber.Config{
		AppName:   "battle-orchestrator",
		BodyLimit: 64 * 1024,
	})

	origins := strings.Split(cfg.Server.AllowedOrigins, ",")
	for i, o := range origins {
		origins[i] = strings.TrimSpace(o)
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(origins, ","),
		AllowMethods:     "GET,POST,OPTIONS,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Wallet-Address, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Probes bypass gateway auth.
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Use(middleware.GatewayAuthMiddleware(cfg.Server.GatewayToken))
	handlers.SetupBattleRoutes(app, orch)

	go func() {
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			logger.Error().Err(err).Msg("server error")
		}
	}()
	logger.Info().
		Str("port", cfg.Server.Port).
		Str("store", cfg.Database.Driver).
		Bool("ledger", deps.Ledger != nil).
		Bool("redis", deps.Cache != nil).
		Bool("nats", deps.Events != nil).
		Bool("archive", deps.Archive != nil).
		Msg("server running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("orchestrator shutdown failed")
	}
}
