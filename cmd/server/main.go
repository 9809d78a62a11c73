package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/console-server-go/internal/config"
	"github.com/openclaw/console-server-go/internal/database"
	"github.com/openclaw/console-server-go/internal/handler"
	"github.com/openclaw/console-server-go/internal/jobs"
	"github.com/openclaw/console-server-go/internal/middleware"
	"github.com/openclaw/console-server-go/internal/provider"
	"github.com/openclaw/console-server-go/internal/redis"
	"github.com/openclaw/console-server-go/internal/repository"
	"github.com/openclaw/console-server-go/internal/service"
	"github.com/openclaw/console-server-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), time.Minute)
	if err := database.Migrate(migrateCtx, cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	migrateCancel()
	log.Info().Msg("migrations applied")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	historyRepo := repository.NewPairingEventRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	gateway := provider.NewClient(cfg.GatewayURL, cfg.GatewayToken)

	notifier := service.NewNotificationService(broker, historyRepo)
	controller := service.NewPairingController(gateway, gateway, notifier, service.PairingTimings{
		InitialDelay:    cfg.PairingInitialDelay(),
		ProbeInterval:   cfg.PairingProbeInterval(),
		RefreshInterval: cfg.PairingRefreshInterval(),
		SuccessDwell:    cfg.PairingSuccessDwell(),
	})
	defer controller.Close()

	instanceService := service.NewInstanceService(gateway, gateway, controller)
	openLimiter := service.NewPairingRateLimiter(
		redisClient, cfg.PairingOpenLimitPerMin, config.PairingOpenLimitWindow,
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.ConsoleToken)
	pairingLimitMiddleware := middleware.NewPairingRateLimitMiddleware(openLimiter)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	instanceHandler := handler.NewInstanceHandler(instanceService)
	pairingHandler := handler.NewPairingHandler(controller, historyRepo)
	eventsHandler := handler.NewEventsHandler(broker, controller)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(authMiddleware.Handler)

		// The request timeout stays off /api/events: SSE streams live until
		// the client goes away.
		api.Group(func(g chi.Router) {
			g.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

			g.Route("/instances", func(ir chi.Router) {
				ir.Get("/", instanceHandler.List)
				ir.Post("/", instanceHandler.Create)

				ir.Route("/{id}", func(one chi.Router) {
					one.Post("/start", instanceHandler.Start)
					one.Post("/stop", instanceHandler.Stop)
					one.Post("/restart", instanceHandler.Restart)
					one.Delete("/", instanceHandler.Delete)
					one.Get("/health", instanceHandler.Health)
					one.With(pairingLimitMiddleware.Handler).Post("/pairing", pairingHandler.Open)
					one.Get("/pairing/history", pairingHandler.History)
				})
			})

			g.Get("/pairing", pairingHandler.Status)
			g.Delete("/pairing", pairingHandler.Close)
		})

		api.Get("/events", eventsHandler.ServeHTTP)
	})

	r.Group(func(spa chi.Router) {
		spa.Use(securityHeadersMiddleware.Handler)
		spa.Get("/*", handler.StaticFileServer(cfg.StaticDir).ServeHTTP)
	})

	cleanupJob := jobs.NewCleanupJob(historyRepo, config.CleanupJobInterval, cfg.HistoryRetention())
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
