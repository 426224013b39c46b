package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mealpass/kiosk/internal/cache"
	"mealpass/kiosk/internal/config"
	"mealpass/kiosk/internal/handlers"
	"mealpass/kiosk/internal/jobs"
	"mealpass/kiosk/internal/log"
	"mealpass/kiosk/internal/scanner"
	"mealpass/kiosk/internal/server"
	"mealpass/kiosk/internal/service"
	"mealpass/kiosk/internal/ticketstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment)

	ctx := context.Background()

	store, err := ticketstore.NewClient(cfg.Store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init ticket store client")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	if redisClient == nil {
		logger.Warn().Msg("redis disabled, running memory-only")
	}

	scans := scanner.New(scanner.NewQRDecoder(), cfg.Kiosk.ScanInterval, logger)

	redemption := service.NewRedemptionService(ctx, store, scans, redisClient, cfg, logger)

	handlerSet := handlers.NewHandlerSet(logger, redemption, redisClient, cfg)
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	auditStream := fmt.Sprintf("kiosk:%s:audit", cfg.Kiosk.KioskID)
	janitor := jobs.NewJanitor(redemption, redisClient, auditStream, logger)
	if err := janitor.Start(); err != nil {
		logger.Error().Err(err).Msg("janitor start failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, janitor, redemption, redisClient)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, janitor *jobs.Janitor, redemption *service.RedemptionService, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("forced shutdown failed")
		}
	}

	if janitor != nil {
		janitor.Stop()
	}

	// Releases the camera loop and the remote session slot.
	redemption.Close()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close error")
		}
	}

	logger.Info().Msg("kiosk exited cleanly")
}
