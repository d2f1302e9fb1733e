// Package main запускает HTTP-сервер сервиса фудшеринга.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/foodrescue-system/internal/cartcache"
	"github.com/mmeshcher/foodrescue-system/internal/config"
	"github.com/mmeshcher/foodrescue-system/internal/handler"
	"github.com/mmeshcher/foodrescue-system/internal/maps"
	"github.com/mmeshcher/foodrescue-system/internal/middleware"
	"github.com/mmeshcher/foodrescue-system/internal/repository"
	"github.com/mmeshcher/foodrescue-system/internal/route"
	"github.com/mmeshcher/foodrescue-system/internal/service"
)

const (
	cartTTL      = 24 * time.Hour
	cartIdleTime = 2 * time.Hour
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	defer redisClient.Close()

	carts := cartcache.New(redisClient, cartTTL, cartIdleTime)

	mapsClient := maps.NewClient(cfg.MapsAddress)
	planner := route.NewSolver(mapsClient)

	svc := service.NewService(repo, carts, mapsClient, planner, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового пересчёта маршрутов для заказов без маршрута
	g.Go(func() error {
		svc.StartRouteUpdates(ctx)
		return nil
	})

	// Запуск фоновой очистки брошенных корзин
	g.Go(func() error {
		svc.StartCartSweeper(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting foodrescue server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
