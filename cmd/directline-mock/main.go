// Command directline-mock serves an in-memory Direct Line endpoint with an
// echo bot, for running the backend and surfaces without a registered bot.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/botline/internal/config"
	"github.com/zhouzirui/botline/internal/pkg/logger"
	"github.com/zhouzirui/botline/internal/service/simulator"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}

	log := logger.New(logger.Options{
		Production: cfg.Log.IsProduction(),
		Level:      cfg.Log.Level,
		FilePath:   cfg.Log.FilePath,
	})
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	sim := simulator.New(simulator.Options{
		Secret:     cfg.Mock.Secret,
		SigningKey: cfg.Mock.SigningKey,
		TokenTTL:   cfg.Mock.TokenTTL,
	}, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", sim.Routes())

	srv := &http.Server{
		Addr:              cfg.Mock.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("direct line simulator listening",
		zap.String("addr", cfg.Mock.Addr),
		zap.String("base_url", "http://localhost"+cfg.Mock.Addr+"/v3/directline"))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		log.Fatal("simulator error", zap.Error(err))
	}
}
