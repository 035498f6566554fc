package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/botline/internal/config"
	"github.com/zhouzirui/botline/internal/handler"
	"github.com/zhouzirui/botline/internal/handler/token"
	"github.com/zhouzirui/botline/internal/model/surface"
	"github.com/zhouzirui/botline/internal/pkg/logger"
	"github.com/zhouzirui/botline/internal/service/chat"
	"github.com/zhouzirui/botline/internal/service/directline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

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

	if envErr != nil {
		log.Info("no .env file loaded, continuing with system environment variables only", zap.Error(envErr))
	}

	// The secret never leaves this process.
	if err := cfg.DirectLine.Validate(); err != nil {
		log.Fatal("refusing to start token backend", zap.Error(err))
	}

	client := directline.NewClient(cfg.DirectLine.BaseURL, &http.Client{Timeout: cfg.DirectLine.HTTPTimeout}, log)
	tokens := directline.NewSecretTokenSource(client, cfg.DirectLine.Secret)

	variants := surface.NewMemoryStore(surface.Seed())
	chatService := chat.NewService(client, tokens, variants, chat.ServiceOptions{
		PollInterval:  cfg.Chat.PollInterval,
		RefreshBefore: cfg.DirectLine.TokenRefreshBefore,
		SessionTTL:    cfg.Chat.SessionTTL,
		Logger:        log,
	})
	defer chatService.Close()

	router := handler.NewRouter(handler.Deps{
		Tokens: tokens,
		TokenRate: token.Options{
			RatePerSecond: cfg.Server.TokenRateLimit,
			Burst:         cfg.Server.TokenRateBurst,
		},
		Variants:       variants,
		Chat:           chatService,
		AllowedOrigins: cfg.Server.CorsAllowedOrigins,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Closing the widgets ends open SSE streams and WebSockets so Shutdown
	// does not wait on them.
	srv.RegisterOnShutdown(chatService.Close)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		log.Error("failed to listen", zap.String("addr", cfg.Server.Addr), zap.Error(err))
		return
	}

	log.Info("botline backend listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("directline", cfg.DirectLine.BaseURL))
	if err := runServer(ctx, srv, ln, shutdownTimeout); err != nil {
		log.Error("server error", zap.Error(err))
		return
	}
	log.Info("botline backend stopped")
}

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				zap.L().Warn("shutdown deadline reached, closing remaining connections")
				return srv.Close()
			}
			return err
		}
		return nil
	})

	return group.Wait()
}
