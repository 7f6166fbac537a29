package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"finitefield.org/storefront/internal/config"
	"finitefield.org/storefront/internal/observability"
)

func main() {
	var (
		configFile string
		envFile    string
	)
	flag.StringVar(&configFile, "config", "", "optional YAML config file")
	flag.StringVar(&envFile, "env", ".env", "dotenv file with local overrides")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, config.WithConfigFile(configFile), config.WithEnvFile(envFile))
	if err != nil {
		// logger is not configured yet
		_, _ = os.Stderr.WriteString("storefront: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		_, _ = os.Stderr.WriteString("storefront: build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("init app", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	go a.carts.janitor(ctx, 10*time.Minute, 2*time.Hour)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	logger.Info("storefront listening",
		zap.String("addr", srv.Addr),
		zap.Bool("dev_mode", cfg.Web.DevMode),
		zap.Bool("memory_cart", cfg.CartAPI.BaseURL == ""),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("listen", zap.Error(err))
	}
}
