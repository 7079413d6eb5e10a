package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/tsbridge/internal/api"
	"github.com/RenatoCabral2022/tsbridge/internal/bridge"
	"github.com/RenatoCabral2022/tsbridge/internal/config"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	logger.Info("tsbridge starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("configFile", cfg.ConfigFile),
		zap.Int("bufferSize", cfg.BufferSize),
		zap.Int("maxRecordings", cfg.MaxRecordings),
	)

	b, err := bridge.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create bridge", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.ConfigFile != "" {
		go config.Watch(ctx, cfg.ConfigFile, config.DefaultPollInterval, logger, func(f *config.File) {
			if err := b.Reload(f); err != nil {
				logger.Warn("config reload applied with errors", zap.Error(err))
			}
		})
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     api.NewRouter(api.NewHandlers(b, logger), cfg.APIKey),
		ReadTimeout: 10 * time.Second,
		// Switch requests block until the next safe boundary.
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("API listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	b.Shutdown()
}
