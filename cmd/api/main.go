package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"content-publisher/internal/api"
	"content-publisher/internal/app"
	"content-publisher/internal/config"
	"content-publisher/internal/logging"
	"content-publisher/internal/ratelimit"
)

func main() {
	cfg := config.Load()
	log := logging.New("publisher-api", cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	limiter := ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(a.Service, limiter, log.WithField("component", "api"))
	if cfg.MediaS3Bucket == "" {
		server.ServeMedia(cfg.MediaOutputDir)
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serve := func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			log.WithField("addr", httpServer.Addr).Info("api listening")
			errCh <- httpServer.ListenAndServe()
		}()
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	}

	if err := a.Run(ctx, serve); err != nil {
		log.WithError(err).Error("api stopped")
	}
}
