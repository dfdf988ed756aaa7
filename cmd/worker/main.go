package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"content-publisher/internal/app"
	"content-publisher/internal/config"
	"content-publisher/internal/logging"
	"content-publisher/internal/telemetry"
)

func main() {
	cfg := config.Load()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	log := logging.New("publisher-worker", cfg.LogLevel, cfg.LogFormat).WithField("worker_id", workerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	metrics := func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			_ = metricsServer.Close()
		}()
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
		return nil
	}

	log.WithFields(logrus.Fields{
		"poll_interval": cfg.PollInterval.String(),
		"batch_size":    cfg.BatchSize,
		"max_retries":   cfg.MaxRetries,
	}).Info("worker started")
	if err := a.Run(ctx, metrics); err != nil {
		log.WithError(err).Error("worker stopped")
	}
}
