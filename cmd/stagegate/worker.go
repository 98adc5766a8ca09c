package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/stagegate/internal/notify"
	"github.com/pitabwire/stagegate/internal/observability"
)

func workerCommand(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued transition notifications to the webhook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.work(cmd.Context(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "listen address for worker metrics; empty disables")
	return cmd
}

func (a *app) work(parent context.Context, metricsAddr string) error {
	cfg, logger := a.cfg, a.logger
	qcfg := cfg.Notification.Queue
	if qcfg.RedisAddr == "" {
		return errors.New("worker: notification.queue.redis_addr is required")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	var notifier notify.Notifier
	if wh := cfg.Notification.Webhook; wh.URL != "" {
		notifier = notify.NewGuardedNotifier(
			notify.NewWebhookNotifier(wh.URL, wh.Headers, wh.Timeout),
			wh.Breaker.FailureThreshold, wh.Breaker.SuccessThreshold, wh.Breaker.Cooldown,
			logger.Named("webhook"),
		)
	} else {
		logger.Warn("no webhook configured, notifications are only logged")
	}

	mux := asynq.NewServeMux()
	notify.NewTaskHandler(notifier, logger.Named("notify")).WithRecorder(metrics).Register(mux)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: qcfg.RedisAddr},
		asynq.Config{
			Concurrency: qcfg.Concurrency,
			Queues:      map[string]int{qcfg.Name: 1},
			Logger:      logger.Named("asynq").Sugar(),
		},
	)
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("worker started",
		zap.String("queue", qcfg.Name),
		zap.Int("concurrency", qcfg.Concurrency),
	)

	var metricsSrv *http.Server
	if metricsAddr != "" {
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: observability.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown initiated")

	srv.Shutdown()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("shutdown complete")
	return nil
}
