// Command state-manager runs the distributed workflow state manager: the
// HTTP façade, the timeout sweeper, and the cron trigger scheduler, all
// sharing one MongoDB-backed App. Grounded on the teacher services'
// realMain shutdown sequence (services/api-gateway/gateway_v2.go,
// services/orchestrator/main.go): signal-based graceful shutdown, otel
// flush, bounded shutdown timeout.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/exospherehost/state-manager/internal/app"
	"github.com/exospherehost/state-manager/internal/config"
	"github.com/exospherehost/state-manager/internal/logging"
	"github.com/exospherehost/state-manager/internal/otelinit"
)

const serviceName = "exosphere-state-manager"

func main() {
	logging.Init(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		return
	}

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics := otelinit.InitMetrics(ctx, serviceName)

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("app init failed", "error", err)
		return
	}

	if err := a.Scheduler.ReconcileStartup(ctx, time.Duration(cfg.TriggerRetention)*24*time.Hour); err != nil {
		slog.Error("trigger startup reconciliation failed", "error", err)
	}

	go a.Scheduler.Run(ctx)
	if n, err := a.Dispatcher.SweepTimeouts(ctx); err != nil {
		slog.Error("startup timeout sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("startup timeout sweep", "timed_out", n)
	}
	go runTimeoutSweeper(ctx, a)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      a.HTTP.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting state-manager", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		slog.Error("app close error", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	otelinit.Flush(shutdownCtx, shutdownMetrics)

	slog.Info("shutdown complete")
}

// runTimeoutSweeper periodically transitions overdue QUEUED states to
// TIMEDOUT. Grounded on the same periodic-tick idiom as the trigger
// scheduler, at a tighter interval since timeouts are minute-granular.
func runTimeoutSweeper(ctx context.Context, a *app.App) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Dispatcher.SweepTimeouts(ctx)
			if err != nil {
				slog.Error("timeout sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("timeout sweep", "timed_out", n)
			}
		}
	}
}
