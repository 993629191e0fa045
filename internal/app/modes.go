package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inverstra/predictiondao/internal/pipeline"
	"github.com/inverstra/predictiondao/internal/server"
	"github.com/inverstra/predictiondao/internal/server/handler"
	"github.com/inverstra/predictiondao/internal/server/ws"
	"github.com/inverstra/predictiondao/internal/service"
)

const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API and websocket feed and drains the outbox in
// the same process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)

	reconciler := a.newReconciler(deps)
	if reconciler != nil {
		g.Go(func() error { return reconciler.Run(ctx) })
	}
	a.startHTTPServer(ctx, g, deps, reconciler)

	return g.Wait()
}

// ReconcilerMode only drains the outbox. Several instances may run; the
// Redis lock keeps batches exclusive.
func (a *App) ReconcilerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconciler mode")
	reconciler := a.newReconciler(deps)
	if reconciler == nil {
		return errors.New("app: reconciler mode requires a configured ledger")
	}
	return reconciler.Run(ctx)
}

// FullMode runs the server, the reconciler and the archive job.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	reconciler := a.newReconciler(deps)
	if reconciler != nil {
		g.Go(func() error { return reconciler.Run(ctx) })
	}
	a.startHTTPServer(ctx, g, deps, reconciler)

	if deps.Archiver != nil {
		job := pipeline.NewArchiveJob(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error {
			if a.cfg.Archive.Cron != "" {
				return job.RunCron(ctx, a.cfg.Archive.Cron)
			}
			return job.RunEvery(ctx, a.cfg.Archive.Interval.Duration)
		})
	}

	return g.Wait()
}

// newReconciler returns nil when no ledger is configured.
func (a *App) newReconciler(deps *Dependencies) *service.LedgerReconciler {
	if deps.Ledger == nil {
		return nil
	}
	oc := a.cfg.Outbox
	r := service.NewLedgerReconciler(deps.PredictionStore, deps.OutboxStore, deps.Ledger, service.ReconcilerConfig{
		PollInterval: oc.PollInterval.Duration,
		BatchSize:    oc.BatchSize,
		MaxAttempts:  oc.MaxAttempts,
		BaseBackoff:  oc.BaseBackoff.Duration,
		MaxBackoff:   oc.MaxBackoff.Duration,
		LockTTL:      oc.LockTTL.Duration,
	}, a.logger).
		WithEvents(deps.SignalBus, deps.AuditStore, deps.Notifier)
	if deps.LockManager != nil {
		r = r.WithLocks(deps.LockManager)
	}
	if deps.Cache != nil {
		r = r.WithCache(deps.Cache)
	}
	return r
}

func (a *App) newPredictionService(deps *Dependencies, reconciler *service.LedgerReconciler) *service.PredictionService {
	svc := service.NewPredictionService(deps.PredictionStore, a.logger).
		WithMaxVoteRetries(a.cfg.Voting.MaxVoteRetries).
		WithEvents(deps.SignalBus, deps.AuditStore, deps.Notifier).
		WithLedger(deps.Ledger, service.ItemReadPolicy(a.cfg.Ledger.ItemReadPolicy))
	if reconciler != nil && a.cfg.Ledger.InlineSync {
		svc = svc.WithInlineSync(reconciler)
	}
	if deps.Cache != nil {
		svc = svc.WithCache(deps.Cache)
	}
	return svc
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, reconciler *service.LedgerReconciler) {
	svc := a.newPredictionService(deps, reconciler)

	health := handler.NewHealthHandler(a.logger)
	for name, check := range deps.HealthChecks {
		health = health.WithCheck(name, check)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger)
		g.Go(func() error { return hub.Run(ctx) })
	}

	sc := a.cfg.Server
	srv := server.NewServer(server.Config{
		Port:            sc.Port,
		CORSOrigins:     sc.CORSOrigins,
		APIKey:          sc.APIKey,
		WriteRateLimit:  sc.WriteRateLimit,
		WriteRateWindow: sc.WriteRateWindow.Duration,
	}, server.Handlers{
		Health:      health,
		Predictions: handler.NewPredictionHandler(svc, a.cfg.Voting.MinPeriodDays, a.cfg.Voting.MaxPeriodDays, a.logger),
		Outbox:      handler.NewOutboxHandler(deps.OutboxStore, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	a.logger.InfoContext(ctx, "http server configured",
		slog.Int("port", sc.Port),
		slog.Bool("websocket", hub != nil),
		slog.Bool("auth", sc.APIKey != ""),
	)
}
