// jobmate-vagas-service
//
// Keeps an in-memory snapshot of the job listings ("vagas") table and the
// derived client list in step with the hosted Postgres:
//   - force load:    coalesced, retried initial bulk read
//   - realtime feed: LISTEN/NOTIFY (or Redis Pub/Sub) patches, falling
//     back to 30s polling when the feed cannot be kept alive
//   - auto-refresh:  cron-driven reload while someone is watching
//
// Exposes a REST API + SSE stream for the Gateway and a gRPC health service.
// SIGHUP forces a full reload.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobmate/vagas-service/internal/api"
	"jobmate/vagas-service/internal/cache"
	"jobmate/vagas-service/internal/config"
	"jobmate/vagas-service/internal/db"
	"jobmate/vagas-service/internal/forceload"
	"jobmate/vagas-service/internal/health"
	"jobmate/vagas-service/internal/logger"
	"jobmate/vagas-service/internal/model"
	"jobmate/vagas-service/internal/realtime"
	"jobmate/vagas-service/internal/reports"
	"jobmate/vagas-service/internal/scheduler"
	"jobmate/vagas-service/internal/vagas"
	"jobmate/vagas-service/internal/visibility"
)

const version = "1.0.0"

func main() {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[vagas-service] Config error: %v", err)
	}
	logg := logger.New(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	logg.Info("connecting to PostgreSQL")
	poolOpts := db.PoolOptions{MaxConns: cfg.Database.MaxConns, MinConns: cfg.Database.MinConns}
	pool, err := db.NewPostgresPool(ctx, cfg.Database.URL, poolOpts)
	if err != nil {
		fatal(logg, "postgres", err)
	}
	defer pool.Close()

	// A nil *pgxpool.Pool must not end up inside the Querier interface.
	var admin db.Querier
	if cfg.Database.AdminURL != "" {
		adminPool, err := db.NewPostgresPool(ctx, cfg.Database.AdminURL, db.PoolOptions{MaxConns: 2})
		if err != nil {
			fatal(logg, "postgres admin", err)
		}
		defer adminPool.Close()
		admin = adminPool
	} else {
		logg.Warn("DATABASE_ADMIN_URL not set, RLS denials will be returned to callers")
	}
	logg.Info("PostgreSQL connected")

	remote := db.NewRemote(pool, admin, logg)
	repo := vagas.NewRepository(remote, logg)

	// ── Redis (optional fan-out, required for the redis transport) ───────────
	var transport realtime.Transport = realtime.NewPostgresTransport(pool, cfg.Realtime.NotifyChannel, cfg.Realtime.SubscribeTimeout)
	if cfg.Redis.URL != "" {
		rdb, err := db.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			fatal(logg, "redis", err)
		}
		defer rdb.Close()
		repo.WithPublisher(rdb, cfg.Redis.Channel)
		if cfg.Realtime.Transport == config.TransportRedis {
			transport = realtime.NewRedisTransport(rdb, cfg.Redis.Channel, cfg.Realtime.SubscribeTimeout)
		}
		logg.Info("Redis connected", "channel", cfg.Redis.Channel)
	}
	logg.Info("realtime transport selected", "transport", cfg.Realtime.Transport)

	// ── Snapshot, force load, realtime ───────────────────────────────────────
	store := cache.NewStore()
	loader := forceload.New(func(ctx context.Context) ([]model.Listing, error) {
		return repo.ListAll(ctx, cfg.ForceLoad.RowLimit)
	}, forceload.Options{
		MaxRetries: cfg.ForceLoad.MaxRetries,
		RetryDelay: cfg.ForceLoad.RetryDelay,
		Timeout:    cfg.ForceLoad.Timeout,
	}, logg)

	syncer := realtime.NewSynchronizer(store, loader, repo, transport, realtime.FeedOptions{
		Topic:        vagas.Table,
		MaxRetries:   cfg.Realtime.MaxRetries,
		BaseBackoff:  cfg.Realtime.BaseBackoff,
		MaxBackoff:   cfg.Realtime.MaxBackoff,
		PollInterval: cfg.Realtime.PollInterval,
	}, logg)
	syncer.SetRowLimit(cfg.ForceLoad.RowLimit)

	grpcSrv := health.NewServer(logg)
	syncer.OnStateChange(grpcSrv.OnFeedState)

	if err := syncer.Start(ctx); err != nil {
		fatal(logg, "realtime", err)
	}

	// ── Auto-refresh ─────────────────────────────────────────────────────────
	viewers := visibility.NewTracker(cfg.Refresh.RequireViewers)
	sched := scheduler.New(syncer.Refresh, viewers, scheduler.Options{
		Enabled:         cfg.Refresh.Enabled,
		Interval:        cfg.Refresh.Interval,
		MinInterval:     cfg.Refresh.MinInterval,
		HiddenThreshold: cfg.Refresh.HiddenThreshold,
		OnVisible:       cfg.Refresh.OnVisible,
	}, logg)
	if err := sched.Start(ctx); err != nil {
		fatal(logg, "scheduler", err)
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	feedStates := func() map[string]string {
		return map[string]string{
			realtime.FeedListings: syncer.State(realtime.FeedListings).String(),
			realtime.FeedClients:  syncer.State(realtime.FeedClients).String(),
		}
	}

	mux := http.NewServeMux()
	h := api.NewHandler(store, repo, reports.NewService(remote, repo, logg), viewers, feedStates, version, logg)
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logg.Info("listening", "version", version, "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logg, "http server", err)
		}
	}()

	// ── gRPC health ──────────────────────────────────────────────────────────
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.HTTP.GRPCPort))
	if err != nil {
		fatal(logg, "grpc listen", err)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logg.Error("grpc server stopped", "err", err)
		}
	}()

	// ── Signals: SIGHUP reloads, SIGINT/SIGTERM shut down ────────────────────
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig != syscall.SIGHUP {
			break
		}
		logg.Info("SIGHUP received, forcing full reload")
		if err := sched.Reload(ctx); err != nil {
			logg.Warn("manual reload failed", "err", err)
		}
	}

	logg.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("http shutdown", "err", err)
	}
	sched.Stop()
	if err := syncer.Stop(); err != nil {
		logg.Error("realtime shutdown", "err", err)
	}
	grpcSrv.Stop()
	logg.Info("stopped")
}

func fatal(l *slog.Logger, what string, err error) {
	l.Error(what+" failed", "err", err)
	os.Exit(1)
}
