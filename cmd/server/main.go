package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"trainshare/internal/authz"
	"trainshare/internal/consent"
	"trainshare/internal/consent/cache"
	consenthandler "trainshare/internal/consent/handler"
	"trainshare/internal/consent/service"
	"trainshare/internal/consent/store"
	"trainshare/internal/platform/config"
	"trainshare/internal/platform/httpserver"
	"trainshare/internal/platform/logger"
	"trainshare/internal/platform/metrics"
	platformredis "trainshare/internal/platform/redis"
	"trainshare/internal/token"
	"trainshare/internal/trainer"
	httptransport "trainshare/internal/transport/http"
	"trainshare/pkg/platform/audit"
)

// main wires dependencies and keeps the server lifecycle small. Business
// logic lives in internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	consentStore, health, cleanup, err := buildStore(ctx, cfg, m)
	if err != nil {
		log.Error("store init failed", "error", err.Error())
		os.Exit(1)
	}
	defer cleanup()

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis init failed", "error", err.Error())
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	summaryCache := cache.NewSummaryCache(redisClient, cfg.SummaryCacheTTL, log, m)

	publisher := audit.NewPublisher(log, 256)
	var sink audit.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.AuditTopic)
		if err != nil {
			log.Error("kafka init failed", "error", err.Error())
			os.Exit(1)
		}
		defer kafkaSink.Close()
		sink = kafkaSink
	} else {
		sink = audit.NewMemorySink()
		log.Warn("no kafka brokers configured, ops audit stays in process")
	}
	worker := audit.NewWorker(sink, publisher.Inbox(), log)

	opts := []service.Option{
		service.WithMetrics(m),
		service.WithOpsAudit(publisher),
	}
	if summaryCache != nil {
		opts = append(opts, service.WithSummaryInvalidator(summaryCache))
	}
	consentSvc := service.New(consentStore, log, opts...)
	guard := authz.New(consentStore, m)

	validator := token.NewService(cfg.JWTSigningKey, "trainshare")

	trainerOpts := []trainer.Option{}
	if summaryCache != nil {
		trainerOpts = append(trainerOpts, trainer.WithSummaryCache(summaryCache))
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:    log,
		Validator: validator,
		Consent:   consenthandler.New(consentSvc, log),
		Trainer:   trainer.New(guard, consentSvc, log, trainerOpts...),
		Health:    health,
	})

	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting trainshare", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := worker.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err.Error())
		os.Exit(1)
	}
}

// buildStore selects the postgres store when DATABASE_URL is set, falling
// back to the in-memory store.
func buildStore(ctx context.Context, cfg config.Config, m *metrics.Metrics) (consent.Store, func() error, func(), error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemory(store.WithExpiryHook(m.RecordLazyExpiry)), nil, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	pg := store.NewPostgres(db, store.WithPostgresExpiryHook(m.RecordLazyExpiry))
	if err := pg.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return pg, db.Ping, func() { db.Close() }, nil
}
