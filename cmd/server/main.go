// main wires the decision trace store: Postgres as the authoritative store,
// RediSearch as the best-effort search index, Kafka for lifecycle events.
// Business logic lives in the internal services.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"veritrace/internal/platform/config"
	"veritrace/internal/platform/httpserver"
	"veritrace/internal/platform/logger"
	"veritrace/internal/platform/postgres"
	platformredis "veritrace/internal/platform/redis"
	"veritrace/internal/trace/events"
	"veritrace/internal/trace/handler"
	"veritrace/internal/trace/metrics"
	"veritrace/internal/trace/search"
	"veritrace/internal/trace/search/redisearch"
	"veritrace/internal/trace/service"
	pgstore "veritrace/internal/trace/store/postgres"
	httptransport "veritrace/internal/transport/http"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, pgstore.Schema); err != nil {
		log.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	checks := []httptransport.HealthCheck{
		{Name: "postgres", Check: db.PingContext},
	}

	// Redis is optional: without it every search is served by Postgres.
	var index search.Index
	redisClient, err := platformredis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		searchIndex := redisearch.New(redisClient.Client)
		if err := searchIndex.EnsureIndex(ctx); err != nil {
			log.Error("search index creation failed", "error", err)
			os.Exit(1)
		}
		index = searchIndex
		checks = append(checks, httptransport.HealthCheck{Name: "redis", Check: redisClient.Health})
		log.Info("search index enabled")
	} else {
		log.Warn("redis not configured, search served by primary store only")
	}

	// Kafka is optional: without brokers no lifecycle events are emitted.
	var sink events.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := events.NewKafkaSink(ctx, cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Error("kafka connection failed", "error", err)
			os.Exit(1)
		}
		sink = kafkaSink
		log.Info("event publishing enabled", "topic", cfg.KafkaTopic)
	} else {
		log.Warn("kafka not configured, lifecycle events disabled")
	}
	publisher := events.NewPublisher(sink, log, events.WithAsyncBuffer(cfg.EventBufferSize))
	defer publisher.Close()

	traceMetrics := metrics.New()
	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(traceMetrics),
		service.WithEventPublisher(publisher),
	}
	if index != nil {
		opts = append(opts, service.WithIndex(index))
	}
	svc := service.New(pgstore.New(db), opts...)

	router := httptransport.NewRouter(handler.New(svc, log), log, checks...)
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting veritrace", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
