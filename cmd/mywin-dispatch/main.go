// README: Entry point; loads config, wires stores and services, starts the dispatch loop.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mywin/internal/config"
	"mywin/internal/infra"
	"mywin/internal/modules/dispatch"
	"mywin/internal/modules/driver"
	"mywin/internal/modules/queue"
	"mywin/internal/modules/station"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("postgres init: %v", err)
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		log.Fatalf("redis init: %v", err)
	}
	defer redisClient.Close()

	stations, err := station.NewStore(dbPool).LoadAll(ctx)
	if err != nil {
		log.Fatalf("station load: %v", err)
	}
	resolver := station.NewResolver(stations)
	logger.Info("stations_loaded", slog.Int("count", len(stations)))

	queueSvc := queue.NewService(queue.NewStore(redisClient, cfg.Weights), logger)
	driverSvc := driver.NewService(driver.NewStore(redisClient), resolver, queueSvc, logger)

	dispatchStore := dispatch.NewStore(dbPool, redisClient)
	matcher := dispatch.NewMatcher(queueSvc, driverSvc, dispatchStore, cfg.Weights, cfg.Matching.RadiusKm, logger)

	var publisher *dispatch.Publisher
	if cfg.Kafka.Enabled {
		publisher = dispatch.NewPublisher(infra.NewKafkaWriter(cfg.Kafka, cfg.Kafka.MatchTopic), logger)
		publisher.Start(ctx)
		defer publisher.Stop()
	}

	dispatchSvc := dispatch.NewService(matcher, queueSvc, driverSvc, dispatchStore, publisher, cfg.Matching, logger)

	go dispatchSvc.Run(ctx)

	if cfg.Kafka.Enabled {
		consumer := dispatch.NewConsumer(
			infra.NewKafkaReader(cfg.Kafka, cfg.Kafka.RequestTopic),
			infra.NewKafkaReader(cfg.Kafka, cfg.Kafka.EventTopic),
			dispatchSvc,
			logger,
		)
		go consumer.Run(ctx)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	logger.Info("dispatch_engine_started", slog.String("metrics_addr", cfg.Metrics.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
