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

	"github.com/Kinglowther/boda-dispatch/internal/config"
	"github.com/Kinglowther/boda-dispatch/internal/dispatch"
	httpapi "github.com/Kinglowther/boda-dispatch/internal/http"
	"github.com/Kinglowther/boda-dispatch/internal/ingest"
	"github.com/Kinglowther/boda-dispatch/internal/ledger"
	"github.com/Kinglowther/boda-dispatch/internal/lifecycle"
	"github.com/Kinglowther/boda-dispatch/internal/logging"
	"github.com/Kinglowther/boda-dispatch/internal/matching"
	"github.com/Kinglowther/boda-dispatch/internal/models"
	"github.com/Kinglowther/boda-dispatch/internal/pricing"
	"github.com/Kinglowther/boda-dispatch/internal/registry"
	"github.com/Kinglowther/boda-dispatch/internal/routing"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		panic(err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.RunMigrations && cfg.PGDSN != "" {
		if err := runMigrations(cfg.PGDSN, cfg.MigrationsFile); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	// Rider registry: Redis GEO when configured, in-process otherwise.
	var riders registry.Registry
	if cfg.RedisAddr != "" {
		riders = registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("rider registry backed by redis", "addr", cfg.RedisAddr)
	} else {
		riders = registry.NewIndex()
	}

	// Order ledger: Postgres when configured, in-process otherwise.
	var orders ledger.Ledger
	if cfg.PGDSN != "" {
		pg, err := ledger.NewPostgresLedger(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres ledger init failed", "error", err)
			os.Exit(1)
		}
		orders = pg
		logger.Info("order ledger backed by postgres")
	} else {
		orders = ledger.NewMemoryLedger()
	}

	// Route provider: directions API with great-circle fallback, or pure
	// great-circle when no endpoint is configured.
	var routes routing.Provider
	if cfg.RouteEndpoint != "" {
		ors := routing.NewORSClient(cfg.RouteEndpoint, cfg.RouteAPIKey, cfg.RouteTimeout)
		routes = &routing.CachedProvider{
			Inner: routing.NewFallbackProvider(ors, cfg.FallbackSpeedKmh, logger),
			Cache: routing.NewCache(cfg.RouteCacheTTL),
		}
	} else {
		routes = &routing.GreatCircle{SpeedKmh: cfg.FallbackSpeedKmh}
	}

	// Lifecycle events go to the log, plus AMQP when configured.
	publishers := dispatch.MultiPublisher{&dispatch.LogPublisher{Log: logger}}
	if cfg.AMQPURL != "" {
		amqpPub, err := dispatch.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error("amqp init failed", "error", err)
			os.Exit(1)
		}
		defer amqpPub.Close()
		publishers = append(publishers, amqpPub)
		logger.Info("order events published to amqp", "exchange", cfg.AMQPExchange)
	}

	var producer ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		producer = kp
		logger.Info("location reports mirrored to kafka", "topic", cfg.KafkaTopic)
	}

	offers := dispatch.NewWSRegistry(logger)
	tracking := dispatch.NewTrackHub()

	coordinator := &lifecycle.Coordinator{
		Ledger:  orders,
		Riders:  riders,
		Pricing: pricing.NewEngine(cfg.BaseFareCents, cfg.PerKmCents, cfg.Currency),
		Routes:  routes,
		Events:  publishers,
		Log:     logger,
	}
	matcher := &matching.Engine{
		Riders:         riders,
		Routes:         routes,
		TopN:           cfg.MatcherTopN,
		PerCallTimeout: cfg.RouteTimeout,
	}
	// Pending orders (fresh placements, post-decline returns) get
	// re-offered on a timer, and sooner when a rider becomes matchable.
	sweeper := matching.NewSweeper(orders, matcher, offers, cfg.SweepInterval, logger)
	if idx, ok := riders.(*registry.Index); ok {
		idx.OnChange(func(models.Rider) { sweeper.Kick() })
	}

	pipeline := &ingest.Pipeline{
		Registry: riders,
		Orders:   orders,
		Routes:   routes,
		Tracker:  tracking,
		Producer: producer,
		Log:      logger,
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Registry:    riders,
		Coordinator: coordinator,
		Matcher:     matcher,
		Pipeline:    pipeline,
		Offers:      offers,
		Tracking:    tracking,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(ctx)

	go func() {
		logger.Info("boda-dispatch listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn, path string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
