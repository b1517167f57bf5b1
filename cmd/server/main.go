// Command server runs the applications HTTP API.
//
// @title       Applications API
// @version     1.0
// @description Stores application submissions and publishes each one to Kafka.
// @BasePath    /api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-applications-backend/internal/broker"
	"github.com/tbourn/go-applications-backend/internal/config"
	httpapi "github.com/tbourn/go-applications-backend/internal/http"
	"github.com/tbourn/go-applications-backend/internal/observability"
	"github.com/tbourn/go-applications-backend/internal/reconcile"
	"github.com/tbourn/go-applications-backend/internal/repo"
	"github.com/tbourn/go-applications-backend/internal/services"
	"github.com/tbourn/go-applications-backend/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	brokerStartTimeout = 30 * time.Second
	shutdownTimeout    = 15 * time.Second
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, os.Stdout)
	gin.SetMode(cfg.GinMode)
	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := openStore(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("database unavailable")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	pub := broker.NewPublisher(broker.NewKafkaTransport(cfg.Kafka.Brokers), broker.Options{
		Topic:             cfg.Kafka.Topic,
		Partitions:        cfg.Kafka.Partitions,
		ReplicationFactor: cfg.Kafka.ReplicationFactor,
		TopicAttempts:     cfg.Kafka.TopicAttempts,
		TopicBackoff:      cfg.Kafka.TopicBackoff,
	})
	startCtx, cancelStart := context.WithTimeout(ctx, brokerStartTimeout)
	if err := pub.Start(log.Logger.WithContext(startCtx)); err != nil {
		// Requests are still served; each publish retries readiness.
		log.Warn().Err(err).Str("topic", cfg.Kafka.Topic).Msg("broker not ready at startup")
	}
	cancelStart()

	sinks := []services.OutcomeSink{services.MetricsSink{}, services.LogSink{}}
	var sched *reconcile.Scheduler
	if cfg.Reconcile.Enabled() {
		sched, sinks = startReconcile(ctx, cfg.Reconcile, pub, sinks)
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{DB: db, Publisher: pub, Sinks: sinks}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", ver).Str("db", cfg.DB.Driver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if sched != nil {
		if err := sched.Stop(sctx); err != nil {
			log.Warn().Err(err).Msg("reconcile scheduler did not stop in time")
		}
	}
	if err := pub.Close(); err != nil {
		log.Warn().Err(err).Msg("publisher close")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := shutdownOTel(sctx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
}

// openStore connects to the configured driver, retrying while the database
// comes up.
func openStore(ctx context.Context, c config.DBConfig) (*gorm.DB, error) {
	retry := repo.DefaultConnectRetry
	retry.Attempts = c.ConnectAttempts

	return repo.OpenWithRetry(ctx, retry, func() (*gorm.DB, error) {
		if c.Driver == config.DriverSQLite {
			return repo.OpenSQLite(c.Path)
		}
		pool := repo.DefaultPool
		pool.MinIdle = c.PoolMin
		pool.MaxOpen = c.PoolMax
		return repo.OpenPostgres(c.DSN(), pool)
	})
}

// startReconcile wires the Redis ledger as an outcome sink and schedules
// republishing. Redis being down only disables the job.
func startReconcile(ctx context.Context, c config.ReconcileConfig, pub *broker.Publisher, sinks []services.OutcomeSink) (*reconcile.Scheduler, []services.OutcomeSink) {
	rdb, err := reconcile.NewRedisClient(ctx, c.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("reconcile disabled: redis unavailable")
		return nil, sinks
	}
	ledger := reconcile.NewLedger(rdb, c.Key)
	sched, err := reconcile.NewScheduler(ledger, pub, c.Schedule, c.Batch)
	if err != nil {
		log.Warn().Err(err).Str("schedule", c.Schedule).Msg("reconcile disabled: bad schedule")
		return nil, sinks
	}
	sched.Start()
	log.Info().Str("key", ledger.Key()).Str("schedule", c.Schedule).Msg("reconcile enabled")
	return sched, append(sinks, ledger)
}
