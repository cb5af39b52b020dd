package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rl1809/stock-ledger/internal/adapter/handler"
	"github.com/rl1809/stock-ledger/internal/adapter/messaging"
	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/logger"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	shutdownTimeout = 10 * time.Second
	healthInterval  = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	log := logger.Init(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.With(ctx, log)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open mysql")
	}
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping mysql")
	}
	if cfg.MySQL.Migrate {
		if err := storage.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate schema")
		}
	}
	log.Info().Msg("connected to mysql")

	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open gorm")
	}

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// the durable store still answers idempotency checks
		log.Warn().Err(err).Msg("redis unavailable at startup, continuing without cache")
	} else {
		log.Info().Msg("connected to redis")
	}

	// Initialize adapters
	ledger := storage.NewMySQLLedgerAdapter(db)
	lockRepo := storage.NewMySQLLockAdapter(db)
	audit := storage.NewMySQLAuditAdapter(db)
	orders := storage.NewMySQLOrderAdapter(db)
	mappings := storage.NewGormMappingAdapter(gdb)
	idem := service.NewIdempotencyStore(storage.NewRedisAdapter(rdb), storage.NewMySQLIdempotencyAdapter(db))

	var (
		publisher port.StockEventPublisher
		producer  *messaging.StockEventProducer
		consumer  *messaging.OrderEventConsumer
	)
	events := make(chan domain.OrderEvent, cfg.Reconciler.QueueSize)

	if !cfg.Kafka.DisableKafka {
		producer = messaging.NewStockEventProducer(&kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        cfg.Kafka.StockTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		})
		publisher = producer
		consumer = messaging.NewOrderEventConsumer(kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.OrdersTopic,
		}), events)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("kafka enabled")
	}

	// Initialize services
	holder := "ledger-" + hostname()
	locks := service.NewLockManager(lockRepo)
	stock := service.NewStockService(ledger, locks, idem, audit, publisher, service.StockServiceConfig{
		LockTTL:       cfg.Lock.TTL,
		RetryAttempts: cfg.Lock.RetryAttempts,
		RetryBackoff:  cfg.Lock.RetryBackoff,
		StockKeyTTL:   cfg.Idempotency.StockTTL,
		HolderPrefix:  holder,
	})
	reconciler := service.NewReconciler(stock, idem, locks, orders, mappings, service.ReconcilerConfig{
		Workers:       cfg.Reconciler.Workers,
		Timeout:       cfg.Reconciler.Timeout,
		OrderKeyTTL:   cfg.Idempotency.OrderTTL,
		LockTTL:       cfg.Lock.TTL,
		RetryAttempts: cfg.Lock.RetryAttempts,
		RetryBackoff:  cfg.Lock.RetryBackoff,
		HolderPrefix:  holder,
	})

	sweeper := service.NewSweeper(locks, idem)
	sweeper.Start(cfg.Lock.SweepInterval)

	// the reconciler drains the queue after intake stops, so it outlives ctx
	reconCtx, reconCancel := context.WithCancel(logger.With(context.Background(), log))
	defer reconCancel()
	reconDone := make(chan struct{})
	go func() {
		defer close(reconDone)
		reconciler.Run(reconCtx, events)
	}()

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	reporter := handler.NewHealthReporter(healthServer, map[string]handler.CheckFunc{
		"mysql": db.PingContext,
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("failed to listen")
	}

	// Initialize HTTP server
	mux := http.NewServeMux()
	handler.NewHTTPHandler(stock, mappings).Register(mux)
	handler.NewWebhookHandler(idem, events, cfg.Idempotency.WebhookTTL).Register(mux)
	mux.HandleFunc("GET /health", reporter.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Instrument(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return logger.With(context.Background(), log) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reporter.Run(gctx, healthInterval)
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP shutdown")
		}
		log.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info().Msg("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	// no more producers: drain the queue
	close(events)
	select {
	case <-reconDone:
		log.Info().Msg("order queue drained")
	case <-time.After(shutdownTimeout):
		log.Warn().Int("pending", len(events)).Msg("drain timed out, abandoning queued orders")
		reconCancel()
		<-reconDone
	}

	sweeper.Stop()

	// Close connections
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Msg("close kafka reader")
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Msg("close kafka writer")
		}
	}
	rdb.Close()
	db.Close()
	log.Info().Msg("connections closed")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "local"
	}
	return h
}
