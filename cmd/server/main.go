package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"seckill-service/config"
	"seckill-service/internal/api"
	"seckill-service/internal/broker"
	"seckill-service/internal/cache"
	"seckill-service/internal/idgen"
	"seckill-service/internal/lock"
	"seckill-service/internal/redisclient"
	"seckill-service/internal/service"
	"seckill-service/internal/store"
	"seckill-service/internal/util"
	"seckill-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Log.Level); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting seckill service")

	tp, err := util.InitTracer("seckill-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Seckill.StreamKey)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	var publisher broker.Publisher = broker.NopPublisher{}
	if cfg.Kafka.Enabled {
		orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderEvents)
		defer orderProducer.Close()
		deadLetterProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeadLetter)
		defer deadLetterProducer.Close()

		publisher = broker.NewEventPublisher(orderProducer, deadLetterProducer)
		logger.Info("Kafka producers initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	rdb := redisClient.GetClient()
	locker := lock.NewLocker(rdb)

	cacheClient := cache.New(rdb, locker, cache.Options{
		NullTTL:        cfg.Cache.NullTTL,
		RebuildLockTTL: cfg.Cache.RebuildLockTTL,
		RebuildWorkers: cfg.Cache.RebuildWorkers,
		TTLJitter:      cfg.Cache.TTLJitter,
		Logger:         logger,
	})

	voucherService := service.NewVoucherService(db, redisClient, cacheClient, cfg.Cache)
	orderService := service.NewVoucherOrderService(db, voucherService, redisClient, idgen.NewWorker(rdb), locker, cfg.Seckill)
	shopService := service.NewShopService(db, cacheClient, cfg.Cache)

	consumer := broker.NewStreamConsumer(rdb,
		cfg.Seckill.StreamKey,
		cfg.Seckill.Group,
		cfg.Seckill.Consumer,
		cfg.Seckill.BatchSize,
		cfg.Seckill.ReadBlock,
	)
	orderWorker := worker.NewOrderWorker(consumer, orderService, publisher, cfg.Seckill.RecoveryBackoff, cfg.Seckill.MaxAttempts)
	orderWorker.Start(context.Background())

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ready := func(ctx context.Context) error {
		if err := db.GetDB().PingContext(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	router := gin.New()
	handler := api.NewHandler(orderService, voucherService, shopService, ready)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// admitted intents still in the stream are picked up on the next start
	orderWorker.Stop()
	cacheClient.Close()

	logger.Info("Server exited")
}
