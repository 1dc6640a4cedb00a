package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtehrani/payment-service/internal/config"
	"github.com/mtehrani/payment-service/internal/gateway"
	"github.com/mtehrani/payment-service/internal/idempotency"
	"github.com/mtehrani/payment-service/internal/logger"
	"github.com/mtehrani/payment-service/internal/model"
	"github.com/mtehrani/payment-service/internal/repo"
	"github.com/mtehrani/payment-service/internal/service"
	httptransport "github.com/mtehrani/payment-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	newLog := logger.NewLogger
	if os.Getenv("PAYMENT_DEBUG") != "" {
		newLog = logger.NewDebugLogger
	}
	log, err := newLog()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Transaction{}, &model.TransactionEvent{}, &model.OutboxEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. gateways
	registry := gateway.NewRegistry()
	registry.Register(model.GatewayZarinpal, gateway.NewZarinpal(cfg.Gateways.Zarinpal, gateway.DefaultTimeout, log))
	registry.Register(model.GatewayStripe, gateway.NewStripe(cfg.Gateways.Stripe, gateway.DefaultTimeout, log))
	registry.Register(model.GatewayPayPal, gateway.NewPayPal(cfg.Gateways.PayPal, gateway.DefaultTimeout, log))

	// 7. repo & services
	repository := repo.NewRepository(gdb, rdb, kw, log, cfg.Payment.IdempotencyTTL, cfg.Payment.TransactionTTL)
	idemStore := idempotency.NewStore(repository, log)
	svc := service.NewTransactionService(repository, registry, idemStore, log)
	verifier := service.NewVerifier(repository, registry, idemStore, log)
	runner := service.NewRetryRunner(verifier, cfg.Payment.VerifyRetries, cfg.Payment.VerifyRetryWait, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := service.NewVerifyQueue(runner, cfg.Payment.VerifyWorkers, 256, log)
	queue.Start(ctx)

	// 8. gin router
	router := httptransport.NewRouter(svc, verifier, queue, cfg, log)

	// 9. serve with graceful shutdown
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Infof("payment-server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	cancel()
	queue.Stop()
}
