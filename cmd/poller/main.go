package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mtehrani/payment-service/internal/config"
	"github.com/mtehrani/payment-service/internal/logger"
	"github.com/mtehrani/payment-service/internal/repo"
	"github.com/mtehrani/payment-service/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	newLog := logger.NewLogger
	if os.Getenv("PAYMENT_DEBUG") != "" {
		newLog = logger.NewDebugLogger
	}
	log, err := newLog()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log, cfg.Payment.IdempotencyTTL, cfg.Payment.TransactionTTL)
	sweeper := service.NewSweeper(repository, cfg.Payment.SweepAge, log)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	sweepTicker := time.NewTicker(cfg.Payment.SweepInterval)
	defer sweepTicker.Stop()

	log.Info("payment-poller started")
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			events, err := repository.PollOutbox(ctx, 100)
			if err != nil {
				log.Errorf("poll outbox: %v", err)
				continue
			}
			for _, evt := range events {
				if err := repository.PublishEvent(ctx, evt); err != nil {
					log.Errorf("publish id=%d: %v", evt.ID, err)
					continue
				}
				if err := repository.MarkOutboxProcessed(ctx, evt.ID); err != nil {
					log.Errorf("mark processed id=%d: %v", evt.ID, err)
				} else {
					log.Infof("event %d sent", evt.ID)
				}
			}
		case <-sweepTicker.C:
			if _, err := sweeper.Sweep(context.Background()); err != nil {
				log.Errorf("sweep stale transactions: %v", err)
			}
		}
	}
}
