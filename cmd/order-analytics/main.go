package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lifebank/services/orders/internal/analytics"
	"github.com/lifebank/services/orders/internal/config"
	"github.com/lifebank/services/orders/internal/events"
	"github.com/lifebank/services/orders/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	insertTimeout = 30 * time.Second
	pingInterval  = time.Minute
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger(cfg.ServiceName+"-analytics", cfg.LogLevel)
	defer log.Sync()

	log.Info("Order analytics consumer starting")

	sink, err := analytics.NewClickHouseSink(cfg.Analytics)
	if err != nil {
		log.Fatal("Failed to connect to ClickHouse", zap.Error(err))
	}
	defer sink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sink.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to prepare ClickHouse schema", zap.Error(err))
	}

	consumer, err := analytics.NewConsumer(
		cfg.RabbitMQURL,
		cfg.Exchange,
		cfg.Analytics.Queue,
		cfg.Analytics.PrefetchCount,
		[]string{events.OrderStatusUpdated},
		log,
	)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer consumer.Close()

	handler := analytics.NewHandler(sink, insertTimeout, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Consume(gctx, handler.Handle)
	})

	g.Go(func() error {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(gctx, 5*time.Second)
				if err := sink.Ping(pingCtx); err != nil {
					log.Warn("ClickHouse ping failed", zap.Error(err))
				}
				cancel()
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error("Consumer exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Order analytics consumer stopped")
}
