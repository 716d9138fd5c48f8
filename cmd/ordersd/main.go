package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lifebank/services/orders/internal/config"
	"github.com/lifebank/services/orders/internal/db"
	"github.com/lifebank/services/orders/internal/events"
	"github.com/lifebank/services/orders/internal/eventstore"
	grpcserver "github.com/lifebank/services/orders/internal/grpc"
	"github.com/lifebank/services/orders/internal/ledger"
	"github.com/lifebank/services/orders/internal/metrics"
	"github.com/lifebank/services/orders/internal/orchestrator"
	"github.com/lifebank/services/orders/internal/realtime"
	"github.com/lifebank/services/orders/internal/repo"
	"github.com/lifebank/services/orders/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Order service starting")

	// Connect to database
	log.Info("Connecting to database...", zap.String("driver", cfg.DBDriver))
	database, err := db.Connect(cfg.DBDriver, dsn(cfg))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Run migrations
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Connect to RabbitMQ
	log.Info("Connecting to RabbitMQ")
	publisher, err := events.NewPublisher(cfg.RabbitMQURL, cfg.Exchange, log)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer publisher.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	hub := realtime.NewHub(log)

	orders := orchestrator.New(
		database,
		repo.NewOrderRepository(database, log),
		eventstore.NewStore(database, log),
		ledger.New(repo.NewStockRepository(database, log), log),
		publisher,
		hub,
		log,
		orchestrator.WithPublishTimeout(cfg.PublishTimeout),
	)

	if _, err := orders.AuditOpenOrders(context.Background()); err != nil {
		log.Error("Open order audit failed", zap.Error(err))
	}

	// Create gRPC server
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcserver.CorrelationInterceptor(),
			grpcserver.LoggingInterceptor(log),
		),
	)

	// Register health service
	healthServer := grpcserver.NewHealthServer(database, publisher, log)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	// Enable reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	// HTTP server for health, metrics and the real-time channel
	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", healthHandler(healthServer))
	httpMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	httpMux.HandleFunc("/ws/orders", hub.ServeWS(realtime.OrdersChannel))

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:     httpMux,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Starting gRPC server", zap.String("address", grpcListener.Addr().String()))
		return grpcServer.Serve(grpcListener)
	})

	g.Go(func() error {
		log.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Server stopped")
}

func dsn(cfg *config.Config) string {
	if cfg.DBDriver == db.DriverSQLite {
		return cfg.SQLitePath
	}
	return cfg.PGDSN
}

func healthHandler(health *grpcserver.HealthServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := health.Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: " + err.Error()))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	}
}
