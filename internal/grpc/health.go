package grpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var (
	// ErrDatabaseUnhealthy is reported when the database does not answer a ping
	ErrDatabaseUnhealthy = errors.New("database connection failed")

	// ErrBrokerUnhealthy is reported when the RabbitMQ connection is closed
	ErrBrokerUnhealthy = errors.New("rabbitmq connection failed")
)

// Pinger is a dependency that answers pings
type Pinger interface {
	Ping() error
}

// BrokerConn reports whether the message broker connection is open
type BrokerConn interface {
	IsHealthy() bool
}

// HealthServer implements the gRPC health checking protocol
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	db        Pinger
	publisher BrokerConn
	log       *zap.Logger
}

// NewHealthServer creates a new health check server
func NewHealthServer(database Pinger, publisher BrokerConn, log *zap.Logger) *HealthServer {
	return &HealthServer{
		db:        database,
		publisher: publisher,
		log:       log,
	}
}

// Err returns the first failing dependency, or nil when all are healthy
func (h *HealthServer) Err() error {
	if err := h.db.Ping(); err != nil {
		h.log.Error("Database health check failed", zap.Error(err))
		return ErrDatabaseUnhealthy
	}

	if !h.publisher.IsHealthy() {
		h.log.Error("RabbitMQ health check failed")
		return ErrBrokerUnhealthy
	}

	return nil
}

// Check implements the health check
func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return h.response(), nil
}

// Watch sends the current status once
func (h *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, server grpc_health_v1.Health_WatchServer) error {
	return server.Send(h.response())
}

func (h *HealthServer) response() *grpc_health_v1.HealthCheckResponse {
	if h.Err() != nil {
		return &grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		}
	}
	return &grpc_health_v1.HealthCheckResponse{
		Status: grpc_health_v1.HealthCheckResponse_SERVING,
	}
}
