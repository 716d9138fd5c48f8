package grpc

import (
	"context"
	"time"

	"github.com/lifebank/services/orders/internal/events"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// LoggingInterceptor logs all gRPC requests
func LoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if err != nil {
			log.Error("gRPC request failed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
		} else {
			log.Debug("gRPC request completed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", time.Since(start)),
			)
		}

		return resp, err
	}
}

// CorrelationHeader is the metadata key a caller sets to correlate the notifications it causes
const CorrelationHeader = "x-correlation-id"

// CorrelationInterceptor copies the caller's correlation id from request metadata into the context
func CorrelationInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(CorrelationHeader); len(ids) > 0 && ids[0] != "" {
				ctx = events.WithCorrelationID(ctx, ids[0])
			}
		}
		return handler(ctx, req)
	}
}
