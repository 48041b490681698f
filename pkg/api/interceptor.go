package api

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/flownode/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// readVerbs are the method name prefixes that never change node state
var readVerbs = []string{"Check", "List", "Get", "Watch"}

// isReadOnlyMethod reports whether a full gRPC method name such as
// "/grpc.health.v1.Health/Check" names a read call
func isReadOnlyMethod(fullMethod string) bool {
	i := strings.LastIndexByte(fullMethod, '/')
	if i < 0 {
		return false
	}
	name := fullMethod[i+1:]
	for _, verb := range readVerbs {
		if strings.HasPrefix(name, verb) {
			return true
		}
	}
	return false
}

func guard(fullMethod string) error {
	if isReadOnlyMethod(fullMethod) {
		return nil
	}
	return status.Errorf(codes.PermissionDenied, "method %s is not allowed on this listener", fullMethod)
}

// ReadOnlyInterceptor rejects unary calls that are not reads. The node's
// gRPC listener is unauthenticated.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := guard(info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// ReadOnlyStreamInterceptor is ReadOnlyInterceptor for streams such as
// Health/Watch
func ReadOnlyStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := guard(info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// LoggingInterceptor logs every unary call at debug level with the caller's
// address
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := logger.Debug().
			Str("method", info.FullMethod).
			Stringer("code", status.Code(err)).
			Dur("duration", time.Since(start))
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			ev = ev.Str("peer", p.Addr.String())
		}
		ev.Msg("gRPC call")
		return resp, err
	}
}
