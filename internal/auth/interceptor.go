// ABOUTME: gRPC interceptors that attach the resolved agent from request metadata
// ABOUTME: Mirror the HTTP middleware and never reject a call

package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryServerInterceptor resolves the "authorization" metadata entry.
func (g *Guard) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		return handler(g.attach(ctx), req)
	}
}

// StreamServerInterceptor is the streaming counterpart of UnaryServerInterceptor.
func (g *Guard) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          g.attach(ss.Context()),
		}
		return handler(srv, wrapped)
	}
}

func (g *Guard) attach(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return ctx
	}
	if agent := g.Resolve(ctx, values[0]); agent != nil {
		return WithAgent(ctx, agent)
	}
	return ctx
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
