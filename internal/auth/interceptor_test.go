// ABOUTME: Tests for the gRPC agent interceptors
// ABOUTME: Verifies metadata credentials are resolved without rejecting calls

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/2389/agentgate/internal/store"
)

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func TestUnaryServerInterceptor(t *testing.T) {
	f := newFixture(t)
	key := f.addAgent(t, "agent-1", store.AgentStatusActive)
	interceptor := f.guard.UnaryServerInterceptor()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+key))
	var got *AgentContext
	resp, err := interceptor(ctx, "req", &grpc.UnaryServerInfo{FullMethod: "/svc/Call"},
		func(ctx context.Context, req any) (any, error) {
			got = FromContext(ctx)
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	require.NotNil(t, got)
	assert.Equal(t, "agent-1", got.ID)
}

func TestUnaryServerInterceptorAnonymous(t *testing.T) {
	f := newFixture(t)
	interceptor := f.guard.UnaryServerInterceptor()

	for _, ctx := range []context.Context{
		context.Background(),
		metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer agk_nope")),
	} {
		_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
			assert.False(t, IsAgent(ctx))
			return nil, nil
		})
		require.NoError(t, err)
	}
}

func TestStreamServerInterceptor(t *testing.T) {
	f := newFixture(t)
	key := f.addAgent(t, "agent-1", store.AgentStatusActive)
	interceptor := f.guard.StreamServerInterceptor()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+key))
	err := interceptor(nil, &fakeServerStream{ctx: ctx}, &grpc.StreamServerInfo{},
		func(srv any, ss grpc.ServerStream) error {
			agent := FromContext(ss.Context())
			require.NotNil(t, agent)
			assert.Equal(t, "agent-1", agent.ID)
			return nil
		})
	require.NoError(t, err)
}
