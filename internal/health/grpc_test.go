package health_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"jobmate/vagas-service/internal/health"
	"jobmate/vagas-service/internal/realtime"
)

func startServer(t *testing.T) (*health.Server, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := health.NewServer(nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-user-id", "probe")
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth_FollowsListingsFeed(t *testing.T) {
	srv, client := startServer(t)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, health.ServiceRealtime))

	srv.OnFeedState(realtime.FeedListings, realtime.StateActive)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, health.ServiceRealtime))

	srv.OnFeedState(realtime.FeedClients, realtime.StateError)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, health.ServiceRealtime),
		"clients feed does not affect realtime health")

	srv.OnFeedState(realtime.FeedListings, realtime.StateDegraded)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, health.ServiceRealtime))
}
