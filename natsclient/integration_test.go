//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Roenbaeck/tubeist-sub000/metric"
	"github.com/Roenbaeck/tubeist-sub000/pkg/retry"
)

func TestIntegration_ConnectAndPublish(t *testing.T) {
	ctx := context.Background()

	natsContainer, natsURL := startNATSContainer(ctx, t)
	defer natsContainer.Terminate(ctx)

	m := metric.NewMetrics()
	var healthy atomic.Bool
	client, err := NewClient(natsURL,
		WithName("tubeist-integration"),
		WithMetrics(m),
		WithHealthChangeCallback(func(h bool) { healthy.Store(h) }))
	require.NoError(t, err)
	require.NoError(t, client.ConnectWithRetry(ctx, retry.Quick()))
	defer client.Close(ctx)

	assert.True(t, client.IsHealthy())
	assert.True(t, healthy.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))

	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	// Independent subscriber verifies what the client publishes
	sub, err := nats.Connect(natsURL)
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("tubeist.fragments.>", received)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	require.NoError(t, client.Publish(ctx, "tubeist.fragments.delivered", []byte(`{"sequence":1}`)))

	select {
	case msg := <-received:
		assert.Equal(t, "tubeist.fragments.delivered", msg.Subject)
		assert.JSONEq(t, `{"sequence":1}`, string(msg.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
	}

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)

	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return natsContainer, fmt.Sprintf("nats://%s:%s", host, port.Port())
}
