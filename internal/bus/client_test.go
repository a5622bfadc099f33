package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/genpipe/internal/config"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectAndPublishJSON(t *testing.T) {
	opts := test.DefaultTestOptions
	opts.Port = -1
	srv := test.RunServer(&opts)
	defer srv.Shutdown()

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 1000,
	}, "genpipe-test", discard())
	require.NoError(t, err)
	defer client.Close()
	assert.True(t, client.Healthy())

	got := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe("greeting", got)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, client.PublishJSON("greeting", map[string]string{"hello": "world"}))
	select {
	case msg := <-got:
		assert.JSONEq(t, `{"hello":"world"}`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestConnectGivesUp(t *testing.T) {
	start := time.Now()
	_, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{"nats://127.0.0.1:1"},
		ConnectTimeout: 100,
		ConnectRetryMS: 300,
	}, "", discard())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnectRequiresServers(t *testing.T) {
	_, err := Connect(context.Background(), config.BusConfig{}, "", discard())
	assert.Error(t, err)
}

func TestNilClientIsUnhealthy(t *testing.T) {
	var c *Client
	assert.False(t, c.Healthy())
	c.Close()
}
