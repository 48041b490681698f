package channel_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/flownode/pkg/channel"
	"github.com/cuemby/flownode/pkg/channel/channeltest"
	"github.com/cuemby/flownode/pkg/types"
)

func newTestChannel(t *testing.T, transport channel.Transport, mutate ...func(*channel.Config)) *channel.Channel {
	t.Helper()
	cfg := channel.Config{
		Transport:       transport,
		Version:         "1.2.3",
		ReconnectDelays: []time.Duration{20 * time.Millisecond},
		RetryDelays:     []time.Duration{10 * time.Millisecond},
		ConnectWait:     2 * time.Second,
		InvokeTimeout:   time.Second,
		InvokeAttempts:  3,
		Identity: func() types.NodeIdentity {
			return types.NodeIdentity{Name: "test-node", Version: "1.2.3"}
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c := channel.New(cfg)
	t.Cleanup(c.Stop)
	return c
}

func startRegistered(t *testing.T, c *channel.Channel) {
	t.Helper()
	c.Start()
	if !c.AwaitConnection(context.Background(), 3*time.Second) {
		t.Fatal("channel did not register")
	}
}

func awaitCompletion(t *testing.T, server *channeltest.Server) *channel.Message {
	t.Helper()
	select {
	case m := <-server.Completions():
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}
