package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/flownode/pkg/channel"
	"github.com/cuemby/flownode/pkg/channel/channeltest"
	"github.com/cuemby/flownode/pkg/events"
	"github.com/cuemby/flownode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelRegistersOnStart(t *testing.T) {
	server := channeltest.NewServer()
	var registered atomic.Int32
	c := newTestChannel(t, server, func(cfg *channel.Config) {
		cfg.OnRegistered = func(types.RegisterResult, channel.State) { registered.Add(1) }
	})

	startRegistered(t, c)

	state := c.State()
	assert.Equal(t, types.ConnectionConnected, state.Status)
	assert.True(t, state.Registered)
	require.NotNil(t, state.Node)
	assert.Equal(t, "node-1", state.Node.UID)
	assert.Equal(t, "1.2.0", state.ServerVersion)
	assert.Equal(t, 4, state.ConfigRevision)
	assert.False(t, state.VersionMismatch)
	assert.Equal(t, int32(1), registered.Load())

	msgs := server.Messages("RegisterNode")
	require.Len(t, msgs, 1)
	var req types.RegisterRequest
	require.NoError(t, channel.Arg(msgs[0].Arguments, 0, &req))
	assert.Equal(t, "test-node", req.Identity.Name)
}

func TestRegisterWithoutConnection(t *testing.T) {
	c := newTestChannel(t, channeltest.NewServer())
	err := c.Register(context.Background())
	assert.ErrorIs(t, err, channel.ErrNotConnected)
}

func TestRegisterIsIdempotent(t *testing.T) {
	server := channeltest.NewServer()
	release := make(chan struct{})
	server.Handle("RegisterNode", func([]json.RawMessage) (any, string, bool) {
		<-release
		return types.RegisterResult{Success: true, ServerVersion: "1.2.0"}, "", false
	})

	c := newTestChannel(t, server)
	c.Start()

	require.Eventually(t, func() bool {
		return server.CallCount("RegisterNode") == 1
	}, 2*time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Register(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.True(t, c.IsRegistered())
	assert.Equal(t, 1, server.CallCount("RegisterNode"))
}

func TestRegistrationRejectedIsRetried(t *testing.T) {
	server := channeltest.NewServer()
	var attempts atomic.Int32
	server.Handle("RegisterNode", func([]json.RawMessage) (any, string, bool) {
		if attempts.Add(1) <= 2 {
			return types.RegisterResult{Success: false, Reason: "node limit reached"}, "", false
		}
		return types.RegisterResult{Success: true, ServerVersion: "1.2.0"}, "", false
	})

	c := newTestChannel(t, server)
	startRegistered(t, c)
	assert.Equal(t, 3, server.CallCount("RegisterNode"))
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	server := channeltest.NewServer()
	b := events.NewBroker()
	b.Start()
	defer b.Stop()
	sub := b.Subscribe()

	c := newTestChannel(t, server, func(cfg *channel.Config) { cfg.Broker = b })
	startRegistered(t, c)

	server.SetConnectErr(errors.New("connection refused"))
	server.DropAll()

	require.Eventually(t, func() bool { return !c.IsRegistered() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.ConnectionDisconnected, c.State().Status)

	ready := make(chan bool, 1)
	go func() {
		ready <- c.AwaitConnection(context.Background(), 5*time.Second)
	}()

	select {
	case <-ready:
		t.Fatal("AwaitConnection returned while the server was unreachable")
	case <-time.After(100 * time.Millisecond):
	}

	server.SetConnectErr(nil)

	select {
	case ok := <-ready:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not reconnect")
	}
	assert.Equal(t, 2, server.CallCount("RegisterNode"))

	seen := map[events.EventType]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[events.EventChannelDisconnected] || !seen[events.EventChannelConnected] {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}

func TestConnectionLostDuringRegistrationReconnects(t *testing.T) {
	server := channeltest.NewServer()
	var calls atomic.Int32
	var c *channel.Channel
	c = newTestChannel(t, server, func(cfg *channel.Config) {
		cfg.OnRegistered = func(types.RegisterResult, channel.State) {
			if calls.Add(1) > 1 {
				return
			}
			server.DropAll()
			deadline := time.Now().Add(2 * time.Second)
			for c.IsRegistered() && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
		}
	})

	c.Start()

	// Well under the idle recheck, so only the reconnect ladder applies
	require.Eventually(t, func() bool {
		return calls.Load() == 2 && c.IsRegistered()
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, server.CallCount("RegisterNode"))
}

func TestRegistrationStatePassedToCallback(t *testing.T) {
	server := channeltest.NewServer()
	server.Handle("RegisterNode", func([]json.RawMessage) (any, string, bool) {
		return types.RegisterResult{Success: true, ServerVersion: "2.0.0"}, "", false
	})

	states := make(chan channel.State, 1)
	c := newTestChannel(t, server, func(cfg *channel.Config) {
		cfg.OnRegistered = func(_ types.RegisterResult, state channel.State) { states <- state }
	})
	startRegistered(t, c)

	state := <-states
	assert.True(t, state.Registered)
	assert.True(t, state.VersionMismatch)
	assert.Equal(t, "2.0.0", state.ServerVersion)
}

func TestServerCloseFrameDropsConnection(t *testing.T) {
	server := channeltest.NewServer()
	c := newTestChannel(t, server)
	startRegistered(t, c)

	server.Push(&channel.Message{Type: channel.MessageClose, Error: "server restarting"})

	require.Eventually(t, func() bool {
		return server.CallCount("RegisterNode") == 2 && c.IsRegistered()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPendingCallFailsOnConnectionLoss(t *testing.T) {
	server := channeltest.NewServer()
	server.Handle("UpdateNodeStatus", func([]json.RawMessage) (any, string, bool) {
		return nil, "", true
	})

	c := newTestChannel(t, server, func(cfg *channel.Config) { cfg.InvokeAttempts = 1 })
	startRegistered(t, c)

	err := c.InvokeAsync(context.Background(), "UpdateNodeStatus", nil, types.NodeStatus{})
	assert.ErrorIs(t, err, channel.ErrConnectionLost)
}

func TestInvokeRetriesTransportErrors(t *testing.T) {
	server := channeltest.NewServer()
	var calls atomic.Int32
	server.Handle("UpdateNodeStatus", func([]json.RawMessage) (any, string, bool) {
		if calls.Add(1) <= 2 {
			return nil, "", true
		}
		enabled := true
		return types.StatusVerdict{Enabled: &enabled, ConfigRevision: 7}, "", false
	})

	c := newTestChannel(t, server)
	startRegistered(t, c)

	verdict, err := channel.Invoke[types.StatusVerdict](context.Background(), c, "UpdateNodeStatus", types.NodeStatus{NodeUID: "node-1"})
	require.NoError(t, err)
	require.NotNil(t, verdict.Enabled)
	assert.True(t, *verdict.Enabled)
	assert.Equal(t, 7, verdict.ConfigRevision)
	assert.Equal(t, 3, server.CallCount("UpdateNodeStatus"))
	assert.Equal(t, 3, server.CallCount("RegisterNode"))
}

func TestInvokeDoesNotRetryServerErrors(t *testing.T) {
	server := channeltest.NewServer()
	server.Handle("GetConfiguration", func([]json.RawMessage) (any, string, bool) {
		return nil, "unknown node", false
	})

	c := newTestChannel(t, server)
	startRegistered(t, c)

	_, err := channel.Invoke[types.ConfigurationRevision](context.Background(), c, "GetConfiguration")
	var invErr *channel.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "GetConfiguration", invErr.Target)
	assert.Equal(t, "unknown node", invErr.Message)
	assert.Equal(t, 1, server.CallCount("GetConfiguration"))
}

func TestInvokeMarshalErrorIsPermanent(t *testing.T) {
	server := channeltest.NewServer()
	c := newTestChannel(t, server)
	startRegistered(t, c)

	err := c.InvokeAsync(context.Background(), "ReportJobResult", nil, make(chan int))
	require.Error(t, err)
	assert.Equal(t, 0, server.CallCount("ReportJobResult"))
}

func TestInvokeGivesUpWhenNeverConnected(t *testing.T) {
	server := channeltest.NewServer()
	server.SetConnectErr(errors.New("connection refused"))

	c := newTestChannel(t, server, func(cfg *channel.Config) {
		cfg.ConnectWait = 50 * time.Millisecond
	})
	c.Start()

	start := time.Now()
	err := c.InvokeAsync(context.Background(), "UpdateNodeStatus", nil, types.NodeStatus{})
	assert.ErrorIs(t, err, channel.ErrNotConnected)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInvokeHonoursContext(t *testing.T) {
	server := channeltest.NewServer()
	server.SetConnectErr(errors.New("connection refused"))

	c := newTestChannel(t, server, func(cfg *channel.Config) {
		cfg.ConnectWait = 5 * time.Second
	})
	c.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.InvokeAsync(ctx, "UpdateNodeStatus", nil, types.NodeStatus{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInvokeAfterStop(t *testing.T) {
	server := channeltest.NewServer()
	c := newTestChannel(t, server)
	startRegistered(t, c)

	c.Stop()

	assert.False(t, c.IsRegistered())
	assert.False(t, c.AwaitConnection(context.Background(), time.Second))
	err := c.InvokeAsync(context.Background(), "UpdateNodeStatus", nil, types.NodeStatus{})
	assert.ErrorIs(t, err, channel.ErrStopped)
}

func TestSendAsyncIsFireAndForget(t *testing.T) {
	server := channeltest.NewServer()
	c := newTestChannel(t, server)
	startRegistered(t, c)

	report := types.JobReport{JobUID: "job-1", Status: types.JobStatusProcessed, Success: true}
	require.NoError(t, c.SendAsync(context.Background(), "ReportJobResult", report))

	msgs := server.Messages("ReportJobResult")
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].InvocationID)

	var got types.JobReport
	require.NoError(t, channel.Arg(msgs[0].Arguments, 0, &got))
	assert.Equal(t, "job-1", got.JobUID)
}

func TestInboundInvocations(t *testing.T) {
	server := channeltest.NewServer()
	c := newTestChannel(t, server)

	c.Handle("AbortFile", func(ctx context.Context, args []json.RawMessage) (any, error) {
		var uid string
		if err := channel.Arg(args, 0, &uid); err != nil {
			return nil, err
		}
		return uid == "job-1", nil
	})
	c.Handle("Explode", func(context.Context, []json.RawMessage) (any, error) {
		panic("boom")
	})

	startRegistered(t, c)

	tests := []struct {
		name      string
		target    string
		args      []json.RawMessage
		wantRes   string
		wantError string
	}{
		{name: "known job", target: "AbortFile", args: []json.RawMessage{json.RawMessage(`"job-1"`)}, wantRes: "true"},
		{name: "other job", target: "AbortFile", args: []json.RawMessage{json.RawMessage(`"job-2"`)}, wantRes: "false"},
		{name: "missing argument", target: "AbortFile", wantError: "missing argument 0"},
		{name: "unknown target", target: "Nope", wantError: `unknown target "Nope"`},
		{name: "handler panic", target: "Explode", wantError: "handler panic: boom"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "inv-" + string(rune('a'+i))
			server.Push(&channel.Message{Type: channel.MessageInvocation, InvocationID: id, Target: tt.target, Arguments: tt.args})

			resp := awaitCompletion(t, server)
			assert.Equal(t, id, resp.InvocationID)
			if tt.wantError != "" {
				assert.Contains(t, resp.Error, tt.wantError)
				return
			}
			assert.Empty(t, resp.Error)
			assert.JSONEq(t, tt.wantRes, string(resp.Result))
		})
	}
}

func TestInboundFireAndForget(t *testing.T) {
	server := channeltest.NewServer()
	c := newTestChannel(t, server)

	called := make(chan struct{})
	c.Handle("AbortAll", func(context.Context, []json.RawMessage) (any, error) {
		close(called)
		return nil, nil
	})
	startRegistered(t, c)

	server.Push(&channel.Message{Type: channel.MessageInvocation, Target: "AbortAll"})

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}

	select {
	case m := <-server.Completions():
		t.Fatalf("unexpected completion %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestVersionMismatchKeepsRegistration(t *testing.T) {
	server := channeltest.NewServer()
	server.Handle("RegisterNode", func([]json.RawMessage) (any, string, bool) {
		return types.RegisterResult{Success: true, ServerVersion: "2.0.0"}, "", false
	})

	b := events.NewBroker()
	b.Start()
	defer b.Stop()
	sub := b.Subscribe()

	c := newTestChannel(t, server, func(cfg *channel.Config) { cfg.Broker = b })
	startRegistered(t, c)

	state := c.State()
	assert.True(t, state.Registered)
	assert.True(t, state.VersionMismatch)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventVersionMismatch {
				assert.Equal(t, "2.0.0", ev.Metadata["server_version"])
				return
			}
		case <-deadline:
			t.Fatal("no version mismatch event")
		}
	}
}

func TestUpdateNode(t *testing.T) {
	c := newTestChannel(t, channeltest.NewServer())
	c.UpdateNode(types.NodeDescriptor{UID: "node-9", MaxConcurrency: 4})

	state := c.State()
	require.NotNil(t, state.Node)
	assert.Equal(t, 4, state.Node.MaxConcurrency)

	// The snapshot is a copy
	state.Node.MaxConcurrency = 1
	assert.Equal(t, 4, c.State().Node.MaxConcurrency)
}
