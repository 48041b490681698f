package agent

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/flownode/pkg/channel"
	"github.com/cuemby/flownode/pkg/channel/channeltest"
	"github.com/cuemby/flownode/pkg/config"
	"github.com/cuemby/flownode/pkg/types"
	"github.com/stretchr/testify/require"
)

const testVersion = "1.2.0"

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker scripts need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func writeWorker(t *testing.T, body string) string {
	t.Helper()
	requireShell(t)
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testConfig(t *testing.T, dataDir, worker string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.URL = "http://flows.test:19200"
	cfg.Node.Name = "test-node"
	cfg.Node.DataDir = dataDir
	cfg.Node.TempPath = t.TempDir()
	cfg.Runner.WorkerPath = worker
	cfg.Channel.ReconnectDelays = []time.Duration{20 * time.Millisecond}
	cfg.Channel.HeartbeatInterval = time.Hour
	cfg.Channel.InvokeTimeout = time.Second
	cfg.Channel.ConnectWait = 2 * time.Second
	cfg.Channel.InvokeAttempts = 1
	require.NoError(t, cfg.Validate())
	return cfg
}

// newServer returns a server that also answers status pushes and
// configuration requests
func newServer() *channeltest.Server {
	s := channeltest.NewServer()
	s.Handle("UpdateNodeStatus", channeltest.Reply(verdict(true)))
	s.Handle("GetConfiguration", channeltest.Reply(types.ConfigurationRevision{
		Revision: 4,
		Data:     []byte(`{"flows":[]}`),
	}))
	return s
}

// verdict is a status answer carrying the server's enable flag
func verdict(enabled bool) types.StatusVerdict {
	return types.StatusVerdict{Enabled: &enabled}
}

type runningAgent struct {
	*Agent
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
	err    error
}

// stop cancels Run and waits for it to return. It is safe to call twice.
func (r *runningAgent) stop(t *testing.T) error {
	t.Helper()
	r.once.Do(func() {
		r.cancel()
		select {
		case r.err = <-r.done:
		case <-time.After(15 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return r.err
}

func startAgent(t *testing.T, cfg *config.Config, server *channeltest.Server) *runningAgent {
	t.Helper()

	a, err := New(cfg, Options{Version: testVersion, Transport: server, Restart: func() {}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &runningAgent{Agent: a, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- a.Run(ctx) }()

	t.Cleanup(func() { _ = r.stop(t) })

	require.True(t, a.channel.AwaitConnection(context.Background(), 3*time.Second), "agent did not register")
	require.Eventually(t, func() bool {
		_, ok := a.currentNode()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return r
}

func dispatch(t *testing.T, server *channeltest.Server, job types.JobDescriptor) types.ProcessFileVerdict {
	t.Helper()
	resp := invoke(t, server, "ClientProcessFile", job)
	require.Empty(t, resp.Error)

	var verdict types.ProcessFileVerdict
	require.NoError(t, json.Unmarshal(resp.Result, &verdict))
	return verdict
}

func invoke(t *testing.T, server *channeltest.Server, target string, args ...any) *channel.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := server.Invoke(ctx, target, args...)
	require.NoError(t, err)
	return resp
}

// awaitReport waits for the n-th ReportJobResult and decodes it
func awaitReport(t *testing.T, server *channeltest.Server, n int) types.JobReport {
	t.Helper()
	require.True(t, server.AwaitCalls("ReportJobResult", n, 10*time.Second), "no job report")

	msgs := server.Messages("ReportJobResult")
	var report types.JobReport
	require.NoError(t, channel.Arg(msgs[n-1].Arguments, 0, &report))
	return report
}

func testJob(uid string) types.JobDescriptor {
	return types.JobDescriptor{
		UID:         uid,
		FileUID:     "file-" + uid,
		FilePath:    "/media/" + uid + ".mkv",
		LibraryName: "Movies",
	}
}
