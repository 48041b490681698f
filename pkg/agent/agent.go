package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/flownode/pkg/api"
	"github.com/cuemby/flownode/pkg/channel"
	"github.com/cuemby/flownode/pkg/config"
	"github.com/cuemby/flownode/pkg/events"
	"github.com/cuemby/flownode/pkg/log"
	"github.com/cuemby/flownode/pkg/metrics"
	"github.com/cuemby/flownode/pkg/retry"
	"github.com/cuemby/flownode/pkg/runner"
	"github.com/cuemby/flownode/pkg/storage"
	"github.com/cuemby/flownode/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// shutdownTimeout bounds the wait for aborted runners to clean up
	shutdownTimeout = 30 * time.Second
	// reportTimeout bounds delivery of one job report or warning
	reportTimeout = 2 * time.Minute
	// drainTimeout is how long queued reports may still be sent on shutdown
	drainTimeout = 5 * time.Second
	// configRetention is the number of configuration revisions kept locally
	configRetention = 5
)

// Options injects collaborators, mostly for tests. Zero values select the
// production implementation.
type Options struct {
	Version   string
	Transport channel.Transport
	Store     storage.Store
	Gate      runner.Gate
	Restart   func()
}

// Agent is the flow node: it keeps the control channel alive, answers the
// server's dispatch requests and relays job results.
type Agent struct {
	cfg     *config.Config
	version string

	store     storage.Store
	broker    *events.Broker
	channel   *channel.Channel
	manager   *runner.Manager
	collector *metrics.Collector
	http      *api.HealthServer
	grpc      *api.GRPCServer

	statusTrigger *retry.Trigger
	statusDirty   atomic.Bool
	limiter       *rate.Limiter

	configTrigger *retry.Trigger
	configDirty   atomic.Bool
	configLadder  *retry.Ladder
	syncMu        sync.Mutex

	mu              sync.Mutex
	nodeUID         string
	node            types.NodeDescriptor
	haveNode        bool
	enabled         bool
	configRevision  int
	wantedRevision  int
	storeClosed     bool
	versionMismatch bool

	// bg carries report and warning deliveries, cancelled after the drain
	bg       context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	closeOnce sync.Once
	logger    zerolog.Logger
}

// New creates an agent from a validated configuration
func New(cfg *config.Config, opts Options) (*Agent, error) {
	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Node.ConfigDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	store := opts.Store
	if store == nil {
		bs, err := storage.NewBoltStore(cfg.Node.DataDir, storage.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, err
		}
		store = bs
	}

	transport := opts.Transport
	if transport == nil {
		ws, err := channel.NewWebsocketTransport(cfg.Server.URL, cfg.Server.AccessToken)
		if err != nil {
			store.Close()
			return nil, err
		}
		transport = ws
	}

	bg, bgCancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:           cfg,
		version:       opts.Version,
		store:         store,
		broker:        events.NewBroker(),
		statusTrigger: retry.NewTrigger(),
		limiter:       rate.NewLimiter(rate.Every(time.Second), 1),
		configTrigger: retry.NewTrigger(),
		configLadder:  retry.NewLadder(),
		bg:            bg,
		bgCancel:      bgCancel,
		logger:        log.WithComponent("agent"),
	}

	if err := a.loadState(); err != nil {
		store.Close()
		bgCancel()
		return nil, err
	}

	a.channel = channel.New(channel.Config{
		Transport:        transport,
		Identity:         a.identity,
		Version:          a.version,
		Broker:           a.broker,
		ReconnectDelays:  cfg.Channel.ReconnectDelays,
		RegistrationWait: cfg.Channel.RegistrationWait,
		ConnectWait:      cfg.Channel.ConnectWait,
		InvokeTimeout:    cfg.Channel.InvokeTimeout,
		InvokeAttempts:   cfg.Channel.InvokeAttempts,
		OnRegistered:     a.onRegistered,
	})

	gate := opts.Gate
	if gate == nil {
		gate = &runner.ScriptGate{Timeout: cfg.Runner.PreExecuteTimeout}
	}
	a.manager = runner.NewManager(runner.ManagerConfig{
		Settings:    a.settings(),
		Gate:        gate,
		GateTimeout: cfg.Runner.PreExecuteTimeout,
		Broker:      a.broker,
		OnReport:    a.onReport,
		OnWarning:   a.onWarning,
		Restart:     opts.Restart,
	})

	a.collector = metrics.NewCollector(a)
	if cfg.Health.HTTPAddr != "" {
		a.http = api.NewHealthServer(store)
	}
	if cfg.Health.GRPCAddr != "" {
		a.grpc = api.NewGRPCServer()
	}

	a.registerHandlers()
	metrics.SetVersion(a.version)
	return a, nil
}

// loadState restores the node UID and configuration revision from the
// store. A node without stored state gets a fresh UID, which the server
// may replace on registration.
func (a *Agent) loadState() error {
	state, err := a.store.GetNodeState()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		a.nodeUID = uuid.NewString()
		a.enabled = true
		return a.store.SaveNodeState(&storage.NodeState{NodeUID: a.nodeUID})
	case err != nil:
		return fmt.Errorf("failed to load node state: %w", err)
	}

	a.nodeUID = state.NodeUID
	if a.nodeUID == "" {
		a.nodeUID = uuid.NewString()
	}
	a.configRevision = state.ConfigRevision
	a.enabled = true
	if state.Node != nil {
		a.node = *state.Node
		a.haveNode = true
		a.enabled = state.Node.Enabled
	}

	if rev, err := a.store.LatestConfigRevision(); err == nil && rev.Revision > a.configRevision {
		a.configRevision = rev.Revision
	}

	a.logger.Info().
		Str("node_id", a.nodeUID).
		Int("config_revision", a.configRevision).
		Msg("Restored node state")
	return nil
}

func (a *Agent) settings() runner.Settings {
	return runner.Settings{
		WorkerPath:     a.cfg.Runner.WorkerPath,
		BaseURL:        a.cfg.Server.URL,
		AccessToken:    a.cfg.Server.AccessToken,
		ConfigDir:      a.cfg.Node.ConfigDir,
		TempPath:       a.cfg.Node.TempPath,
		ForcedTempPath: a.cfg.Node.ForcedTempPath,
		IsDocker:       a.cfg.Node.Docker,
		RestartCapable: a.cfg.Node.RestartCapable,
		DebugPayload:   a.cfg.Runner.DebugPayload,
		JobTimeout:     a.cfg.Runner.JobTimeout,
		RestartDelay:   a.cfg.Runner.RestartDelay,
	}
}

// Run starts the agent and blocks until ctx is cancelled or a local server
// fails. Active jobs are aborted and cleaned up before it returns.
func (a *Agent) Run(ctx context.Context) error {
	a.broker.Start()
	a.collector.Start()
	a.channel.Start()

	a.logger.Info().
		Str("node", a.cfg.Node.Name).
		Str("server", a.cfg.Server.URL).
		Str("version", a.version).
		Msg("Flow node started")

	g, gctx := errgroup.WithContext(ctx)
	sub := a.broker.Subscribe(
		events.EventRunnersChanged,
		events.EventChannelConnected,
		events.EventChannelDisconnected,
		events.EventVersionMismatch,
	)

	g.Go(func() error {
		a.statusLoop(gctx)
		return nil
	})
	g.Go(func() error {
		a.configLoop(gctx)
		return nil
	})
	g.Go(func() error {
		a.eventLoop(gctx, sub)
		return nil
	})

	if a.http != nil {
		g.Go(func() error {
			if err := a.http.Start(a.cfg.Health.HTTPAddr); err != nil {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.http.Shutdown(sctx)
		})
	}
	if a.grpc != nil {
		g.Go(func() error {
			if err := a.grpc.Start(a.cfg.Health.GRPCAddr); err != nil {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			a.grpc.Stop()
			return nil
		})
	}

	err := g.Wait()
	a.broker.Unsubscribe(sub)
	a.shutdown()
	return err
}

func (a *Agent) shutdown() {
	a.logger.Info().Int("active_jobs", a.manager.Count()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Runners did not finish cleanup")
	}
	cancel()

	// Give queued reports a moment on the still-open channel
	drained := make(chan struct{})
	go func() {
		a.bgWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		a.logger.Warn().Msg("Dropping undelivered job reports")
	}
	a.bgCancel()
	a.bgWG.Wait()

	a.channel.Stop()
	a.collector.Stop()
	a.broker.Stop()
	a.Close()
	a.logger.Info().Msg("Flow node stopped")
}

// Close releases the store. Run calls it on return.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.storeClosed = true
		a.mu.Unlock()
		err = a.store.Close()
	})
	return err
}

// Unregister removes the node from the server and forgets its identity.
// It is used instead of Run, not alongside it.
func (a *Agent) Unregister(ctx context.Context) error {
	defer a.Close()

	a.broker.Start()
	defer a.broker.Stop()
	a.channel.Start()
	defer a.channel.Stop()

	if !a.channel.AwaitConnection(ctx, a.cfg.Channel.ConnectWait) {
		return fmt.Errorf("could not register with %s: %w", a.cfg.Server.URL, channel.ErrNotConnected)
	}

	nodeUID := a.NodeUID()
	if err := a.channel.InvokeAsync(ctx, "UnregisterNode", nil, nodeUID); err != nil {
		return fmt.Errorf("failed to unregister node: %w", err)
	}
	if err := a.store.DeleteNodeState(); err != nil {
		return fmt.Errorf("failed to clear node state: %w", err)
	}

	a.logger.Info().Str("node_id", nodeUID).Msg("Node unregistered")
	return nil
}

// NodeUID returns the node's identity
func (a *Agent) NodeUID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeUID
}

// Snapshot implements metrics.Source
func (a *Agent) Snapshot() metrics.Snapshot {
	state := a.channel.State()
	active := a.manager.Count()

	a.mu.Lock()
	defer a.mu.Unlock()
	return metrics.Snapshot{
		ActiveRunners:   active,
		Capacity:        a.node.MaxConcurrency,
		Connected:       state.Status == types.ConnectionConnected,
		Registered:      state.Registered,
		Enabled:         a.enabled,
		VersionMismatch: a.versionMismatch,
		ConfigRevision:  a.configRevision,
		StoreHealthy:    !a.storeClosed,
	}
}

// onRegistered runs inside the channel's registration and must not block
func (a *Agent) onRegistered(result types.RegisterResult, state channel.State) {
	a.mu.Lock()
	a.versionMismatch = state.VersionMismatch
	a.mu.Unlock()

	if result.Node != nil {
		a.setNode(*result.Node, result.ServerVersion)
	}
	if result.CurrentConfigRevision > a.currentRevision() {
		a.requestConfigSync(result.CurrentConfigRevision)
	}
	a.requestStatus()
}

// setNode adopts a descriptor from the server and persists it
func (a *Agent) setNode(node types.NodeDescriptor, serverVersion string) {
	a.mu.Lock()
	if node.UID != "" && node.UID != a.nodeUID {
		a.logger.Info().Str("old", a.nodeUID).Str("new", node.UID).Msg("Server assigned node identity")
		a.nodeUID = node.UID
	}
	a.node = node
	a.haveNode = true
	state := &storage.NodeState{
		NodeUID:        a.nodeUID,
		ServerVersion:  serverVersion,
		ConfigRevision: a.configRevision,
		Node:           &node,
		RegisteredAt:   time.Now().UTC(),
	}
	closed := a.storeClosed
	a.mu.Unlock()

	a.setEnabled(node.Enabled)
	a.channel.UpdateNode(node)
	metrics.RunnersCapacity.Set(float64(node.MaxConcurrency))

	if closed {
		return
	}
	if err := a.store.SaveNodeState(state); err != nil {
		a.logger.Error().Err(err).Msg("Failed to persist node state")
	}
}

// setEnabled records the server's enable flag, logging each transition once
func (a *Agent) setEnabled(enabled bool) {
	a.mu.Lock()
	changed := a.enabled != enabled
	a.enabled = enabled
	a.mu.Unlock()

	metrics.BoolGauge(metrics.NodeEnabled, enabled)
	if !changed {
		return
	}
	if enabled {
		a.logger.Info().Msg("Node enabled by server, accepting work")
	} else {
		a.logger.Warn().Msg("Node disabled by server, refusing work")
	}
}

func (a *Agent) currentNode() (types.NodeDescriptor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.node, a.haveNode
}

func (a *Agent) currentRevision() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.configRevision
}

// acceptingWork reports whether new jobs may be admitted, and the verdict
// to return when they may not
func (a *Agent) acceptingWork() (bool, types.ProcessFileVerdict) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.versionMismatch:
		return false, types.VerdictVersionMismatch
	case !a.enabled:
		return false, types.VerdictNodeDisabled
	default:
		return true, types.VerdictCanProcess
	}
}

// onReport persists a finished job and relays it to the server
func (a *Agent) onReport(report types.JobReport) {
	report.NodeUID = a.NodeUID()

	a.mu.Lock()
	closed := a.storeClosed
	a.mu.Unlock()
	if !closed {
		if err := a.store.SaveJobReport(&report); err != nil {
			a.logger.Error().Err(err).Str("job_id", report.JobUID).Msg("Failed to save job report")
		} else if a.cfg.Runner.HistoryRetention > 0 {
			if _, err := a.store.PruneJobReports(a.cfg.Runner.HistoryRetention); err != nil {
				a.logger.Warn().Err(err).Msg("Failed to prune job history")
			}
		}
	}

	a.background(func(ctx context.Context) {
		if err := a.channel.SendAsync(ctx, "ReportJobResult", report); err != nil {
			a.logger.Error().Err(err).Str("job_id", report.JobUID).Msg("Failed to report job result")
		}
	})
	a.requestStatus()
}

// onWarning surfaces a warning in the server's node log
func (a *Agent) onWarning(title, message string) {
	a.logger.Warn().Str("title", title).Msg(message)
	a.background(func(ctx context.Context) {
		if err := a.channel.SendAsync(ctx, "RecordNodeWarning", title, message); err != nil {
			a.logger.Debug().Err(err).Msg("Failed to record node warning")
		}
	})
}

func (a *Agent) background(fn func(ctx context.Context)) {
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		ctx, cancel := context.WithTimeout(a.bg, reportTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// eventLoop reacts to channel and runner events
func (a *Agent) eventLoop(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.EventRunnersChanged:
				a.requestStatus()
			case events.EventChannelConnected:
				if a.grpc != nil {
					a.grpc.SetServing(true)
				}
			case events.EventChannelDisconnected:
				if a.grpc != nil {
					a.grpc.SetServing(false)
				}
			case events.EventVersionMismatch:
				a.logger.Error().
					Str("server_version", ev.Metadata["server_version"]).
					Msg("Refusing new work until the node is upgraded")
			}
		}
	}
}
