package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/flownode/pkg/events"
	"github.com/cuemby/flownode/pkg/log"
	"github.com/cuemby/flownode/pkg/metrics"
	"github.com/cuemby/flownode/pkg/retry"
	"github.com/cuemby/flownode/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNotConnected is returned when no registered connection became
	// available in time
	ErrNotConnected = errors.New("control channel is not connected")

	// ErrConnectionLost is returned for calls whose connection dropped
	// before the completion arrived
	ErrConnectionLost = errors.New("control channel connection lost")

	// ErrRegistrationBusy is returned when another registration held the
	// registration lock for longer than the wait bound
	ErrRegistrationBusy = errors.New("registration already in progress")

	// ErrRegistrationRejected is returned when the server refuses the node
	ErrRegistrationRejected = errors.New("registration rejected")

	// ErrStopped is returned after Stop
	ErrStopped = errors.New("control channel stopped")
)

// Handler serves one inbound invocation target. A nil result with a nil
// error completes the invocation with no result.
type Handler func(ctx context.Context, args []json.RawMessage) (any, error)

// IdentityFunc builds the identity sent with each registration attempt
type IdentityFunc func() types.NodeIdentity

// Config configures a Channel
type Config struct {
	Transport Transport
	Identity  IdentityFunc
	// Version is the node's own version, compared against the server's
	Version string
	Broker  *events.Broker

	// ReconnectDelays is the ladder used between connect attempts
	ReconnectDelays []time.Duration
	// RetryDelays is the ladder used between attempts of one invocation
	RetryDelays      []time.Duration
	RegistrationWait time.Duration
	ConnectWait      time.Duration
	InvokeTimeout    time.Duration
	InvokeAttempts   int

	// OnRegistered is called after every successful registration with the
	// server's answer and the resulting channel state, before
	// AwaitConnection waiters are released. It must not block.
	OnRegistered func(result types.RegisterResult, state State)
}

// Defaults
const (
	DefaultRegistrationWait = 20 * time.Second
	DefaultConnectWait      = 30 * time.Second
	DefaultInvokeTimeout    = 20 * time.Second
	DefaultInvokeAttempts   = 5

	idleRecheck = 30 * time.Second
)

// DefaultRetryDelays is the ladder between attempts of one invocation
var DefaultRetryDelays = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

// State is a snapshot of the channel
type State struct {
	Status          types.ConnectionStatus
	Registered      bool
	Node            *types.NodeDescriptor
	ServerVersion   string
	ConfigRevision  int
	VersionMismatch bool
}

// Channel is the node's persistent connection to the server. It keeps the
// node registered across transport failures and retries outbound calls
// on transient errors.
type Channel struct {
	cfg     Config
	ladder  *retry.Ladder
	trigger *retry.Trigger
	regSem  *semaphore.Weighted

	mu              sync.Mutex
	conn            Conn
	status          types.ConnectionStatus
	registered      bool
	node            *types.NodeDescriptor
	serverVersion   string
	configRevision  int
	versionMismatch bool
	stateCh         chan struct{}
	pending         map[string]chan *Message
	handlers        map[string]Handler
	stopped         bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	logger  zerolog.Logger
}

// New creates a channel. It does not connect until Start.
func New(cfg Config) *Channel {
	if cfg.RegistrationWait <= 0 {
		cfg.RegistrationWait = DefaultRegistrationWait
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = DefaultConnectWait
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = DefaultInvokeTimeout
	}
	if cfg.InvokeAttempts <= 0 {
		cfg.InvokeAttempts = DefaultInvokeAttempts
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = DefaultRetryDelays
	}
	if cfg.Identity == nil {
		cfg.Identity = func() types.NodeIdentity { return types.NodeIdentity{} }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:      cfg,
		ladder:   retry.NewLadder(cfg.ReconnectDelays...),
		trigger:  retry.NewTrigger(),
		regSem:   semaphore.NewWeighted(1),
		status:   types.ConnectionDisconnected,
		stateCh:  make(chan struct{}),
		pending:  make(map[string]chan *Message),
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.WithComponent("channel"),
	}
}

// Handle registers the handler for an inbound target, replacing any
// previous one
func (c *Channel) Handle(target string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[target] = h
}

// Start launches the background connect loop. It returns immediately.
func (c *Channel) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	c.wg.Add(1)
	go c.loop()
}

// Stop closes the connection and waits for the background goroutines
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.detach(conn, ErrStopped)
	}
	c.wg.Wait()
}

// Done is closed when the channel is stopped
func (c *Channel) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Channel) loop() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}

		// Taken before the registration check so that a detach racing
		// with it still wakes the idle wait below
		dropped := c.trigger.Armed()

		if !c.IsRegistered() {
			if err := c.connectAndRegister(c.ctx); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				delay := c.ladder.NextDelay()
				c.logger.Warn().
					Err(err).
					Int("attempt", c.ladder.Attempt()).
					Dur("retry_in", delay).
					Msg("Failed to connect to server")
				if retry.Sleep(c.ctx, delay) != nil {
					return
				}
				continue
			}
			c.ladder.Reset()
		}

		// Idle until the connection drops or the recheck elapses
		if retry.SleepUntil(c.ctx, dropped, idleRecheck) != nil {
			return
		}
	}
}

func (c *Channel) connectAndRegister(ctx context.Context) error {
	metrics.ReconnectAttempts.Inc()

	if c.currentConn() == nil {
		c.setStatus(types.ConnectionConnecting)

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectWait)
		conn, err := c.cfg.Transport.Connect(dialCtx)
		cancel()
		if err != nil {
			c.setStatus(types.ConnectionDisconnected)
			return err
		}
		if !c.attach(conn) {
			_ = conn.Close()
			return ErrStopped
		}
		c.logger.Info().Msg("Connected to server")
	}

	return c.Register(ctx)
}

func (c *Channel) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.conn = conn
	c.status = types.ConnectionConnected
	c.notifyLocked()

	c.wg.Add(1)
	go c.readLoop(conn)
	return true
}

func (c *Channel) readLoop(conn Conn) {
	defer c.wg.Done()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			c.detach(conn, err)
			return
		}

		switch msg.Type {
		case MessageCompletion:
			c.resolve(msg)
		case MessageInvocation:
			c.wg.Add(1)
			go c.dispatch(conn, msg)
		case MessagePing:
		case MessageClose:
			c.detach(conn, fmt.Errorf("server closed the connection: %s", msg.Error))
			return
		default:
			c.logger.Debug().Int("type", int(msg.Type)).Msg("Ignoring unknown frame")
		}
	}
}

// detach drops conn if it is still the current connection. Every pending
// call on it fails with ErrConnectionLost.
func (c *Channel) detach(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.registered = false
	c.status = types.ConnectionDisconnected
	pending := c.pending
	c.pending = make(map[string]chan *Message)
	stopped := c.stopped
	c.notifyLocked()
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = conn.Close()

	c.ladder.Reset()
	c.trigger.Fire()

	if stopped {
		c.logger.Info().Msg("Disconnected from server")
	} else {
		c.logger.Warn().Err(cause).Msg("Lost connection to server")
	}
	c.publish(events.EventChannelDisconnected, errString(cause), nil)
}

// Register registers the node on the current connection. Concurrent
// callers are serialized, and a caller that finds the node already
// registered returns without a network call.
func (c *Channel) Register(ctx context.Context) error {
	if c.IsRegistered() {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.RegistrationWait)
	defer cancel()
	if err := c.regSem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRegistrationBusy
	}
	defer c.regSem.Release(1)

	if c.IsRegistered() {
		return nil
	}

	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	identity := c.cfg.Identity()
	var result types.RegisterResult
	if err := c.call(ctx, conn, "RegisterNode", &result, types.RegisterRequest{Identity: identity}); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, result.Reason)
	}

	mismatch := CheckVersion(c.cfg.Version, result.ServerVersion)

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return ErrConnectionLost
	}
	c.registered = true
	if result.Node != nil {
		node := *result.Node
		c.node = &node
	}
	c.serverVersion = result.ServerVersion
	c.configRevision = result.CurrentConfigRevision
	c.versionMismatch = mismatch
	c.mu.Unlock()

	metrics.BoolGauge(metrics.VersionMismatch, mismatch)

	logger := c.logger.With().Str("server_version", result.ServerVersion).Logger()
	if result.Node != nil {
		logger = logger.With().Str("node_id", result.Node.UID).Logger()
	}
	logger.Info().Msg("Registered with server")

	// Waiters wake only after the callback has seen the result
	if c.cfg.OnRegistered != nil {
		c.cfg.OnRegistered(result, c.State())
	}
	c.mu.Lock()
	lost := c.conn != conn
	c.notifyLocked()
	c.mu.Unlock()
	if lost {
		return ErrConnectionLost
	}

	if mismatch {
		logger.Error().
			Str("node_version", c.cfg.Version).
			Msg("Server version is incompatible with this node")
		c.publish(events.EventVersionMismatch, "server version is incompatible", map[string]string{
			"node_version":   c.cfg.Version,
			"server_version": result.ServerVersion,
		})
	}
	c.publish(events.EventChannelConnected, "registered", nil)
	return nil
}

// InvokeAsync calls target and decodes the result into out, which may be
// nil. Transport failures are retried up to the configured attempts, each
// attempt first waiting for a registered connection. Errors returned by
// the server are not retried.
func (c *Channel) InvokeAsync(ctx context.Context, target string, out any, args ...any) error {
	timer := metrics.NewTimer()
	err := c.withRetry(ctx, target, func(conn Conn) error {
		return c.call(ctx, conn, target, out, args...)
	})
	timer.ObserveDurationVec(metrics.InvocationDuration, target)
	metrics.InvocationsTotal.WithLabelValues(target, resultLabel(err)).Inc()
	return err
}

// Invoke calls target and returns its decoded result
func Invoke[T any](ctx context.Context, c *Channel, target string, args ...any) (T, error) {
	var out T
	err := c.InvokeAsync(ctx, target, &out, args...)
	return out, err
}

// SendAsync delivers a fire-and-forget invocation, retrying until it has
// been written to a registered connection
func (c *Channel) SendAsync(ctx context.Context, target string, args ...any) error {
	msg, err := newInvocation("", target, args...)
	if err != nil {
		metrics.InvocationsTotal.WithLabelValues(target, "error").Inc()
		return err
	}
	err = c.withRetry(ctx, target, func(conn Conn) error {
		return conn.WriteMessage(msg)
	})
	metrics.InvocationsTotal.WithLabelValues(target, resultLabel(err)).Inc()
	return err
}

func (c *Channel) withRetry(ctx context.Context, target string, attempt func(conn Conn) error) error {
	op := func() error {
		if c.ctx.Err() != nil {
			return backoff.Permanent(ErrStopped)
		}
		if !c.AwaitConnection(ctx, c.cfg.ConnectWait) {
			return ErrNotConnected
		}
		conn := c.currentConn()
		if conn == nil {
			return ErrNotConnected
		}

		err := attempt(conn)
		var invErr *InvocationError
		var mErr *marshalError
		if errors.As(err, &invErr) || errors.As(err, &mErr) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(retry.NewLadder(c.cfg.RetryDelays...), uint64(c.cfg.InvokeAttempts-1)),
		ctx,
	)
	notify := func(err error, d time.Duration) {
		c.logger.Debug().
			Err(err).
			Str("target", target).
			Dur("retry_in", d).
			Msg("Retrying invocation")
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			return fmt.Errorf("%s: %w", target, ctx.Err())
		}
		return err
	}
	return nil
}

// call performs one invocation on conn and waits for its completion
func (c *Channel) call(ctx context.Context, conn Conn, target string, out any, args ...any) error {
	id := uuid.NewString()
	msg, err := newInvocation(id, target, args...)
	if err != nil {
		return err
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return ErrConnectionLost
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := conn.WriteMessage(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", target, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		if resp.Error != "" {
			return &InvocationError{Target: target, Message: resp.Error}
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return &marshalError{err: fmt.Errorf("failed to decode %s result: %w", target, err)}
			}
		}
		return nil
	case <-callCtx.Done():
		return fmt.Errorf("%s: %w", target, callCtx.Err())
	}
}

func (c *Channel) resolve(msg *Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.InvocationID]
	if ok {
		delete(c.pending, msg.InvocationID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("invocation_id", msg.InvocationID).Msg("Completion for unknown invocation")
		return
	}
	ch <- msg
}

func (c *Channel) dispatch(conn Conn, msg *Message) {
	defer c.wg.Done()

	logger := c.logger.With().Str("target", msg.Target).Logger()

	c.mu.Lock()
	h := c.handlers[msg.Target]
	c.mu.Unlock()

	var result any
	var err error
	if h == nil {
		err = fmt.Errorf("unknown target %q", msg.Target)
	} else {
		result, err = safeCall(c.ctx, h, msg.Arguments)
	}

	if err != nil {
		logger.Warn().Err(err).Msg("Inbound invocation failed")
	}
	if msg.InvocationID == "" {
		return
	}

	resp := &Message{Type: MessageCompletion, InvocationID: msg.InvocationID}
	if err != nil {
		resp.Error = err.Error()
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = fmt.Sprintf("failed to encode result: %v", merr)
		} else {
			resp.Result = data
		}
	}
	if werr := conn.WriteMessage(resp); werr != nil {
		logger.Debug().Err(werr).Msg("Failed to send completion")
	}
}

func safeCall(ctx context.Context, h Handler, args []json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, args)
}

// AwaitConnection waits until the node is connected and registered. It
// returns false when the timeout elapses or ctx is done first.
func (c *Channel) AwaitConnection(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		ready := c.status == types.ConnectionConnected && c.registered
		changed := c.stateCh
		c.mu.Unlock()

		if ready {
			return true
		}

		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		case <-c.ctx.Done():
			return false
		}
	}
}

// State returns a snapshot of the channel
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := State{
		Status:          c.status,
		Registered:      c.registered,
		ServerVersion:   c.serverVersion,
		ConfigRevision:  c.configRevision,
		VersionMismatch: c.versionMismatch,
	}
	if c.node != nil {
		node := *c.node
		s.Node = &node
	}
	return s
}

// IsRegistered reports whether the node is registered on an open
// connection
func (c *Channel) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered && c.conn != nil
}

// UpdateNode replaces the cached node descriptor
func (c *Channel) UpdateNode(node types.NodeDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.node = &node
}

func (c *Channel) currentConn() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) setStatus(status types.ConnectionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.notifyLocked()
}

// notifyLocked wakes every AwaitConnection waiter. c.mu must be held.
func (c *Channel) notifyLocked() {
	close(c.stateCh)
	c.stateCh = make(chan struct{})

	metrics.BoolGauge(metrics.ChannelConnected, c.status == types.ConnectionConnected)
	metrics.BoolGauge(metrics.ChannelRegistered, c.registered)
}

func (c *Channel) publish(t events.EventType, message string, metadata map[string]string) {
	c.cfg.Broker.Publish(&events.Event{
		Type:     t,
		Message:  message,
		Metadata: metadata,
	})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
