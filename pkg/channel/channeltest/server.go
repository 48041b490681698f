// Package channeltest provides an in-memory control channel server for
// tests.
package channeltest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cuemby/flownode/pkg/channel"
	"github.com/cuemby/flownode/pkg/types"
	"github.com/google/uuid"
)

// Func answers one invocation from the node. drop closes the connection
// instead of answering.
type Func func(args []json.RawMessage) (result any, errMsg string, drop bool)

// Server plays the flow server. It implements channel.Transport.
type Server struct {
	mu         sync.Mutex
	handlers   map[string]Func
	calls      map[string]int
	received   []*channel.Message
	conns      []*conn
	connectErr error
	waiters    map[string]chan *channel.Message

	completions chan *channel.Message
}

var _ channel.Transport = (*Server)(nil)

// NewServer creates a server that accepts every registration
func NewServer() *Server {
	s := &Server{
		handlers:    make(map[string]Func),
		calls:       make(map[string]int),
		waiters:     make(map[string]chan *channel.Message),
		completions: make(chan *channel.Message, 16),
	}
	s.Handle("RegisterNode", Reply(types.RegisterResult{
		Success:       true,
		ServerVersion: "1.2.0",
		Node: &types.NodeDescriptor{
			UID:            "node-1",
			Name:           "test-node",
			Enabled:        true,
			MaxConcurrency: 2,
		},
		CurrentConfigRevision: 4,
	}))
	return s
}

// Reply returns a Func that always answers with result
func Reply(result any) Func {
	return func([]json.RawMessage) (any, string, bool) {
		return result, "", false
	}
}

// Connect opens a new in-memory connection
func (s *Server) Connect(ctx context.Context) (channel.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	c := &conn{
		server: s,
		in:     make(chan *channel.Message, 64),
		closed: make(chan struct{}),
	}
	s.conns = append(s.conns, c)
	return c, nil
}

// Handle sets the answer for target
func (s *Server) Handle(target string, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[target] = fn
}

// SetConnectErr makes every Connect fail with err until it is reset to nil
func (s *Server) SetConnectErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// CallCount returns how many invocations of target the node sent
func (s *Server) CallCount(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[target]
}

// Messages returns the invocations of target the node sent, oldest first
func (s *Server) Messages(target string) []*channel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*channel.Message
	for _, m := range s.received {
		if m.Target == target {
			out = append(out, m)
		}
	}
	return out
}

// DropAll closes every connection from the server side
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := append([]*conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Push sends a frame to the node on the newest connection
func (s *Server) Push(msg *channel.Message) {
	s.mu.Lock()
	c := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	c.deliver(msg)
}

// Completions receives completions that no Invoke call is waiting for
func (s *Server) Completions() <-chan *channel.Message {
	return s.completions
}

// Invoke calls target on the node and waits for its completion
func (s *Server) Invoke(ctx context.Context, target string, args ...any) (*channel.Message, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}

	id := uuid.NewString()
	ch := make(chan *channel.Message, 1)
	s.mu.Lock()
	s.waiters[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}()

	s.Push(&channel.Message{
		Type:         channel.MessageInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    raw,
	})

	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AwaitCalls waits until the node has sent n invocations of target
func (s *Server) AwaitCalls(target string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.CallCount(target) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.CallCount(target) >= n
}

func (s *Server) receive(c *conn, msg *channel.Message) {
	if msg.Type == channel.MessageCompletion {
		s.mu.Lock()
		ch, ok := s.waiters[msg.InvocationID]
		s.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
		s.completions <- msg
		return
	}

	s.mu.Lock()
	s.calls[msg.Target]++
	s.received = append(s.received, msg)
	fn := s.handlers[msg.Target]
	s.mu.Unlock()

	if msg.InvocationID == "" {
		return
	}

	go func() {
		resp := &channel.Message{Type: channel.MessageCompletion, InvocationID: msg.InvocationID}
		if fn == nil {
			resp.Error = "no handler for " + msg.Target
			c.deliver(resp)
			return
		}

		result, errMsg, drop := fn(msg.Arguments)
		if drop {
			_ = c.Close()
			return
		}
		resp.Error = errMsg
		if result != nil {
			data, _ := json.Marshal(result)
			resp.Result = data
		}
		c.deliver(resp)
	}()
}

type conn struct {
	server *Server
	in     chan *channel.Message
	closed chan struct{}
	once   sync.Once
}

func (c *conn) ReadMessage() (*channel.Message, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *conn) WriteMessage(msg *channel.Message) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.server.receive(c, msg)
	return nil
}

func (c *conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *conn) deliver(msg *channel.Message) {
	select {
	case c.in <- msg:
	case <-c.closed:
	}
}
