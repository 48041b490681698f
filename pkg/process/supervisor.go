package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/flownode/pkg/log"
	"github.com/rs/zerolog"
)

var (
	// ErrNoCommand is returned when Command.Path is empty
	ErrNoCommand = errors.New("no command to run")
)

const (
	// WaitDelay bounds how long output pipes are drained after the process
	// was killed before they are closed forcibly.
	WaitDelay = 5 * time.Second
	// LineQueueSize is the capacity of the line queue between the pipe
	// readers and the aggregator.
	LineQueueSize = 1024
)

// LineFunc observes one cleaned output line
type LineFunc func(line string)

// Result is the outcome of one supervised run
type Result struct {
	Command string
	// ExitCode is nil when the process was killed or timed out
	ExitCode  *int
	Completed bool
	TimedOut  bool
	Stdout    string
	Stderr    string
	Started   time.Time
	Stopped   time.Time
}

// Duration returns the wall time of the run
func (r *Result) Duration() time.Duration {
	return r.Stopped.Sub(r.Started)
}

// Supervisor runs one external process at a time, capturing its output and
// enforcing a timeout and an external kill switch.
type Supervisor struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	onStdout LineFunc
	onStderr LineFunc
	logger   zerolog.Logger
}

// NewSupervisor creates a supervisor
func NewSupervisor() *Supervisor {
	return &Supervisor{
		logger: log.WithComponent("process"),
	}
}

// OnStdout registers an observer for cleaned stdout lines. It must be set
// before Run.
func (s *Supervisor) OnStdout(fn LineFunc) {
	s.mu.Lock()
	s.onStdout = fn
	s.mu.Unlock()
}

// OnStderr registers an observer for cleaned stderr lines. It must be set
// before Run.
func (s *Supervisor) OnStderr(fn LineFunc) {
	s.mu.Lock()
	s.onStderr = fn
	s.mu.Unlock()
}

// Kill terminates the running process tree. It is a no-op when nothing is
// running, including after the process has exited on its own.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run starts the command and blocks until it exits, the timeout fires, ctx
// is cancelled or Kill is called. A spawn failure is returned as an error;
// every other outcome is described by the Result.
func (s *Supervisor) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Path == "" {
		return nil, ErrNoCommand
	}
	argv, err := c.Argv()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	execCtx := runCtx
	if c.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		execCtx, cancelTimeout = context.WithTimeout(runCtx, c.Timeout)
		defer cancelTimeout()
	}

	s.mu.Lock()
	s.cancel = cancel
	onStdout, onStderr := s.onStdout, s.onStderr
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	result := &Result{Command: c.String()}

	var killed atomic.Bool
	cmd := exec.CommandContext(execCtx, c.Path, argv...)
	cmd.Dir = c.Dir
	cmd.Env = c.environ()
	cmd.WaitDelay = WaitDelay
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		killed.Store(true)
		return killTree(cmd)
	}

	lines := make(chan line, LineQueueSize)
	stdout := &lineWriter{stream: Stdout, out: lines}
	stderr := &lineWriter{stream: Stderr, out: lines}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	agg := newAggregator(onStdout, onStderr)
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		agg.consume(lines)
	}()

	s.logger.Debug().Str("command", result.Command).Msg("Starting process")

	result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		close(lines)
		<-aggDone
		if execCtx.Err() != nil {
			// Cancelled or timed out before the process existed
			result.Stopped = time.Now().UTC()
			result.TimedOut = errors.Is(execCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil
			s.logger.Info().
				Str("command", result.Command).
				Bool("timed_out", result.TimedOut).
				Msg("Process cancelled before start")
			return result, nil
		}
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	waitErr := cmd.Wait()
	result.Stopped = time.Now().UTC()

	stdout.flush()
	stderr.flush()
	close(lines)
	<-aggDone

	result.Stdout = agg.text(Stdout)
	result.Stderr = agg.text(Stderr)

	if killed.Load() {
		result.TimedOut = errors.Is(execCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil
		s.logger.Info().
			Str("command", result.Command).
			Bool("timed_out", result.TimedOut).
			Dur("duration", result.Duration()).
			Msg("Process killed")
		return result, nil
	}

	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		s.logger.Warn().Err(waitErr).Str("command", result.Command).Msg("Process wait failed")
	}
	result.ExitCode = &code
	result.Completed = true

	s.logger.Debug().
		Str("command", result.Command).
		Int("exit_code", code).
		Dur("duration", result.Duration()).
		Msg("Process exited")
	return result, nil
}

// aggregator is the single consumer of the line queue. It cleans lines,
// collapses consecutive duplicates per stream and fans them out.
type aggregator struct {
	observers [2]LineFunc
	buffers   [2]strings.Builder
	last      [2]string
	seen      [2]bool
}

func newAggregator(onStdout, onStderr LineFunc) *aggregator {
	return &aggregator{observers: [2]LineFunc{onStdout, onStderr}}
}

func (a *aggregator) consume(lines <-chan line) {
	for l := range lines {
		text := StripANSI(l.text)
		i := int(l.stream)
		if a.seen[i] && a.last[i] == text {
			continue
		}
		a.seen[i] = true
		a.last[i] = text
		a.buffers[i].WriteString(text)
		a.buffers[i].WriteByte('\n')
		if fn := a.observers[i]; fn != nil {
			fn(text)
		}
	}
}

func (a *aggregator) text(s Stream) string {
	return a.buffers[int(s)].String()
}
