package runner

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/flownode/pkg/config"
	"github.com/cuemby/flownode/pkg/events"
	"github.com/cuemby/flownode/pkg/log"
	"github.com/cuemby/flownode/pkg/metrics"
	"github.com/cuemby/flownode/pkg/types"
	"github.com/rs/zerolog"
)

// Admission rejection reasons, also used as metric labels
const (
	RejectAtCapacity   = "at_capacity"
	RejectDuplicate    = "duplicate"
	RejectInvalid      = "invalid"
	RejectGate         = "gate"
	RejectTempPath     = "temp_path"
	RejectShuttingDown = "shutting_down"
)

// ReportFunc receives the report of every finished job
type ReportFunc func(report types.JobReport)

// WarningFunc surfaces a fleet-visible warning
type WarningFunc func(title, message string)

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Settings Settings
	// Gate evaluates pre-execute scripts. Nil means jobs are never gated.
	Gate Gate
	// GateTimeout bounds one gate evaluation, 30s when zero
	GateTimeout time.Duration
	// Broker receives runners.changed and job.completed events
	Broker    *events.Broker
	OnReport  ReportFunc
	OnWarning WarningFunc
	// Restart terminates the process so the service manager restarts it.
	// Defaults to os.Exit(0) after Settings.RestartDelay.
	Restart func()
}

type activeRunner struct {
	runner *JobRunner
	cancel context.CancelFunc
}

// Manager admits jobs and supervises the active runners. The active set is
// the only source of truth for the current concurrency.
type Manager struct {
	mu      sync.Mutex
	runners map[string]*activeRunner
	closed  bool

	settings    Settings
	gate        Gate
	gateTimeout time.Duration
	broker      *events.Broker
	onReport    ReportFunc
	onWarning   WarningFunc
	restart     func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewManager creates a runner manager
func NewManager(cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		runners:     make(map[string]*activeRunner),
		settings:    cfg.Settings,
		gate:        cfg.Gate,
		gateTimeout: cfg.GateTimeout,
		broker:      cfg.Broker,
		onReport:    cfg.OnReport,
		onWarning:   cfg.OnWarning,
		restart:     cfg.Restart,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.WithComponent("runner-manager"),
	}
	if m.gateTimeout <= 0 {
		m.gateTimeout = 30 * time.Second
	}
	if m.restart == nil {
		m.restart = m.exitForRestart
	}
	return m
}

// TryStartJob admits and starts job if the node has capacity and policy
// allows it. The check and the add happen under one lock, so concurrent
// calls never exceed node.MaxConcurrency. A false result is a normal
// rejection, not an error.
func (m *Manager) TryStartJob(job types.JobDescriptor, node types.NodeDescriptor, configRevision int) bool {
	logger := m.logger.With().Str("job_id", job.UID).Logger()

	if err := job.Validate(); err != nil {
		m.reject(logger, RejectInvalid, err.Error())
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.reject(logger, RejectShuttingDown, "manager is shutting down")
		return false
	}

	count := len(m.runners)
	if count >= node.MaxConcurrency {
		m.reject(logger, RejectAtCapacity, fmt.Sprintf("%d of %d runners active", count, node.MaxConcurrency))
		return false
	}
	if _, exists := m.runners[job.UID]; exists {
		m.reject(logger, RejectDuplicate, "job is already running")
		return false
	}

	if job.Flags.RunPreExecuteCheck && node.PreExecuteScript != "" && m.gate != nil {
		if !m.checkGate(logger, job, node, count) {
			return false
		}
	}

	tempRoot := config.ResolveTempPath(m.settings.ForcedTempPath, node.TempPath, m.settings.TempPath)
	if err := os.MkdirAll(tempRoot, 0o755); err != nil {
		m.reject(logger, RejectTempPath, fmt.Sprintf("cannot create %s: %v", tempRoot, err))
		return false
	}

	runner := NewJobRunner(job, node, m.settings, tempRoot, configRevision, m.complete)
	ctx, cancel := context.WithCancel(m.ctx)
	m.runners[job.UID] = &activeRunner{runner: runner, cancel: cancel}
	count = len(m.runners)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runner.Run(ctx)
	}()

	logger.Info().
		Str("file", job.FilePath).
		Int("active", count).
		Int("capacity", node.MaxConcurrency).
		Msg("Job admitted")
	m.runnersChanged(count)
	return true
}

// checkGate runs the pre-execute script. Called with m.mu held.
func (m *Manager) checkGate(logger zerolog.Logger, job types.JobDescriptor, node types.NodeDescriptor, count int) bool {
	ctx, cancel := context.WithTimeout(m.ctx, m.gateTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	verdict := m.gate.Evaluate(ctx, GateInput{
		Script:      node.PreExecuteScript,
		RunnerCount: count,
		NodeUID:     node.UID,
		NodeName:    node.Name,
		FilePath:    job.FilePath,
		LibraryName: job.LibraryName,
	})
	timer.ObserveDuration(metrics.GateDuration)
	metrics.GateVerdicts.WithLabelValues(verdict.Kind.String()).Inc()

	switch verdict.Kind {
	case VerdictApprove:
		return true
	case VerdictReject:
		m.reject(logger, RejectGate, verdict.Reason)
	case VerdictRequestExit:
		m.reject(logger, RejectGate, "pre-execute script requested exit")
	case VerdictRequestRestart:
		m.reject(logger, RejectGate, "pre-execute script requested restart")
		if count == 0 && m.settings.RestartCapable {
			logger.Warn().Msg("Pre-execute script requested a restart, terminating")
			go m.restart()
		} else {
			logger.Info().
				Int("active", count).
				Bool("restart_capable", m.settings.RestartCapable).
				Msg("Restart requested but not possible now")
		}
	default:
		m.reject(logger, RejectGate, verdict.Reason)
		if m.onWarning != nil {
			m.onWarning("Pre-execute script failed", fmt.Sprintf("%s: %s", node.Name, verdict.Reason))
		}
	}
	return false
}

func (m *Manager) reject(logger zerolog.Logger, reason, detail string) {
	metrics.AdmissionRejections.WithLabelValues(reason).Inc()
	ev := logger.Info()
	if reason == RejectTempPath || reason == RejectInvalid {
		ev = logger.Warn()
	}
	ev.Str("reason", reason).Str("detail", detail).Msg("Job rejected")
}

// complete is the completion callback handed to every runner
func (m *Manager) complete(report types.JobReport) {
	m.OnJobCompleted(report.JobUID)

	metrics.JobsCompleted.WithLabelValues(report.Status.String()).Inc()
	metrics.JobDuration.Observe(report.Duration.Seconds())
	m.broker.Publish(&events.Event{
		Type:    events.EventJobCompleted,
		Message: fmt.Sprintf("job %s finished: %s", report.JobUID, report.Status),
		Metadata: map[string]string{
			"job_id":  report.JobUID,
			"status":  report.Status.String(),
			"success": strconv.FormatBool(report.Success),
		},
	})

	if m.onReport != nil {
		m.onReport(report)
	}
}

// OnJobCompleted removes a job from the active set. It is a no-op for a job
// that is not active.
func (m *Manager) OnJobCompleted(jobUID string) {
	m.mu.Lock()
	a, ok := m.runners[jobUID]
	if ok {
		delete(m.runners, jobUID)
	}
	count := len(m.runners)
	m.mu.Unlock()

	if !ok {
		return
	}
	a.cancel()
	m.runnersChanged(count)
}

// AbortJob kills the job's worker. Returns false if the job is not active.
func (m *Manager) AbortJob(jobUID string) bool {
	m.mu.Lock()
	a, ok := m.runners[jobUID]
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.logger.Info().Str("job_id", jobUID).Msg("Aborting job")
	a.cancel()
	return true
}

// AbortAll kills every active worker
func (m *Manager) AbortAll() int {
	m.mu.Lock()
	active := make([]*activeRunner, 0, len(m.runners))
	for _, a := range m.runners {
		active = append(active, a)
	}
	m.mu.Unlock()

	for _, a := range active {
		a.cancel()
	}
	if len(active) > 0 {
		m.logger.Info().Int("count", len(active)).Msg("Aborted all jobs")
	}
	return len(active)
}

// Count returns the number of active jobs
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}

// ActiveJobs returns the UIDs of the active jobs, sorted
func (m *Manager) ActiveJobs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Shutdown stops admitting jobs, aborts the active ones and waits for their
// cleanup until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for %d runners: %w", m.Count(), ctx.Err())
	}
}

func (m *Manager) runnersChanged(count int) {
	metrics.RunnersActive.Set(float64(count))
	m.broker.Publish(&events.Event{
		Type:     events.EventRunnersChanged,
		Message:  fmt.Sprintf("%d runners active", count),
		Metadata: map[string]string{"count": strconv.Itoa(count)},
	})
}

func (m *Manager) exitForRestart() {
	delay := m.settings.RestartDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	time.Sleep(delay)
	m.logger.Warn().Msg("Exiting for restart")
	os.Exit(0)
}
