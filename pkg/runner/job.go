package runner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/flownode/pkg/log"
	"github.com/cuemby/flownode/pkg/process"
	"github.com/cuemby/flownode/pkg/security"
	"github.com/cuemby/flownode/pkg/types"
	"github.com/rs/zerolog"
)

// CompletionFunc receives the terminal report of a job
type CompletionFunc func(report types.JobReport)

// JobRunner owns one job from parameter handoff to cleanup
type JobRunner struct {
	job        types.JobDescriptor
	node       types.NodeDescriptor
	settings   Settings
	revision   int
	tempDir    string
	supervisor *process.Supervisor
	onComplete CompletionFunc
	logger     zerolog.Logger
}

// NewJobRunner creates a runner for job. The job's working directory is
// created under tempRoot when Run starts.
func NewJobRunner(job types.JobDescriptor, node types.NodeDescriptor, settings Settings, tempRoot string, revision int, onComplete CompletionFunc) *JobRunner {
	return &JobRunner{
		job:        job,
		node:       node,
		settings:   settings,
		revision:   revision,
		tempDir:    JobDir(tempRoot, job.UID),
		supervisor: process.NewSupervisor(),
		onComplete: onComplete,
		logger:     log.ForJob(job.UID, job.LibraryName),
	}
}

// Run executes the job and blocks until the worker exits or ctx is
// cancelled, which aborts it. Every failure is turned into the report passed
// to the completion callback, which is called exactly once.
func (r *JobRunner) Run(ctx context.Context) {
	report := types.JobReport{
		JobUID:    r.job.UID,
		FileUID:   r.job.FileUID,
		FilePath:  r.job.FilePath,
		NodeUID:   r.node.UID,
		Status:    types.JobStatusProcessingFailed,
		TempPath:  r.tempDir,
		StartedAt: time.Now().UTC(),
	}
	var keepFiles bool

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("Job runner panicked")
			report.Status = types.JobStatusProcessingFailed
			report.Success = false
			report.Reason = fmt.Sprintf("runner panic: %v", p)
		}

		r.cleanup(&report, keepFiles)

		report.FinishedAt = time.Now().UTC()
		report.Duration = report.FinishedAt.Sub(report.StartedAt)

		r.logger.Info().
			Str("status", report.Status.String()).
			Bool("success", report.Success).
			Str("reason", report.Reason).
			Dur("duration", report.Duration).
			Msg("Job finished")

		if r.onComplete != nil {
			r.onComplete(report)
		}
	}()

	keepFiles = r.execute(ctx, &report)
}

// execute fills the report and returns whether the exit code asked for the
// working files to be kept.
func (r *JobRunner) execute(ctx context.Context, report *types.JobReport) bool {
	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		report.Reason = fmt.Sprintf("failed to create temp directory: %v", err)
		return false
	}

	params := BuildParameters(r.job, r.node, r.settings, r.tempDir, r.revision)
	payload, key, err := security.SealArgs(params, r.settings.DebugPayload)
	if err != nil {
		report.Reason = fmt.Sprintf("failed to build parameters: %v", err)
		return false
	}
	if r.settings.DebugPayload {
		r.logger.Warn().Msg("Worker parameters are passed unencrypted")
	}

	r.supervisor.OnStdout(func(line string) {
		r.logger.Debug().Str("stream", "stdout").Msg(line)
	})
	r.supervisor.OnStderr(func(line string) {
		r.logger.Debug().Str("stream", "stderr").Msg(line)
	})

	cmd := process.Command{
		Path:       r.settings.WorkerPath,
		Args:       []string{payload, key},
		Dir:        r.tempDir,
		Timeout:    r.settings.JobTimeout,
		SecretArgs: true,
	}

	r.logger.Info().
		Str("file", r.job.FilePath).
		Str("temp_dir", r.tempDir).
		Str("command", cmd.String()).
		Msg("Starting worker")

	res, err := r.supervisor.Run(ctx, cmd)
	if err != nil {
		report.Reason = fmt.Sprintf("failed to start worker: %v", err)
		return false
	}

	outcome := MapResult(res)
	report.Status = outcome.Status
	report.Success = outcome.Success
	report.Reason = outcome.Reason
	report.ExitCode = res.ExitCode
	report.Log = FormatLog(res.Stdout, res.Stderr)
	return outcome.KeepFiles
}

// cleanup removes the working directory unless the exit code asked to keep
// it or the job failed with KeepFailedFiles set. Failures are logged only.
func (r *JobRunner) cleanup(report *types.JobReport, keepFiles bool) {
	retain := keepFiles || (!report.Success && r.job.Flags.KeepFailedFiles)
	report.KeepFiles = retain

	if retain {
		reason := "worker requested it"
		if !keepFiles {
			reason = "keep failed files is set"
		}
		r.logger.Info().
			Str("path", r.tempDir).
			Str("reason", reason).
			Msg("Keeping job temp directory")
		return
	}

	if err := os.RemoveAll(r.tempDir); err != nil {
		r.logger.Warn().Err(err).Str("path", r.tempDir).Msg("Failed to remove job temp directory")
		return
	}
	r.logger.Debug().Str("path", r.tempDir).Msg("Removed job temp directory")
}

const logRule = "================================================================================"

// FormatLog joins the captured streams into the report relayed as the job
// log. An empty stream is left out.
func FormatLog(stdout, stderr string) string {
	var b strings.Builder
	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(logRule + "\n")
		b.WriteString(title + "\n")
		b.WriteString(logRule + "\n")
		b.WriteString(strings.TrimRight(body, "\n"))
		b.WriteString("\n")
	}
	section("STDOUT", stdout)
	section("STDERR", stderr)
	return b.String()
}
