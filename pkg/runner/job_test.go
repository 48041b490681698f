package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/flownode/pkg/security"
	"github.com/cuemby/flownode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runJob(t *testing.T, settings Settings, job types.JobDescriptor) (types.JobReport, string) {
	t.Helper()
	tempRoot := t.TempDir()

	var calls atomic.Int32
	var report types.JobReport
	r := NewJobRunner(job, testNode(1), settings, tempRoot, 3, func(rep types.JobReport) {
		calls.Add(1)
		report = rep
	})
	r.Run(context.Background())

	require.Equal(t, int32(1), calls.Load(), "completion callback must fire exactly once")
	return report, r.tempDir
}

func TestJobRunnerCleanup(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		timeout     time.Duration
		keepFailed  bool
		wantStatus  types.JobStatus
		wantSuccess bool
		wantDir     bool
		wantReason  string
	}{
		{
			name:        "success removes dir",
			body:        `touch work.tmp; echo done; exit 0`,
			wantStatus:  types.JobStatusProcessed,
			wantSuccess: true,
		},
		{
			name:       "failure removes dir",
			body:       `touch work.tmp; echo broken >&2; exit 4`,
			wantStatus: types.JobStatusProcessingFailed,
			wantReason: "exit code 4",
		},
		{
			name:       "timeout removes dir",
			body:       `touch work.tmp; sleep 30`,
			timeout:    200 * time.Millisecond,
			wantStatus: types.JobStatusProcessingFailed,
			wantReason: "timed out",
		},
		{
			name:        "keep files exit code retains dir",
			body:        `touch work.tmp; exit 100`,
			wantStatus:  types.JobStatusProcessed,
			wantSuccess: true,
			wantDir:     true,
		},
		{
			name:       "keep failed files retains dir on failure",
			body:       `touch work.tmp; exit 7`,
			keepFailed: true,
			wantStatus: types.JobStatusMissingLibrary,
			wantDir:    true,
		},
		{
			name:        "keep failed files ignored on success",
			body:        `touch work.tmp; exit 0`,
			keepFailed:  true,
			wantStatus:  types.JobStatusProcessed,
			wantSuccess: true,
		},
		{
			name:       "keep failed files retains dir on timeout",
			body:       `touch work.tmp; sleep 30`,
			timeout:    200 * time.Millisecond,
			keepFailed: true,
			wantStatus: types.JobStatusProcessingFailed,
			wantDir:    true,
			wantReason: "timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := Settings{WorkerPath: writeWorker(t, tt.body), JobTimeout: tt.timeout}
			job := testJob("job-1")
			job.Flags.KeepFailedFiles = tt.keepFailed

			report, dir := runJob(t, settings, job)

			assert.Equal(t, tt.wantStatus, report.Status)
			assert.Equal(t, tt.wantSuccess, report.Success)
			assert.Equal(t, tt.wantDir, report.KeepFiles)
			if tt.wantReason != "" {
				assert.Contains(t, report.Reason, tt.wantReason)
			}

			if tt.wantDir {
				assert.DirExists(t, dir)
			} else {
				assert.NoDirExists(t, dir)
			}
		})
	}
}

func TestJobRunnerTempDirExistsBeforeSpawn(t *testing.T) {
	worker := writeWorker(t, `case "$PWD" in */Runner-job-42) exit 0 ;; *) exit 1 ;; esac`)
	report, _ := runJob(t, Settings{WorkerPath: worker}, testJob("job-42"))
	assert.True(t, report.Success, report.Reason)
}

func TestJobRunnerPayload(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("FLOWNODE_TEST_ARGS", argsFile)
	worker := writeWorker(t, `printf '%s\n%s\n' "$1" "$2" > "$FLOWNODE_TEST_ARGS"`)

	tests := []struct {
		name  string
		debug bool
	}{
		{name: "encrypted"},
		{name: "debug", debug: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := Settings{
				WorkerPath:   worker,
				BaseURL:      "https://server.example",
				AccessToken:  "secret-token",
				ConfigDir:    "/etc/flownode/config",
				DebugPayload: tt.debug,
			}
			report, dir := runJob(t, settings, testJob("job-7"))
			require.True(t, report.Success, report.Reason)

			data, err := os.ReadFile(argsFile)
			require.NoError(t, err)
			args := strings.Split(strings.TrimSpace(string(data)), "\n")
			require.Len(t, args, 2)

			if tt.debug {
				assert.Equal(t, security.PlainKey, args[1])
			} else {
				assert.NotEqual(t, security.PlainKey, args[1])
				assert.NotContains(t, args[0], "secret-token")
			}

			var params Parameters
			require.NoError(t, security.OpenArgs(args[0], args[1], &params))
			assert.Equal(t, "job-7", params.JobUID)
			assert.Equal(t, "file-job-7", params.FileUID)
			assert.Equal(t, "node-1", params.NodeUID)
			assert.Equal(t, "secret-token", params.AccessToken)
			assert.Equal(t, dir, params.TempPath)
			assert.Equal(t, filepath.Join("/etc/flownode/config", "3"), params.ConfigPath)
			assert.Equal(t, 3, params.ConfigRevision)
		})
	}
}

func TestJobRunnerLog(t *testing.T) {
	worker := writeWorker(t, `echo step one; echo step one; echo step two; echo warning >&2`)
	report, _ := runJob(t, Settings{WorkerPath: worker}, testJob("job-1"))

	assert.Contains(t, report.Log, "STDOUT\n")
	assert.Contains(t, report.Log, "step one\nstep two\n")
	assert.Contains(t, report.Log, "STDERR\n")
	assert.Contains(t, report.Log, "warning\n")
	require.NotNil(t, report.ExitCode)
	assert.Equal(t, 0, *report.ExitCode)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestJobRunnerSpawnFailure(t *testing.T) {
	report, dir := runJob(t, Settings{WorkerPath: "/nonexistent/flow-worker"}, testJob("job-1"))

	assert.False(t, report.Success)
	assert.Equal(t, types.JobStatusProcessingFailed, report.Status)
	assert.Contains(t, report.Reason, "failed to start worker")
	assert.Nil(t, report.ExitCode)
	assert.NoDirExists(t, dir)
}

func TestJobRunnerAbort(t *testing.T) {
	worker := writeWorker(t, `touch started; sleep 30`)
	done := make(chan types.JobReport, 1)
	r := NewJobRunner(testJob("job-1"), testNode(1), Settings{WorkerPath: worker}, t.TempDir(), 0, func(rep types.JobReport) {
		done <- rep
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(r.tempDir, "started"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	report := waitReport(t, done)
	assert.Equal(t, "aborted", report.Reason)
	assert.NoDirExists(t, r.tempDir)
}

func TestJobRunnerAbortedBeforeSpawn(t *testing.T) {
	worker := writeWorker(t, `exit 0`)
	done := make(chan types.JobReport, 1)
	r := NewJobRunner(testJob("job-1"), testNode(1), Settings{WorkerPath: worker}, t.TempDir(), 0, func(rep types.JobReport) {
		done <- rep
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	report := waitReport(t, done)
	assert.False(t, report.Success)
	assert.Equal(t, types.JobStatusProcessingFailed, report.Status)
	assert.Equal(t, "aborted", report.Reason)
	assert.Nil(t, report.ExitCode)
	assert.NoDirExists(t, r.tempDir)
}

func TestFormatLog(t *testing.T) {
	assert.Equal(t, "", FormatLog("", "  \n"))

	out := FormatLog("a\nb\n", "")
	assert.Equal(t, logRule+"\nSTDOUT\n"+logRule+"\na\nb\n", out)

	both := FormatLog("a\n", "e\n")
	assert.Equal(t, logRule+"\nSTDOUT\n"+logRule+"\na\n\n"+logRule+"\nSTDERR\n"+logRule+"\ne\n", both)
}
