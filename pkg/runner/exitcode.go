package runner

import (
	"fmt"

	"github.com/cuemby/flownode/pkg/process"
	"github.com/cuemby/flownode/pkg/types"
)

// ExitCode is a worker process exit code with a defined meaning
type ExitCode int

const (
	ExitSuccess          ExitCode = 0
	ExitFlowNotFound     ExitCode = 3
	ExitProcessingFailed ExitCode = 4
	ExitDuplicate        ExitCode = 5
	ExitMappingIssue     ExitCode = 6
	ExitMissingLibrary   ExitCode = 7
	// ExitReprocess asks the server to queue the file again; the run itself
	// succeeded.
	ExitReprocess ExitCode = 10
	ExitOnHold    ExitCode = 11
	// ExitKeepFiles is a successful run whose working files must be kept
	// for inspection.
	ExitKeepFiles ExitCode = 100
)

// Outcome is the interpretation of how a worker process ended
type Outcome struct {
	Status    types.JobStatus
	Success   bool
	KeepFiles bool
	Reason    string
}

type exitMapping struct {
	status    types.JobStatus
	success   bool
	keepFiles bool
}

var exitTable = map[ExitCode]exitMapping{
	ExitSuccess:          {status: types.JobStatusProcessed, success: true},
	ExitReprocess:        {status: types.JobStatusReprocessByFlow, success: true},
	ExitKeepFiles:        {status: types.JobStatusProcessed, success: true, keepFiles: true},
	ExitFlowNotFound:     {status: types.JobStatusFlowNotFound},
	ExitProcessingFailed: {status: types.JobStatusProcessingFailed},
	ExitDuplicate:        {status: types.JobStatusDuplicate},
	ExitMappingIssue:     {status: types.JobStatusMappingIssue},
	ExitMissingLibrary:   {status: types.JobStatusMissingLibrary},
	ExitOnHold:           {status: types.JobStatusOnHold},
}

// MapExitCode interprets a worker exit code. Codes outside the table map to
// ProcessingFailed.
func MapExitCode(code int) Outcome {
	m, ok := exitTable[ExitCode(code)]
	if !ok {
		return Outcome{
			Status: types.JobStatusProcessingFailed,
			Reason: fmt.Sprintf("unrecognized exit code %d", code),
		}
	}

	out := Outcome{Status: m.status, Success: m.success, KeepFiles: m.keepFiles}
	if !m.success {
		out.Reason = fmt.Sprintf("exit code %d: %s", code, m.status)
	}
	return out
}

// MapResult interprets a supervised run. A process that never exited maps
// to ProcessingFailed.
func MapResult(res *process.Result) Outcome {
	if res == nil {
		return Outcome{Status: types.JobStatusProcessingFailed, Reason: "no result"}
	}
	if !res.Completed || res.ExitCode == nil {
		reason := "aborted"
		if res.TimedOut {
			reason = "timed out"
		}
		return Outcome{Status: types.JobStatusProcessingFailed, Reason: reason}
	}
	return MapExitCode(*res.ExitCode)
}
