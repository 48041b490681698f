package types

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionStatus is the state of the control channel's transport
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
)

// NodeIdentity is what the node advertises on every registration attempt.
// It is rebuilt for each attempt since capacity and hardware may change
// between restarts.
type NodeIdentity struct {
	NodeUID         string            `json:"nodeUid,omitempty"`
	Name            string            `json:"name"`
	Hostname        string            `json:"hostname"`
	Address         string            `json:"address,omitempty"`
	Architecture    string            `json:"architecture"`
	OperatingSystem string            `json:"operatingSystem"`
	Version         string            `json:"version"`
	TempPath        string            `json:"tempPath"`
	ToolMappings    map[string]string `json:"toolMappings,omitempty"`
	IsDocker        bool              `json:"isDocker"`
	Hardware        HardwareInfo      `json:"hardware"`
}

// HardwareInfo is a point-in-time snapshot of the node's machine
type HardwareInfo struct {
	CPUCores    int    `json:"cpuCores"`
	MemoryBytes uint64 `json:"memoryBytes,omitempty"`
	OSVersion   string `json:"osVersion,omitempty"`
}

// NodeDescriptor is the server's view of this node, returned on
// registration and pushed again whenever it changes.
type NodeDescriptor struct {
	UID              string `json:"uid"`
	Name             string `json:"name"`
	Enabled          bool   `json:"enabled"`
	MaxConcurrency   int    `json:"maxConcurrency"`
	TempPath         string `json:"tempPath,omitempty"`
	PreExecuteScript string `json:"preExecuteScript,omitempty"`
	// PermissionsFiles and PermissionsFolders are octal modes applied by the
	// worker to produced files; the agent only forwards them.
	PermissionsFiles   string `json:"permissionsFiles,omitempty"`
	PermissionsFolders string `json:"permissionsFolders,omitempty"`
}

// JobFlags are per-job switches set by the server
type JobFlags struct {
	RunPreExecuteCheck bool `json:"runPreExecuteCheck"`
	KeepFailedFiles    bool `json:"keepFailedFiles"`
}

// JobDescriptor is one unit of work dispatched by the server. The job UID
// is its identity.
type JobDescriptor struct {
	UID            string   `json:"uid"`
	FileUID        string   `json:"fileUid"`
	FilePath       string   `json:"filePath"`
	LibraryName    string   `json:"libraryName,omitempty"`
	ConfigRevision int      `json:"configRevision"`
	Flags          JobFlags `json:"flags"`
}

// Validate checks the fields the runner depends on
func (j *JobDescriptor) Validate() error {
	if j == nil {
		return fmt.Errorf("job descriptor is nil")
	}
	if j.UID == "" {
		return fmt.Errorf("job uid is required")
	}
	// The uid names the job's temp directory
	if strings.ContainsAny(j.UID, `/\`) || j.UID == "." || j.UID == ".." {
		return fmt.Errorf("job uid %q is not a valid directory name", j.UID)
	}
	if j.FilePath == "" {
		return fmt.Errorf("job %s has no file path", j.UID)
	}
	return nil
}

// JobStatus is the terminal status of a job. The numeric values are shared
// with the worker binary's exit codes for the statuses it may report.
type JobStatus int

const (
	JobStatusUnprocessed      JobStatus = 0
	JobStatusProcessed        JobStatus = 1
	JobStatusProcessing       JobStatus = 2
	JobStatusFlowNotFound     JobStatus = 3
	JobStatusProcessingFailed JobStatus = 4
	JobStatusDuplicate        JobStatus = 5
	JobStatusMappingIssue     JobStatus = 6
	JobStatusMissingLibrary   JobStatus = 7
	JobStatusReprocessByFlow  JobStatus = 10
	JobStatusOnHold           JobStatus = 11
)

var jobStatusNames = map[JobStatus]string{
	JobStatusUnprocessed:      "unprocessed",
	JobStatusProcessed:        "processed",
	JobStatusProcessing:       "processing",
	JobStatusFlowNotFound:     "flow_not_found",
	JobStatusProcessingFailed: "processing_failed",
	JobStatusDuplicate:        "duplicate",
	JobStatusMappingIssue:     "mapping_issue",
	JobStatusMissingLibrary:   "missing_library",
	JobStatusReprocessByFlow:  "reprocess_by_flow",
	JobStatusOnHold:           "on_hold",
}

func (s JobStatus) String() string {
	if name, ok := jobStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ProcessFileVerdict is the node's answer to a dispatch request
type ProcessFileVerdict string

const (
	VerdictCanProcess      ProcessFileVerdict = "CanProcess"
	VerdictCannotProcess   ProcessFileVerdict = "CannotProcess"
	VerdictNodeDisabled    ProcessFileVerdict = "NodeDisabled"
	VerdictVersionMismatch ProcessFileVerdict = "VersionMismatch"
	VerdictUnknownError    ProcessFileVerdict = "UnknownError"
)

// JobReport is the terminal record of one job, relayed to the server and
// kept in the local history.
type JobReport struct {
	JobUID     string        `json:"jobUid"`
	FileUID    string        `json:"fileUid"`
	FilePath   string        `json:"filePath"`
	NodeUID    string        `json:"nodeUid"`
	Status     JobStatus     `json:"status"`
	Success    bool          `json:"success"`
	Reason     string        `json:"reason,omitempty"`
	ExitCode   *int          `json:"exitCode,omitempty"`
	KeepFiles  bool          `json:"keepFiles"`
	TempPath   string        `json:"tempPath"`
	Log        string        `json:"log"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
}

// RegisterRequest is sent with RegisterNode
type RegisterRequest struct {
	Identity NodeIdentity `json:"identity"`
}

// RegisterResult is the server's answer to RegisterNode
type RegisterResult struct {
	Success               bool            `json:"success"`
	Reason                string          `json:"reason,omitempty"`
	Node                  *NodeDescriptor `json:"node,omitempty"`
	ServerVersion         string          `json:"serverVersion"`
	CurrentConfigRevision int             `json:"currentConfigRevision"`
}

// NodeStatus is the heartbeat payload
type NodeStatus struct {
	NodeUID        string    `json:"nodeUid"`
	Version        string    `json:"version"`
	ActiveRunners  []string  `json:"activeRunners"`
	ConfigRevision int       `json:"configRevision"`
	AcceptingWork  bool      `json:"acceptingWork"`
	Timestamp      time.Time `json:"timestamp"`
}

// StatusVerdict is the server's answer to UpdateNodeStatus. A bare ack
// decodes to the zero value, which changes nothing: Enabled is nil unless
// the server sent it.
type StatusVerdict struct {
	Enabled        *bool           `json:"enabled,omitempty"`
	ConfigRevision int             `json:"configRevision"`
	Node           *NodeDescriptor `json:"node,omitempty"`
}

// ConfigurationRevision is a server configuration snapshot. Data is kept
// opaque; only the worker binary interprets it.
type ConfigurationRevision struct {
	Revision int    `json:"revision"`
	Data     []byte `json:"data"`
}
