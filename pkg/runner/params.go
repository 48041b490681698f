package runner

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/flownode/pkg/types"
)

// Settings is the node-wide configuration the runners need
type Settings struct {
	// WorkerPath is the worker binary started for every job
	WorkerPath string
	// BaseURL and AccessToken are forwarded to the worker so it can call
	// back into the server.
	BaseURL     string
	AccessToken string
	// ConfigDir holds one directory per configuration revision
	ConfigDir string
	// TempPath and ForcedTempPath feed config.ResolveTempPath together with
	// the temp path the server advertises.
	TempPath       string
	ForcedTempPath string
	IsDocker       bool
	RestartCapable bool
	// DebugPayload passes the parameters unencrypted
	DebugPayload bool
	// JobTimeout bounds a worker run; zero means no timeout
	JobTimeout   time.Duration
	RestartDelay time.Duration
}

// Parameters is the payload handed to the worker binary
type Parameters struct {
	JobUID             string `json:"jobUid"`
	FileUID            string `json:"fileUid"`
	FilePath           string `json:"filePath"`
	LibraryName        string `json:"libraryName,omitempty"`
	NodeUID            string `json:"nodeUid"`
	NodeName           string `json:"nodeName"`
	BaseURL            string `json:"baseUrl"`
	AccessToken        string `json:"accessToken,omitempty"`
	TempPath           string `json:"tempPath"`
	ConfigPath         string `json:"configPath"`
	ConfigRevision     int    `json:"configRevision"`
	IsDocker           bool   `json:"isDocker"`
	KeepFailedFiles    bool   `json:"keepFailedFiles"`
	PermissionsFiles   string `json:"permissionsFiles,omitempty"`
	PermissionsFolders string `json:"permissionsFolders,omitempty"`
}

// BuildParameters assembles the worker payload for one job
func BuildParameters(job types.JobDescriptor, node types.NodeDescriptor, s Settings, tempDir string, configRevision int) Parameters {
	return Parameters{
		JobUID:             job.UID,
		FileUID:            job.FileUID,
		FilePath:           job.FilePath,
		LibraryName:        job.LibraryName,
		NodeUID:            node.UID,
		NodeName:           node.Name,
		BaseURL:            s.BaseURL,
		AccessToken:        s.AccessToken,
		TempPath:           tempDir,
		ConfigPath:         RevisionDir(s.ConfigDir, configRevision),
		ConfigRevision:     configRevision,
		IsDocker:           s.IsDocker,
		KeepFailedFiles:    job.Flags.KeepFailedFiles,
		PermissionsFiles:   node.PermissionsFiles,
		PermissionsFolders: node.PermissionsFolders,
	}
}

// RevisionDir is the directory holding one configuration revision
func RevisionDir(configDir string, revision int) string {
	return filepath.Join(configDir, strconv.Itoa(revision))
}

// JobDir is the per-job working directory under the temp root
func JobDir(tempRoot, jobUID string) string {
	return filepath.Join(tempRoot, "Runner-"+jobUID)
}
