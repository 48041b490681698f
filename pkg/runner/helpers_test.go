package runner

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/cuemby/flownode/pkg/types"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker scripts need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// writeWorker writes an executable shell script standing in for the
// worker binary.
func writeWorker(t *testing.T, body string) string {
	t.Helper()
	requireShell(t)
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testJob(uid string) types.JobDescriptor {
	return types.JobDescriptor{
		UID:         uid,
		FileUID:     "file-" + uid,
		FilePath:    "/media/" + uid + ".mkv",
		LibraryName: "Movies",
	}
}

func testNode(capacity int) types.NodeDescriptor {
	return types.NodeDescriptor{
		UID:            "node-1",
		Name:           "encoder-01",
		Enabled:        true,
		MaxConcurrency: capacity,
	}
}

func waitReport(t *testing.T, ch <-chan types.JobReport) types.JobReport {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for job report")
		return types.JobReport{}
	}
}
