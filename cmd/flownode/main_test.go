package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/cuemby/flownode/pkg/config"
	"github.com/cuemby/flownode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFlags(t *testing.T) {
	flags := runCmd.Flags()
	flags.AddFlagSet(rootCmd.PersistentFlags())

	cfg := config.Default()
	cfg.Node.Name = "from-file"
	cfg.Node.TempPath = "/var/tmp/flownode"

	require.NoError(t, flags.Parse([]string{
		"--server", "wss://server.example",
		"--docker",
		"--heartbeat", "5s",
		"--data-dir", "/srv/flownode",
	}))
	require.NoError(t, applyFlags(flags, cfg))

	assert.Equal(t, "wss://server.example", cfg.Server.URL)
	assert.True(t, cfg.Node.Docker)
	assert.Equal(t, 5*time.Second, cfg.Channel.HeartbeatInterval)
	assert.Equal(t, "/srv/flownode", cfg.Node.DataDir)
	// Flags that were not set leave the loaded values alone
	assert.Equal(t, "from-file", cfg.Node.Name)
	assert.Equal(t, "/var/tmp/flownode", cfg.Node.TempPath)
}

func TestPrintJobs(t *testing.T) {
	code := 4
	tests := []struct {
		name     string
		reports  []*types.JobReport
		contains []string
	}{
		{
			name:     "empty",
			contains: []string{"No jobs recorded"},
		},
		{
			name: "processed",
			reports: []*types.JobReport{{
				JobUID:   "job-1",
				FilePath: "/media/a.mkv",
				Status:   types.JobStatusProcessed,
				Success:  true,
				Duration: 90 * time.Second,
			}},
			contains: []string{"job-1", "processed", "1m30s", "/media/a.mkv"},
		},
		{
			name: "failure shows reason and exit code",
			reports: []*types.JobReport{{
				JobUID:   "job-2",
				Status:   types.JobStatusProcessingFailed,
				Reason:   "aborted",
				ExitCode: &code,
			}},
			contains: []string{"job-2", "aborted", "4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printJobs(&buf, tt.reports)
			for _, s := range tt.contains {
				assert.Contains(t, buf.String(), s)
			}
		})
	}
}
