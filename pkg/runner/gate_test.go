package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		exitCode int
		want     VerdictKind
	}{
		{name: "true", output: "true\n", want: VerdictApprove},
		{name: "uppercase true", output: "TRUE", want: VerdictApprove},
		{name: "false", output: "false", want: VerdictReject},
		{name: "exit", output: "exit\n", want: VerdictRequestExit},
		{name: "restart", output: "Restart", want: VerdictRequestRestart},
		{name: "last line wins", output: "checking disk\nload ok\ntrue\n\n", want: VerdictApprove},
		{name: "empty output success", output: "", want: VerdictApprove},
		{name: "empty output failure", output: "\n", exitCode: 1, want: VerdictReject},
		{name: "garbage with failure", output: "boom", exitCode: 2, want: VerdictReject},
		{name: "garbage with success", output: "maybe", want: VerdictError},
		{name: "token beats exit code", output: "restart", exitCode: 3, want: VerdictRequestRestart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ParseVerdict(tt.output, tt.exitCode)
			assert.Equal(t, tt.want, v.Kind)
			if v.Kind == VerdictError || v.Kind == VerdictReject {
				assert.NotEmpty(t, v.Reason)
			}
		})
	}
}

func TestScriptGateEvaluate(t *testing.T) {
	requireShell(t)

	gate := &ScriptGate{Timeout: 5 * time.Second}
	in := GateInput{RunnerCount: 2, NodeName: "node-1", FilePath: "/media/a.mkv", LibraryName: "Movies"}

	t.Run("inline script sees inputs", func(t *testing.T) {
		in := in
		in.Script = `[ "$FLOWNODE_RUNNER_COUNT" = "2" ] && [ "$FLOWNODE_LIBRARY_NAME" = "Movies" ] && echo true || echo false`
		assert.Equal(t, VerdictApprove, gate.Evaluate(context.Background(), in).Kind)
	})

	t.Run("script file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gate.sh")
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho restart\n"), 0o755))
		in := in
		in.Script = path
		assert.Equal(t, VerdictRequestRestart, gate.Evaluate(context.Background(), in).Kind)
	})

	t.Run("timeout is an error", func(t *testing.T) {
		gate := &ScriptGate{Timeout: 100 * time.Millisecond}
		in := in
		in.Script = "sleep 30"
		v := gate.Evaluate(context.Background(), in)
		assert.Equal(t, VerdictError, v.Kind)
		assert.Contains(t, v.Reason, "timed out")
	})
}

func TestVerdictKindString(t *testing.T) {
	assert.Equal(t, "approve", VerdictApprove.String())
	assert.Equal(t, "restart", VerdictRequestRestart.String())
	assert.Equal(t, "error", VerdictError.String())
}
