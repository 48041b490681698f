package runner

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/flownode/pkg/process"
)

// VerdictKind is the closed set of pre-execute script answers
type VerdictKind int

const (
	VerdictApprove VerdictKind = iota
	VerdictReject
	VerdictRequestExit
	VerdictRequestRestart
	VerdictError
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictApprove:
		return "approve"
	case VerdictReject:
		return "reject"
	case VerdictRequestExit:
		return "exit"
	case VerdictRequestRestart:
		return "restart"
	default:
		return "error"
	}
}

// Verdict is the parsed outcome of a pre-execute script. Reason is set for
// Reject and Error.
type Verdict struct {
	Kind   VerdictKind
	Reason string
}

// ParseVerdict interprets a script's output and exit code. The last
// non-empty line of output is the verdict token: a boolean, "exit" or
// "restart". Without output the exit code decides.
func ParseVerdict(output string, exitCode int) Verdict {
	token := lastLine(output)
	if token == "" {
		if exitCode == 0 {
			return Verdict{Kind: VerdictApprove}
		}
		return Verdict{Kind: VerdictReject, Reason: fmt.Sprintf("script exited with code %d", exitCode)}
	}

	switch strings.ToLower(token) {
	case "exit":
		return Verdict{Kind: VerdictRequestExit, Reason: "script requested exit"}
	case "restart":
		return Verdict{Kind: VerdictRequestRestart, Reason: "script requested restart"}
	}

	if ok, err := strconv.ParseBool(token); err == nil {
		if ok {
			return Verdict{Kind: VerdictApprove}
		}
		return Verdict{Kind: VerdictReject, Reason: "script returned false"}
	}

	if exitCode != 0 {
		return Verdict{Kind: VerdictReject, Reason: fmt.Sprintf("script exited with code %d: %s", exitCode, token)}
	}
	return Verdict{Kind: VerdictError, Reason: fmt.Sprintf("unrecognized script output %q", token)}
}

func lastLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// GateInput is the context handed to the pre-execute script
type GateInput struct {
	Script      string
	RunnerCount int
	NodeUID     string
	NodeName    string
	FilePath    string
	LibraryName string
}

// Gate decides whether a job may start
type Gate interface {
	Evaluate(ctx context.Context, in GateInput) Verdict
}

// ScriptGate runs the node's pre-execute script. A script that names an
// existing file is executed directly; anything else is run by the shell.
// The inputs are passed as FLOWNODE_* environment variables.
type ScriptGate struct {
	Timeout time.Duration
}

// Evaluate runs the script and parses its verdict. It never blocks longer
// than Timeout.
func (g *ScriptGate) Evaluate(ctx context.Context, in GateInput) Verdict {
	cmd := scriptCommand(in.Script)
	cmd.Timeout = g.Timeout
	cmd.Env = map[string]string{
		"FLOWNODE_RUNNER_COUNT": strconv.Itoa(in.RunnerCount),
		"FLOWNODE_NODE_UID":     in.NodeUID,
		"FLOWNODE_NODE_NAME":    in.NodeName,
		"FLOWNODE_FILE_PATH":    in.FilePath,
		"FLOWNODE_LIBRARY_NAME": in.LibraryName,
	}

	res, err := process.NewSupervisor().Run(ctx, cmd)
	if err != nil {
		return Verdict{Kind: VerdictError, Reason: fmt.Sprintf("failed to run pre-execute script: %v", err)}
	}
	if !res.Completed || res.ExitCode == nil {
		if res.TimedOut {
			return Verdict{Kind: VerdictError, Reason: fmt.Sprintf("pre-execute script timed out after %s", g.Timeout)}
		}
		return Verdict{Kind: VerdictError, Reason: "pre-execute script was killed"}
	}
	return ParseVerdict(res.Stdout, *res.ExitCode)
}

func scriptCommand(script string) process.Command {
	if info, err := os.Stat(script); err == nil && !info.IsDir() {
		return process.Command{Path: script}
	}
	if runtime.GOOS == "windows" {
		return process.Command{Path: "cmd", Args: []string{"/C", script}}
	}
	return process.Command{Path: "/bin/sh", Args: []string{"-c", script}}
}
