package agent

import (
	"os"
	"runtime"
	"strings"

	"github.com/cuemby/flownode/pkg/config"
	"github.com/cuemby/flownode/pkg/types"
)

// identity is rebuilt for every registration attempt
func (a *Agent) identity() types.NodeIdentity {
	hostname, _ := os.Hostname()

	return types.NodeIdentity{
		NodeUID:         a.NodeUID(),
		Name:            a.cfg.Node.Name,
		Hostname:        hostname,
		Address:         a.cfg.Node.Address,
		Architecture:    runtime.GOARCH,
		OperatingSystem: runtime.GOOS,
		Version:         a.version,
		TempPath:        config.ResolveTempPath(a.cfg.Node.ForcedTempPath, "", a.cfg.Node.TempPath),
		ToolMappings:    a.cfg.Node.ToolMappings,
		IsDocker:        a.cfg.Node.Docker || DetectDocker(),
		Hardware:        DetectHardware(),
	}
}

// DetectHardware reports the CPU count and, where the platform allows,
// total memory and kernel release
func DetectHardware() types.HardwareInfo {
	info := types.HardwareInfo{CPUCores: runtime.NumCPU()}
	info.MemoryBytes, info.OSVersion = platformInfo()
	return info
}

// DetectDocker reports whether the process runs inside a container
func DetectDocker() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	s := string(data)
	return strings.Contains(s, "docker") || strings.Contains(s, "kubepods") || strings.Contains(s, "containerd")
}
