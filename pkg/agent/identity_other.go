//go:build !linux

package agent

func platformInfo() (memoryBytes uint64, osVersion string) {
	return 0, ""
}
