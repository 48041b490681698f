package agent

import (
	"golang.org/x/sys/unix"
)

func platformInfo() (memoryBytes uint64, osVersion string) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		memoryBytes = uint64(si.Totalram) * uint64(si.Unit)
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		osVersion = unix.ByteSliceToString(uts.Sysname[:]) + " " + unix.ByteSliceToString(uts.Release[:])
	}
	return memoryBytes, osVersion
}
