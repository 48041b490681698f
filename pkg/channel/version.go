package channel

import (
	"github.com/Masterminds/semver/v3"
)

// CheckVersion reports whether the node and server versions are
// incompatible, which is the case when their major or minor versions
// differ. Versions that do not parse, such as development builds, are
// never reported as a mismatch.
func CheckVersion(nodeVersion, serverVersion string) bool {
	nv, err := semver.NewVersion(nodeVersion)
	if err != nil {
		return false
	}
	sv, err := semver.NewVersion(serverVersion)
	if err != nil {
		return false
	}
	return nv.Major() != sv.Major() || nv.Minor() != sv.Minor()
}
