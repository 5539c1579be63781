package agent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cluvio/agent/pkg/protocol"
	"golang.org/x/mod/semver"
)

// versionString is the released agent version. It is announced to the
// gateway in every Hello.
const versionString = "0.9.3"

// AgentVersion returns the version of this build.
func AgentVersion() protocol.Version {
	v, err := parseVersion(versionString)
	if err != nil {
		panic(err)
	}
	return v
}

// VersionString returns the version of this build as a string.
func VersionString() string {
	return versionString
}

func parseVersion(s string) (protocol.Version, error) {
	var v protocol.Version
	if !semver.IsValid("v" + strings.TrimPrefix(s, "v")) {
		return v, fmt.Errorf("invalid version %q", s)
	}
	parts := strings.SplitN(strings.TrimPrefix(s, "v"), ".", 3)
	if len(parts) != 3 {
		return v, fmt.Errorf("invalid version %q", s)
	}
	nums := make([]uint64, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return v, fmt.Errorf("invalid version %q: %w", s, err)
		}
		nums[i] = n
	}
	return protocol.Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}
