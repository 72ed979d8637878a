// Package version holds build-time identity for the relay binary and the
// debug-logging toggle shared by pkg/logging.
package version

import (
	"fmt"
	"os"
)

const (
	// VersionMajor is the current major version of the relay.
	VersionMajor = 0
	// VersionMinor is the current minor version of the relay.
	VersionMinor = 1
	// VersionPatch is the current patch version of the relay.
	VersionPatch = 0
)

// Version is the full dotted version string.
var Version string

// DebugEnabled controls whether pkg/logging's Debug* methods emit output. It
// is set automatically from the TUNNELRELAY_DEBUG environment variable.
var DebugEnabled bool

func init() {
	Version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
	DebugEnabled = os.Getenv("TUNNELRELAY_DEBUG") == "1"
}
