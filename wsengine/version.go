package wsengine

import (
	"fmt"
	"runtime"

	"github.com/hashicorp/go-version"
)

// Version is the release of this module, overridden at link time
var Version = "0.3.1"

// Platform is the OS/architecture the binary was built for
var Platform = runtime.GOOS + "/" + runtime.GOARCH

// VersionString renders Version in canonical semantic form
func VersionString() (string, error) {
	v, err := version.NewVersion(Version)
	if err != nil {
		return "", fmt.Errorf("invalid build version %q: %w", Version, err)
	}
	s := v.String()
	if v.Prerelease() != "" {
		s += " (pre-release)"
	}
	return s, nil
}
