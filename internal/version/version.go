// Package version reports the orca build version.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
)

// Version is set at build time with
// -ldflags "-X github.com/ShayCichocki/orca/internal/version.Version=v1.2.3".
var Version = ""

var (
	once   sync.Once
	cached string
)

// Get returns the current version, with whitespace trimmed.
// The lookup order is:
//  1. The Version variable set by the linker
//  2. Go build information when available (e.g. go install ...@vX)
//  3. The VCS revision recorded by the toolchain
//  4. "development"
func Get() string {
	once.Do(func() {
		cached = detect(Version, debug.ReadBuildInfo)
	})
	return cached
}

func detect(linked string, read func() (*debug.BuildInfo, bool)) string {
	if v := strings.TrimSpace(linked); v != "" {
		return v
	}

	if info, ok := read(); ok && info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}

		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				rev := setting.Value
				if len(rev) > 12 {
					rev = rev[:12]
				}
				return fmt.Sprintf("dev-%s", rev)
			}
		}
	}

	return "development"
}
