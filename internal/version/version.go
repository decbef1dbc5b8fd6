// Package version reports what build of SaveSync is running.
//
// Release builds stamp the variables with
//
//	-ldflags "-X github.com/savesync/savesync/internal/version.Version=1.2.0 -X ...Revision=<sha> -X ...BuildDate=<rfc3339>"
//
// Anything left unstamped is filled from the module build info.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	devVersion      = "0.1.0-dev"
	unknownRevision = "HEAD"
	shortRevLen     = 7
)

var (
	AppName   = "SaveSync"
	Version   = devVersion
	Revision  = unknownRevision
	BuildDate = ""
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		settings := make(map[string]string, len(info.Settings))
		for _, s := range info.Settings {
			settings[s.Key] = s.Value
		}
		applyBuildInfo(info.Main.Version, settings)
	}
	if BuildDate == "" {
		BuildDate = time.Now().UTC().Format(time.RFC3339)
	}
}

// applyBuildInfo fills only the fields ldflags left at their defaults.
func applyBuildInfo(mainVersion string, settings map[string]string) {
	stamped := func(v, fallback string) bool { return v != "" && v != fallback }

	if !stamped(Version, devVersion) && mainVersion != "" && mainVersion != "(devel)" {
		Version = strings.TrimPrefix(mainVersion, "v")
	}

	if rev := settings["vcs.revision"]; !stamped(Revision, unknownRevision) && rev != "" {
		if settings["vcs.modified"] == "true" {
			rev += "-dirty"
		}
		Revision = rev
	}

	if BuildDate == "" {
		BuildDate = settings["vcs.time"]
	}
}

// shortRevision trims a commit hash for display, keeping a -dirty marker.
func shortRevision() string {
	rev, dirty := strings.CutSuffix(Revision, "-dirty")
	if len(rev) > shortRevLen {
		rev = rev[:shortRevLen]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}

// Short is `0.1.0 (5e23a41)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, shortRevision())
}

func ShortWithApp() string {
	return AppName + " " + Short()
}

// Detailed is `0.1.0 (5e23a41...; go1.24.0; linux/amd64; built 2025-01-02T03:04:05Z)`.
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s; built %s)",
		Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH, BuildDate)
}

func DetailedWithApp() string {
	return AppName + " " + Detailed()
}
