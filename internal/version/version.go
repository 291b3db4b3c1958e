// Package version reports the build of the finetune binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set at link time with -ldflags "-X".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unset"
)

// Info describes the running binary.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
	Platform  string
}

// Get returns the build information, taking the commit from the embedded VCS
// stamp when it was not set at link time.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok || Commit != "unknown" {
		return info
	}
	var revision, modified string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if revision != "" {
		if modified == "true" {
			revision += "+localmod"
		}
		info.Commit = revision
	}
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("finetune %s (commit: %s, built: %s, %s %s)", i.Version, i.Commit, i.BuildTime, i.GoVersion, i.Platform)
}
