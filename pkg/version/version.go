// Package version reports the relay's build version.
package version

import "runtime/debug"

// Number is injected at build time with -ldflags "-X .../pkg/version.Number=...".
var Number = "dev"

var readBuildInfo = debug.ReadBuildInfo

// Resolve prefers the injected Number, then the VCS revision stamped by the Go
// toolchain, and finally "dev".
func Resolve() string {
	if Number != "" && Number != "dev" {
		return Number
	}

	info, ok := readBuildInfo()
	if !ok {
		return "dev"
	}

	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" {
		return "dev"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if modified {
		revision += "-dirty"
	}
	return revision
}
