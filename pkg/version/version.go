// Package version derives the build identifier the brain reports at
// startup and on /health.
package version

import "runtime/debug"

// commitOverride is set with -ldflags for container builds where VCS
// metadata is unavailable.
var commitOverride string

var full = "brain/" + shortCommit()

// Full returns "brain/<commit>": the ldflags override, the short VCS
// revision from build info, or "dev".
func Full() string {
	return full
}

func shortCommit() string {
	commit := commitOverride
	if commit == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
					break
				}
			}
		}
	}
	if commit == "" {
		return "dev"
	}
	if len(commit) > 8 {
		commit = commit[:8]
	}
	return commit
}
