// Package version reports which build of mentionlab is running. The commit
// comes from -ldflags when set, from embedded VCS metadata otherwise, and
// degrades to "dev" for test binaries and non-git builds.
package version

import "runtime/debug"

// AppName prefixes version strings in logs and user agents.
const AppName = "mentionlab"

// commit is the -ldflags injection point for container builds that strip
// the .git directory.
var commit string

// GitCommit is the short commit hash identifying this build.
var GitCommit = resolve()

func resolve() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns the combined "<app>/<commit>" identifier.
func Full() string {
	return AppName + "/" + GitCommit
}
