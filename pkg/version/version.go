package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set at build time, e.g.
// -ldflags "-X github.com/lkarlslund/agentrelay/pkg/version.Version=v1.2.0 -X github.com/lkarlslund/agentrelay/pkg/version.Commit=<sha>"
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

// Current merges the ldflags values with the VCS stamp of the build. ldflags win.
func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
		Dirty:   isTrue(Dirty),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		v := strings.TrimSpace(s.Value)
		switch {
		case s.Key == "vcs.revision" && info.Commit == "":
			info.Commit = v
		case s.Key == "vcs.time" && info.Date == "":
			info.Date = v
		case s.Key == "vcs.modified" && !info.Dirty:
			info.Dirty = isTrue(v)
		}
	}
	return info
}

// Short renders version+commit[+dirty] with the commit cut to 12 characters.
func (i Info) Short() string {
	parts := []string{i.Version}
	if c := i.Commit; c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		parts = append(parts, c)
	}
	if i.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

func String() string {
	return Current().Short()
}

// Detailed is the output of the version commands.
func Detailed(component string) string {
	if component = strings.TrimSpace(component); component == "" {
		component = "agentrelay"
	}
	v := Current()
	out := fmt.Sprintf("%s %s", component, v.Short())
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}

// UserAgent identifies the relay on requests to the agent platform.
func UserAgent() string {
	return "agentrelay/" + Current().Version
}

func isTrue(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}
