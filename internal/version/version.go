package version

import (
	"runtime/debug"
	"strings"
)

// Populated at build time, for example:
//
//	-X github.com/tis24dev/ibex/internal/version.Version=v1.2.0
//	-X github.com/tis24dev/ibex/internal/version.Commit=abcdef1
var (
	Version = "0.0.0-dev"
	Commit  = ""
	Date    = ""
)

var readBuildInfo = debug.ReadBuildInfo

// String returns the ldflags version, else the main module version from
// the build info, else a development placeholder. A leading "v" is dropped.
func String() string {
	v := strings.TrimSpace(Version)

	if v == "" {
		if info, ok := readBuildInfo(); ok && info != nil {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
	}
	if v == "" {
		v = "0.0.0-dev"
	}
	return strings.TrimPrefix(v, "v")
}

// Info returns the version followed by the commit and build date when known.
func Info() string {
	parts := []string{String()}
	if c := strings.TrimSpace(Commit); c != "" {
		parts = append(parts, "commit "+c)
	}
	if d := strings.TrimSpace(Date); d != "" {
		parts = append(parts, "built "+d)
	}
	return strings.Join(parts, ", ")
}
