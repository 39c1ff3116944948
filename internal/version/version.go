// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package version provides the version and build information.
package version

import (
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"go.astrophena.name/dealfeed/internal/syncx"
)

// Info is the version and build information of the current binary.
type Info struct {
	Name    string `json:"name"`     // base name of the binary
	Version string `json:"version"`  // module version
	Commit  string `json:"commit"`   // BuildInfo's vcs.revision
	BuiltAt string `json:"built_at"` // BuildInfo's vcs.time
	Go      string `json:"go"`       // BuildInfo's GoVersion
	OS      string `json:"os"`       // GOOS
	Arch    string `json:"arch"`     // GOARCH
}

// String implements the fmt.Stringer interface.
func (i Info) String() string {
	var sb strings.Builder

	sb.WriteString(i.Name + " " + i.Version + " (" + i.Go + ", " + i.OS + "/" + i.Arch + ")" + "\n")
	if i.Commit != "" && i.BuiltAt != "" {
		sb.WriteString("commit " + i.Commit + "\n")
		sb.WriteString("built at " + i.BuiltAt + "\n")
	}

	return sb.String()
}

var (
	// loadFunc returns the build information. It's a variable so it can be
	// overridden in tests.
	loadFunc = debug.ReadBuildInfo
	cached   syncx.Lazy[Info]
)

// Version returns the version and build information of the current binary.
func Version() Info {
	return cached.Get(func() Info { return loadInfo(loadFunc) })
}

// CmdName returns the base name of the current binary.
func CmdName() string { return Version().Name }

// UserAgent returns a user agent string combining the version information and
// a URL leading to the bot information page.
func UserAgent() string { return userAgent(Version()) }

func userAgent(i Info) string {
	ver := i.Version
	if ver == "devel" && i.Commit != "" {
		ver = i.Commit
	}
	return i.Name + "/" + ver + " (+https://astrophena.name/bleep-bloop)"
}

func loadInfo(f func() (*debug.BuildInfo, bool)) Info {
	i := Info{
		Name:    cmdName(),
		Version: "devel",
	}

	bi, ok := f()
	if !ok {
		return i
	}

	if bi.Path != "" {
		i.Name = filepath.Base(bi.Path)
	}
	i.Go = bi.GoVersion
	if bi.Main.Version != "" {
		i.Version = bi.Main.Version
	}
	if i.Version == "(devel)" {
		i.Version = "devel"
	}

	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			i.Commit = s.Value
		case "vcs.time":
			i.BuiltAt = s.Value
		case "GOOS":
			i.OS = s.Value
		case "GOARCH":
			i.Arch = s.Value
		}
	}

	return i
}

func cmdName() string {
	exe, err := os.Executable()
	if err != nil {
		return "cmd"
	}
	return filepath.Base(exe)
}
