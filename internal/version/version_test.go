// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package version

import (
	"runtime/debug"
	"testing"

	"go.astrophena.name/dealfeed/internal/testutil"
)

func buildInfo(version, revision, time string) func() (*debug.BuildInfo, bool) {
	return func() (*debug.BuildInfo, bool) {
		bi := &debug.BuildInfo{
			GoVersion: "go1.24.0",
			Path:      "go.astrophena.name/dealfeed/cmd/dealfeed",
		}
		bi.Main.Version = version
		if revision != "" {
			bi.Settings = append(bi.Settings, debug.BuildSetting{Key: "vcs.revision", Value: revision})
		}
		if time != "" {
			bi.Settings = append(bi.Settings, debug.BuildSetting{Key: "vcs.time", Value: time})
		}
		bi.Settings = append(bi.Settings,
			debug.BuildSetting{Key: "GOOS", Value: "linux"},
			debug.BuildSetting{Key: "GOARCH", Value: "amd64"},
		)
		return bi, true
	}
}

func TestLoadInfo(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		load func() (*debug.BuildInfo, bool)
		want Info
	}{
		"no build info": {
			load: func() (*debug.BuildInfo, bool) { return nil, false },
			want: Info{Name: cmdName(), Version: "devel"},
		},
		"devel build": {
			load: buildInfo("(devel)", "deadbeef", "2026-01-02T15:04:05Z"),
			want: Info{
				Name:    "dealfeed",
				Version: "devel",
				Commit:  "deadbeef",
				BuiltAt: "2026-01-02T15:04:05Z",
				Go:      "go1.24.0",
				OS:      "linux",
				Arch:    "amd64",
			},
		},
		"tagged release": {
			load: buildInfo("v1.2.3", "", ""),
			want: Info{
				Name:    "dealfeed",
				Version: "v1.2.3",
				Go:      "go1.24.0",
				OS:      "linux",
				Arch:    "amd64",
			},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			testutil.AssertEqual(t, loadInfo(tc.load), tc.want)
		})
	}
}

func TestUserAgent(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		info Info
		want string
	}{
		"release": {
			info: Info{Name: "dealfeed", Version: "v1.2.3"},
			want: "dealfeed/v1.2.3 (+https://astrophena.name/bleep-bloop)",
		},
		"devel with commit": {
			info: Info{Name: "dealfeed", Version: "devel", Commit: "deadbeef"},
			want: "dealfeed/deadbeef (+https://astrophena.name/bleep-bloop)",
		},
		"devel without commit": {
			info: Info{Name: "dealfeed", Version: "devel"},
			want: "dealfeed/devel (+https://astrophena.name/bleep-bloop)",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			testutil.AssertEqual(t, userAgent(tc.info), tc.want)
		})
	}
}

func TestInfoString(t *testing.T) {
	t.Parallel()

	i := Info{
		Name:    "dealfeed",
		Version: "v1.2.3",
		Commit:  "deadbeef",
		BuiltAt: "2026-01-02T15:04:05Z",
		Go:      "go1.24.0",
		OS:      "linux",
		Arch:    "amd64",
	}
	want := "dealfeed v1.2.3 (go1.24.0, linux/amd64)\ncommit deadbeef\nbuilt at 2026-01-02T15:04:05Z\n"
	testutil.AssertEqual(t, i.String(), want)
}
