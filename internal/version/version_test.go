// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package version

import (
	"strings"
	"testing"
)

func TestInfoString(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		info Info
		want []string
	}{
		"release": {
			info: Info{
				Version: "v1.2.3",
				Go:      "go1.22.0",
				OS:      "linux",
				Arch:    "amd64",
			},
			want: []string{"v1.2.3", "go1.22.0", "linux/amd64"},
		},
		"devel with commit": {
			info: Info{
				Version: "devel",
				Commit:  "deadbeef",
				BuiltAt: "2024-05-01T00:00:00Z",
				Go:      "go1.22.0",
				OS:      "darwin",
				Arch:    "arm64",
			},
			want: []string{"devel", "commit deadbeef", "built at 2024-05-01T00:00:00Z"},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := tc.info.String()
			for _, want := range tc.want {
				if !strings.Contains(got, want) {
					t.Errorf("Info.String() = %q, want it to contain %q", got, want)
				}
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	t.Parallel()

	ua := UserAgent()
	if !strings.Contains(ua, "/") {
		t.Errorf("UserAgent() = %q, want 'name/version' form", ua)
	}
	if !strings.Contains(ua, "(+https://astrophena.name/bleep-bloop)") {
		t.Errorf("UserAgent() = %q, want it to contain the bot information URL", ua)
	}
}
