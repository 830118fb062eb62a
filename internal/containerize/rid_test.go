// SPDX-License-Identifier: AGPL-3.0-or-later
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package containerize_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/containerd/platforms"
	"github.com/immutos/containerize/internal/containerize"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

func TestPlatformForRID(t *testing.T) {
	tests := []struct {
		rid      string
		expected ocispecs.Platform
	}{
		{"linux-x64", ocispecs.Platform{OS: "linux", Architecture: "amd64"}},
		{"linux-musl-x64", ocispecs.Platform{OS: "linux", Architecture: "amd64"}},
		{"linux-arm64", ocispecs.Platform{OS: "linux", Architecture: "arm64"}},
		{"linux-arm", ocispecs.Platform{OS: "linux", Architecture: "arm", Variant: "v7"}},
		{"ubuntu.22.04-x64", ocispecs.Platform{OS: "linux", Architecture: "amd64"}},
		{"win-x64", ocispecs.Platform{OS: "windows", Architecture: "amd64"}},
		{"win10-x86", ocispecs.Platform{OS: "windows", Architecture: "386"}},
	}

	for _, tt := range tests {
		t.Run(tt.rid, func(t *testing.T) {
			platform, err := containerize.PlatformForRID(tt.rid)
			require.NoError(t, err)
			require.Equal(t, platforms.Normalize(tt.expected), platform)
		})
	}

	for _, rid := range []string{"linux", "osx-x64", "linux-mips", "freebsd-x64"} {
		t.Run(rid, func(t *testing.T) {
			_, err := containerize.PlatformForRID(rid)
			require.Error(t, err)
		})
	}
}

func TestPlatformsForRID(t *testing.T) {
	graphPath := filepath.Join(t.TempDir(), "runtime.json")
	require.NoError(t, os.WriteFile(graphPath, []byte(`{
  "runtimes": {
    "any": {"#import": ["base"]},
    "base": {"#import": []},
    "linux": {"#import": ["unix"]},
    "unix": {"#import": ["any"]},
    "linux-x64": {"#import": ["linux"]},
    "linux-musl": {"#import": ["linux"]},
    "linux-musl-x64": {"#import": ["linux-musl", "linux-x64"]},
    "alpine-x64": {"#import": ["alpine", "linux-musl-x64"]},
    "alpine": {"#import": ["linux-musl"]}
  }
}`), 0o644))

	candidates, err := containerize.PlatformsForRID("alpine-x64", graphPath)
	require.NoError(t, err)
	require.Equal(t, []ocispecs.Platform{
		platforms.Normalize(ocispecs.Platform{OS: "linux", Architecture: "amd64"}),
	}, candidates)

	_, err = containerize.PlatformsForRID("missing-x64", graphPath)
	require.Error(t, err)

	_, err = containerize.PlatformsForRID("unix", graphPath)
	require.Error(t, err)

	candidates, err = containerize.PlatformsForRID("linux-arm64", "")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}
