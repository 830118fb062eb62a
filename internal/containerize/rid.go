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

package containerize

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/containerd/containerd/platforms"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

var ridArchitectures = map[string]string{
	"x64":         "amd64",
	"x86":         "386",
	"arm64":       "arm64",
	"arm":         "arm",
	"armel":       "arm",
	"armv6":       "arm",
	"s390x":       "s390x",
	"ppc64le":     "ppc64le",
	"loongarch64": "loong64",
	"riscv64":     "riscv64",
}

var ridVariants = map[string]string{
	"armel": "v5",
	"armv6": "v6",
}

// linuxDistributions are RID prefixes that all denote a linux image.
var linuxDistributions = []string{
	"linux", "alpine", "android", "centos", "debian", "fedora", "gentoo",
	"linuxmint", "ol", "opensuse", "rhel", "sles", "tizen", "ubuntu",
}

// PlatformForRID maps a runtime identifier such as linux-x64,
// linux-musl-arm64 or win-x64 onto the image platform it runs on.
func PlatformForRID(rid string) (ocispecs.Platform, error) {
	parts := strings.Split(rid, "-")
	if len(parts) < 2 {
		return ocispecs.Platform{}, fmt.Errorf("runtime identifier %q has no architecture", rid)
	}

	arch, ok := ridArchitectures[parts[len(parts)-1]]
	if !ok {
		return ocispecs.Platform{}, fmt.Errorf("unsupported architecture in runtime identifier %q", rid)
	}

	osName, err := ridOS(parts[0])
	if err != nil {
		return ocispecs.Platform{}, fmt.Errorf("runtime identifier %q: %w", rid, err)
	}

	platform := ocispecs.Platform{
		OS:           osName,
		Architecture: arch,
		Variant:      ridVariants[parts[len(parts)-1]],
	}

	return platforms.Normalize(platform), nil
}

func ridOS(prefix string) (string, error) {
	if strings.HasPrefix(prefix, "win") {
		return "windows", nil
	}

	for _, distro := range linuxDistributions {
		// Versioned identifiers such as ubuntu.22.04 or rhel.8.
		if prefix == distro || strings.HasPrefix(prefix, distro+".") {
			return "linux", nil
		}
	}

	return "", fmt.Errorf("unsupported operating system %q", prefix)
}

type ridGraph struct {
	Runtimes map[string]struct {
		Imports []string `json:"#import"`
	} `json:"runtimes"`
}

// PlatformsForRID returns the candidate platforms for rid, most specific
// first. With a runtime graph (runtime.json) the identifiers rid imports are
// visited breadth first and each one that names a platform is added.
func PlatformsForRID(rid, graphPath string) ([]ocispecs.Platform, error) {
	if graphPath == "" {
		platform, err := PlatformForRID(rid)
		if err != nil {
			return nil, err
		}
		return []ocispecs.Platform{platform}, nil
	}

	data, err := os.ReadFile(graphPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read runtime graph: %w", err)
	}

	var graph ridGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("failed to unmarshal runtime graph: %w", err)
	}

	if _, ok := graph.Runtimes[rid]; !ok {
		return nil, fmt.Errorf("runtime identifier %q is not in the runtime graph", rid)
	}

	var candidates []ocispecs.Platform
	seenPlatforms := map[string]bool{}
	seen := map[string]bool{rid: true}
	queue := []string{rid}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if platform, err := PlatformForRID(current); err == nil {
			if key := platforms.Format(platform); !seenPlatforms[key] {
				seenPlatforms[key] = true
				candidates = append(candidates, platform)
			}
		}

		for _, imported := range graph.Runtimes[current].Imports {
			if !seen[imported] {
				seen[imported] = true
				queue = append(queue, imported)
			}
		}
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no platform is compatible with runtime identifier %q", rid)
	}

	return candidates, nil
}
