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

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/immutos/containerize/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "containerize.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`publishDir: bin/publish
base:
  registry: mcr.microsoft.com
  name: dotnet/runtime
  tag: "6.0"
entrypoint: [dotnet, app.dll]
image:
  name: my-app
  tags: [v1, latest]
output:
  registry: localhost:5000
labels:
  - org.opencontainers.image.title=my-app
ports: ["8080/tcp", "53/udp"]
env: [ASPNETCORE_URLS=http://+:8080]
runtimeIdentifier: linux-x64
registry:
  chunkSize: 1048576
`), 0o644))

	conf, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "bin/publish", conf.PublishDir)
	require.Equal(t, config.Base{Registry: "mcr.microsoft.com", Name: "dotnet/runtime", Tag: "6.0"}, conf.Base)
	require.Equal(t, []string{"dotnet", "app.dll"}, conf.Entrypoint)
	require.Equal(t, config.Image{Name: "my-app", Tags: []string{"v1", "latest"}}, conf.Image)
	require.Equal(t, "localhost:5000", conf.Output.Registry)
	require.Equal(t, []string{"org.opencontainers.image.title=my-app"}, conf.Labels)
	require.Equal(t, []string{"8080/tcp", "53/udp"}, conf.Ports)
	require.Equal(t, "linux-x64", conf.RuntimeIdentifier)
	require.Equal(t, 1048576, conf.Registry.ChunkSize)
}

func TestFromYAML(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		conf, err := config.FromYAML(strings.NewReader(""))
		require.NoError(t, err)
		require.Equal(t, &config.Config{}, conf)
	})

	t.Run("Unknown Field", func(t *testing.T) {
		_, err := config.FromYAML(strings.NewReader("publishDirectory: bin\n"))
		require.Error(t, err)
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}
