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
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/immutos/containerize/internal/containerize"
	"github.com/immutos/containerize/internal/docker"
	"github.com/immutos/containerize/internal/image"
	"github.com/immutos/containerize/internal/registry"
	"github.com/immutos/containerize/internal/registry/registrytest"
	"github.com/immutos/containerize/internal/store"
	"github.com/opencontainers/image-spec/specs-go"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

func tarball(t *testing.T, name, content string) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
	}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	return buf.Bytes()
}

func publishDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.dll"), []byte("application"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "wwwroot"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wwwroot", "index.html"), []byte("<html></html>"), 0o644))
	return dir
}

func serve(t *testing.T, h http.Handler) string {
	t.Helper()

	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	return strings.TrimPrefix(server.URL, "http://")
}

func fetchConfig(t *testing.T, reg *registrytest.Registry, repository, tag string) image.Config {
	t.Helper()

	data, ok := reg.Manifest(repository, tag)
	require.True(t, ok, "manifest %s:%s", repository, tag)

	var manifest ocispecs.Manifest
	require.NoError(t, json.Unmarshal(data, &manifest))

	configJSON, ok := reg.Blob(repository, manifest.Config.Digest)
	require.True(t, ok)

	var config image.Config
	require.NoError(t, json.Unmarshal(configJSON, &config))
	return config
}

func baseOptions(t *testing.T, host string) containerize.Options {
	return containerize.Options{
		PublishDir:           publishDir(t),
		BaseRegistry:         host,
		BaseName:             "dotnet/runtime",
		BaseTag:              "6.0",
		Entrypoint:           []string{"dotnet", "app.dll"},
		ImageName:            "my-app",
		ImageTags:            []string{"v1"},
		Labels:               []string{"org.opencontainers.image.title=my-app"},
		ExposedPorts:         []string{"8080", "53/udp"},
		EnvironmentVariables: []string{"ASPNETCORE_URLS=http://+:8080"},
		RuntimeIdentifier:    "linux-x64",
		StoreDir:             t.TempDir(),
		Registry: &registry.Options{
			ChunkSize: 1024,
		},
	}
}

func TestContainerizePush(t *testing.T) {
	ctx := context.Background()

	reg := registrytest.New()
	host := serve(t, reg)
	seeded := reg.SeedImage("dotnet/runtime", "6.0", tarball(t, "usr/share/dotnet/dotnet", "runtime"))

	opts := baseOptions(t, host)
	opts.ImageName = "My.App"
	opts.ImageTags = []string{"v1", "latest"}
	opts.EntrypointArgs = []string{"--urls", "http://+:8080"}
	opts.OutputRegistry = host

	require.NoError(t, containerize.Containerize(ctx, opts))

	for _, tag := range opts.ImageTags {
		config := fetchConfig(t, reg, "my.app", tag)

		require.Equal(t, "/app", config.Config.WorkingDir)
		require.Equal(t, []string{"dotnet", "app.dll"}, config.Config.Entrypoint)
		require.Equal(t, []string{"--urls", "http://+:8080"}, config.Config.Cmd)
		require.Equal(t, map[string]string{
			"org.opencontainers.image.vendor": "base",
			"org.opencontainers.image.title":  "my-app",
		}, config.Config.Labels)
		require.Equal(t, map[string]struct{}{
			"80/tcp":   {},
			"8080/tcp": {},
			"53/udp":   {},
		}, config.Config.ExposedPorts)
		require.Contains(t, config.Config.Env, "ASPNETCORE_URLS=http://+:8080")
		require.Len(t, config.RootFS.DiffIDs, 2)
		require.Equal(t, seeded.Config.RootFS.DiffIDs[0], config.RootFS.DiffIDs[0])
	}

	// The base layer is mounted rather than uploaded.
	base, ok := reg.Blob("my.app", seeded.Manifest.Layers[0].Digest)
	require.True(t, ok)
	source, _ := reg.Blob("dotnet/runtime", seeded.Manifest.Layers[0].Digest)
	require.Equal(t, source, base)
}

func TestContainerizePartialFailure(t *testing.T) {
	ctx := context.Background()

	reg := registrytest.New()
	reg.SeedImage("dotnet/runtime", "6.0", tarball(t, "dotnet", "runtime"))

	host := serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/manifests/broken") {
			http.Error(w, `{"errors":[{"code":"DENIED"}]}`, http.StatusForbidden)
			return
		}
		reg.ServeHTTP(w, r)
	}))

	opts := baseOptions(t, host)
	opts.ImageTags = []string{"broken", "v1"}
	opts.OutputRegistry = host

	err := containerize.Containerize(ctx, opts)
	require.Error(t, err)
	require.Contains(t, err.Error(), "my-app:broken")

	var httpErr *registry.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusForbidden, httpErr.StatusCode)

	// The failing tag does not stop the others.
	_, ok := reg.Manifest("my-app", "v1")
	require.True(t, ok)
}

func TestContainerizeArchive(t *testing.T) {
	ctx := context.Background()

	reg := registrytest.New()
	host := serve(t, reg)
	reg.SeedImage("dotnet/runtime", "6.0", tarball(t, "dotnet", "runtime"))

	opts := baseOptions(t, host)
	opts.ArchiveDir = filepath.Join(t.TempDir(), "out")
	opts.ImageTags = []string{"v1", "latest"}

	require.NoError(t, containerize.Containerize(ctx, opts))

	archivePath := filepath.Join(opts.ArchiveDir, "my-app.tar")

	s, err := store.New(t.TempDir())
	require.NoError(t, err)

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
	})

	img, err := docker.ReadArchive(ctx, f, s, "my-app:latest")
	require.NoError(t, err)
	require.Len(t, img.DiffIDs(), 2)
	require.Equal(t, "/app", img.Config().Config.WorkingDir)
	require.Equal(t, []string{"53/udp", "80/tcp", "8080/tcp"}, img.ExposedPorts())
	// No entrypoint arguments drops the inherited command.
	require.Nil(t, img.Config().Config.Cmd)

	t.Run("From Base Archive", func(t *testing.T) {
		next := baseOptions(t, "")
		next.BaseRegistry = ""
		next.BaseArchive = archivePath
		next.BaseName = "my-app"
		next.BaseTag = "v1"
		next.ImageName = "derived"
		next.ArchiveDir = filepath.Join(t.TempDir(), "out")

		require.NoError(t, containerize.Containerize(ctx, next))

		f, err := os.Open(filepath.Join(next.ArchiveDir, "derived.tar"))
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, f.Close())
		})

		derived, err := docker.ReadArchive(ctx, f, s, "derived:v1")
		require.NoError(t, err)
		require.Len(t, derived.DiffIDs(), 3)
		require.Equal(t, img.DiffIDs(), derived.DiffIDs()[:2])
	})
}

func TestContainerizeDaemon(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake daemon requires a POSIX shell")
	}

	ctx := context.Background()

	reg := registrytest.New()
	host := serve(t, reg)
	reg.SeedImage("dotnet/runtime", "6.0", tarball(t, "dotnet", "runtime"))

	// The engine API is unreachable so availability falls back to the CLI.
	t.Setenv("DOCKER_HOST", "unix://"+filepath.Join(t.TempDir(), "missing.sock"))

	dir := t.TempDir()
	command := filepath.Join(dir, "docker")
	require.NoError(t, os.WriteFile(command, []byte(`#!/bin/sh
echo "$@" >> "`+dir+`/calls"
case "$1" in
load) cat > "`+dir+`/loaded.tar"; echo "Loaded image: my-app:v1" ;;
esac
`), 0o755))

	opts := baseOptions(t, host)
	opts.DaemonCommand = command

	require.NoError(t, containerize.Containerize(ctx, opts))

	calls, err := os.ReadFile(filepath.Join(dir, "calls"))
	require.NoError(t, err)
	require.Equal(t, "version\nload\n", string(calls))

	f, err := os.Open(filepath.Join(dir, "loaded.tar"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
	})

	s, err := store.New(t.TempDir())
	require.NoError(t, err)

	img, err := docker.ReadArchive(ctx, f, s, "my-app:v1")
	require.NoError(t, err)
	require.Len(t, img.DiffIDs(), 2)
	require.Equal(t, []string{"dotnet", "app.dll"}, img.Config().Config.Entrypoint)

	t.Run("Unavailable", func(t *testing.T) {
		failing := filepath.Join(t.TempDir(), "docker")
		require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\nexit 1\n"), 0o755))

		opts := baseOptions(t, host)
		opts.DaemonCommand = failing

		err := containerize.Containerize(ctx, opts)
		require.ErrorIs(t, err, docker.ErrDaemonUnavailable)
	})
}

func TestContainerizePlatformNotFound(t *testing.T) {
	ctx := context.Background()

	reg := registrytest.New()
	host := serve(t, reg)
	arm64 := reg.SeedImage("dotnet/runtime", "6.0-arm64", tarball(t, "dotnet", "runtime"))

	index, err := json.Marshal(ocispecs.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: image.MediaTypeDockerManifestList,
		Manifests: []ocispecs.Descriptor{{
			MediaType: image.MediaTypeDockerManifest,
			Digest:    arm64.ManifestDigest,
			Platform:  &ocispecs.Platform{OS: "linux", Architecture: "arm64"},
		}},
	})
	require.NoError(t, err)
	reg.PutManifest("dotnet/runtime", "6.0", image.MediaTypeDockerManifestList, index)

	opts := baseOptions(t, host)
	opts.ArchiveDir = t.TempDir()

	err = containerize.Containerize(ctx, opts)
	require.ErrorIs(t, err, registry.ErrPlatformNotFound)
	require.Contains(t, err.Error(), "linux-x64")
}

func TestContainerizeValidation(t *testing.T) {
	storeDir := filepath.Join(t.TempDir(), "store")

	err := containerize.Containerize(context.Background(), containerize.Options{
		PublishDir:        filepath.Join(t.TempDir(), "missing"),
		WorkingDir:        "app",
		BaseRegistry:      "not a registry",
		BaseName:          "Base",
		BaseTag:           ".bad",
		ImageName:         "-app",
		ImageTags:         []string{"ok", "-bad"},
		Labels:            []string{"nolabel"},
		ExposedPorts:      []string{"70000", "80/sctp"},
		RuntimeIdentifier: "osx-x64",
		StoreDir:          storeDir,
	})
	require.Error(t, err)

	var validationErr *containerize.ValidationError
	require.ErrorAs(t, err, &validationErr)

	for _, field := range []string{
		"publish directory", "working directory", "base registry", "base image name",
		"base image tag", "entrypoint", "image name", "image tag", "label", "port",
		"runtime identifier",
	} {
		require.Contains(t, err.Error(), "invalid "+field)
	}

	// Nothing is touched before validation passes.
	_, statErr := os.Stat(storeDir)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}
