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

package layer_test

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dpeckett/archivefs/tarfs"
	"github.com/dpeckett/uncompr"
	"github.com/immutos/containerize/internal/image"
	"github.com/immutos/containerize/internal/layer"
	"github.com/immutos/containerize/internal/store"
	"github.com/immutos/containerize/internal/util"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func writeTestTree(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	files := map[string]string{
		"app.dll":             "dll contents",
		"app":                 "#!/bin/sh\necho hello\n",
		"tool.exe":            "MZ",
		"wwwroot/index.html":  "<html></html>",
		"wwwroot/css/app.css": "body {}",
	}

	mtime := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}

	return dir
}

func decompress(t *testing.T, l *image.Layer) *os.File {
	t.Helper()

	f, err := os.Open(l.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	dr, err := uncompr.NewReader(f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dr.Close() })

	tarFile, err := os.Create(filepath.Join(t.TempDir(), "layer.tar"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tarFile.Close() })

	_, err = io.Copy(tarFile, dr)
	require.NoError(t, err)

	_, err = tarFile.Seek(0, io.SeekStart)
	require.NoError(t, err)

	return tarFile
}

func TestFromDirectory(t *testing.T) {
	ctx := context.Background()
	src := writeTestTree(t)

	s, err := store.New(t.TempDir())
	require.NoError(t, err)

	b := layer.NewBuilder(s, nil)

	l, err := b.FromDirectory(ctx, src, "/app")
	require.NoError(t, err)

	t.Run("Descriptor", func(t *testing.T) {
		require.Equal(t, image.MediaTypeDockerLayerGzip, l.Descriptor.MediaType)
		require.Equal(t, s.PathForDescriptor(l.Descriptor), l.Path)

		data, err := os.ReadFile(l.Path)
		require.NoError(t, err)
		require.Equal(t, digest.FromBytes(data), l.Descriptor.Digest)
		require.Equal(t, int64(len(data)), l.Descriptor.Size)

		tarFile := decompress(t, l)
		dgst, err := digest.FromReader(tarFile)
		require.NoError(t, err)
		require.Equal(t, dgst, l.DiffID)
	})

	t.Run("Deterministic", func(t *testing.T) {
		again, err := b.FromDirectory(ctx, src, "/app")
		require.NoError(t, err)

		require.Equal(t, l.Descriptor.Digest, again.Descriptor.Digest)
		require.Equal(t, l.DiffID, again.DiffID)
		require.Equal(t, l.Descriptor.Size, again.Descriptor.Size)
	})

	t.Run("Contents", func(t *testing.T) {
		layerFS, err := tarfs.Open(decompress(t, l))
		require.NoError(t, err)

		want, err := util.HashFS(os.DirFS(src), ".")
		require.NoError(t, err)

		got, err := util.HashFS(layerFS, "app")
		require.NoError(t, err)

		require.Equal(t, want, got)
	})

	t.Run("Entries", func(t *testing.T) {
		tr := tar.NewReader(decompress(t, l))

		modes := map[string]int64{}
		var order []string
		for {
			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)

			require.Equal(t, tar.FormatGNU, hdr.Format)
			modes[hdr.Name] = hdr.Mode
			order = append(order, hdr.Name)
		}

		require.Equal(t, []string{
			"app/",
			"app/app",
			"app/app.dll",
			"app/tool.exe",
			"app/wwwroot/",
			"app/wwwroot/css/",
			"app/wwwroot/css/app.css",
			"app/wwwroot/index.html",
		}, order)

		require.Equal(t, int64(0o755), modes["app/"])
		require.Equal(t, int64(0o755), modes["app/app"])
		require.Equal(t, int64(0o755), modes["app/tool.exe"])
		require.Equal(t, int64(0o644), modes["app/app.dll"])
		require.Equal(t, int64(0o644), modes["app/wwwroot/index.html"])
	})
}

func TestFromFiles(t *testing.T) {
	ctx := context.Background()
	src := writeTestTree(t)

	s, err := store.New(t.TempDir())
	require.NoError(t, err)

	b := layer.NewBuilder(s, nil)

	t.Run("Explicit Files", func(t *testing.T) {
		l, err := b.FromFiles(ctx, "/srv/site", []layer.File{
			{Source: filepath.Join(src, "wwwroot", "index.html"), Target: "public/index.html"},
			{Source: filepath.Join(src, "app.dll"), Target: "bin/app.dll"},
		})
		require.NoError(t, err)

		tr := tar.NewReader(decompress(t, l))
		var order []string
		for {
			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			order = append(order, hdr.Name)
		}

		require.Equal(t, []string{
			"srv/",
			"srv/site/",
			"srv/site/public/",
			"srv/site/public/index.html",
			"srv/site/bin/",
			"srv/site/bin/app.dll",
		}, order)
	})

	t.Run("No Files", func(t *testing.T) {
		l, err := b.FromFiles(ctx, "/", nil)
		require.NoError(t, err)

		require.Greater(t, l.Descriptor.Size, int64(0))

		tr := tar.NewReader(decompress(t, l))
		_, err = tr.Next()
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("Missing Source", func(t *testing.T) {
		_, err := b.FromFiles(ctx, "/app", []layer.File{
			{Source: filepath.Join(src, "does-not-exist"), Target: "x"},
		})
		require.ErrorIs(t, err, os.ErrNotExist)

		entries, err := os.ReadDir(filepath.Join(s.Root(), "tmp"))
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := b.FromDirectory(ctx, src, "/app")
		require.ErrorIs(t, err, context.Canceled)
	})
}
