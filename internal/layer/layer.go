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

// Package layer builds deterministic, content-addressed filesystem layers.
package layer

import (
	"archive/tar"
	"context"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/immutos/containerize/internal/image"
	"github.com/immutos/containerize/internal/store"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	dirMode        = 0o755
	fileMode       = 0o644
	executableMode = 0o755
)

// directoryModTime is used for every directory entry so that layers do not
// depend on when the build happened.
var directoryModTime = time.Unix(0, 0)

// File maps a local file to a path inside the container, relative to the
// layer's mount root.
type File struct {
	Source string
	Target string
}

// Builder writes layers into a content store.
type Builder struct {
	store  *store.Store
	logger *slog.Logger
}

func NewBuilder(s *store.Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{store: s, logger: logger}
}

// FromDirectory builds a layer holding every regular file below directory,
// placed at containerPath.
func (b *Builder) FromDirectory(ctx context.Context, directory, containerPath string) (*image.Layer, error) {
	var files []File
	err := filepath.WalkDir(directory, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		if !d.Type().IsRegular() {
			b.logger.Debug("Skipping non-regular file", slog.String("path", p))
			return nil
		}

		rel, err := filepath.Rel(directory, p)
		if err != nil {
			return err
		}

		files = append(files, File{Source: p, Target: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %q: %w", directory, err)
	}

	return b.FromFiles(ctx, containerPath, files)
}

// FromFiles builds a layer from an explicit file list. Entries are written in
// the order given, each preceded by any ancestor directories not yet written.
func (b *Builder) FromFiles(ctx context.Context, containerRoot string, files []File) (*image.Layer, error) {
	tmp, err := b.store.TempFile()
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()

	compressed := newDigestingWriter(tmp)
	gz, err := gzip.NewWriterLevel(compressed, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	uncompressed := newDigestingWriter(gz)
	tw := tar.NewWriter(uncompressed)

	root := strings.Trim(path.Clean("/"+filepath.ToSlash(containerRoot)), "/")
	dirs := &dirWriter{tw: tw, seen: map[string]bool{}}
	if err := dirs.writeChain(root); err != nil {
		return nil, err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		target := strings.TrimPrefix(path.Join(root, path.Clean("/"+filepath.ToSlash(f.Target))), "/")
		if target == "" || target == root {
			return nil, fmt.Errorf("invalid layer target %q for %q", f.Target, f.Source)
		}

		if err := dirs.writeChain(path.Dir(target)); err != nil {
			return nil, err
		}

		if err := writeFile(tw, f.Source, target); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}

	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close layer file: %w", err)
	}

	desc := ocispecs.Descriptor{
		MediaType: image.MediaTypeDockerLayerGzip,
		Digest:    compressed.Digest(),
		Size:      compressed.n,
	}

	layerPath, err := b.store.Commit(tmp.Name(), desc.Digest)
	if err != nil {
		return nil, err
	}
	committed = true

	b.logger.Debug("Built layer",
		slog.String("digest", desc.Digest.String()),
		slog.String("diffID", uncompressed.Digest().String()),
		slog.Int64("size", desc.Size),
		slog.Int("files", len(files)))

	return &image.Layer{
		Descriptor: desc,
		DiffID:     uncompressed.Digest(),
		Path:       layerPath,
	}, nil
}

type dirWriter struct {
	tw   *tar.Writer
	seen map[string]bool
}

// writeChain writes dir and its ancestors, root first, skipping any
// directory already written.
func (w *dirWriter) writeChain(dir string) error {
	if dir == "" || dir == "." || dir == "/" || w.seen[dir] {
		return nil
	}

	if err := w.writeChain(path.Dir(dir)); err != nil {
		return err
	}

	hdr := &tar.Header{
		Typeflag:   tar.TypeDir,
		Name:       dir + "/",
		Mode:       dirMode,
		ModTime:    directoryModTime,
		AccessTime: directoryModTime,
		ChangeTime: directoryModTime,
		Format:     tar.FormatGNU,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write directory entry %q: %w", dir, err)
	}

	w.seen[dir] = true
	return nil
}

func writeFile(tw *tar.Writer, source, target string) error {
	f, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", source, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", source, err)
	}

	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%q is not a regular file", source)
	}

	mode := int64(fileMode)
	if ext := path.Ext(target); ext == "" || strings.EqualFold(ext, ".exe") {
		mode = executableMode
	}

	modTime := fi.ModTime().Truncate(time.Second)
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     target,
		Size:     fi.Size(),
		Mode:     mode,
		ModTime:  modTime,
		// Reading the file may move its access time, so the modification
		// time stands in for it to keep rebuilds byte-identical.
		AccessTime: modTime,
		ChangeTime: changeTime(fi).Truncate(time.Second),
		Format:     tar.FormatGNU,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write file entry %q: %w", target, err)
	}

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to write file %q: %w", source, err)
	}

	return nil
}

// digestingWriter forwards writes while hashing and counting them.
type digestingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

func newDigestingWriter(w io.Writer) *digestingWriter {
	return &digestingWriter{w: w, h: digest.Canonical.Hash()}
}

func (d *digestingWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	d.h.Write(p[:n])
	d.n += int64(n)
	return n, err
}

func (d *digestingWriter) Digest() digest.Digest {
	return digest.NewDigest(digest.Canonical, d.h)
}
