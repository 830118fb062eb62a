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

package docker

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dpeckett/uncompr"
	"github.com/immutos/containerize/internal/image"
	"github.com/immutos/containerize/internal/store"
	"github.com/opencontainers/go-digest"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

// BlobFetcher returns the local path of a layer blob, fetching it first if
// needed.
type BlobFetcher func(ctx context.Context, desc ocispecs.Descriptor) (string, error)

// StoreFetcher returns a BlobFetcher that only serves blobs already present
// in s.
func StoreFetcher(s *store.Store) BlobFetcher {
	return func(_ context.Context, desc ocispecs.Descriptor) (string, error) {
		if !s.Exists(desc.Digest) {
			return "", fmt.Errorf("blob %s is not in the content store", desc.Digest)
		}
		return s.PathForDescriptor(desc), nil
	}
}

// WriteArchive writes img to w in the layout consumed by `docker load`: one
// uncompressed <hex>/layer.tar per layer, the config as <hex>.json and a
// manifest.json naming repoTags. Layers are decompressed through scratch
// files in s.
func WriteArchive(ctx context.Context, w io.Writer, s *store.Store, img *image.Image, repoTags []string, fetch BlobFetcher) error {
	if fetch == nil {
		fetch = StoreFetcher(s)
	}

	tw := tar.NewWriter(w)

	written := map[digest.Digest]bool{}
	var layers []string
	for _, desc := range img.LayerDescriptors() {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := path.Join(desc.Digest.Encoded(), "layer.tar")
		layers = append(layers, name)
		if written[desc.Digest] {
			continue
		}

		blobPath, err := fetch(ctx, desc)
		if err != nil {
			return fmt.Errorf("failed to fetch layer %s: %w", desc.Digest, err)
		}

		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     desc.Digest.Encoded() + "/",
			Mode:     0o755,
			ModTime:  time.Unix(0, 0),
		}); err != nil {
			return fmt.Errorf("failed to write layer directory: %w", err)
		}

		if err := writeLayer(tw, s, name, blobPath); err != nil {
			return fmt.Errorf("failed to write layer %s: %w", desc.Digest, err)
		}
		written[desc.Digest] = true
	}

	configName := img.ConfigDescriptor().Digest.Encoded() + ".json"
	if err := writeEntry(tw, configName, img.ConfigJSON()); err != nil {
		return fmt.Errorf("failed to write image config: %w", err)
	}

	manifestJSON, err := json.Marshal([]Manifest{{
		Config:   configName,
		RepoTags: repoTags,
		Layers:   layers,
	}})
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := writeEntry(tw, "manifest.json", manifestJSON); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return tw.Close()
}

// writeLayer stores the decompressed blob as name. The tar header needs the
// size up front, so the content goes through a scratch file first.
func writeLayer(tw *tar.Writer, s *store.Store, name, blobPath string) error {
	f, err := os.Open(blobPath)
	if err != nil {
		return err
	}
	defer f.Close()

	dr, err := uncompr.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create decompressing reader: %w", err)
	}
	defer dr.Close()

	tmp, err := s.TempFile()
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, dr)
	if err != nil {
		return fmt.Errorf("failed to decompress layer: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     size,
		ModTime:  time.Unix(0, 0),
	}); err != nil {
		return err
	}

	_, err = io.Copy(tw, tmp)
	return err
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Unix(0, 0),
	}); err != nil {
		return err
	}

	_, err := tw.Write(data)
	return err
}

// ReadArchive reads an image archive as produced by `docker save`, storing
// every blob it contains in s. Both the legacy <dir>/layer.tar layout and the
// blobs/sha256 layout are understood, and the archive itself may be
// compressed. When the archive holds more than one image, repoTag selects
// which one is returned.
func ReadArchive(ctx context.Context, r io.Reader, s *store.Store, repoTag string) (*image.Image, error) {
	dr, err := uncompr.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressing reader: %w", err)
	}
	defer dr.Close()

	var manifests []Manifest
	blobs := map[string]digest.Digest{}
	links := map[string]string{}

	tr := tar.NewReader(dr)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}

		name := path.Clean(hdr.Name)

		switch hdr.Typeflag {
		case tar.TypeSymlink:
			links[name] = path.Join(path.Dir(name), hdr.Linkname)
			continue
		case tar.TypeReg:
		default:
			continue
		}

		switch name {
		case "manifest.json":
			if err := json.NewDecoder(tr).Decode(&manifests); err != nil {
				return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
			}
		case "index.json", "oci-layout", "repositories":
		default:
			if base := path.Base(name); base == "VERSION" || base == "json" {
				continue
			}

			// Content addressed blobs the store already holds are not
			// extracted again.
			if dgst, ok := blobName(name); ok && s.Exists(dgst) {
				blobs[name] = dgst
				continue
			}

			dgst, err := storeEntry(s, tr)
			if err != nil {
				return nil, fmt.Errorf("failed to store %s: %w", name, err)
			}
			blobs[name] = dgst
		}
	}

	if len(manifests) == 0 {
		return nil, fmt.Errorf("%w: no manifest.json", ErrIncompleteArchive)
	}

	manifest, err := selectManifest(manifests, repoTag)
	if err != nil {
		return nil, err
	}

	resolve := func(name string) (digest.Digest, error) {
		name = path.Clean(name)
		for i := 0; i < 8; i++ {
			if dgst, ok := blobs[name]; ok {
				return dgst, nil
			}
			target, ok := links[name]
			if !ok {
				break
			}
			name = target
		}
		return "", fmt.Errorf("%w: missing %s", ErrIncompleteArchive, name)
	}

	configDigest, err := resolve(manifest.Config)
	if err != nil {
		return nil, err
	}

	configJSON, err := os.ReadFile(s.Path(configDigest))
	if err != nil {
		return nil, fmt.Errorf("failed to read image config: %w", err)
	}

	var config image.Config
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image config: %w", err)
	}

	if len(config.RootFS.DiffIDs) != len(manifest.Layers) {
		return nil, fmt.Errorf("manifest lists %d layers but config lists %d diff ids",
			len(manifest.Layers), len(config.RootFS.DiffIDs))
	}

	imageManifest := image.NewManifest()
	for i, name := range manifest.Layers {
		dgst, err := resolve(name)
		if err != nil {
			return nil, err
		}

		desc, diffID, err := describeLayer(s, dgst)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect layer %s: %w", name, err)
		}

		if diffID != config.RootFS.DiffIDs[i] {
			return nil, fmt.Errorf("layer %s has diff id %s, config expects %s", name, diffID, config.RootFS.DiffIDs[i])
		}

		imageManifest.Layers = append(imageManifest.Layers, desc)
	}

	return image.New(imageManifest, config)
}

func selectManifest(manifests []Manifest, repoTag string) (*Manifest, error) {
	if repoTag != "" {
		for i, m := range manifests {
			for _, tag := range m.RepoTags {
				if tag == repoTag {
					return &manifests[i], nil
				}
			}
		}
	}

	if len(manifests) == 1 {
		return &manifests[0], nil
	}

	if repoTag == "" {
		return nil, fmt.Errorf("archive contains %d images, a tag must be specified", len(manifests))
	}
	return nil, fmt.Errorf("no image found for %s", repoTag)
}

func storeEntry(s *store.Store, r io.Reader) (digest.Digest, error) {
	f, err := s.TempFile()
	if err != nil {
		return "", err
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(io.MultiWriter(f, digester.Hash()), r); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}

	if _, err := s.Commit(f.Name(), digester.Digest()); err != nil {
		return "", err
	}

	return digester.Digest(), nil
}

// describeLayer builds the descriptor of a stored layer blob and computes its
// diff id. Compressed blobs keep their compressed digest.
func describeLayer(s *store.Store, dgst digest.Digest) (ocispecs.Descriptor, digest.Digest, error) {
	f, err := s.Open(dgst)
	if err != nil {
		return ocispecs.Descriptor{}, "", err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return ocispecs.Descriptor{}, "", err
	}

	dr, err := uncompr.NewReader(f)
	if err != nil {
		return ocispecs.Descriptor{}, "", fmt.Errorf("failed to create decompressing reader: %w", err)
	}
	defer dr.Close()

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), dr); err != nil {
		return ocispecs.Descriptor{}, "", fmt.Errorf("failed to decompress layer: %w", err)
	}
	diffID := digester.Digest()

	mediaType := image.MediaTypeDockerLayer
	if diffID != dgst {
		mediaType = image.MediaTypeDockerLayerGzip
	}

	return ocispecs.Descriptor{
		MediaType: mediaType,
		Digest:    dgst,
		Size:      fi.Size(),
	}, diffID, nil
}

// blobName returns the digest encoded in a blobs/<algorithm>/<hex> entry name.
func blobName(name string) (digest.Digest, bool) {
	parts := strings.Split(name, "/")
	if len(parts) != 3 || parts[0] != "blobs" {
		return "", false
	}

	dgst := digest.NewDigestFromEncoded(digest.Algorithm(parts[1]), parts[2])
	if dgst.Validate() != nil {
		return "", false
	}

	return dgst, true
}

func isDigest(ref string) bool {
	return strings.Contains(ref, ":")
}
