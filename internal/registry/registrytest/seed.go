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

package registrytest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/immutos/containerize/internal/image"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

// SeededImage describes an image stored with SeedImage.
type SeededImage struct {
	ManifestDigest digest.Digest
	Manifest       ocispecs.Manifest
	Config         image.Config
	// Uncompressed holds the raw content of each layer, bottom first.
	Uncompressed [][]byte
}

// SeedImage stores a linux/amd64 docker image under repository:tag. Each
// layer is the given raw content, gzip-compressed.
func (r *Registry) SeedImage(repository, tag string, layers ...[]byte) *SeededImage {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	config := image.Config{
		Architecture: "amd64",
		OS:           "linux",
		Created:      &created,
		Config: image.ImageConfig{
			Env:          []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"},
			Cmd:          []string{"/bin/sh"},
			Labels:       map[string]string{"org.opencontainers.image.vendor": "base"},
			ExposedPorts: map[string]struct{}{"80/tcp": {}},
		},
		RootFS: image.RootFS{Type: "layers", DiffIDs: []digest.Digest{}},
	}

	manifest := image.NewManifest()
	for i, raw := range layers {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = gz.Write(raw)
		_ = gz.Close()

		dgst := r.PutBlob(repository, buf.Bytes())
		manifest.Layers = append(manifest.Layers, ocispecs.Descriptor{
			MediaType: image.MediaTypeDockerLayerGzip,
			Digest:    dgst,
			Size:      int64(buf.Len()),
		})
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, digest.FromBytes(raw))
		config.History = append(config.History, image.History{
			Created:   &created,
			CreatedBy: fmt.Sprintf("layer %d", i),
		})
	}

	configJSON := mustMarshal(config)
	manifest.Config.Digest = r.PutBlob(repository, configJSON)
	manifest.Config.Size = int64(len(configJSON))

	manifestDigest := r.PutManifest(repository, tag, image.MediaTypeDockerManifest, mustMarshal(manifest))

	return &SeededImage{
		ManifestDigest: manifestDigest,
		Manifest:       manifest,
		Config:         config,
		Uncompressed:   layers,
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
