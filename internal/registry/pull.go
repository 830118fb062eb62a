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

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"

	"github.com/containerd/containerd/platforms"
	"github.com/immutos/containerize/internal/image"
	"github.com/immutos/containerize/internal/reference"
	"github.com/opencontainers/go-digest"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

// maxManifestSize bounds manifest and config documents read into memory.
const maxManifestSize = 8 * 1024 * 1024

// GetImageManifest fetches the image at repository:ref (a tag or digest).
// When the reference resolves to a manifest list, the entry matching the
// first of the given platforms that has one is used.
func (c *Client) GetImageManifest(ctx context.Context, repository, ref string, candidates ...ocispecs.Platform) (*image.Image, error) {
	data, mediaType, err := c.getManifest(ctx, repository, ref)
	if err != nil {
		return nil, err
	}

	switch mediaType {
	case image.MediaTypeDockerManifestList, ocispecs.MediaTypeImageIndex:
		desc, err := selectPlatform(data, candidates)
		if err != nil {
			return nil, fmt.Errorf("%s/%s:%s: %w", c.registry, repository, ref, err)
		}

		c.logger.Debug("Selected manifest from list",
			slog.String("repository", repository),
			slog.String("digest", desc.Digest.String()),
			slog.String("platform", platforms.Format(*desc.Platform)))

		data, mediaType, err = c.getManifest(ctx, repository, desc.Digest.String())
		if err != nil {
			return nil, err
		}
	}

	var manifest ocispecs.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}

	switch mediaType {
	case image.MediaTypeDockerManifest:
	case ocispecs.MediaTypeImageManifest:
		if err := toDockerManifest(&manifest); err != nil {
			return nil, err
		}
	default:
		return nil, &UnsupportedMediaTypeError{MediaType: mediaType}
	}

	if err := manifest.Config.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("manifest has an invalid config digest: %w", err)
	}

	configJSON, err := c.getBlob(ctx, repository, manifest.Config.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to get image config: %w", err)
	}

	var config image.Config
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image config: %w", err)
	}

	origin := reference.Reference{Registry: c.registry, Repository: repository}
	if _, err := digest.Parse(ref); err == nil {
		origin.Digest = ref
	} else {
		origin.Tag = ref
	}

	return image.New(manifest, config, image.WithOrigin(origin))
}

// toDockerManifest rewrites an OCI image manifest in place to the docker v2
// schema 2 media types the image is built and pushed with. Layer blobs are
// unchanged, only their descriptors are relabelled.
func toDockerManifest(manifest *ocispecs.Manifest) error {
	manifest.MediaType = image.MediaTypeDockerManifest
	manifest.Config.MediaType = image.MediaTypeDockerConfig

	for i, desc := range manifest.Layers {
		switch desc.MediaType {
		case ocispecs.MediaTypeImageLayerGzip, image.MediaTypeDockerLayerGzip:
			manifest.Layers[i].MediaType = image.MediaTypeDockerLayerGzip
		case ocispecs.MediaTypeImageLayer, image.MediaTypeDockerLayer:
			manifest.Layers[i].MediaType = image.MediaTypeDockerLayer
		default:
			return &UnsupportedMediaTypeError{MediaType: desc.MediaType}
		}
	}

	return nil
}

func (c *Client) getManifest(ctx context.Context, repository, ref string) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(repository, "manifests", ref), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", manifestAccept)

	resp, err := c.do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("%s/%s:%s: %w", c.registry, repository, ref, ErrManifestNotFound)
	}
	if err := checkResponse(req, resp, http.StatusOK); err != nil {
		return nil, "", err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read manifest: %w", err)
	}

	var versioned struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(data, &versioned); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal manifest: %w", err)
	}

	mediaType := versioned.MediaType
	if mediaType == "" {
		mediaType, _, _ = mime.ParseMediaType(resp.Header.Get("Content-Type"))
	}

	return data, mediaType, nil
}

// selectPlatform picks the best manifest list entry for the first candidate
// platform that matches any entry.
func selectPlatform(data []byte, candidates []ocispecs.Platform) (*ocispecs.Descriptor, error) {
	var index ocispecs.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest list: %w", err)
	}

	if len(candidates) == 0 {
		candidates = []ocispecs.Platform{platforms.DefaultSpec()}
	}

	for _, candidate := range candidates {
		matcher := platforms.Only(candidate)

		var best *ocispecs.Descriptor
		for i := range index.Manifests {
			desc := &index.Manifests[i]
			if desc.Platform == nil || !matcher.Match(*desc.Platform) {
				continue
			}

			if best == nil || matcher.Less(*desc.Platform, *best.Platform) {
				best = desc
			}
		}

		if best != nil {
			return best, nil
		}
	}

	names := make([]string, 0, len(candidates))
	for _, p := range candidates {
		names = append(names, platforms.Format(p))
	}
	return nil, fmt.Errorf("%w %v", ErrPlatformNotFound, names)
}

func (c *Client) getBlob(ctx context.Context, repository string, dgst digest.Digest) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(repository, "blobs", dgst.String()), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkResponse(req, resp, http.StatusOK); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	verifier := dgst.Verifier()
	if _, err := io.Copy(io.MultiWriter(&buf, verifier), io.LimitReader(resp.Body, maxManifestSize)); err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", dgst, err)
	}

	if !verifier.Verified() {
		return nil, fmt.Errorf("blob %s failed digest verification", dgst)
	}

	return buf.Bytes(), nil
}

// DownloadBlob ensures the blob described by desc is in the content store
// and returns its path. Blobs already present are returned as is.
func (c *Client) DownloadBlob(ctx context.Context, repository string, desc ocispecs.Descriptor) (string, error) {
	if c.store.Exists(desc.Digest) {
		return c.store.PathForDescriptor(desc), nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(repository, "blobs", desc.Digest.String()), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkResponse(req, resp, http.StatusOK); err != nil {
		return "", err
	}

	tmp, err := c.store.TempFile()
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	verifier := desc.Digest.Verifier()
	n, err := io.Copy(io.MultiWriter(tmp, verifier), resp.Body)
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to download blob %s: %w", desc.Digest, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close blob %s: %w", desc.Digest, err)
	}

	if !verifier.Verified() || (desc.Size > 0 && n != desc.Size) {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("blob %s failed digest verification", desc.Digest)
	}

	c.logger.Debug("Downloaded blob",
		slog.String("repository", repository),
		slog.String("digest", desc.Digest.String()),
		slog.Int64("size", n))

	return c.store.Commit(tmp.Name(), desc.Digest)
}

// BlobExists reports whether repository already holds the blob.
func (c *Client) BlobExists(ctx context.Context, repository string, dgst digest.Digest) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.endpoint(repository, "blobs", dgst.String()), nil)
	if err != nil {
		return false, err
	}

	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, checkResponse(req, resp)
	}
}
