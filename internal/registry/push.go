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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/immutos/containerize/internal/constants"
	"github.com/immutos/containerize/internal/image"
	"github.com/opencontainers/go-digest"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
)

// PushState is the outcome of transferring one blob.
type PushState string

const (
	PushStateExists    PushState = "exists"
	PushStateMounted   PushState = "mounted"
	PushStateUploading PushState = "uploading"
	PushStateUploaded  PushState = "uploaded"
)

// Progress reports the state of a single blob transfer.
type Progress struct {
	Digest digest.Digest
	State  PushState
	Size   int64
}

// PushOptions configures Push.
type PushOptions struct {
	// Source is the registry holding the base image layers. Layers missing
	// from the content store are downloaded from it before upload.
	Source *Client
	// SourceRepository is the repository on Source the base image came from,
	// also used as the mount origin when Source is this registry.
	SourceRepository string
	// Progress is called for each blob transfer. Layers are pushed
	// concurrently, so it must be safe for concurrent use.
	Progress func(Progress)
}

// Push uploads img to repository and tags it. Layers are transferred
// concurrently; the config and manifest follow once every layer is present.
func (c *Client) Push(ctx context.Context, img *image.Image, repository, tag string, opts PushOptions) error {
	if opts.Progress == nil {
		opts.Progress = func(p Progress) {
			c.logger.Info("Blob transfer",
				slog.String("repository", repository),
				slog.String("digest", p.Digest.String()),
				slog.String("state", string(p.State)))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, desc := range img.LayerDescriptors() {
		desc := desc
		g.Go(func() error {
			if err := c.pushLayer(gctx, repository, desc, opts); err != nil {
				return fmt.Errorf("failed to push layer %s: %w", desc.Digest, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.pushConfig(ctx, repository, img, opts); err != nil {
		return fmt.Errorf("failed to push image config: %w", err)
	}

	manifestJSON := img.ManifestJSON()
	for _, ref := range []string{img.ManifestDigest().String(), tag} {
		if err := c.putManifest(ctx, repository, ref, manifestJSON); err != nil {
			return fmt.Errorf("failed to push manifest %s: %w", ref, err)
		}
	}

	c.logger.Info("Pushed image",
		slog.String("repository", repository),
		slog.String("tag", tag),
		slog.String("digest", img.ManifestDigest().String()))

	return nil
}

func (c *Client) pushLayer(ctx context.Context, repository string, desc ocispecs.Descriptor, opts PushOptions) error {
	exists, err := c.BlobExists(ctx, repository, desc.Digest)
	if err != nil {
		return err
	}
	if exists {
		opts.Progress(Progress{Digest: desc.Digest, State: PushStateExists, Size: desc.Size})
		return nil
	}

	var location *url.URL
	if opts.Source != nil && opts.SourceRepository != "" && opts.Source.registry == c.registry {
		var mounted bool
		mounted, location, err = c.mountBlob(ctx, repository, desc.Digest, opts.SourceRepository)
		if err != nil {
			return err
		}
		if mounted {
			opts.Progress(Progress{Digest: desc.Digest, State: PushStateMounted, Size: desc.Size})
			return nil
		}
	}

	path, err := c.localBlob(ctx, desc, opts)
	if err != nil {
		return err
	}

	opts.Progress(Progress{Digest: desc.Digest, State: PushStateUploading, Size: desc.Size})

	if err := c.uploadChunked(ctx, repository, desc.Digest, path, location); err != nil {
		return err
	}

	opts.Progress(Progress{Digest: desc.Digest, State: PushStateUploaded, Size: desc.Size})
	return nil
}

func (c *Client) localBlob(ctx context.Context, desc ocispecs.Descriptor, opts PushOptions) (string, error) {
	if c.store.Exists(desc.Digest) {
		return c.store.PathForDescriptor(desc), nil
	}

	if opts.Source == nil {
		return "", fmt.Errorf("blob %s is not in the content store and no source registry is configured", desc.Digest)
	}

	return opts.Source.DownloadBlob(ctx, opts.SourceRepository, desc)
}

// mountBlob asks the registry to link a blob from another repository. A 201
// means the blob is now present. Anything else is a refusal; when the
// registry opened an upload session instead, its location is returned so the
// upload can continue there.
func (c *Client) mountBlob(ctx context.Context, repository string, dgst digest.Digest, from string) (bool, *url.URL, error) {
	u := c.endpoint(repository, "blobs", "uploads", "")
	u.RawQuery = url.Values{
		"mount": []string{dgst.String()},
		"from":  []string{c.repositoryPath(from)},
	}.Encode()

	req, err := c.newRequest(ctx, http.MethodPost, u, nil)
	if err != nil {
		return false, nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return false, nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil, nil
	case http.StatusAccepted:
		location, err := c.resolveLocation(u, resp.Header.Get("Location"))
		if err != nil {
			return false, nil, nil
		}
		return false, location, nil
	default:
		c.logger.Debug("Blob mount refused",
			slog.String("digest", dgst.String()),
			slog.String("from", from),
			slog.Int("status", resp.StatusCode))
		return false, nil, nil
	}
}

func (c *Client) startUpload(ctx context.Context, repository string) (*url.URL, error) {
	u := c.endpoint(repository, "blobs", "uploads", "")

	req, err := c.newRequest(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkResponse(req, resp, http.StatusAccepted); err != nil {
		return nil, err
	}

	return c.resolveLocation(u, resp.Header.Get("Location"))
}

// uploadChunked sends the file at path in fixed-size PATCH chunks and then
// finalizes the upload with its digest.
func (c *Client) uploadChunked(ctx context.Context, repository string, dgst digest.Digest, path string, location *url.URL) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer f.Close()

	if location == nil {
		location, err = c.startUpload(ctx, repository)
		if err != nil {
			return err
		}
	}

	buf := make([]byte, c.chunkSize)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			location, err = c.patchChunk(ctx, location, buf[:n], offset)
			if err != nil {
				return err
			}
			offset += int64(n)
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read blob: %w", readErr)
		}
	}

	return c.finishUpload(ctx, location, dgst, nil)
}

func (c *Client) patchChunk(ctx context.Context, location *url.URL, chunk []byte, offset int64) (*url.URL, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPatch, location.String(), chunk)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", constants.UserAgent())
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, offset+int64(len(chunk))-1))

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to upload chunk at offset %d: %w", offset, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(req.Request, resp, http.StatusAccepted, http.StatusNoContent); err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.Header.Get("Location") == "" {
		return location, nil
	}
	return c.resolveLocation(location, resp.Header.Get("Location"))
}

// finishUpload closes an upload session, sending body (if any) as the final
// content. The registry must answer 201 Created.
func (c *Client) finishUpload(ctx context.Context, location *url.URL, dgst digest.Digest, body []byte) error {
	u := *location
	q := u.Query()
	q.Set("digest", dgst.String())
	u.RawQuery = q.Encode()

	req, err := c.newRequest(ctx, http.MethodPut, &u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkResponse(req, resp, http.StatusCreated)
}

// pushConfig uploads the config blob in a single request.
func (c *Client) pushConfig(ctx context.Context, repository string, img *image.Image, opts PushOptions) error {
	desc := img.ConfigDescriptor()

	exists, err := c.BlobExists(ctx, repository, desc.Digest)
	if err != nil {
		return err
	}
	if exists {
		opts.Progress(Progress{Digest: desc.Digest, State: PushStateExists, Size: desc.Size})
		return nil
	}

	location, err := c.startUpload(ctx, repository)
	if err != nil {
		return err
	}

	if err := c.finishUpload(ctx, location, desc.Digest, img.ConfigJSON()); err != nil {
		return err
	}

	opts.Progress(Progress{Digest: desc.Digest, State: PushStateUploaded, Size: desc.Size})
	return nil
}

func (c *Client) putManifest(ctx context.Context, repository, ref string, manifestJSON []byte) error {
	req, err := c.newRequest(ctx, http.MethodPut, c.endpoint(repository, "manifests", ref), bytes.NewReader(manifestJSON))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", image.MediaTypeDockerManifest)

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkResponse(req, resp, http.StatusCreated, http.StatusOK)
}
