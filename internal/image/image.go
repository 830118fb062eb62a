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

// Package image is the in-memory model of a single container image: its
// manifest, its configuration and the layers they describe.
package image

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/immutos/containerize/internal/reference"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

// Image is a mutable image. Every mutation refreshes the config's created
// timestamp and the config digest embedded in the manifest, so the manifest
// always references the current serialized config.
type Image struct {
	manifest ocispecs.Manifest
	config   Config
	origin   *reference.Reference
	now      func() time.Time
}

// Option configures an Image.
type Option func(*Image)

// WithOrigin records the reference the image was loaded from.
func WithOrigin(ref reference.Reference) Option {
	return func(i *Image) {
		i.origin = &ref
	}
}

// WithClock overrides the clock used for created timestamps.
func WithClock(now func() time.Time) Option {
	return func(i *Image) {
		i.now = now
	}
}

// New creates an image from a docker v2 schema 2 manifest and its config.
func New(manifest ocispecs.Manifest, config Config, opts ...Option) (*Image, error) {
	if manifest.MediaType != MediaTypeDockerManifest {
		return nil, fmt.Errorf("unsupported manifest media type %q", manifest.MediaType)
	}

	if len(manifest.Layers) != len(config.RootFS.DiffIDs) {
		return nil, fmt.Errorf("manifest lists %d layers but config lists %d diff ids",
			len(manifest.Layers), len(config.RootFS.DiffIDs))
	}

	if config.RootFS.Type == "" {
		config.RootFS.Type = "layers"
	}

	i := &Image{
		manifest: manifest,
		config:   config,
		now:      time.Now,
	}
	i.manifest.Layers = append([]ocispecs.Descriptor{}, manifest.Layers...)
	i.config.RootFS.DiffIDs = append([]digest.Digest{}, config.RootFS.DiffIDs...)
	for _, opt := range opts {
		opt(i)
	}

	// The config is re-serialized canonically, so the manifest must point at
	// those bytes rather than whatever the source produced.
	i.syncConfigDescriptor()

	return i, nil
}

// FromJSON decodes a manifest and config document pair into an image.
func FromJSON(manifestJSON, configJSON []byte, opts ...Option) (*Image, error) {
	var manifest ocispecs.Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}

	var config Config
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image config: %w", err)
	}

	return New(manifest, config, opts...)
}

// NewManifest returns an empty docker v2 schema 2 manifest.
func NewManifest() ocispecs.Manifest {
	return ocispecs.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: MediaTypeDockerManifest,
		Config: ocispecs.Descriptor{
			MediaType: MediaTypeDockerConfig,
		},
		Layers: []ocispecs.Descriptor{},
	}
}

// Origin returns the reference the image was loaded from, if known.
func (i *Image) Origin() (reference.Reference, bool) {
	if i.origin == nil {
		return reference.Reference{}, false
	}
	return *i.origin, true
}

// AddLayer appends a layer on top of the image.
func (i *Image) AddLayer(l Layer) {
	i.manifest.Layers = append(i.manifest.Layers, l.Descriptor)
	i.config.RootFS.DiffIDs = append(i.config.RootFS.DiffIDs, l.DiffID)

	// History entries must line up with the non-empty layers when present.
	if len(i.config.History) > 0 {
		created := i.now().UTC()
		i.config.History = append(i.config.History, History{
			Created:   &created,
			CreatedBy: "containerize",
		})
	}

	i.touch()
}

// SetEntrypoint sets the entrypoint. A nil args removes any inherited Cmd,
// so a new entrypoint never silently runs with a stale base image command.
func (i *Image) SetEntrypoint(execArgs []string, args []string) {
	i.config.Config.Entrypoint = append([]string(nil), execArgs...)
	if args == nil {
		i.config.Config.Cmd = nil
	} else {
		i.config.Config.Cmd = append([]string{}, args...)
	}

	i.touch()
}

func (i *Image) SetWorkingDirectory(dir string) {
	i.config.Config.WorkingDir = dir
	i.touch()
}

// AddLabel sets a label, replacing any existing label with the same name.
func (i *Image) AddLabel(name, value string) {
	labels := make(map[string]string, len(i.config.Config.Labels)+1)
	for k, v := range i.config.Config.Labels {
		labels[k] = v
	}
	labels[name] = value
	i.config.Config.Labels = labels

	i.touch()
}

// ExposePort adds a port to the exposed port set.
func (i *Image) ExposePort(p Port) error {
	if err := p.validate(); err != nil {
		return err
	}

	ports := make(map[string]struct{}, len(i.config.Config.ExposedPorts)+1)
	for k := range i.config.Config.ExposedPorts {
		ports[k] = struct{}{}
	}
	ports[string(p.key())] = struct{}{}
	i.config.Config.ExposedPorts = ports

	i.touch()
	return nil
}

// SetEnvironmentVariable sets name=value in the image environment, replacing
// any existing definition of name.
func (i *Image) SetEnvironmentVariable(name, value string) {
	entry := name + "=" + value

	env := make([]string, 0, len(i.config.Config.Env)+1)
	replaced := false
	for _, e := range i.config.Config.Env {
		if k, _, _ := strings.Cut(e, "="); k == name {
			if !replaced {
				env = append(env, entry)
				replaced = true
			}
			continue
		}
		env = append(env, e)
	}
	if !replaced {
		env = append(env, entry)
	}
	i.config.Config.Env = env

	i.touch()
}

// Labels returns a copy of the image labels.
func (i *Image) Labels() map[string]string {
	labels := make(map[string]string, len(i.config.Config.Labels))
	for k, v := range i.config.Config.Labels {
		labels[k] = v
	}
	return labels
}

// ExposedPorts returns the exposed ports sorted by their "number/type" key.
func (i *Image) ExposedPorts() []string {
	ports := make([]string, 0, len(i.config.Config.ExposedPorts))
	for k := range i.config.Config.ExposedPorts {
		ports = append(ports, k)
	}
	sort.Strings(ports)
	return ports
}

// LayerDescriptors returns the manifest layer descriptors, bottom first.
func (i *Image) LayerDescriptors() []ocispecs.Descriptor {
	return append([]ocispecs.Descriptor(nil), i.manifest.Layers...)
}

// DiffIDs returns the uncompressed layer digests, bottom first.
func (i *Image) DiffIDs() []digest.Digest {
	return append([]digest.Digest(nil), i.config.RootFS.DiffIDs...)
}

// Config returns the image config. Its maps and slices are shared with the
// image and must not be modified.
func (i *Image) Config() Config {
	return i.config
}

// ConfigJSON returns the canonical serialization of the config.
func (i *Image) ConfigJSON() []byte {
	data, err := canonicalJSON(i.config)
	if err != nil {
		panic(fmt.Sprintf("image config is not serializable: %v", err))
	}
	return data
}

// ConfigDescriptor returns the manifest's config descriptor.
func (i *Image) ConfigDescriptor() ocispecs.Descriptor {
	return i.manifest.Config
}

// Manifest returns a copy of the manifest.
func (i *Image) Manifest() ocispecs.Manifest {
	m := i.manifest
	m.Layers = i.LayerDescriptors()
	return m
}

// ManifestJSON returns the canonical serialization of the manifest.
func (i *Image) ManifestJSON() []byte {
	data, err := canonicalJSON(i.manifest)
	if err != nil {
		panic(fmt.Sprintf("image manifest is not serializable: %v", err))
	}
	return data
}

// ManifestDigest returns the digest of the serialized manifest.
func (i *Image) ManifestDigest() digest.Digest {
	return digest.FromBytes(i.ManifestJSON())
}

func (i *Image) touch() {
	created := i.now().UTC()
	i.config.Created = &created
	i.syncConfigDescriptor()
}

func (i *Image) syncConfigDescriptor() {
	data := i.ConfigJSON()
	i.manifest.Config.MediaType = MediaTypeDockerConfig
	i.manifest.Config.Digest = digest.FromBytes(data)
	i.manifest.Config.Size = int64(len(data))
}

// canonicalJSON is the single serialization used both for the bytes written
// to registries and daemons and for computing their digests.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
