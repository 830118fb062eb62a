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

// Package containerize builds an image from a directory of published files
// on top of a base image and sends it to a registry, a local daemon or a tar
// archive.
package containerize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/immutos/containerize/internal/docker"
	"github.com/immutos/containerize/internal/image"
	"github.com/immutos/containerize/internal/layer"
	"github.com/immutos/containerize/internal/reference"
	"github.com/immutos/containerize/internal/registry"
	"github.com/immutos/containerize/internal/store"
	"github.com/opencontainers/go-digest"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

const DefaultWorkingDir = "/app"

// OutputMode is where the finished image goes.
type OutputMode string

const (
	OutputRegistry OutputMode = "registry"
	OutputArchive  OutputMode = "archive"
	OutputDaemon   OutputMode = "daemon"
)

// Options describes one image build.
type Options struct {
	// PublishDir holds the files placed in the image.
	PublishDir string
	// WorkingDir is where the files are placed in the image, and its
	// working directory. Defaults to /app.
	WorkingDir string

	BaseRegistry string
	BaseName     string
	// BaseTag is a tag or a digest.
	BaseTag string
	// BaseArchive is a `docker save` tarball used as the base image instead
	// of pulling from BaseRegistry.
	BaseArchive string

	Entrypoint     []string
	EntrypointArgs []string

	ImageName string
	ImageTags []string

	// OutputRegistry pushes the image to this registry. Otherwise, when
	// ArchiveDir is set, a tarball is written there. Otherwise the image is
	// loaded into the local daemon.
	OutputRegistry string
	ArchiveDir     string
	DaemonCommand  string

	// Labels are "name=value" pairs.
	Labels []string
	// ExposedPorts are "<number>[/tcp|/udp]" specs.
	ExposedPorts []string
	// EnvironmentVariables are "NAME=value" pairs.
	EnvironmentVariables []string

	RuntimeIdentifier string
	// RIDGraphPath is an optional runtime.json used to find platforms
	// compatible with RuntimeIdentifier.
	RIDGraphPath string

	// StoreDir is the content store root. Defaults to a directory under the
	// user cache directory.
	StoreDir string
	Registry *registry.Options
	Logger   *slog.Logger
	Progress func(registry.Progress)
}

type label struct {
	name  string
	value string
}

type envVar struct {
	name  string
	value string
}

// plan is the validated form of Options.
type plan struct {
	workingDir string
	imageName  string
	labels     []label
	ports      []image.Port
	env        []envVar
	platforms  []ocispecs.Platform
	output     OutputMode
}

// Containerize builds the image described by opts and delivers it. Every
// input is validated before any I/O. Each tag is delivered independently; the
// returned error joins the failures of every tag that could not be.
func Containerize(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p, err := validate(&opts, logger)
	if err != nil {
		return err
	}

	storeDir := opts.StoreDir
	if storeDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("failed to find cache directory: %w", err)
		}
		storeDir = filepath.Join(cacheDir, "containerize", "content")
	}

	s, err := store.New(storeDir)
	if err != nil {
		return fmt.Errorf("failed to open content store: %w", err)
	}

	registryOpts := registry.Options{}
	if opts.Registry != nil {
		registryOpts = *opts.Registry
	}
	if registryOpts.HTTPClient == nil {
		registryOpts.HTTPClient = registry.NewHTTPClient()
	}
	registryOpts.Logger = logger

	var baseClient *registry.Client
	var img *image.Image
	if opts.BaseArchive != "" {
		img, err = loadBaseArchive(ctx, s, opts)
	} else {
		baseClient, err = registry.NewClient(opts.BaseRegistry, s, &registryOpts)
		if err != nil {
			return fmt.Errorf("failed to create base registry client: %w", err)
		}

		img, err = baseClient.GetImageManifest(ctx, opts.BaseName, opts.BaseTag, p.platforms...)
		if errors.Is(err, registry.ErrPlatformNotFound) {
			err = fmt.Errorf("base image %s/%s:%s has no image for runtime identifier %s: %w",
				opts.BaseRegistry, opts.BaseName, opts.BaseTag, opts.RuntimeIdentifier, err)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to get base image: %w", err)
	}

	appLayer, err := layer.NewBuilder(s, logger).FromDirectory(ctx, opts.PublishDir, p.workingDir)
	if err != nil {
		return fmt.Errorf("failed to build application layer: %w", err)
	}

	logger.Info("Built application layer",
		slog.String("digest", appLayer.Descriptor.Digest.String()),
		slog.Int64("size", appLayer.Descriptor.Size))

	img.AddLayer(*appLayer)
	img.SetWorkingDirectory(p.workingDir)

	var args []string
	if len(opts.EntrypointArgs) > 0 {
		args = opts.EntrypointArgs
	}
	img.SetEntrypoint(opts.Entrypoint, args)

	for _, l := range p.labels {
		img.AddLabel(l.name, l.value)
	}
	for _, port := range p.ports {
		if err := img.ExposePort(port); err != nil {
			return err
		}
	}
	for _, e := range p.env {
		img.SetEnvironmentVariable(e.name, e.value)
	}

	fetch := func(ctx context.Context, desc ocispecs.Descriptor) (string, error) {
		if s.Exists(desc.Digest) {
			return s.PathForDescriptor(desc), nil
		}
		if baseClient == nil {
			return "", fmt.Errorf("blob %s is not in the content store", desc.Digest)
		}
		return baseClient.DownloadBlob(ctx, opts.BaseName, desc)
	}

	switch p.output {
	case OutputRegistry:
		return push(ctx, s, img, p, opts, baseClient, &registryOpts, logger)
	case OutputArchive:
		return writeArchive(ctx, s, img, p, opts, fetch, logger)
	default:
		return load(ctx, s, img, p, opts, fetch, logger)
	}
}

func loadBaseArchive(ctx context.Context, s *store.Store, opts Options) (*image.Image, error) {
	f, err := os.Open(opts.BaseArchive)
	if err != nil {
		return nil, fmt.Errorf("failed to open base archive: %w", err)
	}
	defer f.Close()

	var repoTag string
	if opts.BaseName != "" && opts.BaseTag != "" {
		repoTag = opts.BaseName + ":" + opts.BaseTag
	}

	return docker.ReadArchive(ctx, f, s, repoTag)
}

func push(ctx context.Context, s *store.Store, img *image.Image, p *plan, opts Options,
	baseClient *registry.Client, registryOpts *registry.Options, logger *slog.Logger) error {
	client, err := registry.NewClient(opts.OutputRegistry, s, registryOpts)
	if err != nil {
		return fmt.Errorf("failed to create output registry client: %w", err)
	}

	pushOpts := registry.PushOptions{
		Source:           baseClient,
		SourceRepository: opts.BaseName,
		Progress:         opts.Progress,
	}

	var errs []error
	for _, tag := range opts.ImageTags {
		if err := client.Push(ctx, img, p.imageName, tag, pushOpts); err != nil {
			logger.Error("Failed to push image",
				slog.String("image", p.imageName), slog.String("tag", tag), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("failed to push %s/%s:%s: %w", client.Registry(), p.imageName, tag, err))
			continue
		}

		logger.Info("Pushed image",
			slog.String("image", client.Registry()+"/"+p.imageName+":"+tag),
			slog.String("digest", img.ManifestDigest().String()))
	}

	return errors.Join(errs...)
}

func writeArchive(ctx context.Context, s *store.Store, img *image.Image, p *plan, opts Options,
	fetch docker.BlobFetcher, logger *slog.Logger) error {
	if err := os.MkdirAll(opts.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	archivePath := filepath.Join(opts.ArchiveDir, strings.ReplaceAll(p.imageName, "/", "_")+".tar")

	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	if err := docker.WriteArchive(ctx, f, s, img, repoTags(p.imageName, opts.ImageTags), fetch); err != nil {
		_ = f.Close()
		_ = os.Remove(archivePath)
		return fmt.Errorf("failed to write archive: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	logger.Info("Wrote image archive", slog.String("path", archivePath))

	return nil
}

func load(ctx context.Context, s *store.Store, img *image.Image, p *plan, opts Options,
	fetch docker.BlobFetcher, logger *slog.Logger) error {
	daemon := docker.NewDaemon(s, &docker.Options{
		Command: opts.DaemonCommand,
		Logger:  logger,
	})

	if !daemon.IsAvailable(ctx) {
		return fmt.Errorf("%w: start the daemon, or set an output registry or archive directory",
			docker.ErrDaemonUnavailable)
	}

	if err := daemon.Load(ctx, img, repoTags(p.imageName, opts.ImageTags), fetch); err != nil {
		return fmt.Errorf("failed to load image into daemon: %w", err)
	}

	return nil
}

func repoTags(name string, tags []string) []string {
	repoTags := make([]string, 0, len(tags))
	for _, tag := range tags {
		repoTags = append(repoTags, name+":"+tag)
	}
	return repoTags
}

func validate(opts *Options, logger *slog.Logger) (*plan, error) {
	var errs validationErrors
	p := &plan{}

	if fi, err := os.Stat(opts.PublishDir); err != nil || !fi.IsDir() {
		errs.add("publish directory", opts.PublishDir, "must be an existing directory")
	}

	p.workingDir = opts.WorkingDir
	if p.workingDir == "" {
		p.workingDir = DefaultWorkingDir
	}
	if !path.IsAbs(p.workingDir) {
		errs.add("working directory", p.workingDir, "must be an absolute path")
	}

	if opts.BaseArchive == "" {
		if !reference.IsValidRegistry(opts.BaseRegistry) {
			errs.add("base registry", opts.BaseRegistry, "not a valid registry host")
		}
		if !reference.IsValidRepositoryName(opts.BaseName) {
			errs.add("base image name", opts.BaseName, "not a valid repository name")
		}
		if !reference.IsValidTag(opts.BaseTag) && !isDigest(opts.BaseTag) {
			errs.add("base image tag", opts.BaseTag, "not a valid tag or digest")
		}
	}

	if len(opts.Entrypoint) == 0 {
		errs.add("entrypoint", "", "at least one entrypoint argument is required")
	}

	name, changed, err := reference.NormalizeRepositoryName(opts.ImageName)
	if err != nil {
		errs.add("image name", opts.ImageName, err.Error())
	} else if changed {
		logger.Warn("Normalized image name",
			slog.String("from", opts.ImageName), slog.String("to", name))
	}
	p.imageName = name

	if len(opts.ImageTags) == 0 {
		errs.add("image tags", "", "at least one tag is required")
	}
	for _, tag := range opts.ImageTags {
		if !reference.IsValidTag(tag) {
			errs.add("image tag", tag, "tags are 1-128 characters of [A-Za-z0-9_.-] and cannot start with '.' or '-'")
		}
	}

	for _, l := range opts.Labels {
		name, value, ok := strings.Cut(l, "=")
		if !ok || name == "" {
			errs.add("label", l, "must be name=value")
			continue
		}
		p.labels = append(p.labels, label{name: name, value: value})
	}

	for _, spec := range opts.ExposedPorts {
		port, err := image.ParsePort(spec)
		if err != nil {
			errs.add("port", spec, err.Error())
			continue
		}
		p.ports = append(p.ports, port)
	}

	for _, e := range opts.EnvironmentVariables {
		name, value, ok := strings.Cut(e, "=")
		if !ok || name == "" {
			errs.add("environment variable", e, "must be NAME=value")
			continue
		}
		p.env = append(p.env, envVar{name: name, value: value})
	}

	if opts.RuntimeIdentifier != "" {
		platforms, err := PlatformsForRID(opts.RuntimeIdentifier, opts.RIDGraphPath)
		if err != nil {
			errs.add("runtime identifier", opts.RuntimeIdentifier, err.Error())
		}
		p.platforms = platforms
	}

	switch {
	case opts.OutputRegistry != "":
		p.output = OutputRegistry
		if !reference.IsValidRegistry(opts.OutputRegistry) {
			errs.add("output registry", opts.OutputRegistry, "not a valid registry host")
		}
	case opts.ArchiveDir != "":
		p.output = OutputArchive
	default:
		p.output = OutputDaemon
	}

	if err := errs.err(); err != nil {
		return nil, err
	}

	return p, nil
}

func isDigest(s string) bool {
	_, err := digest.Parse(s)
	return err == nil
}
