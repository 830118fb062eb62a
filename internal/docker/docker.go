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

// Package docker exchanges images with a local container daemon through its
// CLI, using the archive format of `docker save` and `docker load`.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/docker/docker/client"
	"github.com/immutos/containerize/internal/image"
	"github.com/immutos/containerize/internal/store"
)

const DefaultCommand = "docker"

// availabilityTimeout bounds the CLI query made by IsAvailable.
const availabilityTimeout = 10 * time.Second

// Options configures a Daemon.
type Options struct {
	// Command is the daemon CLI executable. Defaults to "docker".
	Command string
	Logger  *slog.Logger
}

// Daemon loads images into and saves images from a local container daemon.
type Daemon struct {
	command string
	store   *store.Store
	logger  *slog.Logger
}

func NewDaemon(s *store.Store, opts *Options) *Daemon {
	if opts == nil {
		opts = &Options{}
	}

	command := opts.Command
	if command == "" {
		command = DefaultCommand
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Daemon{
		command: command,
		store:   s,
		logger:  logger,
	}
}

// IsAvailable reports whether the daemon answers. The engine API named by
// the usual DOCKER_HOST environment is pinged first; when that fails the
// daemon CLI itself is asked, as it may reach an engine the API client does
// not know about.
func (d *Daemon) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(d.command); err != nil {
		d.logger.Debug("Daemon CLI not found", slog.String("command", d.command))
		return false
	}

	err := d.ping(ctx)
	if err == nil {
		return true
	}
	d.logger.Debug("Daemon did not answer ping", slog.Any("error", err))

	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	cmd, err := d.newCommand(ctx, "version")
	if err != nil {
		return false
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		d.logger.Debug("Daemon CLI did not answer",
			slog.String("command", d.command),
			slog.Any("error", &CommandError{Subcommand: "version", Stderr: stderr.String(), Err: err}))
		return false
	}

	return true
}

func (d *Daemon) ping(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	_, err = cli.Ping(ctx)
	return err
}

// Load streams img into `docker load`, tagged with every entry of repoTags.
func (d *Daemon) Load(ctx context.Context, img *image.Image, repoTags []string, fetch BlobFetcher) error {
	cmd, err := d.newCommand(ctx, "load")
	if err != nil {
		return err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open daemon stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon load: %w", err)
	}

	writeErr := WriteArchive(ctx, stdin, d.store, img, repoTags, fetch)
	_ = stdin.Close()

	var cmdErr error
	if err := cmd.Wait(); err != nil {
		cmdErr = &CommandError{Subcommand: "load", Stderr: stderr.String(), Err: err}
	}

	// A truncated archive makes the daemon fail too, but the write error is
	// the cause.
	if writeErr != nil {
		return errors.Join(fmt.Errorf("failed to write image archive: %w", writeErr), cmdErr)
	}
	if cmdErr != nil {
		return cmdErr
	}

	d.logger.Info("Loaded image into daemon",
		slog.Any("tags", repoTags),
		slog.String("output", string(bytes.TrimSpace(stdout.Bytes()))))

	return nil
}

// Pull reads the image name:ref (or name@digest) out of the daemon with
// `docker save`.
func (d *Daemon) Pull(ctx context.Context, name, ref string) (*image.Image, error) {
	imageRef := name + ":" + ref
	if isDigest(ref) {
		imageRef = name + "@" + ref
	}

	cmd, err := d.newCommand(ctx, "save", imageRef)
	if err != nil {
		return nil, err
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open daemon stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start daemon save: %w", err)
	}

	img, readErr := ReadArchive(ctx, stdout, d.store, imageRef)
	if readErr != nil {
		// Drain so the process is not left blocked on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}

	var cmdErr error
	if err := cmd.Wait(); err != nil {
		cmdErr = &CommandError{Subcommand: "save", Stderr: stderr.String(), Err: err}
	}

	if readErr != nil {
		return nil, errors.Join(fmt.Errorf("failed to read image %s from daemon: %w", imageRef, readErr), cmdErr)
	}
	if cmdErr != nil {
		return nil, cmdErr
	}

	d.logger.Info("Pulled image from daemon", slog.String("image", imageRef))

	return img, nil
}

func (d *Daemon) newCommand(ctx context.Context, args ...string) (*exec.Cmd, error) {
	path, err := exec.LookPath(d.command)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s not found", ErrDaemonUnavailable, d.command)
		}
		return nil, fmt.Errorf("%w: %w", ErrDaemonUnavailable, err)
	}

	return exec.CommandContext(ctx, path, args...), nil
}
