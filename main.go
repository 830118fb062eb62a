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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dpeckett/telemetry"
	"github.com/dpeckett/telemetry/v1alpha1"
	"github.com/immutos/containerize/internal/config"
	"github.com/immutos/containerize/internal/constants"
	"github.com/immutos/containerize/internal/containerize"
	"github.com/immutos/containerize/internal/registry"
	"github.com/immutos/containerize/internal/util"
	"github.com/urfave/cli/v2"
)

func main() {
	persistentFlags := []cli.Flag{
		&cli.GenericFlag{
			Name:  "log-level",
			Usage: "Set the log verbosity level",
			Value: util.FromSlogLevel(slog.LevelInfo),
		},
	}

	initLogger := func(c *cli.Context) error {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: (*slog.Level)(c.Generic("log-level").(*util.LevelFlag)),
		})))

		return nil
	}

	// Collect anonymized usage statistics.
	var telemetryReporter *telemetry.Reporter

	initTelemetry := func(c *cli.Context) error {
		telemetryReporter = telemetry.NewReporter(c.Context, slog.Default(), telemetry.Configuration{
			BaseURL: constants.TelemetryURL,
			Tags:    []string{"containerize"},
		})

		// Some basic system information.
		info := map[string]string{
			"os":      runtime.GOOS,
			"arch":    runtime.GOARCH,
			"num_cpu": fmt.Sprintf("%d", runtime.NumCPU()),
			"version": constants.Version,
		}

		telemetryReporter.ReportEvent(&v1alpha1.TelemetryEvent{
			Kind:   v1alpha1.TelemetryEventKindInfo,
			Name:   "ApplicationStart",
			Values: info,
		})

		return nil
	}

	shutdownTelemetry := func(c *cli.Context) error {
		if telemetryReporter == nil {
			return nil
		}

		telemetryReporter.ReportEvent(&v1alpha1.TelemetryEvent{
			Kind: v1alpha1.TelemetryEventKindInfo,
			Name: "ApplicationStop",
		})

		// Don't want to block the shutdown of the application for too long.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := telemetryReporter.Shutdown(ctx); err != nil {
			slog.Error("Failed to close telemetry reporter", slog.Any("error", err))
		}

		return nil
	}

	app := &cli.App{
		Name:    "containerize",
		Usage:   "Build container images from published application files",
		Version: constants.Version,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file, overridden by any flag set on the command line",
				EnvVars: []string{"CONTAINERIZE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "publish-dir",
				Usage:   "Directory holding the files to put in the image",
				EnvVars: []string{"CONTAINERIZE_PUBLISH_DIR"},
			},
			&cli.StringFlag{
				Name:    "working-dir",
				Usage:   "Directory the files are placed in inside the image",
				Value:   containerize.DefaultWorkingDir,
				EnvVars: []string{"CONTAINERIZE_WORKING_DIR"},
			},
			&cli.StringFlag{
				Name:    "base-registry",
				Usage:   "Registry hosting the base image",
				Value:   constants.DefaultRegistry,
				EnvVars: []string{"CONTAINERIZE_BASE_REGISTRY"},
			},
			&cli.StringFlag{
				Name:    "base-name",
				Usage:   "Repository of the base image",
				EnvVars: []string{"CONTAINERIZE_BASE_NAME"},
			},
			&cli.StringFlag{
				Name:    "base-tag",
				Usage:   "Tag or digest of the base image",
				Value:   "latest",
				EnvVars: []string{"CONTAINERIZE_BASE_TAG"},
			},
			&cli.StringFlag{
				Name:    "base-archive",
				Usage:   "Use a docker save tarball as the base image instead of pulling it",
				EnvVars: []string{"CONTAINERIZE_BASE_ARCHIVE"},
			},
			&cli.StringSliceFlag{
				Name:    "entrypoint",
				Usage:   "Entrypoint executable and arguments",
				EnvVars: []string{"CONTAINERIZE_ENTRYPOINT"},
			},
			&cli.StringSliceFlag{
				Name:    "entrypoint-args",
				Usage:   "Default arguments passed to the entrypoint",
				EnvVars: []string{"CONTAINERIZE_ENTRYPOINT_ARGS"},
			},
			&cli.StringFlag{
				Name:    "image-name",
				Usage:   "Repository name of the built image",
				EnvVars: []string{"CONTAINERIZE_IMAGE_NAME"},
			},
			&cli.StringSliceFlag{
				Name:    "tag",
				Aliases: []string{"t"},
				Usage:   "Tag of the built image (repeatable)",
				EnvVars: []string{"CONTAINERIZE_TAGS"},
			},
			&cli.StringFlag{
				Name:    "output-registry",
				Usage:   "Push the image to this registry",
				EnvVars: []string{"CONTAINERIZE_OUTPUT_REGISTRY"},
			},
			&cli.StringFlag{
				Name:    "archive-dir",
				Usage:   "Write the image as a tarball into this directory instead of loading it into the local daemon",
				EnvVars: []string{"CONTAINERIZE_ARCHIVE_DIR"},
			},
			&cli.StringFlag{
				Name:    "daemon-command",
				Usage:   "Container daemon CLI used to load the image",
				EnvVars: []string{"CONTAINERIZE_DAEMON_COMMAND"},
			},
			&cli.StringSliceFlag{
				Name:    "label",
				Usage:   "Image label as name=value (repeatable)",
				EnvVars: []string{"CONTAINERIZE_LABELS"},
			},
			&cli.StringSliceFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Exposed port as number[/tcp|/udp] (repeatable)",
				EnvVars: []string{"CONTAINERIZE_PORTS"},
			},
			&cli.StringSliceFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Usage:   "Environment variable as NAME=value (repeatable)",
				EnvVars: []string{"CONTAINERIZE_ENV"},
			},
			&cli.StringFlag{
				Name:    "rid",
				Usage:   "Runtime identifier selecting the base image platform, e.g. linux-x64",
				EnvVars: []string{"CONTAINERIZE_RID"},
			},
			&cli.StringFlag{
				Name:    "rid-graph",
				Usage:   "runtime.json describing compatible runtime identifiers",
				EnvVars: []string{"CONTAINERIZE_RID_GRAPH"},
			},
			&cli.StringFlag{
				Name:    "store-dir",
				Usage:   "Content store directory",
				EnvVars: []string{"CONTAINERIZE_STORE_DIR"},
			},
			&cli.IntFlag{
				Name:    "chunk-size",
				Usage:   "Size of each blob upload chunk in bytes",
				Value:   registry.DefaultChunkSize,
				EnvVars: []string{"CONTAINERIZE_CHUNK_SIZE"},
			},
			&cli.IntFlag{
				Name:    "chunk-retries",
				Usage:   "Retries per upload chunk on connection failures",
				Value:   registry.DefaultChunkRetries,
				EnvVars: []string{"CONTAINERIZE_CHUNK_RETRIES"},
			},
			&cli.BoolFlag{
				Name:    "insecure",
				Usage:   "Talk to registries over plain HTTP",
				EnvVars: []string{"CONTAINERIZE_INSECURE"},
			},
		}, persistentFlags...),
		Before: util.BeforeAll(initLogger, initTelemetry),
		After:  shutdownTelemetry,
		Action: func(c *cli.Context) error {
			var conf config.Config
			if path := c.String("config"); path != "" {
				loaded, err := config.Load(path)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				conf = *loaded
			}

			// Flags set on the command line (or environment) win over the
			// config file, which wins over flag defaults.
			str := func(name, fromConfig string) string {
				if c.IsSet(name) || fromConfig == "" {
					return c.String(name)
				}
				return fromConfig
			}
			slice := func(name string, fromConfig []string) []string {
				if c.IsSet(name) || len(fromConfig) == 0 {
					return c.StringSlice(name)
				}
				return fromConfig
			}
			integer := func(name string, fromConfig int) int {
				if c.IsSet(name) || fromConfig == 0 {
					return c.Int(name)
				}
				return fromConfig
			}

			opts := containerize.Options{
				PublishDir:           str("publish-dir", conf.PublishDir),
				WorkingDir:           str("working-dir", conf.WorkingDir),
				BaseRegistry:         str("base-registry", conf.Base.Registry),
				BaseName:             str("base-name", conf.Base.Name),
				BaseTag:              str("base-tag", conf.Base.Tag),
				BaseArchive:          str("base-archive", conf.Base.Archive),
				Entrypoint:           slice("entrypoint", conf.Entrypoint),
				EntrypointArgs:       slice("entrypoint-args", conf.EntrypointArgs),
				ImageName:            str("image-name", conf.Image.Name),
				ImageTags:            slice("tag", conf.Image.Tags),
				OutputRegistry:       str("output-registry", conf.Output.Registry),
				ArchiveDir:           str("archive-dir", conf.Output.ArchiveDir),
				DaemonCommand:        str("daemon-command", conf.Output.DaemonCommand),
				Labels:               slice("label", conf.Labels),
				ExposedPorts:         slice("port", conf.Ports),
				EnvironmentVariables: slice("env", conf.Env),
				RuntimeIdentifier:    str("rid", conf.RuntimeIdentifier),
				RIDGraphPath:         str("rid-graph", conf.RIDGraphPath),
				StoreDir:             c.String("store-dir"),
				Registry: &registry.Options{
					HTTPClient:    registry.NewHTTPClient(),
					ChunkSize:     integer("chunk-size", conf.Registry.ChunkSize),
					ChunkRetries:  integer("chunk-retries", conf.Registry.ChunkRetries),
					Insecure:      c.Bool("insecure") || conf.Registry.Insecure,
				},
				Logger: slog.Default(),
			}

			if opts.PublishDir == "" || opts.ImageName == "" {
				slog.Error("A publish directory and image name are required")
				return cli.ShowAppHelp(c)
			}

			return containerize.Containerize(c.Context, opts)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("Error", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}
