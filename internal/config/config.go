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

// Package config loads the optional YAML configuration file of the CLI.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors the command line flags. Any value set on the command line
// takes precedence over the file.
type Config struct {
	PublishDir     string   `yaml:"publishDir"`
	WorkingDir     string   `yaml:"workingDir"`
	Base           Base     `yaml:"base"`
	Entrypoint     []string `yaml:"entrypoint"`
	EntrypointArgs []string `yaml:"entrypointArgs"`
	Image          Image    `yaml:"image"`
	Output         Output   `yaml:"output"`
	// Labels are "name=value" pairs.
	Labels []string `yaml:"labels"`
	// Ports are "<number>[/tcp|/udp]" specs.
	Ports []string `yaml:"ports"`
	// Env are "NAME=value" pairs.
	Env               []string `yaml:"env"`
	RuntimeIdentifier string   `yaml:"runtimeIdentifier"`
	RIDGraphPath      string   `yaml:"ridGraphPath"`
	Registry          Registry `yaml:"registry"`
}

type Base struct {
	Registry string `yaml:"registry"`
	Name     string `yaml:"name"`
	Tag      string `yaml:"tag"`
	// Archive is a `docker save` tarball used instead of pulling the base
	// image.
	Archive string `yaml:"archive"`
}

type Image struct {
	Name string   `yaml:"name"`
	Tags []string `yaml:"tags"`
}

type Output struct {
	Registry   string `yaml:"registry"`
	ArchiveDir string `yaml:"archiveDir"`
	// DaemonCommand is the container daemon CLI, "docker" by default.
	DaemonCommand string `yaml:"daemonCommand"`
}

type Registry struct {
	ChunkSize    int  `yaml:"chunkSize"`
	ChunkRetries int  `yaml:"chunkRetries"`
	Insecure     bool `yaml:"insecure"`
}

// FromYAML decodes a configuration document. Unknown keys are an error.
func FromYAML(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var conf Config
	if err := dec.Decode(&conf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &conf, nil
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return FromYAML(f)
}
