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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIncompleteArchive is returned when an image archive ends without a
	// manifest, or without a file the manifest references.
	ErrIncompleteArchive = errors.New("incomplete image archive")
	// ErrDaemonUnavailable is returned when the daemon CLI cannot be found.
	ErrDaemonUnavailable = errors.New("container daemon is not available")
)

// Manifest is one entry of the manifest.json array in an image archive.
type Manifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// CommandError is returned when a daemon CLI subcommand exits unsuccessfully.
type CommandError struct {
	Subcommand string
	Stderr     string
	Err        error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("daemon %s failed: %v", e.Subcommand, e.Err)
	}
	return fmt.Sprintf("daemon %s failed: %v: %s", e.Subcommand, e.Err, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
