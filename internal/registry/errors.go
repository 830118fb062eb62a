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
	"errors"
	"fmt"
)

var (
	// ErrManifestNotFound is returned when a registry has no manifest for a reference.
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrPlatformNotFound is returned when a manifest list has no entry for
	// any of the requested platforms.
	ErrPlatformNotFound = errors.New("no manifest found for platform")
)

// HTTPError is returned for any registry response with an unexpected status.
type HTTPError struct {
	Method     string
	URI        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URI, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URI, e.StatusCode, e.Body)
}

// UnsupportedMediaTypeError is returned when a manifest uses a schema this
// client cannot build on.
type UnsupportedMediaTypeError struct {
	MediaType string
}

func (e *UnsupportedMediaTypeError) Error() string {
	return fmt.Sprintf("unsupported manifest media type %q", e.MediaType)
}
