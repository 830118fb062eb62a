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

package constants

var (
	// Version is the version of containerize, set at build time.
	Version = "v0.0.0-dev"
	// TelemetryURL is the URL to send anonymized usage statistics to.
	TelemetryURL = "https://telemetry.pecke.tt"
)

const (
	// DefaultRegistry is the registry assumed when a reference names none.
	DefaultRegistry = "docker.io"
	// DockerHubEndpoint is the API host serving DefaultRegistry.
	DockerHubEndpoint = "registry-1.docker.io"
)

// UserAgent is sent with every registry request.
func UserAgent() string {
	return "containerize/" + Version
}
