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

package reference

import (
	"regexp"
	"strings"
)

const (
	// alphanumeric is a run of lower-case letters and digits.
	alphanumeric = `[a-z0-9]+`

	// separator joins alphanumeric runs inside a path component: one period
	// or underscore, a double underscore, or any number of dashes.
	separator = `(?:[._]|__|[-]+)`

	pathComponent = alphanumeric + `(?:` + separator + alphanumeric + `)*`

	// remoteName is one or more path components joined by forward slashes.
	remoteName = pathComponent + `(?:/` + pathComponent + `)*`

	domainNameComponent = `(?:[a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])`

	domainName = domainNameComponent + `(?:\.` + domainNameComponent + `)*`

	// ipv6address is a bracketed IPv6 literal, eg. [::1].
	ipv6address = `\[(?:[a-fA-F0-9:]+)\]`

	host = `(?:` + domainName + `|` + ipv6address + `)`

	domainAndPort = host + `(?::[0-9]+)?`

	tag = `[\w][\w.-]{0,127}`

	digestPat = `[A-Za-z][A-Za-z0-9]*(?:[-_+.][A-Za-z][A-Za-z0-9]*)*[:][[:xdigit:]]{32,}`

	namePat = `(?:` + domainAndPort + `/)?` + remoteName
)

var (
	anchoredDomainRegexp = regexp.MustCompile(`^` + domainAndPort + `$`)

	anchoredRemoteNameRegexp = regexp.MustCompile(`^` + remoteName + `$`)

	anchoredTagRegexp = regexp.MustCompile(`^` + tag + `$`)

	// referenceRegexp captures name, tag and digest, in that order.
	referenceRegexp = regexp.MustCompile(`^(` + namePat + `)(?::(` + tag + `))?(?:@(` + digestPat + `))?$`)
)

// splitDomain separates a leading registry segment from a name. The first
// path segment is only a registry if it looks like a host: it contains a
// dot or a port, or it is localhost.
func splitDomain(name string) (string, string) {
	i := strings.IndexRune(name, '/')
	if i == -1 {
		return "", name
	}

	first := name[:i]
	if first != "localhost" && !strings.ContainsAny(first, ".:") && strings.ToLower(first) == first {
		return "", name
	}

	return first, name[i+1:]
}
