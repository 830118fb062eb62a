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

// Package reference validates and decomposes image references following the
// OCI distribution grammar.
package reference

import (
	"errors"
	"fmt"
	"strings"

	"github.com/immutos/containerize/internal/constants"
)

// ErrInvalidName is returned when a repository name cannot be normalized.
var ErrInvalidName = errors.New("invalid repository name")

// Reference identifies an image within a registry.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

func (r Reference) String() string {
	var sb strings.Builder
	if r.Registry != "" {
		sb.WriteString(r.Registry)
		sb.WriteByte('/')
	}
	sb.WriteString(r.Repository)
	if r.Tag != "" {
		sb.WriteByte(':')
		sb.WriteString(r.Tag)
	}
	if r.Digest != "" {
		sb.WriteByte('@')
		sb.WriteString(r.Digest)
	}
	return sb.String()
}

// Name returns the reference without its registry, as used in RepoTags.
func (r Reference) Name() string {
	r.Registry = ""
	return r.String()
}

// IsValidRegistry reports whether s is a registry host with an optional port.
func IsValidRegistry(s string) bool {
	return anchoredDomainRegexp.MatchString(s)
}

// IsValidRepositoryName reports whether s is a valid repository path.
func IsValidRepositoryName(s string) bool {
	return anchoredRemoteNameRegexp.MatchString(s)
}

// IsValidTag reports whether s is a valid tag.
func IsValidTag(s string) bool {
	return anchoredTagRegexp.MatchString(s)
}

// TryParseFullyQualifiedName decomposes a reference of the form
// [registry/]repository[:tag][@digest]. A missing registry defaults to
// docker.io.
func TryParseFullyQualifiedName(s string) (registry, repository, tag, digest string, ok bool) {
	m := referenceRegexp.FindStringSubmatch(s)
	if m == nil {
		return "", "", "", "", false
	}

	registry, repository = splitDomain(m[1])
	if registry == "" {
		registry = constants.DefaultRegistry
	}

	if !IsValidRepositoryName(repository) {
		return "", "", "", "", false
	}

	return registry, repository, m[2], m[3], true
}

// Parse is TryParseFullyQualifiedName returning a Reference.
func Parse(s string) (Reference, error) {
	registry, repository, tag, digest, ok := TryParseFullyQualifiedName(s)
	if !ok {
		return Reference{}, fmt.Errorf("invalid image reference %q", s)
	}

	return Reference{
		Registry:   registry,
		Repository: repository,
		Tag:        tag,
		Digest:     digest,
	}, nil
}

// NormalizeRepositoryName coerces s into a valid repository name. Names that
// are already valid are returned unchanged. Otherwise the name is lower-cased
// and every character outside [a-z0-9_./-] is replaced with a dash.
// Dashes are the only replacement: a period would also satisfy the grammar
// but is handled inconsistently across cloud registries.
func NormalizeRepositoryName(s string) (string, bool, error) {
	if IsValidRepositoryName(s) {
		return s, false, nil
	}

	if s == "" || !isASCIIAlphanumeric(s[0]) {
		return "", false, fmt.Errorf("%w: %q must start with a letter or digit", ErrInvalidName, s)
	}

	normalized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '.', r == '/', r == '-':
			return r
		default:
			return '-'
		}
	}, strings.ToLower(s))

	return normalized, true, nil
}

func isASCIIAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
