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

package reference_test

import (
	"testing"

	"github.com/immutos/containerize/internal/reference"
	"github.com/stretchr/testify/require"
)

func TestIsValidRepositoryName(t *testing.T) {
	valid := []string{
		"ubuntu",
		"dotnet/runtime",
		"my-app",
		"my--app",
		"my_app",
		"my__app",
		"my.app",
		"a/b/c/d",
		"0day",
	}
	for _, name := range valid {
		require.True(t, reference.IsValidRepositoryName(name), name)
	}

	invalid := []string{
		"",
		"-app",
		"app-",
		".app",
		"app.",
		"_app",
		"app_",
		"MyApp",
		"my___app",
		"my..app",
		"app/",
		"/app",
		"a//b",
		"my app",
	}
	for _, name := range invalid {
		require.False(t, reference.IsValidRepositoryName(name), name)
	}
}

func TestIsValidTag(t *testing.T) {
	require.True(t, reference.IsValidTag("latest"))
	require.True(t, reference.IsValidTag("6.0"))
	require.True(t, reference.IsValidTag("_private"))
	require.True(t, reference.IsValidTag("V1.2.3-rc.1"))

	long := make([]byte, 128)
	for i := range long {
		long[i] = 'a'
	}
	require.True(t, reference.IsValidTag(string(long)))
	require.False(t, reference.IsValidTag(string(long)+"a"))

	require.False(t, reference.IsValidTag(""))
	require.False(t, reference.IsValidTag(".hidden"))
	require.False(t, reference.IsValidTag("-dash"))
	require.False(t, reference.IsValidTag("a:b"))
	require.False(t, reference.IsValidTag("a/b"))
}

func TestIsValidRegistry(t *testing.T) {
	require.True(t, reference.IsValidRegistry("mcr.microsoft.com"))
	require.True(t, reference.IsValidRegistry("localhost:5000"))
	require.True(t, reference.IsValidRegistry("[::1]:5000"))
	require.True(t, reference.IsValidRegistry("Registry.Example.COM"))

	require.False(t, reference.IsValidRegistry(""))
	require.False(t, reference.IsValidRegistry("-bad.com"))
	require.False(t, reference.IsValidRegistry("host:port"))
	require.False(t, reference.IsValidRegistry("https://example.com"))
}

func TestTryParseFullyQualifiedName(t *testing.T) {
	tests := []struct {
		input      string
		registry   string
		repository string
		tag        string
		digest     string
		ok         bool
	}{
		{
			input:      "mcr.microsoft.com/dotnet/runtime:6.0",
			registry:   "mcr.microsoft.com",
			repository: "dotnet/runtime",
			tag:        "6.0",
			ok:         true,
		},
		{
			input:      "ubuntu:jammy",
			registry:   "docker.io",
			repository: "ubuntu",
			tag:        "jammy",
			ok:         true,
		},
		{
			input:      "library/ubuntu",
			registry:   "docker.io",
			repository: "library/ubuntu",
			ok:         true,
		},
		{
			input:      "localhost:5000/app:dev",
			registry:   "localhost:5000",
			repository: "app",
			tag:        "dev",
			ok:         true,
		},
		{
			input:      "localhost/app",
			registry:   "localhost",
			repository: "app",
			ok:         true,
		},
		{
			input:      "ghcr.io/org/app:1.0@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			registry:   "ghcr.io",
			repository: "org/app",
			tag:        "1.0",
			digest:     "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			ok:         true,
		},
		{input: "app/UPPER:tag"},
		{input: "app:-tag"},
		{input: "app@sha256:abc"},
		{input: ""},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			registry, repository, tag, digest, ok := reference.TryParseFullyQualifiedName(tc.input)
			require.Equal(t, tc.ok, ok)
			if !tc.ok {
				return
			}

			require.Equal(t, tc.registry, registry)
			require.Equal(t, tc.repository, repository)
			require.Equal(t, tc.tag, tag)
			require.Equal(t, tc.digest, digest)
		})
	}
}

func TestReferenceString(t *testing.T) {
	ref, err := reference.Parse("mcr.microsoft.com/dotnet/runtime:6.0")
	require.NoError(t, err)

	require.Equal(t, "mcr.microsoft.com/dotnet/runtime:6.0", ref.String())
	require.Equal(t, "dotnet/runtime:6.0", ref.Name())

	_, err = reference.Parse("not a reference")
	require.Error(t, err)
}

func TestNormalizeRepositoryName(t *testing.T) {
	name, changed, err := reference.NormalizeRepositoryName("valid-name")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, "valid-name", name)

	name, changed, err = reference.NormalizeRepositoryName("My App+Service")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "my-app-service", name)

	name, changed, err = reference.NormalizeRepositoryName("Contoso.Web/API")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "contoso.web/api", name)

	_, _, err = reference.NormalizeRepositoryName("-leading")
	require.ErrorIs(t, err, reference.ErrInvalidName)

	_, _, err = reference.NormalizeRepositoryName("")
	require.ErrorIs(t, err, reference.ErrInvalidName)
}
