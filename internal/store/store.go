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

// Package store is a content-addressed blob store on the local filesystem.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

const scratchDir = "tmp"

// Store maps content digests to files below a root directory. Blobs are
// written to a scratch file first and renamed into place once their digest
// is known, so a content-addressed path only ever holds complete content.
type Store struct {
	root string
}

// New opens (creating if needed) a store rooted at root.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, scratchDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create content store: %w", err)
	}

	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the path a blob with the given digest is stored at. The
// algorithm prefix is not part of the path, everything is sha256.
func (s *Store) Path(dgst digest.Digest) string {
	return filepath.Join(s.root, dgst.Encoded())
}

// PathForDescriptor returns the path of the blob described by desc.
func (s *Store) PathForDescriptor(desc ocispecs.Descriptor) string {
	return s.Path(desc.Digest)
}

// Exists reports whether the blob with the given digest is present.
func (s *Store) Exists(dgst digest.Digest) bool {
	fi, err := os.Stat(s.Path(dgst))
	return err == nil && fi.Mode().IsRegular()
}

// TempFile creates a uniquely named file in the scratch directory.
func (s *Store) TempFile() (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, scratchDir), "blob-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}

	return f, nil
}

// Commit moves a completed scratch file into its content-addressed path.
// Concurrent commits of the same digest are harmless: the content is
// identical and the last rename wins.
func (s *Store) Commit(tempPath string, dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	dst := s.Path(dgst)
	if err := os.Rename(tempPath, dst); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("failed to commit blob %s: %w", dgst, err)
	}

	return dst, nil
}

// Open opens the blob with the given digest for reading.
func (s *Store) Open(dgst digest.Digest) (*os.File, error) {
	f, err := os.Open(s.Path(dgst))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob %s not found in content store: %w", dgst, err)
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", dgst, err)
	}

	return f, nil
}
