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

// Package registrytest provides an in-memory distribution API registry for
// tests.
package registrytest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// Registry is an in-memory registry implementing the subset of the
// distribution API needed to pull and push images.
type Registry struct {
	// DisableMount makes cross-repository mount requests open an upload
	// session instead of linking the blob.
	DisableMount bool

	mu        sync.Mutex
	blobs     map[string]map[digest.Digest][]byte
	manifests map[string]map[string]manifest
	uploads   map[string]*upload
	nextID    int
	requests  []string
	router    *mux.Router
}

type manifest struct {
	mediaType string
	data      []byte
}

type upload struct {
	repository string
	data       bytes.Buffer
}

func New() *Registry {
	r := &Registry{
		blobs:     map[string]map[digest.Digest][]byte{},
		manifests: map[string]map[string]manifest{},
		uploads:   map[string]*upload{},
	}

	router := mux.NewRouter()
	router.HandleFunc("/v2/{name:.+}/blobs/uploads/", r.startUpload).Methods(http.MethodPost)
	router.HandleFunc("/v2/{name:.+}/blobs/uploads/{id}", r.patchUpload).Methods(http.MethodPatch)
	router.HandleFunc("/v2/{name:.+}/blobs/uploads/{id}", r.finishUpload).Methods(http.MethodPut)
	router.HandleFunc("/v2/{name:.+}/blobs/{digest}", r.getBlob).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/v2/{name:.+}/manifests/{reference}", r.getManifest).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/v2/{name:.+}/manifests/{reference}", r.putManifest).Methods(http.MethodPut)
	r.router = router

	return r
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.requests = append(r.requests, req.Method+" "+req.URL.Path)
	r.mu.Unlock()

	r.router.ServeHTTP(w, req)
}

// Requests returns "METHOD path" for every request received, in order.
func (r *Registry) Requests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...)
}

// CountRequests counts requests with the given method whose path contains substr.
func (r *Registry) CountRequests(method, substr string) int {
	n := 0
	for _, req := range r.Requests() {
		m, p, _ := strings.Cut(req, " ")
		if m == method && strings.Contains(p, substr) {
			n++
		}
	}
	return n
}

// PutBlob stores a blob in repository and returns its digest.
func (r *Registry) PutBlob(repository string, data []byte) digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()

	dgst := digest.FromBytes(data)
	r.putBlobLocked(repository, dgst, data)
	return dgst
}

func (r *Registry) putBlobLocked(repository string, dgst digest.Digest, data []byte) {
	if r.blobs[repository] == nil {
		r.blobs[repository] = map[digest.Digest][]byte{}
	}
	r.blobs[repository][dgst] = append([]byte(nil), data...)
}

// Blob returns a blob stored in repository.
func (r *Registry) Blob(repository string, dgst digest.Digest) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, ok := r.blobs[repository][dgst]
	return data, ok
}

// PutManifest stores a manifest under reference and under its own digest.
func (r *Registry) PutManifest(repository, reference, mediaType string, data []byte) digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.putManifestLocked(repository, reference, mediaType, data)
}

func (r *Registry) putManifestLocked(repository, reference, mediaType string, data []byte) digest.Digest {
	if r.manifests[repository] == nil {
		r.manifests[repository] = map[string]manifest{}
	}

	dgst := digest.FromBytes(data)
	m := manifest{mediaType: mediaType, data: append([]byte(nil), data...)}
	r.manifests[repository][reference] = m
	r.manifests[repository][dgst.String()] = m
	return dgst
}

// Manifest returns a manifest stored in repository by tag or digest.
func (r *Registry) Manifest(repository, reference string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.manifests[repository][reference]
	return m.data, ok
}

func (r *Registry) getBlob(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	dgst, err := digest.Parse(vars["digest"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, ok := r.Blob(vars["name"], dgst)
	if !ok {
		http.Error(w, `{"errors":[{"code":"BLOB_UNKNOWN"}]}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

func (r *Registry) startUpload(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["name"]
	q := req.URL.Query()

	r.mu.Lock()
	defer r.mu.Unlock()

	if mount, from := q.Get("mount"), q.Get("from"); mount != "" && from != "" && !r.DisableMount {
		if data, ok := r.blobs[from][digest.Digest(mount)]; ok {
			r.putBlobLocked(name, digest.Digest(mount), data)
			w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, mount))
			w.WriteHeader(http.StatusCreated)
			return
		}
	}

	r.nextID++
	id := strconv.Itoa(r.nextID)
	r.uploads[id] = &upload{repository: name}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id))
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

func (r *Registry) patchUpload(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.uploads[vars["id"]]
	if !ok || u.repository != vars["name"] {
		http.Error(w, `{"errors":[{"code":"BLOB_UPLOAD_UNKNOWN"}]}`, http.StatusNotFound)
		return
	}

	start, end, err := parseContentRange(req.Header.Get("Content-Range"))
	if err != nil || start != int64(u.data.Len()) || end-start+1 != int64(len(body)) {
		w.Header().Set("Range", fmt.Sprintf("0-%d", u.data.Len()-1))
		http.Error(w, `{"errors":[{"code":"BLOB_UPLOAD_INVALID"}]}`, http.StatusRequestedRangeNotSatisfiable)
		return
	}

	u.data.Write(body)

	// A query parameter on the next location checks that clients follow it
	// rather than reusing the original.
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s?_state=%d", vars["name"], vars["id"], u.data.Len()))
	w.Header().Set("Range", fmt.Sprintf("0-%d", u.data.Len()-1))
	w.WriteHeader(http.StatusAccepted)
}

func (r *Registry) finishUpload(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	expected, err := digest.Parse(req.URL.Query().Get("digest"))
	if err != nil {
		http.Error(w, `{"errors":[{"code":"DIGEST_INVALID"}]}`, http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.uploads[vars["id"]]
	if !ok || u.repository != vars["name"] {
		http.Error(w, `{"errors":[{"code":"BLOB_UPLOAD_UNKNOWN"}]}`, http.StatusNotFound)
		return
	}
	u.data.Write(body)

	if digest.FromBytes(u.data.Bytes()) != expected {
		http.Error(w, `{"errors":[{"code":"DIGEST_INVALID"}]}`, http.StatusBadRequest)
		return
	}

	delete(r.uploads, vars["id"])
	r.putBlobLocked(u.repository, expected, u.data.Bytes())

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", u.repository, expected))
	w.Header().Set("Docker-Content-Digest", expected.String())
	w.WriteHeader(http.StatusCreated)
}

func (r *Registry) getManifest(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	r.mu.Lock()
	m, ok := r.manifests[vars["name"]][vars["reference"]]
	r.mu.Unlock()

	if !ok {
		http.Error(w, `{"errors":[{"code":"MANIFEST_UNKNOWN"}]}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", m.mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(m.data)))
	w.Header().Set("Docker-Content-Digest", digest.FromBytes(m.data).String())
	w.WriteHeader(http.StatusOK)
	if req.Method == http.MethodGet {
		_, _ = w.Write(m.data)
	}
}

func (r *Registry) putManifest(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if dgst, err := digest.Parse(vars["reference"]); err == nil && digest.FromBytes(body) != dgst {
		http.Error(w, `{"errors":[{"code":"DIGEST_INVALID"}]}`, http.StatusBadRequest)
		return
	}

	dgst := r.PutManifest(vars["name"], vars["reference"], req.Header.Get("Content-Type"), body)

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", vars["name"], dgst))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

func parseContentRange(s string) (int64, int64, error) {
	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", s)
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, err
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, 0, err
	}

	return start, end, nil
}
