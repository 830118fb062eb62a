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

// Package registry implements the client side of the OCI distribution API:
// pulling manifests and blobs, and pushing images with cross-repository
// mounts and chunked uploads.
package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/immutos/containerize/internal/constants"
	"github.com/immutos/containerize/internal/image"
	"github.com/immutos/containerize/internal/store"
	ocispecs "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	DefaultChunkSize     = 64 * 1024
	DefaultChunkRetries  = 3

	// maxErrorBody bounds how much of a failed response is kept for diagnostics.
	maxErrorBody = 64 * 1024
)

var defaultAccept = strings.Join([]string{
	image.MediaTypeDockerManifest,
	image.MediaTypeDockerConfig,
	"application/json",
}, ", ")

var manifestAccept = strings.Join([]string{
	image.MediaTypeDockerManifest,
	image.MediaTypeDockerManifestList,
	ocispecs.MediaTypeImageIndex,
	ocispecs.MediaTypeImageManifest,
	"application/json",
}, ", ")

// NewHTTPClient returns the connection-pooled client shared by every
// registry client in the process. Idle connections are dropped after a while
// so that load-balanced registries rotating their backends are picked up.
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.IdleConnTimeout = 2 * time.Minute
	transport.MaxIdleConnsPerHost = 16

	return &http.Client{Transport: transport}
}

// Options configures a Client.
type Options struct {
	// HTTPClient is the shared HTTP client. Defaults to a new NewHTTPClient().
	HTTPClient *http.Client
	Logger     *slog.Logger
	// ChunkSize is the size of each upload PATCH. Defaults to 64 KiB.
	ChunkSize int
	// ChunkRetries is how many times a chunk is resent after a transport
	// error before giving up. Defaults to 3.
	ChunkRetries int
	RetryWaitMin  time.Duration
	RetryWaitMax  time.Duration
	// Insecure forces plain HTTP.
	Insecure bool
}

// Client talks to a single registry.
type Client struct {
	registry    string
	baseURL     *url.URL
	httpClient  *http.Client
	chunkClient *retryablehttp.Client
	store       *store.Store
	logger      *slog.Logger
	chunkSize   int
}

// NewClient creates a client for registry, which is a host[:port] as it
// appears in image references, or a full URL.
func NewClient(registry string, s *store.Store, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}

	baseURL, err := registryURL(registry, opts.Insecure)
	if err != nil {
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("registry", baseURL.Host))

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	retries := opts.ChunkRetries
	if retries <= 0 {
		retries = DefaultChunkRetries
	}

	chunkClient := retryablehttp.NewClient()
	chunkClient.HTTPClient = httpClient
	chunkClient.Logger = logger
	chunkClient.RetryMax = retries
	chunkClient.CheckRetry = retryTransportErrors
	if opts.RetryWaitMin > 0 {
		chunkClient.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		chunkClient.RetryWaitMax = opts.RetryWaitMax
	}

	return &Client{
		registry:    registryName(registry),
		baseURL:     baseURL,
		httpClient:  httpClient,
		chunkClient: chunkClient,
		store:       s,
		logger:      logger,
		chunkSize:   chunkSize,
	}, nil
}

// Registry returns the registry name the client was created for.
func (c *Client) Registry() string {
	return c.registry
}

// retryTransportErrors retries only when no response was received at all. A
// non-2xx response is the registry rejecting the request, not a transient
// failure, so it is never retried.
func retryTransportErrors(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil, nil
}

func registryName(registry string) string {
	if u, err := url.Parse(registry); err == nil && u.Host != "" && strings.Contains(registry, "://") {
		return u.Host
	}
	return strings.TrimSuffix(registry, "/")
}

func registryURL(registry string, insecure bool) (*url.URL, error) {
	if strings.Contains(registry, "://") {
		u, err := url.Parse(registry)
		if err != nil {
			return nil, fmt.Errorf("invalid registry URL %q: %w", registry, err)
		}
		return u, nil
	}

	host := strings.TrimSuffix(registry, "/")
	if host == "" {
		return nil, fmt.Errorf("registry must not be empty")
	}

	if host == constants.DefaultRegistry {
		host = constants.DockerHubEndpoint
	}

	scheme := "https"
	if insecure || isLoopback(host) {
		scheme = "http"
	}

	return &url.URL{Scheme: scheme, Host: host}, nil
}

func isLoopback(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// repositoryPath maps a repository name to its path on the registry. Docker
// Hub keeps official images under library/.
func (c *Client) repositoryPath(repository string) string {
	if c.registry == constants.DefaultRegistry && !strings.Contains(repository, "/") {
		return "library/" + repository
	}
	return repository
}

func (c *Client) endpoint(repository string, parts ...string) *url.URL {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v2/" + c.repositoryPath(repository) + "/" + strings.Join(parts, "/")
	u.RawQuery = ""
	return &u
}

func (c *Client) resolveLocation(current *url.URL, location string) (*url.URL, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("registry did not return an upload location")
	}

	parsed, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid upload location %q: %w", location, err)
	}

	base := current
	if base == nil {
		base = c.baseURL
	}
	return base.ResolveReference(parsed), nil
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", constants.UserAgent())
	req.Header.Set("Accept", defaultAccept)
	return req, nil
}

// do sends req. Authentication challenges (401 with WWW-Authenticate) would
// be answered here; credential flows are the caller's concern.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}

	c.logger.Debug("Registry request",
		slog.String("method", req.Method),
		slog.String("url", req.URL.Redacted()),
		slog.Int("status", resp.StatusCode))

	return resp, nil
}

// checkResponse returns an HTTPError unless resp has one of the expected
// status codes. The body is consumed on error.
func checkResponse(req *http.Request, resp *http.Response, expected ...int) error {
	for _, code := range expected {
		if resp.StatusCode == code {
			return nil
		}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{
		Method:     req.Method,
		URI:        req.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
