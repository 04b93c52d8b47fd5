// Package remote talks to the two endpoints a bundle is published on: the
// metadata API reporting the latest commit of a channel, and the archive
// download of that channel.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Response limits per endpoint type.
const (
	responseLimitMetadata  = 2 << 20   // 2MB
	DefaultMaxArchiveBytes = 256 << 20 // 256MB
)

// DefaultUserAgent is sent when Options.UserAgent is empty. The GitHub API
// rejects requests without one.
const DefaultUserAgent = "bundlesyncd"

// Options configures the remote client.
type Options struct {
	MetadataURL     string        // channel is appended as the last path segment
	ArchiveURL      string        // "<channel>.zip" is appended
	Token           string        // optional bearer token
	UserAgent       string        // default DefaultUserAgent
	Timeout         time.Duration // per request (default 60s)
	MaxArchiveBytes int64         // default DefaultMaxArchiveBytes
}

// Metadata is the part of the version-check response the engine needs
type Metadata struct {
	SHA string `json:"sha"`
}

// Client resolves and downloads bundles over HTTP. It performs no retries.
type Client struct {
	metadataURL     string
	archiveURL      string
	token           string
	userAgent       string
	maxArchiveBytes int64
	httpClient      *http.Client
}

// NewClient creates a client. Zero-value fields in opts receive defaults.
func NewClient(opts Options) (*Client, error) {
	metadataURL, err := baseURL(opts.MetadataURL)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata URL: %w", err)
	}
	archiveURL, err := baseURL(opts.ArchiveURL)
	if err != nil {
		return nil, fmt.Errorf("invalid archive URL: %w", err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxArchiveBytes <= 0 {
		opts.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = DefaultUserAgent
	}

	return &Client{
		metadataURL:     metadataURL,
		archiveURL:      archiveURL,
		token:           strings.TrimSpace(opts.Token),
		userAgent:       opts.UserAgent,
		maxArchiveBytes: opts.MaxArchiveBytes,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}, nil
}

// MetadataURL returns the version-check URL for channel
func (c *Client) MetadataURL(channel string) string {
	return c.metadataURL + "/" + url.PathEscape(channel)
}

// ArchiveURL returns the archive download URL for channel
func (c *Client) ArchiveURL(channel string) string {
	return c.archiveURL + "/" + url.PathEscape(channel) + ".zip"
}

// FetchLatestHash returns the hash of the newest commit on channel.
// It fails with *NetworkError when the request fails and with *ParseError when
// the response carries no usable hash.
func (c *Client) FetchLatestHash(ctx context.Context, channel string) (string, error) {
	u := c.MetadataURL(channel)
	body, err := c.get(ctx, u, "application/json", responseLimitMetadata)
	if err != nil {
		return "", err
	}

	meta, err := ParseMetadata(body)
	if err != nil {
		return "", &ParseError{URL: u, Err: err}
	}
	return meta.SHA, nil
}

// Fetch downloads the archive of channel.
func (c *Client) Fetch(ctx context.Context, channel string) ([]byte, error) {
	return c.get(ctx, c.ArchiveURL(channel), "application/zip, application/octet-stream", c.maxArchiveBytes)
}

// ParseMetadata extracts the commit hash from a version-check response body
func ParseMetadata(body []byte) (Metadata, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return Metadata{}, errors.New("empty response body")
	}

	var meta Metadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	meta.SHA = strings.TrimSpace(meta.SHA)
	if meta.SHA == "" {
		return Metadata{}, errors.New(`field "sha" is missing or empty`)
	}
	return meta, nil
}

// get performs a GET and returns at most maxBytes of the decoded body.
// Every failure is a *NetworkError.
func (c *Client) get(ctx context.Context, u, accept string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &NetworkError{URL: u, Err: err}
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Encoding", acceptEncoding)
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: u, Err: err}
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, &NetworkError{URL: u, StatusCode: resp.StatusCode, Err: err}
	}
	defer body.Close()

	// Read one byte past the limit to tell a full body from a truncated one.
	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, &NetworkError{URL: u, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if ae := tryParseAPIError(data); ae != nil {
			return nil, &NetworkError{URL: u, StatusCode: resp.StatusCode, Err: ae}
		}
		msg := strings.TrimSpace(string(data))
		if msg == "" || len(msg) > 200 {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &NetworkError{URL: u, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	if int64(len(data)) > maxBytes {
		return nil, &NetworkError{URL: u, StatusCode: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", maxBytes)}
	}

	return data, nil
}

func (c *Client) applyAuth(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// baseURL validates raw as an absolute http(s) URL and strips trailing slashes
func baseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL %q must include a host", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}
