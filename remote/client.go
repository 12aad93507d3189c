package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/seqvault"
	"github.com/bobg/seqvault/manifest"
)

var _ manifest.Fetcher = &Client{}

// DefaultTimeout bounds each Client request.
const DefaultTimeout = time.Minute

// DefaultMaxBody bounds the size of each response body a Client accepts.
const DefaultMaxBody = 1 << 30

// Client is a manifest.Fetcher talking to a Server.
type Client struct {
	base    string
	hc      *http.Client
	timeout time.Duration
	maxBody int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithMaxBody sets the largest response body the client will read.
// Longer bodies are a storage error.
func WithMaxBody(n int64) ClientOption {
	return func(c *Client) { c.maxBody = n }
}

// NewClient produces a Client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		hc:      http.DefaultClient,
		timeout: DefaultTimeout,
		maxBody: DefaultMaxBody,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) String() string {
	return c.base
}

// FetchManifest implements manifest.Fetcher.
func (c *Client) FetchManifest(ctx context.Context, db, etag string) ([]byte, string, error) {
	hdr := make(http.Header)
	if etag != "" {
		hdr.Set("If-None-Match", quote(etag))
	}
	b, resp, err := c.get(ctx, "manifest", "/v1/"+url.PathEscape(db)+"/manifest", hdr)
	if err != nil {
		return nil, "", err
	}
	return b, unquote(resp.Header.Get("ETag")), nil
}

// FetchChunk implements manifest.Fetcher.
func (c *Client) FetchChunk(ctx context.Context, ref seqvault.Ref) ([]byte, error) {
	b, _, err := c.get(ctx, "chunk", "/v1/chunks/"+ref.String(), nil)
	return b, err
}

// FetchSequence implements manifest.Fetcher.
func (c *Client) FetchSequence(ctx context.Context, ref seqvault.Ref) ([]byte, error) {
	b, _, err := c.get(ctx, "sequence", "/v1/sequences/"+ref.String(), nil)
	return b, err
}

func (c *Client) get(ctx context.Context, kind, path string, hdr http.Header) ([]byte, *http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "building request")
	}
	for k, v := range hdr {
		req.Header[k] = v
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		fetches.WithLabelValues(kind, "error").Inc()
		return nil, nil, seqvault.StorageErr("fetch "+kind, seqvault.Zero, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		fetches.WithLabelValues(kind, "not_modified").Inc()
		return nil, resp, seqvault.ErrNotModified
	case http.StatusNotFound:
		fetches.WithLabelValues(kind, "not_found").Inc()
		return nil, resp, errors.Wrapf(seqvault.ErrNotFound, "fetching %s", path)
	default:
		fetches.WithLabelValues(kind, "error").Inc()
		return nil, resp, seqvault.StorageErr("fetch "+kind, seqvault.Zero, fmt.Errorf("status %s for %s", resp.Status, path))
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err == nil && int64(len(b)) > c.maxBody {
		err = fmt.Errorf("body of %s exceeds %d bytes", path, c.maxBody)
	}
	if err != nil {
		fetches.WithLabelValues(kind, "error").Inc()
		return nil, resp, seqvault.StorageErr("read "+kind, seqvault.Zero, err)
	}
	fetches.WithLabelValues(kind, "ok").Inc()
	return b, resp, nil
}
