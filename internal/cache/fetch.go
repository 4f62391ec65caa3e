package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gabriel-vasile/mimetype"

	"github.com/careunity/careunity/backend/internal/errors"
)

// DefaultMaxBodyBytes caps how much of an upstream response is buffered.
const DefaultMaxBodyBytes = 32 << 20

// Fetcher performs the network side of a strategy.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Entry, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *http.Request) (*Entry, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*Entry, error) {
	return f(ctx, req)
}

// UpstreamError reports a 5xx answer. Strategies treat it as a network
// failure; Response is written through when nothing is cached.
type UpstreamError struct {
	Response *Entry
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.Response.Status)
}

// HTTPFetcher forwards requests to an upstream base URL. Responses larger
// than MaxBodyBytes fail with NETWORK_ERROR instead of being cut short.
type HTTPFetcher struct {
	Client       *http.Client
	Upstream     *url.URL
	MaxBodyBytes int64
}

// NewHTTPFetcher creates a fetcher for upstream.
func NewHTTPFetcher(client *http.Client, upstream *url.URL) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client, Upstream: upstream, MaxBodyBytes: DefaultMaxBodyBytes}
}

// Fetch sends req upstream and buffers the response.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*Entry, error) {
	target := req.URL
	if !target.IsAbs() {
		target = f.Upstream.ResolveReference(&url.URL{Path: req.URL.Path, RawPath: req.URL.RawPath, RawQuery: req.URL.RawQuery})
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to build upstream request", err)
	}
	out.Header = req.Header.Clone()
	removeHopHeaders(out.Header)
	out.ContentLength = req.ContentLength

	resp, err := f.Client.Do(out)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "upstream request failed", err)
	}
	defer resp.Body.Close()

	limit := f.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to read upstream response", err)
	}
	if int64(len(body)) > limit {
		return nil, errors.New(errors.ErrNetwork, fmt.Sprintf("upstream response exceeds %d bytes", limit))
	}
	header := resp.Header.Clone()
	removeHopHeaders(header)
	if header.Get("Content-Type") == "" && len(body) > 0 {
		header.Set("Content-Type", mimetype.Detect(body).String())
	}

	entry := &Entry{Status: resp.StatusCode, Header: header, Body: body}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &UpstreamError{Response: entry}
	}
	return entry, nil
}
