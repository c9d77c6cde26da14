// Package fetch implements byte-range access to remote resources over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrSourceUnavailable indicates that a remote resource could not be read:
// the server was unreachable, returned a non-success status, or did not
// report enough metadata to address it.
var ErrSourceUnavailable = errors.New("source unavailable")

// userAgent is sent on every request. Some upstream firmware hosts refuse
// requests that do not look like a real updater client.
const userAgent = "flashd/1.0"

// Source reads byte ranges of a single remote resource.
type Source struct {
	url    string
	client *http.Client

	// proxyPrefix, when set, is prepended to the resource URL. Needed when
	// the caller has no direct network egress and requests must be routed
	// through our own proxy.
	proxyPrefix string
	referrer    string

	mu     sync.Mutex
	length int64
	haveLn bool
}

type Option func(*Source)

// WithClient overrides the HTTP client (and thereby the transport timeout).
func WithClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithProxyPrefix routes all requests through the given URL prefix.
func WithProxyPrefix(prefix string) Option {
	return func(s *Source) { s.proxyPrefix = prefix }
}

// WithReferrer sets a fixed Referer header on all requests.
func WithReferrer(ref string) Option {
	return func(s *Source) { s.referrer = ref }
}

func New(url string, opts ...Option) *Source {
	s := &Source{
		url:    url,
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) URL() string {
	return s.url
}

func (s *Source) request(ctx context.Context, method string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.proxyPrefix+s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if s.referrer != "" {
		req.Header.Set("Referer", s.referrer)
	}
	return req, nil
}

// Length returns the total byte length of the resource, performing a single
// HEAD request on first use and caching the result.
func (s *Source) Length(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveLn {
		return s.length, nil
	}

	req, err := s.request(ctx, http.MethodHead)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: HEAD %s: %v", ErrSourceUnavailable, s.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: HEAD %s returned %s", ErrSourceUnavailable, s.url, resp.Status)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("%w: %s reports no content length", ErrSourceUnavailable, s.url)
	}

	s.length = resp.ContentLength
	s.haveLn = true
	return s.length, nil
}

// ReadRange reads size bytes starting at offset, issuing exactly one ranged
// GET. A zero-size read returns an empty buffer without a network call.
func (s *Source) ReadRange(ctx context.Context, offset, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}

	req, err := s.request(ctx, http.MethodGet)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrSourceUnavailable, s.url, err)
	}
	defer resp.Body.Close()
	// A plain 200 means the server ignored the range request and is
	// returning the resource from offset 0.
	if resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("%w: GET %s returned %s for range request", ErrSourceUnavailable, s.url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, size))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrSourceUnavailable, s.url, err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("%w: %s: short range read (%d of %d bytes)", ErrSourceUnavailable, s.url, len(data), size)
	}
	return data, nil
}
