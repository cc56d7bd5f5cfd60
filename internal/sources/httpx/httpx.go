// Package httpx is the HTTP plumbing shared by the watcher sources.
package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"watchbot/pkg/tgui"
)

const (
	DefaultTimeout = 20 * time.Second
	// MaxBody caps how much of a response a source will read.
	MaxBody = 4 << 20
	// maxSnippet bounds the body kept in a StatusError, in runes.
	maxSnippet = 200
	UserAgent  = "watchbot/1.0 (+https://core.telegram.org/bots)"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("GET %s: http %d: %s", e.URL, e.Status, e.Body)
	}
	return fmt.Sprintf("GET %s: http %d", e.URL, e.Status)
}

// NewClient returns a client without a global timeout; callers bound each
// request with their context.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Get fetches url and returns the body along with its Content-Type.
func Get(ctx context.Context, c *http.Client, url string, header http.Header) ([]byte, string, error) {
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", UserAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBody))
	if err != nil {
		return nil, "", fmt.Errorf("GET %s: read body: %w", url, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, "", &StatusError{URL: url, Status: resp.StatusCode, Body: tgui.TruncRunes(string(body), maxSnippet)}
	}
	return body, resp.Header.Get("Content-Type"), nil
}
