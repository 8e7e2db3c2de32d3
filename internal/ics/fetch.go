package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"remindcal/internal/calendar"
	appLog "remindcal/internal/log"
)

const (
	providerICS = "ics"

	// DefaultMaxFeedBytes caps a single feed body.
	DefaultMaxFeedBytes = 10 << 20
)

// Source represents a single ICS subscription.
type Source struct {
	// ID is an internal identifier used for logging.
	ID string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool // true if we reused cached body due to 304 or a failure
}

// cacheEntry holds HTTP cache metadata and the last body for a URL.
type cacheEntry struct {
	ETag         string
	LastModified string
	Body         []byte
	UpdatedAt    time.Time
}

// Fetcher fetches ICS feeds with conditional requests (ETag /
// Last-Modified) backed by an in-process cache.
type Fetcher struct {
	client   *http.Client
	maxBytes int64

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewFetcher creates a Fetcher. A nil client selects one with a 15s timeout.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, maxBytes: DefaultMaxFeedBytes, cache: make(map[string]cacheEntry)}
}

// WithMaxBytes changes the feed size cap and returns f.
func (f *Fetcher) WithMaxBytes(n int64) *Fetcher {
	if n > 0 {
		f.maxBytes = n
	}
	return f
}

// FetchOne fetches a single ICS source, honoring ETag and Last-Modified.
//
// A cached body is never substituted for a failed fetch: the watcher must see
// the failure so that it keeps the previous snapshot instead of treating stale
// data as fresh.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, &calendar.AuthError{Provider: providerICS, Err: errors.New("source URL is empty")}
	}

	f.mu.Lock()
	meta := f.cache[src.URL]
	f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, &calendar.AuthError{Provider: providerICS, Err: err}
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, &calendar.TransientFetchError{Provider: providerICS, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
		if readErr != nil {
			return FetchResult{}, &calendar.TransientFetchError{Provider: providerICS, Err: readErr}
		}
		if int64(len(body)) > f.maxBytes {
			return FetchResult{}, &calendar.TransientFetchError{
				Provider: providerICS,
				Err:      fmt.Errorf("ics feed exceeds %d bytes", f.maxBytes),
			}
		}

		f.mu.Lock()
		f.cache[src.URL] = cacheEntry{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Body:         body,
			UpdatedAt:    time.Now().UTC(),
		}
		f.mu.Unlock()

		appLog.Debug("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(meta.Body) == 0 {
			return FetchResult{}, &calendar.TransientFetchError{
				Provider: providerICS,
				Err:      errors.New("received 304 Not Modified but no cached body available"),
			}
		}
		appLog.Debug("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: meta.Body, FromCache: true}, nil

	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		// Private feed URLs are the credential; these mean it was revoked.
		return FetchResult{}, &calendar.AuthError{Provider: providerICS, Err: errors.New(resp.Status)}

	default:
		return FetchResult{}, &calendar.TransientFetchError{Provider: providerICS, Err: fmt.Errorf("ics fetch: %s", resp.Status)}
	}
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
