// Package feeds fetches and parses RSS/Atom feeds with conditional GET.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

// Entry is one parsed feed item, before normalization.
type Entry struct {
	Title       string
	Link        string
	Description string
	Content     string
	ImageURL    string
	GUID        string
	Published   time.Time
}

// Result is the outcome of fetching a feed. When NotModified is set the
// entry list is empty and the caching headers are unchanged.
type Result struct {
	Entries      []Entry
	ETag         string
	LastModified string
	NotModified  bool
}

// StatusError reports a non-2xx, non-304 HTTP response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed returned status %d", e.StatusCode)
}

// Client reports whether the failure was a 4xx. Client errors are not
// retried within a poll cycle; server errors back off.
func (e *StatusError) Client() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Fetcher fetches and parses feeds.
type Fetcher struct {
	client    *http.Client
	parser    *gofeed.Parser
	userAgent string
}

// NewFetcher creates a fetcher with a per-request timeout.
func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		parser:    gofeed.NewParser(),
		userAgent: userAgent,
	}
}

// Fetch issues a conditional GET against the feed and parses the body.
// lastETag and lastModified come from the feed's poll state and are sent as
// If-None-Match / If-Modified-Since when known.
func (f *Fetcher) Fetch(ctx context.Context, feedURL, lastETag, lastModified string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if lastETag != "" {
		req.Header.Set("If-None-Match", lastETag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{NotModified: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	feed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	result := &Result{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		result.Entries = append(result.Entries, toEntry(item))
	}
	return result, nil
}

// IsClientError reports whether err is a 4xx feed response.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Client()
}

func toEntry(item *gofeed.Item) Entry {
	e := Entry{
		Title:       item.Title,
		Link:        item.Link,
		Description: item.Description,
		Content:     item.Content,
		GUID:        item.GUID,
	}

	switch {
	case item.PublishedParsed != nil:
		e.Published = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		e.Published = item.UpdatedParsed.UTC()
	default:
		e.Published = time.Now().UTC()
	}

	if item.Image != nil && item.Image.URL != "" {
		e.ImageURL = item.Image.URL
	} else {
		for _, enc := range item.Enclosures {
			if enc != nil && enc.URL != "" {
				e.ImageURL = enc.URL
				break
			}
		}
	}

	return e
}
