// Package sync fetches feeds and folds their items into the item store
// and the feed registry.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bryan-buckman/feedmail/internal/feedparser"
	"github.com/bryan-buckman/feedmail/internal/itemstore"
	"github.com/bryan-buckman/feedmail/internal/model"
	"github.com/bryan-buckman/feedmail/internal/storesummary"
)

const (
	// FetchTimeout bounds every network call the engine makes.
	FetchTimeout = 30 * time.Second
	// maxFeedBytes caps how much of a feed response gets read.
	maxFeedBytes = 10 << 20
	userAgent    = "feedmail/1.0"
)

// HTTPStatusError reports a non-success response to a feed fetch.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d fetching %s", e.StatusCode, e.URL)
}

// IsHTTPStatusError checks whether err wraps a non-success response.
func IsHTTPStatusError(err error) bool {
	var statusErr *HTTPStatusError
	return errors.As(err, &statusErr)
}

// Result describes one finished refresh pass.
type Result struct {
	FeedID      string
	NotModified bool
	Inserted    int
	Updated     int
	Keys        []string // dedupe keys of inserted/updated items
}

// Engine orchestrates feed refreshes. It keeps no persistent state of
// its own; everything durable lives in the registry and the item store
// it was constructed with.
type Engine struct {
	registry *storesummary.Summary
	items    *itemstore.Store
	client   *http.Client
	logger   *slog.Logger
	limiter  *domainLimiter
}

// New creates an engine. A nil client gets a default one with the
// fixed fetch timeout.
func New(registry *storesummary.Summary, items *itemstore.Store, client *http.Client, logger *slog.Logger) *Engine {
	if client == nil {
		client = &http.Client{Timeout: FetchTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		items:    items,
		client:   client,
		logger:   logger,
		limiter:  newDomainLimiter(),
	}
}

// Refresh runs one sync pass for a feed: conditional GET, parse, ingest
// items newer than the cursor, then commit cursor and validators.
//
// Already-committed items survive an error or cancellation mid-pass;
// the cursor and validators are only advanced at the end, so a retried
// pass re-processes the same window idempotently.
func (e *Engine) Refresh(ctx context.Context, feedID string) (*Result, error) {
	info, err := e.registry.Info(feedID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	domain := extractDomain(info.Href)
	if err := e.limiter.acquire(ctx, domain); err != nil {
		return nil, fmt.Errorf("rate limit cancelled for %s: %w", info.Href, err)
	}
	defer e.limiter.release(domain)

	body, etag, lastModified, notModified, err := e.conditionalGet(ctx, info)
	if err != nil {
		return nil, err
	}
	result := &Result{FeedID: feedID}
	if notModified {
		result.NotModified = true
		return result, nil
	}

	_, parsed, err := feedparser.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", info.Href, err)
	}

	settings := e.registry.Settings()
	fetchArticles := info.CompleteArticles.Resolve(settings.CompleteArticles)
	fetchEnclosures := info.FeedEnclosures.Resolve(settings.FeedEnclosures)

	maxSeen := info.LastUpdated
	processed := 0
	for _, item := range parsed {
		// Strictly newer than the cursor; equal means already seen.
		if item.LastModified <= info.LastUpdated {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var article string
		if fetchArticles && item.Link != "" {
			article, err = e.fetchArticle(ctx, item.Link)
			if err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				// Best effort: ingest the item without the article.
				e.logger.Warn("complete article fetch failed", "feed", feedID, "link", item.Link, "error", err)
				article = ""
			}
		}
		if fetchEnclosures {
			if err := e.fetchEnclosures(ctx, feedID, &item, settings); err != nil {
				return result, err
			}
		}

		kind, err := e.items.AddOrUpdate(info, item, article)
		if err != nil {
			// One bad item never fails the batch.
			e.logger.Warn("failed to store item", "feed", feedID, "title", item.Title, "error", err)
			continue
		}
		processed++
		result.Keys = append(result.Keys, itemstore.DedupeKey(item))
		if kind == itemstore.ChangeInserted {
			result.Inserted++
		} else {
			result.Updated++
		}
		if item.LastModified > maxSeen {
			maxSeen = item.LastModified
		}
	}

	if processed > 0 {
		if err := e.registry.SetLastUpdated(feedID, maxSeen); err != nil {
			return result, err
		}
		// An absent response header clears the stored validator.
		if err := e.registry.SetLastETag(feedID, etag); err != nil {
			return result, err
		}
		if err := e.registry.SetLastModified(feedID, lastModified); err != nil {
			return result, err
		}
		if err := e.registry.Save(); err != nil {
			return result, fmt.Errorf("save registry: %w", err)
		}
	}
	return result, nil
}

// conditionalGet fetches the feed with If-None-Match (preferred) or
// If-Modified-Since. It returns the body plus the response validators;
// a weak ETag is treated as absent.
func (e *Engine) conditionalGet(ctx context.Context, info model.FeedInfo) (body []byte, etag, lastModified string, notModified bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.Href, nil)
	if err != nil {
		return nil, "", "", false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if info.LastETag != "" {
		req.Header.Set("If-None-Match", info.LastETag)
	} else if info.LastModified != "" {
		req.Header.Set("If-Modified-Since", info.LastModified)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", "", false, fmt.Errorf("fetch %s: %w", info.Href, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, "", "", true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", "", false, &HTTPStatusError{URL: info.Href, StatusCode: resp.StatusCode}
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, "", "", false, fmt.Errorf("read %s: %w", info.Href, err)
	}
	etag = resp.Header.Get("ETag")
	if strings.HasPrefix(etag, "W/") {
		etag = ""
	}
	return body, etag, resp.Header.Get("Last-Modified"), false, nil
}

// fetchEnclosures downloads each enclosure's bytes, best effort. Only
// cancellation aborts the loop; any other failure leaves that one
// enclosure as a bare link.
func (e *Engine) fetchEnclosures(ctx context.Context, feedID string, item *model.NormalizedItem, settings storesummary.Settings) error {
	for i := range item.Enclosures {
		if err := ctx.Err(); err != nil {
			return err
		}
		enc := &item.Enclosures[i]
		if settings.LimitEnclosureSize && settings.MaxEnclosureSize > 0 && enc.Size > settings.MaxEnclosureSize {
			e.logger.Info("skipping oversized enclosure", "feed", feedID, "href", enc.Href, "size", enc.Size)
			continue
		}
		data, err := e.fetchBytes(ctx, enc.Href, enclosureLimit(settings))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("enclosure fetch failed", "feed", feedID, "href", enc.Href, "error", err)
			continue
		}
		enc.Data = data
	}
	return nil
}

func enclosureLimit(settings storesummary.Settings) int64 {
	if settings.LimitEnclosureSize && settings.MaxEnclosureSize > 0 {
		return settings.MaxEnclosureSize
	}
	return maxFeedBytes
}

func (e *Engine) fetchBytes(ctx context.Context, href string, limit int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", href, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{URL: href, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", href, err)
	}
	return data, nil
}
