package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"github.com/bryan-buckman/feedmail/internal/feedparser"
	"github.com/bryan-buckman/feedmail/internal/model"
)

// ErrNotAFeed means the URL produced neither feed items nor a channel
// link, and no alternate feed link could be discovered on the page.
var ErrNotAFeed = errors.New("URL does not point to a feed")

// Subscribe probes href, registers the feed and caches its icon. When
// href already has a subscription its existing id comes back unchanged.
// An empty displayName picks up the channel title; contentType nil
// lets the probe choose (GitLab-hosted channels default to markdown,
// everything else to HTML).
func (e *Engine) Subscribe(ctx context.Context, href, displayName string, contentType *model.ContentType) (string, error) {
	if id, ok := e.registry.FindByHref(href); ok {
		return id, nil
	}

	feedHref, channel, err := e.probe(ctx, href)
	if err != nil {
		return "", err
	}
	if id, ok := e.registry.FindByHref(feedHref); ok {
		return id, nil
	}

	if displayName == "" {
		displayName = channel.Title
	}
	if displayName == "" {
		displayName = feedHref
	}
	ct := model.ContentTypeHTML
	switch {
	case contentType != nil:
		ct = *contentType
	case strings.Contains(strings.ToLower(channel.Link), "gitlab"),
		strings.Contains(strings.ToLower(channel.AltLink), "gitlab"):
		ct = model.ContentTypeMarkdown
	}

	id, err := e.registry.Add(feedHref, displayName, "", ct)
	if err != nil {
		return "", err
	}

	if channel.Icon != "" {
		if iconPath, err := e.cacheIcon(ctx, id, channel.Icon); err != nil {
			e.logger.Warn("failed to fetch feed icon", "feed", id, "icon", channel.Icon, "error", err)
		} else if err := e.registry.SetIconPath(id, iconPath); err != nil {
			e.logger.Warn("failed to record feed icon", "feed", id, "error", err)
		}
	}

	if err := e.registry.Save(); err != nil {
		return id, fmt.Errorf("save registry: %w", err)
	}
	return id, nil
}

// Unsubscribe removes a feed from the registry together with all of
// its stored items and cached blobs.
func (e *Engine) Unsubscribe(feedID string) error {
	if _, err := e.registry.Info(feedID); err != nil {
		return err
	}
	if err := e.items.RemoveFeed(feedID); err != nil {
		return fmt.Errorf("remove feed items: %w", err)
	}
	e.registry.Remove(feedID)
	if err := e.registry.Save(); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

// probe fetches href and parses it as a feed. When the response is an
// ordinary web page instead, the page's alternate feed link is
// discovered and probed once.
func (e *Engine) probe(ctx context.Context, href string) (string, model.Channel, error) {
	raw, err := e.fetchBytes(ctx, href, maxFeedBytes)
	if err != nil {
		return "", model.Channel{}, err
	}
	channel, items, err := feedparser.Parse(raw)
	if err == nil && (len(items) > 0 || channel.Link != "") {
		return href, channel, nil
	}

	alt := discoverFeedLink(raw, href)
	if alt == "" || alt == href {
		return "", model.Channel{}, fmt.Errorf("%s: %w", href, ErrNotAFeed)
	}
	raw, err = e.fetchBytes(ctx, alt, maxFeedBytes)
	if err != nil {
		return "", model.Channel{}, err
	}
	channel, items, err = feedparser.Parse(raw)
	if err != nil {
		return "", model.Channel{}, err
	}
	if len(items) == 0 && channel.Link == "" {
		return "", model.Channel{}, fmt.Errorf("%s: %w", href, ErrNotAFeed)
	}
	return alt, channel, nil
}

// discoverFeedLink pulls a syndication link out of an HTML page's head.
func discoverFeedLink(page []byte, pageURL string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return ""
	}
	var found string
	doc.Find(`link[rel="alternate"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		typ, _ := sel.Attr("type")
		if !strings.Contains(typ, "rss") && !strings.Contains(typ, "atom") {
			return true
		}
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return true
		}
		found = href
		return false
	})
	if found == "" {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return found
	}
	ref, err := url.Parse(found)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// cacheIcon downloads the feed icon into the registry's icon directory.
// Icon hosts flake often enough that this one fetch is retried; the
// sync path proper never retries inside a call.
func (e *Engine) cacheIcon(ctx context.Context, feedID, iconURL string) (string, error) {
	var data []byte
	err := retry.Do(
		func() error {
			var fetchErr error
			data, fetchErr = e.fetchBytes(ctx, iconURL, 1<<20)
			if IsHTTPStatusError(fetchErr) {
				return retry.Unrecoverable(fetchErr)
			}
			return fetchErr
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Debug("retrying icon fetch", "attempt", n, "url", iconURL, "error", err)
		}),
	)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(e.registry.IconDir(), 0o700); err != nil {
		return "", fmt.Errorf("create icon dir: %w", err)
	}
	iconPath := filepath.Join(e.registry.IconDir(), feedID+iconExt(iconURL))
	if err := os.WriteFile(iconPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write icon: %w", err)
	}
	return iconPath, nil
}

func iconExt(iconURL string) string {
	u, err := url.Parse(iconURL)
	if err != nil {
		return ".img"
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".img"
}
