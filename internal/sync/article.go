package sync

import (
	"bytes"
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"
)

// fetchArticle downloads the full page behind an item's link and strips
// active content. The caller injects the <base href> when assembling
// the message body.
func (e *Engine) fetchArticle(ctx context.Context, link string) (string, error) {
	raw, err := e.fetchBytes(ctx, link, maxFeedBytes)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse article %s: %w", link, err)
	}
	doc.Find("script").Remove()
	html, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize article %s: %w", link, err)
	}
	return html, nil
}
