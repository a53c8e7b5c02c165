package itemstore

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/bryan-buckman/feedmail/internal/model"
)

// headerFeedHref carries the subscription URL of the source feed on
// every synthesized message.
const headerFeedHref = "X-Feedmail-Feed"

// buildMessage turns a normalized item into an RFC 822 message. The
// body is the complete article when one was fetched, a synthesized
// block otherwise; enclosures with downloaded bytes become attachment
// parts, the rest degrade to links inside the body.
func buildMessage(feed model.FeedInfo, item model.NormalizedItem, completeArticle string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Unix(item.LastModified, 0).UTC())
	h.SetSubject(item.Title)
	h.SetAddressList("From", []*mail.Address{itemFrom(feed, item)})
	h.Set(headerFeedHref, feed.Href)
	h.SetMessageID(DedupeKey(item) + "@feedmail.invalid")

	body, bodyType := assembleBody(feed, item, completeArticle)

	var attachments []model.Enclosure
	for _, enc := range item.Enclosures {
		if enc.Data != nil {
			attachments = append(attachments, enc)
		}
	}

	var buf bytes.Buffer
	if len(attachments) == 0 {
		h.SetContentType(bodyType, map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create message: %w", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			return nil, fmt.Errorf("write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close message: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	var th mail.InlineHeader
	th.SetContentType(bodyType, map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, fmt.Errorf("create body part: %w", err)
	}
	if _, err := io.WriteString(tw, body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close body part: %w", err)
	}

	for _, enc := range attachments {
		var ah mail.AttachmentHeader
		ct := enc.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.SetContentType(ct, nil)
		ah.SetFilename(enclosureFilename(enc))
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment: %w", err)
		}
		if _, err := aw.Write(enc.Data); err != nil {
			return nil, fmt.Errorf("write attachment: %w", err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("close attachment: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

// itemFrom picks the message sender: the item author when the feed
// provided one, the feed display name otherwise.
func itemFrom(feed model.FeedInfo, item model.NormalizedItem) *mail.Address {
	name, addr := splitAuthor(item.Author)
	if name == "" && addr == "" {
		name = feed.DisplayName
	}
	if addr == "" {
		addr = "unknown@localhost"
	}
	return &mail.Address{Name: name, Address: addr}
}

func splitAuthor(author string) (name, addr string) {
	author = strings.TrimSpace(author)
	if author == "" {
		return "", ""
	}
	if open := strings.IndexByte(author, '<'); open >= 0 {
		if end := strings.IndexByte(author[open:], '>'); end > 0 {
			name = strings.TrimSpace(author[:open])
			addr = strings.TrimSpace(author[open+1 : open+end])
			return name, addr
		}
	}
	if strings.Contains(author, "@") && !strings.ContainsAny(author, " \t") {
		return "", author
	}
	return author, ""
}

func enclosureFilename(enc model.Enclosure) string {
	if enc.Title != "" {
		return enc.Title
	}
	href := enc.Href
	if idx := strings.IndexAny(href, "?#"); idx >= 0 {
		href = href[:idx]
	}
	if idx := strings.LastIndexByte(href, '/'); idx >= 0 && idx < len(href)-1 {
		return href[idx+1:]
	}
	return "enclosure"
}

// assembleBody builds the message text and its MIME type.
func assembleBody(feed model.FeedInfo, item model.NormalizedItem, completeArticle string) (string, string) {
	switch feed.ContentType {
	case model.ContentTypePlainText:
		return assemblePlainBody(item, completeArticle), "text/plain"
	case model.ContentTypeMarkdown:
		return assemblePlainBody(item, completeArticle), "text/markdown"
	}
	return assembleHTMLBody(item, completeArticle), "text/html"
}

func assembleHTMLBody(item model.NormalizedItem, completeArticle string) string {
	if completeArticle != "" {
		return injectBase(completeArticle, item.Link)
	}
	var sb strings.Builder
	sb.WriteString("<div>")
	if item.Link != "" {
		fmt.Fprintf(&sb, "<h3><a href=%q>%s</a></h3>\n", item.Link, html.EscapeString(item.Title))
	} else {
		fmt.Fprintf(&sb, "<h3>%s</h3>\n", html.EscapeString(item.Title))
	}
	sb.WriteString(item.Body)
	writeEnclosureLinksHTML(&sb, item.Enclosures)
	sb.WriteString("</div>")
	return sb.String()
}

func assemblePlainBody(item model.NormalizedItem, completeArticle string) string {
	var sb strings.Builder
	sb.WriteString(item.Title)
	sb.WriteString("\n")
	if item.Link != "" {
		sb.WriteString(item.Link)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	if completeArticle != "" {
		sb.WriteString(completeArticle)
	} else {
		sb.WriteString(item.Body)
	}
	var links []string
	for _, enc := range item.Enclosures {
		if enc.Data == nil {
			links = append(links, enc.Href)
		}
	}
	if len(links) > 0 {
		sb.WriteString("\n\nEnclosures:\n")
		for _, link := range links {
			sb.WriteString(link)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func writeEnclosureLinksHTML(sb *strings.Builder, encs []model.Enclosure) {
	var pending []model.Enclosure
	for _, enc := range encs {
		if enc.Data == nil {
			pending = append(pending, enc)
		}
	}
	if len(pending) == 0 {
		return
	}
	sb.WriteString("\n<ul>")
	for _, enc := range pending {
		label := enc.Title
		if label == "" {
			label = enc.Href
		}
		fmt.Fprintf(sb, "<li><a href=%q>%s</a></li>", enc.Href, html.EscapeString(label))
	}
	sb.WriteString("</ul>")
}

// injectBase adds a <base href> so relative sub-resource URLs in a
// fetched article resolve against the item's own link.
func injectBase(doc, link string) string {
	if link == "" {
		return doc
	}
	base := fmt.Sprintf("<base href=%q>", link)
	lower := strings.ToLower(doc)
	if idx := strings.Index(lower, "<head>"); idx >= 0 {
		at := idx + len("<head>")
		return doc[:at] + base + doc[at:]
	}
	return base + "\n" + doc
}
