// Package opml handles importing and exporting OPML 2.0 subscription
// lists.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/bryan-buckman/feedmail/internal/model"
)

// Namespace qualifies the vendor contentType attribute on outlines.
const Namespace = "https://github.com/bryan-buckman/feedmail"

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	NS      string   `xml:"xmlns:e,attr,omitempty"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element. Nested outlines are
// flattened on import; feeds are a flat list in this store.
//
// ContentType marshals with the vendor prefix; the unprefixed twin
// field catches the attribute on decode, where encoding/xml reports
// only the local name.
type Outline struct {
	Text           string    `xml:"text,attr"`
	Title          string    `xml:"title,attr,omitempty"`
	Type           string    `xml:"type,attr,omitempty"`
	XMLURL         string    `xml:"xmlUrl,attr,omitempty"`
	ContentType    string    `xml:"e:contentType,attr,omitempty"`
	ContentTypeRaw string    `xml:"contentType,attr,omitempty"`
	Outlines       []Outline `xml:"outline,omitempty"`
}

// FeedEntry is one subscription in exchange form.
type FeedEntry struct {
	Title       string
	Href        string
	ContentType model.ContentType
}

// Parse reads an OPML document into a flat list of feed entries.
// Outlines without an xmlUrl are treated as grouping nodes and
// descended into.
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []FeedEntry
	var walk func(outlines []Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				title := o.Title
				if title == "" {
					title = o.Text
				}
				ct := o.ContentTypeRaw
				if ct == "" {
					ct = o.ContentType
				}
				entries = append(entries, FeedEntry{
					Title:       title,
					Href:        o.XMLURL,
					ContentType: model.ParseContentType(ct),
				})
			} else if len(o.Outlines) > 0 {
				walk(o.Outlines)
			}
		}
	}
	walk(doc.Body.Outlines)
	return entries, nil
}

// Export generates an OPML document for the given subscriptions.
func Export(title string, entries []FeedEntry) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		NS:      Namespace,
		Head: Head{
			Title:       title,
			DateCreated: time.Now().Format(time.RFC1123Z),
		},
	}
	for _, e := range entries {
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Text:        e.Title,
			Type:        "rss",
			XMLURL:      e.Href,
			ContentType: e.ContentType.String(),
		})
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
