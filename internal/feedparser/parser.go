// Package feedparser normalizes RSS 2.0, RDF (RSS 1.0) and Atom documents
// into a single item model. It is a pure transformation: no network, no
// filesystem, and per-item problems never fail the whole parse.
package feedparser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/feedmail/internal/model"
)

// ErrEmpty is returned for empty input. A recognized feed with zero
// entries is not an error; callers detect "not a feed at all" by a zero
// channel link together with zero items.
var ErrEmpty = errors.New("empty feed data")

const (
	nsXML    = "http://www.w3.org/XML/1998/namespace"
	nsAtom   = "http://www.w3.org/2005/Atom"
	nsAtom03 = "http://purl.org/atom/ns#"
	nsDC     = "http://purl.org/dc/elements/1.1/"
)

// node is a generic element tree; xml.Name.Space carries the namespace
// URI so dialect dispatch can be namespace-qualified, not name-only.
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []node     `xml:",any"`
	Text     string     `xml:",chardata"`
}

func (n *node) attr(space, local string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == local && (space == "" || a.Name.Space == space) {
			return a.Value, true
		}
	}
	return "", false
}

func (n *node) child(local string) *node {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == local {
			return &n.Children[i]
		}
	}
	return nil
}

func (n *node) childNS(space, local string) *node {
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local == local && c.XMLName.Space == space {
			return c
		}
	}
	return nil
}

func (n *node) text(local string) string {
	if c := n.child(local); c != nil {
		return strings.TrimSpace(c.Text)
	}
	return ""
}

// Parse normalizes raw feed bytes. Items come back in document order.
// An unknown root element yields zero items and an empty channel with a
// nil error.
func Parse(data []byte) (model.Channel, []model.NormalizedItem, error) {
	return parseAt(data, time.Now())
}

func parseAt(data []byte, now time.Time) (model.Channel, []model.NormalizedItem, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return model.Channel{}, nil, ErrEmpty
	}

	var root node
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	if err := dec.Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			// No element at all: plain text, not XML.
			return model.Channel{}, nil, ErrEmpty
		}
		return model.Channel{}, nil, fmt.Errorf("parse feed: %w", err)
	}

	p := &docParser{now: now.Unix()}
	switch root.XMLName.Local {
	case "RDF":
		p.readRDF(&root)
	case "rss":
		p.readRSS2(&root)
	case "feed":
		p.readAtom(&root)
	default:
		// Not a syndication document. Zero items, no channel link.
		return model.Channel{}, nil, nil
	}

	p.resolveBase(&root)
	for i := range p.items {
		p.items[i].Link = absolutize(p.channel.Link, p.items[i].Link)
	}
	p.channel.Icon = absolutize(p.channel.Link, p.channel.Icon)
	return p.channel, p.items, nil
}

type docParser struct {
	now     int64
	base    string // explicit base/xml:base, wins over any link
	channel model.Channel
	items   []model.NormalizedItem
}

// resolveBase fixes the channel link used for absolutizing relative
// URLs: explicit base attribute, then self link, then alternate link.
func (p *docParser) resolveBase(root *node) {
	if p.base == "" {
		if v, ok := root.attr(nsXML, "base"); ok {
			p.base = v
		} else if v, ok := root.attr("", "base"); ok {
			p.base = v
		}
	}
	switch {
	case p.base != "":
		p.channel.Link = p.base
	case p.channel.Link != "":
	default:
		p.channel.Link = p.channel.AltLink
	}
}

// --- RSS 2.0 ---

func (p *docParser) readRSS2(root *node) {
	ch := root.child("channel")
	if ch == nil {
		return
	}
	if v, ok := ch.attr(nsXML, "base"); ok {
		p.base = v
	}
	p.channel.Title = ch.text("title")
	p.channel.AltLink = ch.text("link")
	if img := ch.child("image"); img != nil {
		p.channel.Icon = img.text("url")
	}
	for i := range ch.Children {
		c := &ch.Children[i]
		if c.XMLName.Local == "item" {
			p.readRSSItem(c)
		}
	}
}

func (p *docParser) readRSSItem(it *node) {
	item := model.NormalizedItem{LastModified: p.now}
	item.Title = it.text("title")
	if item.Title == "" {
		// Titleless items are not well formed; drop the whole element.
		return
	}
	if g := it.child("guid"); g != nil {
		item.ID = strings.TrimSpace(g.Text)
	}
	item.Link = it.text("link")
	item.Author = p.readPerson(it)
	item.Body = it.text("description")
	if d := it.text("pubDate"); d != "" {
		if t, ok := parseRFC2822(d); ok {
			item.LastModified = t
		}
	} else if d := it.childNS(nsDC, "date"); d != nil {
		if t, ok := parseISO8601(strings.TrimSpace(d.Text)); ok {
			item.LastModified = t
		}
	}
	for i := range it.Children {
		c := &it.Children[i]
		if c.XMLName.Local != "enclosure" {
			continue
		}
		if enc, ok := readEnclosureAttrs(c); ok {
			item.Enclosures = append(item.Enclosures, enc)
		}
	}
	p.items = append(p.items, item)
}

// --- RDF / RSS 1.0 ---

func (p *docParser) readRDF(root *node) {
	if ch := root.child("channel"); ch != nil {
		if v, ok := ch.attr(nsXML, "base"); ok {
			p.base = v
		}
		p.channel.Title = ch.text("title")
		p.channel.AltLink = ch.text("link")
	}
	if img := root.child("image"); img != nil {
		p.channel.Icon = img.text("url")
	}
	// RDF keeps items as siblings of the channel, not inside it.
	for i := range root.Children {
		c := &root.Children[i]
		if c.XMLName.Local == "item" {
			p.readRSSItem(c)
		}
	}
}

// --- Atom ---

func (p *docParser) readAtom(root *node) {
	if v, ok := root.attr(nsXML, "base"); ok {
		p.base = v
	}
	p.channel.Title = root.text("title")
	if icon := root.text("icon"); icon != "" {
		p.channel.Icon = icon
	} else {
		p.channel.Icon = root.text("logo")
	}
	for i := range root.Children {
		c := &root.Children[i]
		switch c.XMLName.Local {
		case "link":
			href, _ := c.attr("", "href")
			switch rel, _ := c.attr("", "rel"); rel {
			case "self":
				p.channel.Link = href
			case "", "alternate":
				if p.channel.AltLink == "" {
					p.channel.AltLink = href
				}
			}
		case "entry":
			p.readAtomEntry(c)
		}
	}
}

func (p *docParser) readAtomEntry(entry *node) {
	item := model.NormalizedItem{LastModified: p.now}
	item.Title = entry.text("title")
	if item.Title == "" {
		return
	}
	item.ID = entry.text("id")
	item.Author = p.readPerson(entry)

	var selfLink, plainLink string
	for i := range entry.Children {
		c := &entry.Children[i]
		if c.XMLName.Local != "link" {
			continue
		}
		href, ok := c.attr("", "href")
		if !ok || href == "" {
			continue
		}
		switch rel, _ := c.attr("", "rel"); rel {
		case "self":
			selfLink = href
		case "enclosure":
			enc := model.Enclosure{Href: href}
			enc.Title, _ = c.attr("", "title")
			enc.ContentType, _ = c.attr("", "type")
			if v, ok := c.attr("", "length"); ok {
				enc.Size, _ = strconv.ParseInt(v, 10, 64)
			}
			item.Enclosures = append(item.Enclosures, enc)
		default:
			if plainLink == "" {
				plainLink = href
			}
		}
	}
	item.Link = selfLink
	if item.Link == "" {
		item.Link = plainLink
	}

	// The content element counts only in the entry's own namespace, so
	// extension elements that happen to be named "content" are ignored.
	if c := entry.childNS(entry.XMLName.Space, "content"); c != nil {
		item.Body = innerText(c)
	}
	if strings.TrimSpace(item.Body) == "" {
		if s := entry.child("summary"); s != nil {
			item.Body = innerText(s)
		}
	}

	if d := entry.text("updated"); d != "" {
		if t, ok := parseISO8601(d); ok {
			item.LastModified = t
		}
	} else if d := entry.text("modified"); d != "" {
		if t, ok := parseISO8601(d); ok {
			item.LastModified = t
		}
	} else if d := entry.text("issued"); d != "" {
		if t, ok := parseISO8601(d); ok {
			item.LastModified = t
		}
	}
	p.items = append(p.items, item)
}

// --- shared pieces ---

// readPerson extracts an author, preferring <author> over <dc:creator>.
// Person elements may carry name/email/uri children or bare text.
func (p *docParser) readPerson(parent *node) string {
	author := parent.child("author")
	if author == nil {
		author = parent.childNS(nsDC, "creator")
	}
	if author == nil {
		return ""
	}

	name := author.text("name")
	email := author.text("email")
	uri := author.text("uri")
	if name == "" && email == "" && uri == "" {
		raw := strings.TrimSpace(author.Text)
		if raw == "" {
			return ""
		}
		if looksLikeURI(raw) {
			// A URI is never an email address.
			return raw
		}
		if strings.Contains(raw, "@") && !strings.ContainsAny(raw, " \t") {
			email = raw
		} else {
			name = raw
		}
	}
	if looksLikeURI(email) {
		email = ""
	}
	switch {
	case name != "" && email != "":
		return name + " <" + email + ">"
	case name != "":
		return name
	case email != "":
		return email
	}
	return uri
}

func readEnclosureAttrs(n *node) (model.Enclosure, bool) {
	href, ok := n.attr("", "url")
	if !ok || href == "" {
		href, ok = n.attr("", "href")
	}
	if !ok || href == "" {
		// No target, nothing to download; drop it silently.
		return model.Enclosure{}, false
	}
	enc := model.Enclosure{Href: href}
	enc.Title, _ = n.attr("", "title")
	enc.ContentType, _ = n.attr("", "type")
	if v, ok := n.attr("", "length"); ok {
		enc.Size, _ = strconv.ParseInt(v, 10, 64)
	}
	return enc, true
}

// innerText returns the textual content of an element, re-serializing
// child elements so embedded XHTML bodies survive.
func innerText(n *node) string {
	if len(n.Children) == 0 {
		return n.Text
	}
	var sb strings.Builder
	sb.WriteString(n.Text)
	for i := range n.Children {
		raw, err := xml.Marshal(&n.Children[i])
		if err == nil {
			sb.Write(raw)
		}
	}
	return sb.String()
}

func looksLikeURI(s string) bool {
	return strings.Contains(s, "://")
}

// absolutize rewrites a root-relative reference against the channel
// base. Anything else passes through untouched.
func absolutize(base, ref string) string {
	if ref == "" || !strings.HasPrefix(ref, "/") || base == "" {
		return ref
	}
	idx := strings.Index(base, "://")
	if idx < 0 {
		return ref
	}
	host := base[idx+3:]
	if slash := strings.IndexByte(host, '/'); slash >= 0 {
		host = host[:slash]
	}
	return base[:idx+3] + host + ref
}

var rfc2822Layouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
}

func parseRFC2822(s string) (int64, bool) {
	for _, layout := range rfc2822Layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), true
		}
	}
	return 0, false
}

var iso8601Layouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseISO8601(s string) (int64, bool) {
	for _, layout := range iso8601Layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), true
		}
	}
	return 0, false
}
