// Package model defines shared data structures.
package model

// ContentType says how item bodies of a feed should be interpreted.
// The integer values are part of the persisted registry format.
type ContentType int

const (
	ContentTypeHTML ContentType = iota
	ContentTypePlainText
	ContentTypeMarkdown
)

// String returns the OPML/export token for the content type.
func (ct ContentType) String() string {
	switch ct {
	case ContentTypePlainText:
		return "text"
	case ContentTypeMarkdown:
		return "markdown"
	}
	return "html"
}

// ParseContentType maps an export token back to a ContentType.
// Unknown tokens fall back to HTML.
func ParseContentType(s string) ContentType {
	switch s {
	case "text":
		return ContentTypePlainText
	case "markdown":
		return ContentTypeMarkdown
	}
	return ContentTypeHTML
}

// ThreeState is a per-feed toggle that can defer to a global default.
type ThreeState int

const (
	ThreeStateOff ThreeState = iota
	ThreeStateOn
	ThreeStateInherit
)

// Resolve collapses the three-state value against the global default.
func (ts ThreeState) Resolve(globalOn bool) bool {
	switch ts {
	case ThreeStateOn:
		return true
	case ThreeStateOff:
		return false
	}
	return globalOn
}

// Enclosure is a file referenced by a feed item.
// Data is non-nil only when the enclosure bytes were downloaded.
type Enclosure struct {
	Href        string
	Title       string
	ContentType string
	Size        int64
	Data        []byte
}

// NormalizedItem is a single feed entry normalized across the RSS 2.0,
// RDF and Atom dialects. It is transient: the sync engine turns it into
// a stored message and discards it.
type NormalizedItem struct {
	ID           string
	Link         string
	Title        string
	Author       string
	Body         string
	LastModified int64 // Unix seconds; parse time when the feed gave none
	Enclosures   []Enclosure
}

// Channel carries feed-level metadata extracted alongside the items.
type Channel struct {
	Link    string // base link, used to absolutize root-relative URLs
	AltLink string // alternate (website) link
	Title   string
	Icon    string
}

// FeedInfo is a read-only snapshot of one registry entry.
type FeedInfo struct {
	ID           string
	Href         string
	DisplayName  string
	IconPath     string
	ContentType  ContentType
	LastETag     string
	LastModified string
	LastUpdated  int64
	TotalCount   uint64
	UnreadCount  uint64
	Index        int64

	CompleteArticles ThreeState
	FeedEnclosures   ThreeState
}
