// Package storesummary keeps the persisted registry of subscribed feeds
// for one store: one metadata record per feed, a sectioned key-value
// backing file, and asynchronous change notification.
package storesummary

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bryan-buckman/feedmail/internal/model"
)

var (
	// ErrNotFound is returned for operations referencing an unknown feed id.
	ErrNotFound = errors.New("feed not found")
	// ErrTooManyCollisions means the id probing loop hit its bound.
	ErrTooManyCollisions = errors.New("too many feed id collisions")
)

// maxIDProbes bounds the collision-salting loop. SHA1 over distinct
// hrefs makes reaching it effectively impossible; refusing to loop
// forever is still better than an unbounded retry.
const maxIDProbes = 64

const summaryFileName = "feeds"

type feedRecord struct {
	href         string
	displayName  string
	iconPath     string
	contentType  model.ContentType
	lastETag     string
	lastModified string
	lastUpdated  int64
	totalCount   uint64
	unreadCount  uint64
	index        int64

	completeArticles model.ThreeState
	feedEnclosures   model.ThreeState
}

type general struct {
	completeArticles   bool
	feedEnclosures     bool
	limitEnclosureSize bool
	maxEnclosureSize   int64 // bytes, used when limitEnclosureSize
	pollIntervalMins   int
}

// Summary is the authoritative feed registry for one store.
//
// Every public operation takes the single mutex for its duration only;
// change notifications are queued and delivered by a dedicated
// goroutine, so listeners never run under the lock and may freely call
// back into the registry.
type Summary struct {
	mu      sync.Mutex
	dir     string
	iconDir string
	feeds   map[string]*feedRecord
	gen     general
	dirty   bool
	logger  *slog.Logger

	queue chan string

	subMu   sync.Mutex
	subs    map[int]chan string
	nextSub int
	done    chan struct{}
}

// New creates a registry rooted at dir. Call Load before use and Close
// when done.
func New(dir string, logger *slog.Logger) *Summary {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Summary{
		dir:     dir,
		iconDir: filepath.Join(dir, "icons"),
		feeds:   make(map[string]*feedRecord),
		gen:     general{pollIntervalMins: 15},
		logger:  logger,
		queue:   make(chan string, 256),
		subs:    make(map[int]chan string),
		done:    make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Close stops the notification dispatcher. Pending events are dropped.
func (s *Summary) Close() {
	close(s.done)
}

// Subscribe registers a change listener. The returned channel receives
// the id of each changed feed ("" for store-wide settings changes);
// cancel unregisters it. Delivery is asynchronous and lossy under
// sustained backpressure.
func (s *Summary) Subscribe() (<-chan string, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan string, 64)
	s.subs[id] = ch
	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
	return ch, cancel
}

func (s *Summary) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case id := <-s.queue:
			s.subMu.Lock()
			for _, ch := range s.subs {
				select {
				case ch <- id:
				default:
					// Slow listener; drop rather than block the queue.
				}
			}
			s.subMu.Unlock()
		}
	}
}

// notify queues a change event. Safe to call under s.mu: delivery
// happens on the dispatcher goroutine, never on this stack.
func (s *Summary) notify(id string) {
	select {
	case s.queue <- id:
	default:
		s.logger.Warn("notification queue full, dropping event", "feed", id)
	}
}

// IconDir is the directory whose icon files the registry owns.
func (s *Summary) IconDir() string { return s.iconDir }

func (s *Summary) filePath() string { return filepath.Join(s.dir, summaryFileName) }

// --- persistence ---

// Load reads the backing file and rebuilds the in-memory map. A missing
// file is the first-run case, not an error. Records without an href or
// display name are discarded; order indexes are renumbered densely.
func (s *Summary) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.filePath())
	if err != nil {
		if os.IsNotExist(err) {
			s.feeds = make(map[string]*feedRecord)
			s.dirty = false
			return nil
		}
		return fmt.Errorf("open summary: %w", err)
	}
	defer f.Close()

	feeds := make(map[string]*feedRecord)
	gen := general{pollIntervalMins: 15}

	var cur *feedRecord
	var curID string
	inGeneral := false
	flush := func() {
		if cur == nil {
			return
		}
		if cur.href == "" || cur.displayName == "" {
			s.logger.Warn("discarding malformed feed record", "feed", curID)
		} else {
			feeds[curID] = cur
		}
		cur = nil
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			inGeneral = false
			section := line[1 : len(line)-1]
			if section == "general" {
				inGeneral = true
			} else if id, ok := strings.CutPrefix(section, "feed:"); ok {
				cur = &feedRecord{completeArticles: model.ThreeStateInherit, feedEnclosures: model.ThreeStateInherit}
				curID = id
			}
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = unescapeValue(strings.TrimSpace(val))
		switch {
		case inGeneral:
			readGeneralKey(&gen, key, val)
		case cur != nil:
			readFeedKey(cur, key, val)
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read summary: %w", err)
	}

	renumber(feeds)
	s.feeds = feeds
	s.gen = gen
	s.dirty = false
	return nil
}

// Save writes the registry back. It is a no-op when nothing changed
// since the last successful save; callers must not rely on that for
// durability, only for skipping work.
func (s *Summary) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("[general]\n")
	fmt.Fprintf(&sb, "complete-articles=%s\n", formatBool(s.gen.completeArticles))
	fmt.Fprintf(&sb, "feed-enclosures=%s\n", formatBool(s.gen.feedEnclosures))
	fmt.Fprintf(&sb, "limit-enclosure-size=%s\n", formatBool(s.gen.limitEnclosureSize))
	fmt.Fprintf(&sb, "max-enclosure-size=%d\n", s.gen.maxEnclosureSize)
	fmt.Fprintf(&sb, "poll-interval-minutes=%d\n", s.gen.pollIntervalMins)

	for _, id := range s.orderedIDsLocked() {
		rec := s.feeds[id]
		sb.WriteString("\n[feed:" + id + "]\n")
		fmt.Fprintf(&sb, "href=%s\n", escapeValue(rec.href))
		fmt.Fprintf(&sb, "display-name=%s\n", escapeValue(rec.displayName))
		fmt.Fprintf(&sb, "icon-filename=%s\n", escapeValue(rec.iconPath))
		fmt.Fprintf(&sb, "last-etag=%s\n", escapeValue(rec.lastETag))
		fmt.Fprintf(&sb, "last-modified=%s\n", escapeValue(rec.lastModified))
		fmt.Fprintf(&sb, "content-type=%d\n", int(rec.contentType))
		fmt.Fprintf(&sb, "total-count=%d\n", rec.totalCount)
		fmt.Fprintf(&sb, "unread-count=%d\n", rec.unreadCount)
		fmt.Fprintf(&sb, "last-updated=%d\n", rec.lastUpdated)
		fmt.Fprintf(&sb, "index=%d\n", rec.index)
		fmt.Fprintf(&sb, "complete-articles=%d\n", int(rec.completeArticles))
		fmt.Fprintf(&sb, "feed-enclosures=%d\n", int(rec.feedEnclosures))
	}

	tmp := s.filePath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err := os.Rename(tmp, s.filePath()); err != nil {
		return fmt.Errorf("replace summary: %w", err)
	}
	s.dirty = false
	return nil
}

// Dirty reports whether there are unsaved changes.
func (s *Summary) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func readFeedKey(rec *feedRecord, key, val string) {
	switch key {
	case "href":
		rec.href = val
	case "display-name":
		rec.displayName = val
	case "icon-filename":
		rec.iconPath = val
	case "last-etag":
		rec.lastETag = val
	case "last-modified":
		rec.lastModified = val
	case "content-type":
		n, _ := strconv.Atoi(val)
		rec.contentType = model.ContentType(n)
	case "total-count":
		rec.totalCount, _ = strconv.ParseUint(val, 10, 64)
	case "unread-count":
		rec.unreadCount, _ = strconv.ParseUint(val, 10, 64)
	case "last-updated":
		rec.lastUpdated, _ = strconv.ParseInt(val, 10, 64)
	case "index":
		rec.index, _ = strconv.ParseInt(val, 10, 64)
	case "complete-articles":
		n, _ := strconv.Atoi(val)
		rec.completeArticles = model.ThreeState(n)
	case "feed-enclosures":
		n, _ := strconv.Atoi(val)
		rec.feedEnclosures = model.ThreeState(n)
	}
}

func readGeneralKey(gen *general, key, val string) {
	switch key {
	case "complete-articles":
		gen.completeArticles = val == "true"
	case "feed-enclosures":
		gen.feedEnclosures = val == "true"
	case "limit-enclosure-size":
		gen.limitEnclosureSize = val == "true"
	case "max-enclosure-size":
		gen.maxEnclosureSize, _ = strconv.ParseInt(val, 10, 64)
	case "poll-interval-minutes":
		gen.pollIntervalMins, _ = strconv.Atoi(val)
	}
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func escapeValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

func unescapeValue(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			if s[i] == 'n' {
				sb.WriteByte('\n')
			} else {
				sb.WriteByte(s[i])
			}
			continue
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// renumber rewrites order indexes as a dense 1..N run preserving the
// prior relative order, repairing gaps left by deletions.
func renumber(feeds map[string]*feedRecord) {
	ids := make([]string, 0, len(feeds))
	for id := range feeds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := feeds[ids[i]], feeds[ids[j]]
		if a.index != b.index {
			return a.index < b.index
		}
		return ids[i] < ids[j]
	})
	for n, id := range ids {
		feeds[id].index = int64(n + 1)
	}
}

func (s *Summary) orderedIDsLocked() []string {
	ids := make([]string, 0, len(s.feeds))
	for id := range s.feeds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.feeds[ids[i]].index < s.feeds[ids[j]].index
	})
	return ids
}

// --- registry operations ---

// Add registers a subscription and returns its id: the SHA1 of the
// href, salted with an increasing counter while the candidate id is
// taken. Deduplication by href is deliberately the caller's business.
func (s *Summary) Add(href, displayName, iconPath string, contentType model.ContentType) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	for n := 0; ; n++ {
		if n >= maxIDProbes {
			return "", ErrTooManyCollisions
		}
		candidate := href
		if n > 0 {
			candidate = fmt.Sprintf("%s::%d", href, n)
		}
		sum := sha1.Sum([]byte(candidate))
		id = hex.EncodeToString(sum[:])
		if _, taken := s.feeds[id]; !taken {
			break
		}
	}

	s.feeds[id] = &feedRecord{
		href:             href,
		displayName:      displayName,
		iconPath:         iconPath,
		contentType:      contentType,
		index:            int64(len(s.feeds)) + 1,
		completeArticles: model.ThreeStateInherit,
		feedEnclosures:   model.ThreeStateInherit,
	}
	s.dirty = true
	s.notify(id)
	return id, nil
}

// Remove drops a feed. Its cached icon is deleted too, but only when
// the path sits under the registry's own icon directory.
func (s *Summary) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.feeds[id]
	if !ok {
		return false
	}
	if rec.iconPath != "" && pathUnder(s.iconDir, rec.iconPath) {
		if err := os.Remove(rec.iconPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove feed icon", "feed", id, "path", rec.iconPath, "error", err)
		}
	}
	removedIndex := rec.index
	delete(s.feeds, id)
	for _, other := range s.feeds {
		if other.index > removedIndex {
			other.index--
		}
	}
	s.dirty = true
	s.notify(id)
	return true
}

func pathUnder(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Contains reports whether the feed id is registered.
func (s *Summary) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.feeds[id]
	return ok
}

// Len returns the number of registered feeds.
func (s *Summary) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

// Feeds returns snapshots of all registered feeds in display order.
func (s *Summary) Feeds() []model.FeedInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]model.FeedInfo, 0, len(s.feeds))
	for _, id := range s.orderedIDsLocked() {
		infos = append(infos, s.infoLocked(id))
	}
	return infos
}

// Info returns a snapshot of one feed.
func (s *Summary) Info(id string) (model.FeedInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[id]; !ok {
		return model.FeedInfo{}, fmt.Errorf("feed %q: %w", id, ErrNotFound)
	}
	return s.infoLocked(id), nil
}

// FindByHref returns the id of the first feed subscribed to href.
func (s *Summary) FindByHref(href string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.orderedIDsLocked() {
		if s.feeds[id].href == href {
			return id, true
		}
	}
	return "", false
}

func (s *Summary) infoLocked(id string) model.FeedInfo {
	rec := s.feeds[id]
	return model.FeedInfo{
		ID:               id,
		Href:             rec.href,
		DisplayName:      rec.displayName,
		IconPath:         rec.iconPath,
		ContentType:      rec.contentType,
		LastETag:         rec.lastETag,
		LastModified:     rec.lastModified,
		LastUpdated:      rec.lastUpdated,
		TotalCount:       rec.totalCount,
		UnreadCount:      rec.unreadCount,
		Index:            rec.index,
		CompleteArticles: rec.completeArticles,
		FeedEnclosures:   rec.feedEnclosures,
	}
}

// update runs fn on the record; fn returns whether it changed anything.
// A real change marks the registry dirty and queues a notification.
func (s *Summary) update(id string, fn func(*feedRecord) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.feeds[id]
	if !ok {
		return fmt.Errorf("feed %q: %w", id, ErrNotFound)
	}
	if fn(rec) {
		s.dirty = true
		s.notify(id)
	}
	return nil
}

// Href returns the subscription URL; it is immutable after Add.
func (s *Summary) Href(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.feeds[id]
	if !ok {
		return "", fmt.Errorf("feed %q: %w", id, ErrNotFound)
	}
	return rec.href, nil
}

// Setters below are no-ops, with no dirty flag and no notification,
// when the new value equals the stored one.

func (s *Summary) SetDisplayName(id, name string) error {
	return s.update(id, func(r *feedRecord) bool {
		if r.displayName == name {
			return false
		}
		r.displayName = name
		return true
	})
}

func (s *Summary) SetIconPath(id, path string) error {
	return s.update(id, func(r *feedRecord) bool {
		if r.iconPath == path {
			return false
		}
		r.iconPath = path
		return true
	})
}

func (s *Summary) SetContentType(id string, ct model.ContentType) error {
	return s.update(id, func(r *feedRecord) bool {
		if r.contentType == ct {
			return false
		}
		r.contentType = ct
		return true
	})
}

func (s *Summary) SetLastETag(id, etag string) error {
	return s.update(id, func(r *feedRecord) bool {
		if r.lastETag == etag {
			return false
		}
		r.lastETag = etag
		return true
	})
}

func (s *Summary) SetLastModified(id, lastModified string) error {
	return s.update(id, func(r *feedRecord) bool {
		if r.lastModified == lastModified {
			return false
		}
		r.lastModified = lastModified
		return true
	})
}

func (s *Summary) SetLastUpdated(id string, ts int64) error {
	return s.update(id, func(r *feedRecord) bool {
		if r.lastUpdated == ts {
			return false
		}
		r.lastUpdated = ts
		return true
	})
}

func (s *Summary) SetCounts(id string, total, unread uint64) error {
	return s.update(id, func(r *feedRecord) bool {
		if r.totalCount == total && r.unreadCount == unread {
			return false
		}
		r.totalCount = total
		r.unreadCount = unread
		return true
	})
}

func (s *Summary) SetCompleteArticles(id string, ts model.ThreeState) error {
	return s.update(id, func(r *feedRecord) bool {
		if r.completeArticles == ts {
			return false
		}
		r.completeArticles = ts
		return true
	})
}

func (s *Summary) SetFeedEnclosures(id string, ts model.ThreeState) error {
	return s.update(id, func(r *feedRecord) bool {
		if r.feedEnclosures == ts {
			return false
		}
		r.feedEnclosures = ts
		return true
	})
}

// --- store-wide settings ---

// Settings is a snapshot of the store-wide sync defaults.
type Settings struct {
	CompleteArticles   bool
	FeedEnclosures     bool
	LimitEnclosureSize bool
	MaxEnclosureSize   int64
	PollIntervalMins   int
}

func (s *Summary) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	mins := s.gen.pollIntervalMins
	if mins < 15 {
		mins = 15
	}
	return Settings{
		CompleteArticles:   s.gen.completeArticles,
		FeedEnclosures:     s.gen.feedEnclosures,
		LimitEnclosureSize: s.gen.limitEnclosureSize,
		MaxEnclosureSize:   s.gen.maxEnclosureSize,
		PollIntervalMins:   mins,
	}
}

func (s *Summary) SetSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := general{
		completeArticles:   settings.CompleteArticles,
		feedEnclosures:     settings.FeedEnclosures,
		limitEnclosureSize: settings.LimitEnclosureSize,
		maxEnclosureSize:   settings.MaxEnclosureSize,
		pollIntervalMins:   settings.PollIntervalMins,
	}
	if s.gen == next {
		return
	}
	s.gen = next
	s.dirty = true
	s.notify("")
}
