// Package itemstore keeps the per-feed index of ingested items and the
// content-addressed cache of their message bodies.
package itemstore

import (
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/bryan-buckman/feedmail/internal/model"
)

// ErrNotFound is returned when a feed/item pair is not in the index.
var ErrNotFound = errors.New("item not found")

// ChangeKind says what AddOrUpdate did with an item.
type ChangeKind int

const (
	ChangeInserted ChangeKind = iota + 1
	ChangeUpdated
)

func (c ChangeKind) String() string {
	if c == ChangeInserted {
		return "inserted"
	}
	return "updated"
}

// Envelope is the indexed view of one stored item.
type Envelope struct {
	UID     string
	Subject string
	From    string
	Date    int64
	Link    string
	Read    bool
	Deleted bool
}

// CountsObserver receives the feed's totals after every index change.
type CountsObserver func(feedID string, total, unread uint64)

// Store is the message index plus body cache for one mail store. The
// index is a single SQLite database; bodies live as one file per item
// under cache/<feed-id>/<uid>.
type Store struct {
	db       *sql.DB
	cacheDir string
	logger   *slog.Logger
	onCounts CountsObserver
}

// Open opens or creates the item store under dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "items.db"))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	s := &Store{
		db:       db,
		cacheDir: filepath.Join(dir, "cache"),
		logger:   logger,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		feed_id TEXT NOT NULL,
		uid TEXT NOT NULL,
		subject TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		date INTEGER NOT NULL,
		link TEXT NOT NULL DEFAULT '',
		is_read INTEGER NOT NULL DEFAULT 0,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (feed_id, uid)
	);
	CREATE INDEX IF NOT EXISTS idx_items_feed_date ON items (feed_id, date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SetCountsObserver registers the callback that mirrors count changes
// into the feed registry. Pushes are one-way; the index stays the
// source of truth.
func (s *Store) SetCountsObserver(fn CountsObserver) {
	s.onCounts = fn
}

// DedupeKey hashes an item's identity: the feed-provided id when
// present, else the link, else the title. Body and enclosures never
// influence the key.
func DedupeKey(item model.NormalizedItem) string {
	src := item.ID
	if src == "" {
		src = item.Link
	}
	if src == "" {
		src = item.Title
	}
	sum := sha1.Sum([]byte(src))
	return hex.EncodeToString(sum[:])
}

// Contains reports whether an item with the given key is indexed.
func (s *Store) Contains(feedID, uid string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM items WHERE feed_id = ? AND uid = ?", feedID, uid).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddOrUpdate stores an item. An unseen dedupe key inserts a new
// record; a known key replaces the stored record wholesale with the
// freshly synthesized one. The body blob is written before the index
// row, so a failed write never leaves an index entry pointing at a
// missing blob.
func (s *Store) AddOrUpdate(feed model.FeedInfo, item model.NormalizedItem, completeArticle string) (ChangeKind, error) {
	uid := DedupeKey(item)

	raw, err := buildMessage(feed, item, completeArticle)
	if err != nil {
		return 0, fmt.Errorf("build message: %w", err)
	}
	if err := s.writeBlob(feed.ID, uid, raw); err != nil {
		return 0, fmt.Errorf("store body: %w", err)
	}

	existed, err := s.Contains(feed.ID, uid)
	if err != nil {
		return 0, err
	}
	from := itemFrom(feed, item).String()
	_, err = s.db.Exec(`
		INSERT INTO items (feed_id, uid, subject, sender, date, link, is_read, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0)
		ON CONFLICT(feed_id, uid) DO UPDATE SET
			subject = excluded.subject,
			sender = excluded.sender,
			date = excluded.date,
			link = excluded.link,
			is_deleted = 0`,
		feed.ID, uid, item.Title, from, item.LastModified, item.Link)
	if err != nil {
		return 0, fmt.Errorf("index item: %w", err)
	}

	s.pushCounts(feed.ID)
	if existed {
		return ChangeUpdated, nil
	}
	return ChangeInserted, nil
}

// Items lists a feed's envelopes in date order, oldest first.
func (s *Store) Items(feedID string) ([]Envelope, error) {
	rows, err := s.db.Query(`
		SELECT uid, subject, sender, date, link, is_read, is_deleted
		FROM items WHERE feed_id = ? ORDER BY date, uid`, feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var envs []Envelope
	for rows.Next() {
		var e Envelope
		if err := rows.Scan(&e.UID, &e.Subject, &e.From, &e.Date, &e.Link, &e.Read, &e.Deleted); err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

// Message returns the raw stored message for an indexed item.
func (s *Store) Message(feedID, uid string) ([]byte, error) {
	ok, err := s.Contains(feedID, uid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("item %s/%s: %w", feedID, uid, ErrNotFound)
	}
	raw, err := os.ReadFile(s.blobPath(feedID, uid))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return raw, nil
}

// MarkRead flips the read flag of one item.
func (s *Store) MarkRead(feedID, uid string, read bool) error {
	res, err := s.db.Exec("UPDATE items SET is_read = ? WHERE feed_id = ? AND uid = ?", boolInt(read), feedID, uid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s/%s: %w", feedID, uid, ErrNotFound)
	}
	s.pushCounts(feedID)
	return nil
}

// MarkDeleted flags an item for the next expunge.
func (s *Store) MarkDeleted(feedID, uid string, deleted bool) error {
	res, err := s.db.Exec("UPDATE items SET is_deleted = ? WHERE feed_id = ? AND uid = ?", boolInt(deleted), feedID, uid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s/%s: %w", feedID, uid, ErrNotFound)
	}
	s.pushCounts(feedID)
	return nil
}

// Expunge drops a feed's deleted-flagged items together with their
// cached bodies, then sweeps blobs no index entry references anymore.
func (s *Store) Expunge(feedID string) (int, error) {
	rows, err := s.db.Query("SELECT uid FROM items WHERE feed_id = ? AND is_deleted = 1", feedID)
	if err != nil {
		return 0, err
	}
	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return 0, err
		}
		uids = append(uids, uid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, uid := range uids {
		if _, err := s.db.Exec("DELETE FROM items WHERE feed_id = ? AND uid = ?", feedID, uid); err != nil {
			return 0, err
		}
		if err := os.Remove(s.blobPath(feedID, uid)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove cached body", "feed", feedID, "uid", uid, "error", err)
		}
	}
	s.sweepOrphans(feedID)
	s.pushCounts(feedID)
	return len(uids), nil
}

// RemoveFeed drops everything the store holds for a feed.
func (s *Store) RemoveFeed(feedID string) error {
	if _, err := s.db.Exec("DELETE FROM items WHERE feed_id = ?", feedID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.cacheDir, feedID)); err != nil {
		return fmt.Errorf("remove cache: %w", err)
	}
	return nil
}

// Counts returns the feed's total and unread item counts, not counting
// deleted-flagged items.
func (s *Store) Counts(feedID string) (total, unread uint64, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0)
		FROM items WHERE feed_id = ? AND is_deleted = 0`, feedID).Scan(&total, &unread)
	return total, unread, err
}

func (s *Store) pushCounts(feedID string) {
	if s.onCounts == nil {
		return
	}
	total, unread, err := s.Counts(feedID)
	if err != nil {
		s.logger.Warn("failed to count items", "feed", feedID, "error", err)
		return
	}
	s.onCounts(feedID, total, unread)
}

// sweepOrphans removes cache files whose index entry disappeared.
func (s *Store) sweepOrphans(feedID string) {
	dir := filepath.Join(s.cacheDir, feedID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ok, err := s.Contains(feedID, entry.Name())
		if err != nil || ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			s.logger.Warn("failed to sweep orphaned blob", "feed", feedID, "uid", entry.Name(), "error", err)
		}
	}
}

func (s *Store) blobPath(feedID, uid string) string {
	return filepath.Join(s.cacheDir, feedID, uid)
}

func (s *Store) writeBlob(feedID, uid string, raw []byte) error {
	dir := filepath.Join(s.cacheDir, feedID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp := filepath.Join(dir, uid+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, uid))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
