package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/feedmail/internal/itemstore"
	"github.com/bryan-buckman/feedmail/internal/model"
	"github.com/bryan-buckman/feedmail/internal/storesummary"
	feedsync "github.com/bryan-buckman/feedmail/internal/sync"
)

func newTestServer(t *testing.T) (*Server, *storesummary.Summary, *itemstore.Store) {
	t.Helper()
	dir := t.TempDir()
	registry := storesummary.New(dir, nil)
	t.Cleanup(registry.Close)
	items, err := itemstore.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { items.Close() })
	items.SetCountsObserver(func(feedID string, total, unread uint64) {
		_ = registry.SetCounts(feedID, total, unread)
	})
	engine := feedsync.New(registry, items, nil, nil)
	return New(registry, items, engine, nil), registry, items
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const testFeed = `<rss version="2.0"><channel><title>Remote Title</title>
<link>https://t.example</link>
<item><title>One</title><guid>g1</guid><link>https://t.example/1</link>
<description>first</description><pubDate>Mon, 01 Jan 2024 00:00:00 GMT</pubDate></item>
</channel></rss>`

func TestSubscribeAndListFeeds(t *testing.T) {
	srv, _, _ := newTestServer(t)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testFeed)
	}))
	defer remote.Close()

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/feeds", map[string]string{"href": remote.URL})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created feedJSON
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, remote.URL, created.Href)
	assert.Equal(t, "Remote Title", created.DisplayName, "display name comes from the probed channel")

	// Subscribing the same href again returns the existing feed, not a
	// second one.
	w = doJSON(t, srv.Handler(), http.MethodPost, "/api/feeds", map[string]string{"href": remote.URL})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, srv.Handler(), http.MethodGet, "/api/feeds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []feedJSON
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestSubscribeRequiresHref(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/feeds", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateFeed(t *testing.T) {
	srv, registry, _ := newTestServer(t)
	id, err := registry.Add("https://t.example/feed", "Old Name", "", model.ContentTypeHTML)
	require.NoError(t, err)

	one := 1
	name := "New Name"
	ct := "markdown"
	w := doJSON(t, srv.Handler(), http.MethodPatch, "/api/feeds/"+id, map[string]any{
		"displayName":      &name,
		"contentType":      &ct,
		"completeArticles": &one,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	info, err := registry.Info(id)
	require.NoError(t, err)
	assert.Equal(t, "New Name", info.DisplayName)
	assert.Equal(t, model.ContentTypeMarkdown, info.ContentType)
	assert.Equal(t, model.ThreeStateOn, info.CompleteArticles)
	assert.Equal(t, model.ThreeStateInherit, info.FeedEnclosures, "untouched fields keep their value")
}

func TestUnknownFeedIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/feeds/nope/"},
		{http.MethodGet, "/api/feeds/nope/items"},
		{http.MethodPost, "/api/feeds/nope/expunge"},
	} {
		w := doJSON(t, srv.Handler(), tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestMarkReadUpdatesCounts(t *testing.T) {
	srv, registry, items := newTestServer(t)
	id, err := registry.Add("https://t.example/feed", "Feed", "", model.ContentTypeHTML)
	require.NoError(t, err)

	feed, err := registry.Info(id)
	require.NoError(t, err)
	item := model.NormalizedItem{
		ID: "g1", Link: "https://t.example/1", Title: "One", Body: "<p>hi</p>",
		LastModified: 1704067200,
	}
	_, err = items.AddOrUpdate(feed, item, "")
	require.NoError(t, err)
	uid := itemstore.DedupeKey(item)

	val := true
	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/feeds/"+id+"/items/"+uid+"/read", map[string]any{"value": &val})
	require.Equal(t, http.StatusNoContent, w.Code)

	info, err := registry.Info(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.TotalCount)
	assert.Zero(t, info.UnreadCount)

	w = doJSON(t, srv.Handler(), http.MethodGet, "/api/feeds/"+id+"/items/"+uid, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "message/rfc822", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "Subject: One")
}

func TestImportOPMLDedupesByHref(t *testing.T) {
	srv, registry, _ := newTestServer(t)
	_, err := registry.Add("https://a.example/feed", "Already Here", "", model.ContentTypeHTML)
	require.NoError(t, err)

	doc := `<?xml version="1.0"?>
<opml version="2.0"><head><title>subs</title></head><body>
<outline text="Already Here Renamed" xmlUrl="https://a.example/feed"/>
<outline text="Fresh" xmlUrl="https://b.example/feed" contentType="text"/>
</body></opml>`

	req := httptest.NewRequest(http.MethodPost, "/api/import-opml", strings.NewReader(doc))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res map[string]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, 1, res["imported"])
	assert.Equal(t, 1, res["skipped"])

	id, ok := registry.FindByHref("https://b.example/feed")
	require.True(t, ok)
	info, err := registry.Info(id)
	require.NoError(t, err)
	assert.Equal(t, model.ContentTypePlainText, info.ContentType)
}

func TestExportOPML(t *testing.T) {
	srv, registry, _ := newTestServer(t)
	_, err := registry.Add("https://a.example/feed", "Feed A", "", model.ContentTypeMarkdown)
	require.NoError(t, err)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/export-opml", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `xmlUrl="https://a.example/feed"`)
	assert.Contains(t, body, `e:contentType="markdown"`)
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/settings", storesummary.Settings{
		CompleteArticles:   true,
		LimitEnclosureSize: true,
		MaxEnclosureSize:   1 << 20,
		PollIntervalMins:   30,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv.Handler(), http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got storesummary.Settings
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.True(t, got.CompleteArticles)
	assert.Equal(t, int64(1<<20), got.MaxEnclosureSize)
	assert.Equal(t, 30, got.PollIntervalMins)
}
