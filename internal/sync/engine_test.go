package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/feedmail/internal/itemstore"
	"github.com/bryan-buckman/feedmail/internal/model"
	"github.com/bryan-buckman/feedmail/internal/storesummary"
)

type testEnv struct {
	registry *storesummary.Summary
	items    *itemstore.Store
	engine   *Engine
}

func newTestEnv(t *testing.T) *testEnv {
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
	return &testEnv{
		registry: registry,
		items:    items,
		engine:   New(registry, items, nil, nil),
	}
}

func feedXML(items string) string {
	return `<rss version="2.0"><channel><title>T</title><link>https://t.example</link>` + items + `</channel></rss>`
}

const itemOne = `<item><title>One</title><guid>g1</guid><link>https://t.example/1</link>
<description>first</description><pubDate>Mon, 01 Jan 2024 00:00:00 GMT</pubDate></item>`

const itemTwo = `<item><title>Two</title><guid>g2</guid><link>https://t.example/2</link>
<description>second</description><pubDate>Tue, 02 Jan 2024 00:00:00 GMT</pubDate></item>`

func TestRefreshIngestsAndAdvancesCursor(t *testing.T) {
	env := newTestEnv(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Tue, 02 Jan 2024 00:00:00 GMT")
		fmt.Fprint(w, feedXML(itemTwo+itemOne)) // out of document/date order on purpose
	}))
	defer srv.Close()

	id, err := env.registry.Add(srv.URL, "Test", "", model.ContentTypeHTML)
	require.NoError(t, err)

	res, err := env.engine.Refresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Zero(t, res.Updated)
	assert.Len(t, res.Keys, 2)

	info, err := env.registry.Info(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1704153600), info.LastUpdated, "cursor is the max last-modified, not the last processed")
	assert.Equal(t, `"v1"`, info.LastETag)
	assert.Equal(t, "Tue, 02 Jan 2024 00:00:00 GMT", info.LastModified)
	assert.Equal(t, uint64(2), info.TotalCount)
	assert.Equal(t, uint64(2), info.UnreadCount)

	envs, err := env.items.Items(id)
	require.NoError(t, err)
	require.Len(t, envs, 2)
}

func TestRefreshSkipsItemsAtOrBelowCursor(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedXML(itemOne+itemTwo))
	}))
	defer srv.Close()

	id, err := env.registry.Add(srv.URL, "Test", "", model.ContentTypeHTML)
	require.NoError(t, err)
	// Cursor equal to item One's date: equal counts as already seen.
	require.NoError(t, env.registry.SetLastUpdated(id, 1704067200))

	res, err := env.engine.Refresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted, "only the strictly newer item is ingested")
}

func TestWeakETagNeverStored(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `W/"weak-tag"`)
		fmt.Fprint(w, feedXML(itemOne))
	}))
	defer srv.Close()

	id, err := env.registry.Add(srv.URL, "Test", "", model.ContentTypeHTML)
	require.NoError(t, err)
	_, err = env.engine.Refresh(context.Background(), id)
	require.NoError(t, err)

	info, err := env.registry.Info(id)
	require.NoError(t, err)
	assert.Empty(t, info.LastETag)
}

func TestConditionalHeadersSent(t *testing.T) {
	env := newTestEnv(t)
	var gotIfNoneMatch atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inm := r.Header.Get("If-None-Match"); inm != "" {
			gotIfNoneMatch.Store(inm)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v9"`)
		fmt.Fprint(w, feedXML(itemOne))
	}))
	defer srv.Close()

	id, err := env.registry.Add(srv.URL, "Test", "", model.ContentTypeHTML)
	require.NoError(t, err)
	_, err = env.engine.Refresh(context.Background(), id)
	require.NoError(t, err)

	res, err := env.engine.Refresh(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	assert.Equal(t, `"v9"`, gotIfNoneMatch.Load())
}

func TestNotModifiedLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	id, err := env.registry.Add(srv.URL, "Test", "", model.ContentTypeHTML)
	require.NoError(t, err)
	require.NoError(t, env.registry.SetLastETag(id, `"frozen"`))
	require.NoError(t, env.registry.SetLastModified(id, "Mon, 01 Jan 2024 00:00:00 GMT"))
	require.NoError(t, env.registry.SetLastUpdated(id, 42))
	require.NoError(t, env.registry.SetCounts(id, 7, 3))
	before, err := env.registry.Info(id)
	require.NoError(t, err)

	res, err := env.engine.Refresh(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.NotModified)

	after, err := env.registry.Info(id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTransportErrorLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	id, err := env.registry.Add(srv.URL, "Test", "", model.ContentTypeHTML)
	require.NoError(t, err)
	require.NoError(t, env.registry.SetLastUpdated(id, 42))
	before, err := env.registry.Info(id)
	require.NoError(t, err)

	_, err = env.engine.Refresh(context.Background(), id)
	require.Error(t, err)

	after, err := env.registry.Info(id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRefreshUnknownFeed(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Refresh(context.Background(), "missing")
	assert.ErrorIs(t, err, storesummary.ErrNotFound)
}

func TestHTTPErrorSurfaced(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	id, err := env.registry.Add(srv.URL, "Test", "", model.ContentTypeHTML)
	require.NoError(t, err)
	_, err = env.engine.Refresh(context.Background(), id)
	require.Error(t, err)
	assert.True(t, IsHTTPStatusError(err))
}

func TestEnclosureDownloadAndSizeCap(t *testing.T) {
	env := newTestEnv(t)
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<rss version="2.0"><channel><title>T</title>
<item><title>Pod</title><guid>p1</guid><pubDate>Mon, 01 Jan 2024 00:00:00 GMT</pubDate>
<enclosure url="%s/small.bin" type="application/octet-stream" length="4"/>
<enclosure url="%s/huge.bin" type="application/octet-stream" length="1000000"/>
</item></channel></rss>`, srvURL, srvURL)
	})
	mux.HandleFunc("/small.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	})
	var hugeFetched atomic.Bool
	mux.HandleFunc("/huge.bin", func(w http.ResponseWriter, r *http.Request) {
		hugeFetched.Store(true)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	env.registry.SetSettings(storesummary.Settings{
		FeedEnclosures:     true,
		LimitEnclosureSize: true,
		MaxEnclosureSize:   1024,
		PollIntervalMins:   15,
	})

	id, err := env.registry.Add(srv.URL+"/feed", "Pod", "", model.ContentTypeHTML)
	require.NoError(t, err)
	res, err := env.engine.Refresh(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	assert.False(t, hugeFetched.Load(), "oversized enclosure is never fetched")

	raw, err := env.items.Message(id, res.Keys[0])
	require.NoError(t, err)
	msg := string(raw)
	assert.Contains(t, msg, "small.bin")
	assert.Contains(t, msg, "multipart/mixed")
	assert.Contains(t, msg, "/huge.bin", "skipped enclosure degrades to a link")
}

func TestCompleteArticleFetchIsBestEffort(t *testing.T) {
	env := newTestEnv(t)
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<rss version="2.0"><channel><title>T</title>
<item><title>Up</title><guid>a1</guid><link>%s/article</link><pubDate>Mon, 01 Jan 2024 00:00:00 GMT</pubDate></item>
<item><title>Down</title><guid>a2</guid><link>%s/missing</link><pubDate>Mon, 01 Jan 2024 01:00:00 GMT</pubDate></item>
</channel></rss>`, srvURL, srvURL)
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><script>evil()</script></head><body>the full story</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	id, err := env.registry.Add(srv.URL+"/feed", "T", "", model.ContentTypeHTML)
	require.NoError(t, err)
	require.NoError(t, env.registry.SetCompleteArticles(id, model.ThreeStateOn))

	res, err := env.engine.Refresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted, "a failed article fetch still ingests the item")

	envs, err := env.items.Items(id)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	raw, err := env.items.Message(id, envs[0].UID)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "the full story")
	assert.NotContains(t, string(raw), "evil()", "scripts are stripped from fetched articles")
}

func TestCancellationCommitsNothingNew(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedXML(itemOne))
	}))
	defer srv.Close()

	id, err := env.registry.Add(srv.URL, "Test", "", model.ContentTypeHTML)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = env.engine.Refresh(ctx, id)
	require.ErrorIs(t, err, context.Canceled)

	info, err := env.registry.Info(id)
	require.NoError(t, err)
	assert.Zero(t, info.LastUpdated, "cancelled pass never advances the cursor")
}
