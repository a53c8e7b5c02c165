// Package server exposes the feed store over a small JSON API. It is
// the only surface a UI talks to: it supplies feed URLs and
// preferences, and reads back feed state; rendering is not its job.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bryan-buckman/feedmail/internal/itemstore"
	"github.com/bryan-buckman/feedmail/internal/model"
	"github.com/bryan-buckman/feedmail/internal/opml"
	"github.com/bryan-buckman/feedmail/internal/storesummary"
	feedsync "github.com/bryan-buckman/feedmail/internal/sync"
)

// Server is the HTTP front of one feed store.
type Server struct {
	registry *storesummary.Summary
	items    *itemstore.Store
	engine   *feedsync.Engine
	poller   *feedsync.Poller
	router   chi.Router
	logger   *slog.Logger
}

// New wires a server around an already-loaded store.
func New(registry *storesummary.Summary, items *itemstore.Store, engine *feedsync.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		items:    items,
		engine:   engine,
		poller:   feedsync.NewPoller(engine),
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleSubscribe)
		r.Route("/feeds/{feedID}", func(r chi.Router) {
			r.Get("/", s.handleGetFeed)
			r.Delete("/", s.handleUnsubscribe)
			r.Patch("/", s.handleUpdateFeed)
			r.Post("/refresh", s.handleRefreshFeed)
			r.Post("/expunge", s.handleExpunge)
			r.Get("/items", s.handleListItems)
			r.Get("/items/{uid}", s.handleGetMessage)
			r.Post("/items/{uid}/read", s.handleMarkRead)
			r.Post("/items/{uid}/delete", s.handleMarkDeleted)
		})
		r.Post("/refresh", s.handleRefreshAll)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSaveSettings)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the server and the background poller.
func (s *Server) Start(addr string) error {
	s.poller.Start()
	s.logger.Info("server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

// Stop stops the poller.
func (s *Server) Stop() {
	s.poller.Stop()
}

// --- helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storesummary.ErrNotFound), errors.Is(err, itemstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, feedsync.ErrNotAFeed):
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

type feedJSON struct {
	ID               string `json:"id"`
	Href             string `json:"href"`
	DisplayName      string `json:"displayName"`
	ContentType      string `json:"contentType"`
	TotalCount       uint64 `json:"totalCount"`
	UnreadCount      uint64 `json:"unreadCount"`
	LastUpdated      int64  `json:"lastUpdated"`
	Index            int64  `json:"index"`
	CompleteArticles int    `json:"completeArticles"`
	FeedEnclosures   int    `json:"feedEnclosures"`
}

func toFeedJSON(info model.FeedInfo) feedJSON {
	return feedJSON{
		ID:               info.ID,
		Href:             info.Href,
		DisplayName:      info.DisplayName,
		ContentType:      info.ContentType.String(),
		TotalCount:       info.TotalCount,
		UnreadCount:      info.UnreadCount,
		LastUpdated:      info.LastUpdated,
		Index:            info.Index,
		CompleteArticles: int(info.CompleteArticles),
		FeedEnclosures:   int(info.FeedEnclosures),
	}
}

// --- feed handlers ---

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.Feeds()
	out := make([]feedJSON, 0, len(infos))
	for _, info := range infos {
		out = append(out, toFeedJSON(info))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Info(chi.URLParam(r, "feedID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toFeedJSON(info))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Href        string  `json:"href"`
		DisplayName string  `json:"displayName"`
		ContentType *string `json:"contentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Href == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "href is required"})
		return
	}
	var ct *model.ContentType
	if req.ContentType != nil {
		parsed := model.ParseContentType(*req.ContentType)
		ct = &parsed
	}
	id, err := s.engine.Subscribe(r.Context(), req.Href, req.DisplayName, ct)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.registry.Info(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toFeedJSON(info))
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unsubscribe(chi.URLParam(r, "feedID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateFeed(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	var req struct {
		DisplayName      *string `json:"displayName"`
		ContentType      *string `json:"contentType"`
		CompleteArticles *int    `json:"completeArticles"`
		FeedEnclosures   *int    `json:"feedEnclosures"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	apply := func(err error) bool {
		if err != nil {
			s.writeError(w, err)
			return false
		}
		return true
	}
	if req.DisplayName != nil && !apply(s.registry.SetDisplayName(feedID, *req.DisplayName)) {
		return
	}
	if req.ContentType != nil && !apply(s.registry.SetContentType(feedID, model.ParseContentType(*req.ContentType))) {
		return
	}
	if req.CompleteArticles != nil && !apply(s.registry.SetCompleteArticles(feedID, model.ThreeState(*req.CompleteArticles))) {
		return
	}
	if req.FeedEnclosures != nil && !apply(s.registry.SetFeedEnclosures(feedID, model.ThreeState(*req.FeedEnclosures))) {
		return
	}
	if err := s.registry.Save(); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.registry.Info(feedID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toFeedJSON(info))
}

func (s *Server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Refresh(r.Context(), chi.URLParam(r, "feedID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	results := s.engine.RefreshAll(r.Context())
	summary := map[string]any{"feeds": len(results)}
	inserted := 0
	var failed []string
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res.FeedID)
			continue
		}
		if res.Result != nil {
			inserted += res.Result.Inserted
		}
	}
	summary["inserted"] = inserted
	summary["failed"] = failed
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleExpunge(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	if !s.registry.Contains(feedID) {
		s.writeError(w, storesummary.ErrNotFound)
		return
	}
	n, err := s.items.Expunge(feedID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"expunged": n})
}

// --- item handlers ---

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	if !s.registry.Contains(feedID) {
		s.writeError(w, storesummary.ErrNotFound)
		return
	}
	envs, err := s.items.Items(feedID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := s.items.Message(chi.URLParam(r, "feedID"), chi.URLParam(r, "uid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "message/rfc822")
	w.Write(raw)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.handleFlag(w, r, func(feedID, uid string, set bool) error {
		return s.items.MarkRead(feedID, uid, set)
	})
}

func (s *Server) handleMarkDeleted(w http.ResponseWriter, r *http.Request) {
	s.handleFlag(w, r, func(feedID, uid string, set bool) error {
		return s.items.MarkDeleted(feedID, uid, set)
	})
}

func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request, set func(feedID, uid string, val bool) error) {
	var req struct {
		Value *bool `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "value is required"})
		return
	}
	if err := set(chi.URLParam(r, "feedID"), chi.URLParam(r, "uid"), *req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- settings handlers ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Settings())
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var settings storesummary.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	s.registry.SetSettings(settings)
	if err := s.registry.Save(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Settings())
}

// --- OPML handlers ---

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	entries, err := opml.Parse(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	imported, skipped := 0, 0
	for _, entry := range entries {
		// Imports dedupe by href: a known subscription is skipped even
		// under a different proposed name.
		if _, ok := s.registry.FindByHref(entry.Href); ok {
			skipped++
			continue
		}
		if _, err := s.registry.Add(entry.Href, entry.Title, "", entry.ContentType); err != nil {
			s.writeError(w, err)
			return
		}
		imported++
	}
	if err := s.registry.Save(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"imported": imported, "skipped": skipped})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	var entries []opml.FeedEntry
	for _, info := range s.registry.Feeds() {
		entries = append(entries, opml.FeedEntry{
			Title:       info.DisplayName,
			Href:        info.Href,
			ContentType: info.ContentType,
		})
	}
	out, err := opml.Export("feeds", entries)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-opml+xml")
	w.Header().Set("Content-Disposition", `attachment; filename="feeds.opml"`)
	w.Write(out)
}
