package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bryan-buckman/feedmail/internal/itemstore"
	"github.com/bryan-buckman/feedmail/internal/server"
	"github.com/bryan-buckman/feedmail/internal/storesummary"
	feedsync "github.com/bryan-buckman/feedmail/internal/sync"
)

func main() {
	var (
		dataDir = flag.String("data", defaultDataDir(), "directory for the feed registry, item index and caches")
		addr    = flag.String("addr", "0.0.0.0:8080", "listen address")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "dir", *dataDir, "error", err)
		os.Exit(1)
	}

	registry := storesummary.New(*dataDir, logger)
	defer registry.Close()
	if err := registry.Load(); err != nil {
		logger.Error("failed to load feed registry", "error", err)
		os.Exit(1)
	}

	items, err := itemstore.Open(*dataDir, logger)
	if err != nil {
		logger.Error("failed to open item store", "error", err)
		os.Exit(1)
	}
	defer items.Close()
	items.SetCountsObserver(func(feedID string, total, unread uint64) {
		if err := registry.SetCounts(feedID, total, unread); err != nil {
			logger.Warn("failed to mirror counts", "feed", feedID, "error", err)
		}
	})

	engine := feedsync.New(registry, items, nil, logger)

	srv := server.New(registry, items, engine, logger)
	defer srv.Stop()
	if err := srv.Start(*addr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "feedmail-data"
	}
	return filepath.Join(base, "feedmail")
}
