package sync

import (
	"context"
	"sync"
	"time"
)

// RefreshResult pairs one feed with the outcome of its refresh.
type RefreshResult struct {
	FeedID string
	Result *Result
	Err    error
}

// RefreshAll refreshes every registered feed on a small worker pool.
// Individual feed failures are reported per feed, never aborting the
// others.
func (e *Engine) RefreshAll(ctx context.Context) []RefreshResult {
	infos := e.registry.Feeds()
	if len(infos) == 0 {
		return nil
	}
	e.logger.Info("refreshing feeds", "count", len(infos), "concurrency", MaxConcurrentFeeds)

	feedChan := make(chan string, len(infos))
	resultChan := make(chan RefreshResult, len(infos))

	var wg sync.WaitGroup
	for i := 0; i < MaxConcurrentFeeds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range feedChan {
				if ctx.Err() != nil {
					return
				}
				res, err := e.Refresh(ctx, id)
				resultChan <- RefreshResult{FeedID: id, Result: res, Err: err}
			}
		}()
	}

	for _, info := range infos {
		feedChan <- info.ID
	}
	close(feedChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var results []RefreshResult
	for r := range resultChan {
		if r.Err != nil {
			e.logger.Warn("feed refresh failed", "feed", r.FeedID, "error", r.Err)
		}
		results = append(results, r)
	}
	return results
}

// Poller runs continuous background refreshes.
type Poller struct {
	engine   *Engine
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates a background poller around an engine.
func NewPoller(engine *Engine) *Poller {
	return &Poller{
		engine:   engine,
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop. The interval comes from the registry's
// store-wide settings on every round, so changes apply without restart.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			interval := p.engine.registry.Settings().PollIntervalMins
			p.engine.logger.Info("poller: refreshing all feeds", "interval_minutes", interval)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			results := p.engine.RefreshAll(ctx)
			cancel()

			inserted := 0
			for _, r := range results {
				if r.Result != nil {
					inserted += r.Result.Inserted
				}
			}
			p.engine.logger.Info("poller: refresh round done", "feeds", len(results), "new_items", inserted)

			select {
			case <-p.stopChan:
				return
			case <-time.After(time.Duration(interval) * time.Minute):
			}
		}
	}()
}

// Stop stops the poller gracefully.
func (p *Poller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}
