package source

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pep299/daily-digest/internal/fingerprint"
	"github.com/pep299/daily-digest/internal/model"
)

// Coordinator fans out to every adapter with a parallelism bound and a
// per-source timeout. A failing source is logged and skipped.
type Coordinator struct {
	adapters    []Adapter
	parallelism int
	timeout     time.Duration
	logger      *slog.Logger
}

// NewCoordinator creates a coordinator over adapters.
func NewCoordinator(adapters []Adapter, parallelism int, timeout time.Duration, logger *slog.Logger) *Coordinator {
	if parallelism <= 0 {
		parallelism = 4
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		adapters:    adapters,
		parallelism: parallelism,
		timeout:     timeout,
		logger:      logger,
	}
}

// Sources returns the number of configured adapters.
func (c *Coordinator) Sources() int { return len(c.adapters) }

// Stream yields the items of one ingestion pass. It can be consumed once.
// Callers must drain it or cancel the context passed to Ingest.
type Stream struct {
	items chan model.Item
	done  chan struct{}

	mu    sync.Mutex
	stats []model.SourceStat
}

// Next returns the next item, or false once every source has finished.
func (s *Stream) Next() (model.Item, bool) {
	item, ok := <-s.items
	return item, ok
}

// Stats blocks until all sources finished and returns one entry per source
// in configuration order.
func (s *Stream) Stats() []model.SourceStat {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SourceStat(nil), s.stats...)
}

// Collect drains the stream.
func (s *Stream) Collect() []model.Item {
	var items []model.Item
	for {
		item, ok := s.Next()
		if !ok {
			return items
		}
		items = append(items, item)
	}
}

// Ingest starts fetching from every source. Items older than since are dropped.
func (c *Coordinator) Ingest(ctx context.Context, since time.Time) *Stream {
	s := &Stream{
		items: make(chan model.Item),
		done:  make(chan struct{}),
		stats: make([]model.SourceStat, len(c.adapters)),
	}

	go func() {
		defer close(s.done)
		defer close(s.items)

		var g errgroup.Group
		g.SetLimit(c.parallelism)
		for i, adapter := range c.adapters {
			i, adapter := i, adapter
			g.Go(func() error {
				stat := c.fetchOne(ctx, adapter, since, s.items)
				s.mu.Lock()
				s.stats[i] = stat
				s.mu.Unlock()
				return nil
			})
		}
		g.Wait()
	}()

	return s
}

func (c *Coordinator) fetchOne(ctx context.Context, adapter Adapter, since time.Time, out chan<- model.Item) model.SourceStat {
	stat := model.SourceStat{SourceID: adapter.ID()}
	logger := c.logger.With("source", adapter.ID())

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	items, err := adapter.Fetch(fetchCtx, since)

	var itemErrs ItemErrors
	switch {
	case err == nil:
	case errors.As(err, &itemErrs):
		for _, pe := range itemErrs {
			logger.Warn("skipping unparseable item", "ref", pe.Ref, "error", pe.Err)
		}
		stat.Skipped += len(itemErrs)
	default:
		fetchErr := &model.SourceFetchError{SourceID: adapter.ID(), Err: err}
		logger.Warn("source skipped for this run", "error", fetchErr, "elapsed", time.Since(start))
		stat.Error = fetchErr.Error()
		return stat
	}

	for _, item := range items {
		if item.SourceID == "" {
			item.SourceID = adapter.ID()
		}
		if item.ExternalID == "" && item.URL == "" && item.Title == "" {
			pe := &model.ParseError{SourceID: adapter.ID(), Ref: "(empty)", Err: errors.New("item has no identity")}
			logger.Warn("skipping unparseable item", "error", pe)
			stat.Skipped++
			continue
		}
		if !item.PublishedAt.IsZero() && item.PublishedAt.Before(since) {
			continue
		}
		item.Fingerprint = fingerprint.Of(item)

		select {
		case out <- item:
			stat.Fetched++
		case <-ctx.Done():
			stat.Error = ctx.Err().Error()
			return stat
		}
	}

	logger.Debug("source fetched", "items", stat.Fetched, "skipped", stat.Skipped, "elapsed", time.Since(start))
	return stat
}
