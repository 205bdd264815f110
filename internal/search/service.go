package search

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"folio/api/internal/events"
	"folio/api/internal/logging"
	"folio/api/internal/store"
)

// PageLoader lists every page for a full reindex.
type PageLoader interface {
	ListPagesForIndex(ctx context.Context) ([]store.IndexedPage, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    Index
	fallback Searcher
	logger   *zap.Logger
	inflight sync.WaitGroup
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index Index, fallback Searcher, logger *zap.Logger) *Service {
	return &Service{index: index, fallback: fallback, logger: logging.OrNop(logger).Named("search")}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back to PG FTS. A
// failing backend yields an empty response rather than an error.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// DeletePage removes a page from the index (fire-and-forget).
func (s *Service) DeletePage(id string) {
	if !s.indexReady() {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := s.index.DeletePage(id); err != nil {
			s.logger.Warn("delete page from index", zap.String("page_id", id), zap.Error(err))
		}
	}()
}

// ReindexAll reads all pages from the store and pushes them to the index.
func (s *Service) ReindexAll(ctx context.Context, loader PageLoader) error {
	if !s.indexReady() {
		return nil
	}
	pages, err := loader.ListPagesForIndex(ctx)
	if err != nil {
		return err
	}
	records := make([]PageRecord, 0, len(pages))
	for _, page := range pages {
		records = append(records, PageRecord{
			ID:          page.ID.String(),
			Title:       page.Title,
			URL:         page.PageURL,
			Description: page.Description,
		})
	}
	if err := s.index.IndexPages(records); err != nil {
		return err
	}
	s.logger.Info("search index rebuilt", zap.Int("pages", len(records)))
	return nil
}

// Subscribe drops deleted pages from the index.
func (s *Service) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.KindPageDeleted, func(_ context.Context, event events.Event) {
		s.DeletePage(event.AggregateID.String())
	})
}

// Wait blocks until background index updates have finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
