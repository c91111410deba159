package search

import (
	"context"

	"github.com/rs/zerolog"
)

type engine interface {
	Searcher
	Indexer
}

// Service is the facade over Meilisearch. When the index is missing or
// unhealthy SearchIDs reports false and callers fall back to database search.
type Service struct {
	index  engine
	source *PgSource
	log    zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, source *PgSource, logger zerolog.Logger) *Service {
	s := &Service{source: source, log: logger}
	if meili != nil {
		s.index = meili
	}
	return s
}

// SearchIDs returns matching request ids and true, or false when no index
// could answer.
func (s *Service) SearchIDs(term string, limit int) ([]string, bool) {
	if s.index == nil || !s.index.Healthy() {
		return nil, false
	}
	ids, err := s.index.SearchIDs(term, limit)
	if err != nil {
		s.log.Warn().Err(err).Str("term", term).Msg("search: meilisearch error, falling back to database")
		return nil, false
	}
	return ids, true
}

// IndexRequest enqueues a document update in the caller's goroutine.
// Meilisearch applies the tasks of an index in enqueue order, so successive
// writes of one request cannot overtake each other.
func (s *Service) IndexRequest(rec RequestRecord) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	if err := s.index.IndexRequest(rec); err != nil {
		s.log.Warn().Err(err).Str("request_id", rec.ID).Msg("search: index request")
	}
}

// ReindexAllFromPG pushes every stored request into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() || s.source == nil {
		return
	}
	records, err := s.source.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("search: reindex load failed")
		return
	}
	if err := s.index.IndexRequests(records); err != nil {
		s.log.Warn().Err(err).Int("records", len(records)).Msg("search: reindex requests")
		return
	}
	s.log.Info().Int("records", len(records)).Msg("search: reindexed requests")
}
