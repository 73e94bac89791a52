package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. Either backend may be nil.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) meiliReady() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

// IndexSuggestion indexes a suggestion (fire-and-forget to Meilisearch).
func (s *Service) IndexSuggestion(rec SuggestionRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexSuggestion(rec); err != nil {
			log.Printf("search: index suggestion %s: %v", rec.ID, err)
		}
	}()
}

// DeleteSuggestion removes a suggestion from the index (fire-and-forget).
func (s *Service) DeleteSuggestion(id string) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.DeleteSuggestion(id); err != nil {
			log.Printf("search: delete suggestion %s: %v", id, err)
		}
	}()
}

// IndexDecision indexes a decision (fire-and-forget to Meilisearch).
func (s *Service) IndexDecision(rec DecisionRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexDecision(rec); err != nil {
			log.Printf("search: index decision %s: %v", rec.ID, err)
		}
	}()
}

// ReindexDecisionsFromPG pushes the whole decision log into Meilisearch.
func (s *Service) ReindexDecisionsFromPG(ctx context.Context) {
	if !s.meiliReady() || s.pgfts == nil {
		return
	}
	decisions, err := s.pgfts.LoadDecisions(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexDecisions(decisions); err != nil {
		log.Printf("search: reindex decisions: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
