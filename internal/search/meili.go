package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxSuggestions = "notebook_suggestions"
	idxDecisions   = "notebook_suggestion_decisions"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server leaves the client unhealthy until the health loop sees
// it recover.
func NewMeili(url, apiKey string) *Meili {
	return newMeili(url, apiKey, 10*time.Second)
}

func newMeili(url, apiKey string, healthEvery time.Duration) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop(healthEvery)
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxSuggestions,
			primaryKey: "id",
			filterable: []string{"path", "cellId", "kind"},
			searchable: []string{"source", "author", "path"},
		},
		{
			uid:        idxDecisions,
			primaryKey: "id",
			filterable: []string{"path", "cellId", "kind", "outcome"},
			searchable: []string{"decidedBy", "path", "outcome"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxSuggestions, ResultSuggestion},
		{idxDecisions, ResultDecision},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}
		if filters := meiliFilters(q); len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func meiliFilters(q Query) []string {
	var filters []string
	if q.FilterPath != "" {
		filters = append(filters, fmt.Sprintf("path = %q", q.FilterPath))
	}
	if q.FilterKind != "" {
		filters = append(filters, fmt.Sprintf("kind = %q", q.FilterKind))
	}
	return filters
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxSuggestions:
		return ResultSuggestion
	case idxDecisions:
		return ResultDecision
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.Path = decodeString(hit, "path")
	r.CellID = decodeString(hit, "cellId")

	switch rtyp {
	case ResultSuggestion:
		r.SuggestionID = r.ID
		r.Title = firstNonBlank(decodeFormattedString(hit, "author"), decodeString(hit, "author"), r.Path)
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "source"), decodeString(hit, "source"))
	case ResultDecision:
		r.SuggestionID = decodeString(hit, "suggestionId")
		r.Title = firstNonBlank(decodeFormattedString(hit, "outcome"), decodeString(hit, "outcome"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "decidedBy"), decodeString(hit, "decidedBy"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexSuggestion(s SuggestionRecord) error {
	_, err := m.client.Index(idxSuggestions).AddDocuments([]SuggestionRecord{s}, nil)
	return err
}

func (m *Meili) DeleteSuggestion(id string) error {
	_, err := m.client.Index(idxSuggestions).DeleteDocument(id, nil)
	return err
}

func (m *Meili) IndexDecision(d DecisionRecord) error {
	_, err := m.client.Index(idxDecisions).AddDocuments([]DecisionRecord{d}, nil)
	return err
}

// IndexSuggestions bulk-indexes suggestions.
func (m *Meili) IndexSuggestions(suggestions []SuggestionRecord) error {
	if len(suggestions) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSuggestions).AddDocuments(suggestions, nil)
	return err
}

// IndexDecisions bulk-indexes decision records.
func (m *Meili) IndexDecisions(decisions []DecisionRecord) error {
	if len(decisions) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDecisions).AddDocuments(decisions, nil)
	return err
}
