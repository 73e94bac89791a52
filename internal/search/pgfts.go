package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches the decision log with PostgreSQL full-text search when
// Meilisearch is unavailable. Open suggestions are not stored in Postgres,
// so suggestion queries return nothing here.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the decision log is too.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if q.FilterType != "" && q.FilterType != ResultDecision {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	where, args := decisionWhere(q)
	countSQL := "SELECT count(*) FROM suggestion_decisions sd WHERE " + where
	dataSQL := fmt.Sprintf(`
		SELECT sd.id::text, sd.suggestion_id, sd.outcome,
			ts_headline('simple', sd.path || ' ' || sd.decided_by_name, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			sd.path, sd.cell_id
		FROM suggestion_decisions sd
		WHERE %s
		ORDER BY ts_rank(sd.fts, plainto_tsquery('simple', $1)) DESC, sd.decided_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		r := Result{Type: ResultDecision}
		if err := rows.Scan(&r.ID, &r.SuggestionID, &r.Title, &r.Snippet, &r.Path, &r.CellID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

func decisionWhere(q Query) (string, []any) {
	clauses := []string{"sd.fts @@ plainto_tsquery('simple', $1)"}
	args := []any{q.Text}
	if q.FilterPath != "" {
		args = append(args, q.FilterPath)
		clauses = append(clauses, fmt.Sprintf("sd.path = $%d", len(args)))
	}
	if q.FilterKind != "" {
		args = append(args, q.FilterKind)
		clauses = append(clauses, fmt.Sprintf("sd.kind = $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// LoadDecisions returns every decision for full reindexing.
func (p *PgFTS) LoadDecisions(ctx context.Context) ([]DecisionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id::text, suggestion_id, path, cell_id, kind, outcome, decided_by_name
		FROM suggestion_decisions
	`)
	if err != nil {
		return nil, fmt.Errorf("load decisions: %w", err)
	}
	defer rows.Close()

	decisions := make([]DecisionRecord, 0)
	for rows.Next() {
		var d DecisionRecord
		if err := rows.Scan(&d.ID, &d.SuggestionID, &d.Path, &d.CellID, &d.Kind, &d.Outcome, &d.DecidedBy); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return decisions, nil
}
