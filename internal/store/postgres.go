package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrDecisionExists is returned when a suggestion already has an outcome.
var ErrDecisionExists = errors.New("decision already recorded")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertDecision(ctx context.Context, d Decision) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestion_decisions (path, cell_id, suggestion_id, kind, outcome, manager, decided_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (suggestion_id) DO NOTHING
	`, d.Path, d.CellID, d.SuggestionID, d.Kind, d.Outcome, d.Manager, d.DecidedBy)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("insert decision %s: %w", d.SuggestionID, ErrDecisionExists)
	}
	return nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]Decision, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, cell_id, suggestion_id, kind, outcome, manager, decided_by_name, decided_at
		FROM suggestion_decisions
		WHERE path=$1
		  AND ($2='' OR cell_id=$2)
		  AND ($3='' OR outcome=$3)
		  AND ($4='' OR decided_by_name ILIKE '%' || $4 || '%')
		ORDER BY decided_at DESC, id DESC
		LIMIT $5
	`, filter.Path, filter.CellID, filter.Outcome, filter.Author, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	items := make([]Decision, 0)
	for rows.Next() {
		var item Decision
		if err := rows.Scan(
			&item.ID,
			&item.Path,
			&item.CellID,
			&item.SuggestionID,
			&item.Kind,
			&item.Outcome,
			&item.Manager,
			&item.DecidedBy,
			&item.DecidedAt,
		); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return items, nil
}

// CountDecisions returns the number of decisions per outcome for a path.
func (s *PostgresStore) CountDecisions(ctx context.Context, path string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*)
		FROM suggestion_decisions
		WHERE path=$1
		GROUP BY outcome
	`, path)
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("scan decision count: %w", err)
		}
		counts[outcome] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision counts: %w", err)
	}
	return counts, nil
}
