package store

import "time"

// Decision outcomes.
const (
	OutcomeAccepted  = "ACCEPTED"
	OutcomeDiscarded = "DISCARDED"
	// OutcomeOrphaned marks suggestions removed because their cell was deleted.
	OutcomeOrphaned = "ORPHANED"
)

// Decision records what happened to one suggestion.
type Decision struct {
	ID           int64     `json:"id"`
	Path         string    `json:"path"`
	CellID       string    `json:"cellId"`
	SuggestionID string    `json:"suggestionId"`
	Kind         string    `json:"kind"`
	Outcome      string    `json:"outcome"`
	Manager      string    `json:"manager"`
	DecidedBy    string    `json:"decidedBy"`
	DecidedAt    time.Time `json:"decidedAt"`
}

type DecisionFilter struct {
	Path    string
	CellID  string
	Outcome string
	Author  string
	Limit   int
}
