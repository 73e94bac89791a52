package suggestion

import (
	"context"

	"suggestions/engine/internal/notebook"
	"suggestions/engine/internal/signal"
)

// Manager stores suggestions for documents. Routine absence is reported as a
// missing value or a false result; errors mean the backend failed.
type Manager interface {
	Name() string
	// SourceLiveUpdate reports whether suggestion contents are live
	// collaborative cells that the backend rebinds after a move.
	SourceLiveUpdate() bool
	GetAllSuggestions(ctx context.Context, doc notebook.Document) (NotebookSuggestions, error)
	GetSuggestion(path, cellID, suggestionID string) (*Suggestion, bool)
	// AddSuggestion returns the id of the new suggestion, or "" with an error.
	AddSuggestion(ctx context.Context, req AddRequest) (string, error)
	UpdateSuggestion(ctx context.Context, doc notebook.Document, cellID, suggestionID, source string) error
	DeleteSuggestion(ctx context.Context, doc notebook.Document, cellID, suggestionID string) error
	AcceptSuggestion(ctx context.Context, doc notebook.Document, cellID, suggestionID string) (bool, error)
	Changed() *signal.Signal[ChangeEvent]
	Dispose()
}
