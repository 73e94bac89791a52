package suggestion

import (
	"maps"

	"suggestions/engine/internal/notebook"
)

type Kind string

const (
	KindChange Kind = "change"
	KindDelete Kind = "delete"
)

func (k Kind) Valid() bool {
	return k == KindChange || k == KindDelete
}

type Author struct {
	Username    string `json:"username"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Initials    string `json:"initials"`
	Color       string `json:"color"`
}

type Metadata struct {
	Author *Author        `json:"author,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := Metadata{Extra: maps.Clone(m.Extra)}
	if m.Author != nil {
		author := *m.Author
		out.Author = &author
	}
	return out
}

// Suggestion is a proposed edit to one cell. Content never aliases the base
// cell: it is a detached clone or the cell of a fork document.
type Suggestion struct {
	ID             string
	OriginalCellID string
	Kind           Kind
	Content        *notebook.Cell
	Metadata       Metadata
}

func (s *Suggestion) Clone() *Suggestion {
	if s == nil {
		return nil
	}
	out := *s
	out.Metadata = s.Metadata.clone()
	return &out
}

// CellSuggestions maps suggestion id to suggestion.
type CellSuggestions map[string]*Suggestion

// NotebookSuggestions maps cell id to the suggestions on that cell.
type NotebookSuggestions map[string]CellSuggestions

func (n NotebookSuggestions) Clone() NotebookSuggestions {
	out := make(NotebookSuggestions, len(n))
	for cellID, set := range n {
		copied := make(CellSuggestions, len(set))
		for id, s := range set {
			copied[id] = s.Clone()
		}
		out[cellID] = copied
	}
	return out
}

func (n NotebookSuggestions) Len() int {
	total := 0
	for _, set := range n {
		total += len(set)
	}
	return total
}

type Operator string

const (
	OpAdded    Operator = "added"
	OpDeleted  Operator = "deleted"
	OpModified Operator = "modified"
)

// Cause separates user edits of a suggestion from a content handle being
// rebound after its cell moved.
type Cause string

const (
	CauseEdit   Cause = "edit"
	CauseRebind Cause = "rebind"
)

type ModifiedData struct {
	Content  *notebook.Cell
	Metadata *Metadata
}

type ChangeEvent struct {
	Path         string
	CellID       string
	SuggestionID string
	Operator     Operator
	Cause        Cause
	Modified     *ModifiedData
}

// AddRequest carries what a backend needs to create a suggestion.
type AddRequest struct {
	Document notebook.Document
	Cell     *notebook.Cell
	Kind     Kind
	Author   *Author
}
