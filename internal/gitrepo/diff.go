package gitrepo

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"

	"suggestions/engine/internal/notebook"
)

type CellDiff struct {
	CellID string `json:"cell_id"`
	Change string `json:"change"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// DiffCells lists added, removed and modified cells, in the order of to
// followed by removals in the order of from.
func DiffCells(from, to notebook.Snapshot) []CellDiff {
	before := make(map[string]notebook.CellSnapshot, len(from.Cells))
	for _, cell := range from.Cells {
		before[cell.ID] = cell
	}
	seen := make(map[string]bool, len(to.Cells))
	result := make([]CellDiff, 0)
	for _, cell := range to.Cells {
		seen[cell.ID] = true
		prev, ok := before[cell.ID]
		switch {
		case !ok:
			result = append(result, CellDiff{CellID: cell.ID, Change: "added", After: cell.Source})
		case prev.Source != cell.Source || prev.CellType != cell.CellType:
			result = append(result, CellDiff{CellID: cell.ID, Change: "modified", Before: prev.Source, After: cell.Source})
		}
	}
	for _, cell := range from.Cells {
		if !seen[cell.ID] {
			result = append(result, CellDiff{CellID: cell.ID, Change: "removed", Before: cell.Source})
		}
	}
	return result
}

func HasChanges(from, to notebook.Snapshot) bool {
	if len(DiffCells(from, to)) > 0 {
		return true
	}
	if !slices.EqualFunc(from.Cells, to.Cells, func(a, b notebook.CellSnapshot) bool { return a.ID == b.ID }) {
		return true
	}
	return !maps.EqualFunc(from.Metadata, to.Metadata, func(a, b json.RawMessage) bool {
		return bytes.Equal(normalizeJSON(a), normalizeJSON(b))
	})
}

func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}
