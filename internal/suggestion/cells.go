package suggestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"suggestions/engine/internal/notebook"
)

// CellMap indexes the live cells of doc by id.
func CellMap(doc notebook.Document) map[string]*notebook.Cell {
	cells := doc.Cells()
	out := make(map[string]*notebook.Cell, len(cells))
	for _, cell := range cells {
		out[cell.ID()] = cell
	}
	return out
}

// CloneCell returns a detached copy of cell with a fresh id.
func CloneCell(cell *notebook.Cell) *notebook.Cell {
	return cell.CopyWithID(uuid.NewString())
}

func CloneCellWithSource(cell *notebook.Cell, source string) *notebook.Cell {
	out := CloneCell(cell)
	out.SetSource(source)
	return out
}

type CellEventKind int

const (
	CellEventNone CellEventKind = iota
	CellEventDeleted
	CellEventMoved
)

func (k CellEventKind) String() string {
	switch k {
	case CellEventDeleted:
		return "deleted"
	case CellEventMoved:
		return "moved"
	}
	return "none"
}

type CellEvent struct {
	Kind CellEventKind
	// Moved holds the reinserted cell objects of a move.
	Moved []*notebook.Cell
	// DeletedIndex is the index the first removed cell occupied.
	DeletedIndex int
}

// DetectCellChange classifies a structural change. A delete together with an
// insert at a different position is a move; any other delete is a deletion,
// including a delete replaced in place by an insert.
func DetectCellChange(change notebook.Change) CellEvent {
	cursor := 0
	deleteAt, insertAt := -1, -1
	var inserted []*notebook.Cell
	for _, d := range change.CellsChange {
		switch {
		case d.Retain > 0:
			cursor += d.Retain
		case d.Delete > 0:
			if deleteAt < 0 {
				deleteAt = cursor
			}
		case len(d.Insert) > 0:
			if insertAt < 0 {
				insertAt = cursor
			}
			inserted = append(inserted, d.Insert...)
			cursor += len(d.Insert)
		}
	}
	switch {
	case deleteAt >= 0 && insertAt >= 0 && deleteAt != insertAt:
		return CellEvent{Kind: CellEventMoved, Moved: inserted, DeletedIndex: -1}
	case deleteAt >= 0:
		return CellEvent{Kind: CellEventDeleted, DeletedIndex: deleteAt}
	}
	return CellEvent{Kind: CellEventNone, DeletedIndex: -1}
}

var errCellGone = errors.New("cell gone")

// DefaultCell is the empty cell placed in a notebook that lost its last
// cell. Only code cells are marked trusted.
func DefaultCell(cellType notebook.CellType) *notebook.Cell {
	cell := notebook.NewCell(cellType, "")
	if cell.Type() == notebook.CellCode {
		cell.SetMetadata("trusted", true)
	}
	return cell
}

// DeleteCellByID removes the cell with cellID from doc and waits until the
// document reports the deletion. A document that would become empty gets a
// default empty cell of defaultType in the same transaction. It reports
// false when the cell does not exist.
func DeleteCellByID(ctx context.Context, doc notebook.Document, cellID string, defaultType notebook.CellType) (bool, error) {
	if _, _, ok := doc.CellByID(cellID); !ok {
		return false, nil
	}

	var target atomic.Int64
	target.Store(-1)
	confirmed := make(chan struct{})
	var once sync.Once
	disconnect := doc.Changed().Connect(func(change notebook.Change) {
		ev := DetectCellChange(change)
		if ev.Kind == CellEventDeleted && int64(ev.DeletedIndex) == target.Load() {
			once.Do(func() { close(confirmed) })
		}
	})
	defer disconnect()

	err := doc.Transact(func(tx *notebook.Tx) error {
		index := tx.Index(cellID)
		if index < 0 {
			return errCellGone
		}
		target.Store(int64(index))
		if err := tx.Delete(index); err != nil {
			return err
		}
		if tx.Len() == 0 {
			return tx.Insert(0, DefaultCell(defaultType))
		}
		return nil
	})
	if errors.Is(err, errCellGone) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	select {
	case <-confirmed:
		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("delete cell %s: %w: %w", cellID, ErrSyncTimeout, ctx.Err())
	}
}
