package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"suggestions/engine/internal/signal"
)

var (
	ErrIndexOutOfRange = errors.New("cell index out of range")
	ErrClosed          = errors.New("notebook closed")
)

// Document is the contract the suggestion engine needs from a notebook.
type Document interface {
	Path() string
	// ID is the collaboration root id of the document.
	ID() string
	// Ready is closed once the document content is loaded.
	Ready() <-chan struct{}
	Cells() []*Cell
	CellByID(id string) (*Cell, int, bool)
	InsertCell(index int, cell *Cell) error
	DeleteCell(index int) error
	MoveCell(from, to int) error
	// Transact applies every structural edit made through tx as one Change.
	Transact(fn func(tx *Tx) error) error
	// Metadata returns the stored block for key. SetMetadata replaces the
	// whole block; a nil value removes it.
	Metadata(key string) (json.RawMessage, bool)
	SetMetadata(key string, value json.RawMessage) error
	Collaborative() bool
	Save(ctx context.Context) error
	Changed() *signal.Signal[Change]
	ActiveCell() *Cell
	SetActiveCell(id string) bool
	ActiveCellChanged() *signal.Signal[*Cell]
	Closed() *signal.Signal[string]
	Snapshot() Snapshot
}

// Persister stores a notebook snapshot under its path.
type Persister interface {
	Persist(ctx context.Context, path string, snapshot Snapshot) error
}

type Options struct {
	Path string
	// ID defaults to "json:notebook:<uuid>".
	ID            string
	Cells         []*Cell
	Metadata      map[string]json.RawMessage
	Collaborative bool
	Persister     Persister
	// Pending leaves Ready open until MarkReady is called.
	Pending bool
}

type Notebook struct {
	path          string
	id            string
	collaborative bool
	persister     Persister

	mu       sync.RWMutex
	cells    []*Cell
	metadata map[string]json.RawMessage
	active   *Cell
	closed   bool

	ready     chan struct{}
	readyOnce sync.Once

	changed       *signal.Signal[Change]
	activeChanged *signal.Signal[*Cell]
	closedSignal  *signal.Signal[string]
}

var _ Document = (*Notebook)(nil)

func New(opts Options) *Notebook {
	id := opts.ID
	if id == "" {
		id = "json:notebook:" + uuid.NewString()
	}
	metadata := maps.Clone(opts.Metadata)
	if metadata == nil {
		metadata = map[string]json.RawMessage{}
	}
	n := &Notebook{
		path:          opts.Path,
		id:            id,
		collaborative: opts.Collaborative,
		persister:     opts.Persister,
		cells:         slices.Clone(opts.Cells),
		metadata:      metadata,
		ready:         make(chan struct{}),
		changed:       signal.New[Change](),
		activeChanged: signal.New[*Cell](),
		closedSignal:  signal.New[string](),
	}
	if !opts.Pending {
		n.MarkReady()
	}
	return n
}

func (n *Notebook) MarkReady() {
	n.readyOnce.Do(func() { close(n.ready) })
}

func (n *Notebook) Path() string                             { return n.path }
func (n *Notebook) ID() string                               { return n.id }
func (n *Notebook) Ready() <-chan struct{}                   { return n.ready }
func (n *Notebook) Collaborative() bool                      { return n.collaborative }
func (n *Notebook) Changed() *signal.Signal[Change]          { return n.changed }
func (n *Notebook) ActiveCellChanged() *signal.Signal[*Cell] { return n.activeChanged }
func (n *Notebook) Closed() *signal.Signal[string]           { return n.closedSignal }

func (n *Notebook) Cells() []*Cell {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.cells)
}

func (n *Notebook) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.cells)
}

func (n *Notebook) CellByID(id string) (*Cell, int, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for i, cell := range n.cells {
		if cell.ID() == id {
			return cell, i, true
		}
	}
	return nil, -1, false
}

func (n *Notebook) InsertCell(index int, cell *Cell) error {
	return n.Transact(func(tx *Tx) error { return tx.Insert(index, cell) })
}

func (n *Notebook) DeleteCell(index int) error {
	return n.Transact(func(tx *Tx) error { return tx.Delete(index) })
}

func (n *Notebook) MoveCell(from, to int) error {
	return n.Transact(func(tx *Tx) error { return tx.Move(from, to) })
}

func (n *Notebook) Transact(fn func(tx *Tx) error) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	tx := &Tx{cells: slices.Clone(n.cells)}
	if err := fn(tx); err != nil {
		n.mu.Unlock()
		return err
	}
	deltas := diffCells(n.cells, tx.cells)
	if len(deltas) == 0 {
		n.mu.Unlock()
		return nil
	}
	n.cells = tx.cells
	if n.active != nil && !slices.Contains(n.cells, n.active) {
		n.active = nil
	}
	n.changed.Queue(Change{CellsChange: deltas})
	n.mu.Unlock()
	n.changed.Flush()
	return nil
}

func (n *Notebook) Metadata(key string) (json.RawMessage, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	raw, ok := n.metadata[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(raw), true
}

func (n *Notebook) SetMetadata(key string, value json.RawMessage) error {
	if value != nil && !json.Valid(value) {
		return fmt.Errorf("metadata %q: invalid json", key)
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if value == nil {
		delete(n.metadata, key)
	} else {
		n.metadata[key] = slices.Clone(value)
	}
	n.changed.Queue(Change{MetadataKeys: []string{key}})
	n.mu.Unlock()
	n.changed.Flush()
	return nil
}

func (n *Notebook) Save(ctx context.Context) error {
	if n.persister == nil {
		return nil
	}
	if err := n.persister.Persist(ctx, n.path, n.Snapshot()); err != nil {
		return fmt.Errorf("save %s: %w", n.path, err)
	}
	return nil
}

func (n *Notebook) ActiveCell() *Cell {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.active
}

// SetActiveCell activates the cell with id; an empty id clears the selection.
func (n *Notebook) SetActiveCell(id string) bool {
	n.mu.Lock()
	var next *Cell
	if id != "" {
		for _, cell := range n.cells {
			if cell.ID() == id {
				next = cell
				break
			}
		}
		if next == nil {
			n.mu.Unlock()
			return false
		}
	}
	if next == n.active {
		n.mu.Unlock()
		return true
	}
	n.active = next
	n.activeChanged.Queue(next)
	n.mu.Unlock()
	n.activeChanged.Flush()
	return true
}

// Close emits the close signal once and rejects further edits.
func (n *Notebook) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	n.closedSignal.Emit(n.path)
	n.changed.DisconnectAll()
	n.activeChanged.DisconnectAll()
	n.closedSignal.DisconnectAll()
}

func (n *Notebook) Snapshot() Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	snap := Snapshot{
		Cells:         make([]CellSnapshot, 0, len(n.cells)),
		Metadata:      make(map[string]json.RawMessage, len(n.metadata)),
		NBFormat:      nbformatMajor,
		NBFormatMinor: nbformatMinor,
	}
	for _, cell := range n.cells {
		snap.Cells = append(snap.Cells, cell.snapshot())
	}
	for key, raw := range n.metadata {
		snap.Metadata[key] = slices.Clone(raw)
	}
	return snap
}

// Tx is the working copy of the cell list inside Transact.
type Tx struct {
	cells []*Cell
}

func (tx *Tx) Len() int { return len(tx.cells) }

func (tx *Tx) Cell(index int) *Cell {
	if index < 0 || index >= len(tx.cells) {
		return nil
	}
	return tx.cells[index]
}

func (tx *Tx) Index(id string) int {
	for i, cell := range tx.cells {
		if cell.ID() == id {
			return i
		}
	}
	return -1
}

func (tx *Tx) Insert(index int, cell *Cell) error {
	if index < 0 || index > len(tx.cells) {
		return fmt.Errorf("insert at %d: %w", index, ErrIndexOutOfRange)
	}
	if cell == nil {
		return errors.New("insert: nil cell")
	}
	tx.cells = slices.Insert(tx.cells, index, cell)
	return nil
}

func (tx *Tx) Delete(index int) error {
	if index < 0 || index >= len(tx.cells) {
		return fmt.Errorf("delete at %d: %w", index, ErrIndexOutOfRange)
	}
	tx.cells = slices.Delete(tx.cells, index, index+1)
	return nil
}

// Move places the cell at from so that it ends at index to. The cell is
// replaced by a copy carrying the same id, as a collaborative list would.
func (tx *Tx) Move(from, to int) error {
	if from < 0 || from >= len(tx.cells) || to < 0 || to >= len(tx.cells) {
		return fmt.Errorf("move %d to %d: %w", from, to, ErrIndexOutOfRange)
	}
	if from == to {
		return nil
	}
	cell := tx.cells[from]
	tx.cells = slices.Delete(tx.cells, from, from+1)
	tx.cells = slices.Insert(tx.cells, to, cell.Copy())
	return nil
}
