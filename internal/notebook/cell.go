package notebook

import (
	"maps"
	"sync"

	"github.com/google/uuid"

	"suggestions/engine/internal/signal"
)

type CellType string

const (
	CellCode     CellType = "code"
	CellMarkdown CellType = "markdown"
	CellRaw      CellType = "raw"
)

func (t CellType) Valid() bool {
	switch t {
	case CellCode, CellMarkdown, CellRaw:
		return true
	}
	return false
}

// CellChange is emitted when the source of a cell is replaced.
type CellChange struct {
	CellID string
	Source string
}

// Cell is a live, mutable cell. Identity is the pointer: moving a cell inside
// a notebook detaches the old object and inserts a copy with the same id.
type Cell struct {
	id       string
	cellType CellType

	mu       sync.RWMutex
	mimeType string
	source   string
	metadata map[string]any

	changed *signal.Signal[CellChange]
}

func NewCell(cellType CellType, source string) *Cell {
	return NewCellWithID(uuid.NewString(), cellType, source)
}

func NewCellWithID(id string, cellType CellType, source string) *Cell {
	if !cellType.Valid() {
		cellType = CellCode
	}
	return &Cell{
		id:       id,
		cellType: cellType,
		source:   source,
		metadata: map[string]any{},
		changed:  signal.New[CellChange](),
	}
}

func (c *Cell) ID() string                          { return c.id }
func (c *Cell) Type() CellType                      { return c.cellType }
func (c *Cell) Changed() *signal.Signal[CellChange] { return c.changed }

func (c *Cell) Source() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

func (c *Cell) SetSource(source string) {
	c.mu.Lock()
	if c.source == source {
		c.mu.Unlock()
		return
	}
	c.source = source
	c.changed.Queue(CellChange{CellID: c.id, Source: source})
	c.mu.Unlock()
	c.changed.Flush()
}

func (c *Cell) MimeType() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mimeType
}

func (c *Cell) SetMimeType(mimeType string) {
	c.mu.Lock()
	c.mimeType = mimeType
	c.mu.Unlock()
}

// Metadata returns a shallow copy of the cell metadata.
func (c *Cell) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.metadata)
}

func (c *Cell) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == nil {
		delete(c.metadata, key)
		return
	}
	c.metadata[key] = value
}

// Copy returns a detached cell with the same id, type and content.
func (c *Cell) Copy() *Cell {
	return c.CopyWithID(c.id)
}

func (c *Cell) CopyWithID(id string) *Cell {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := NewCellWithID(id, c.cellType, c.source)
	out.mimeType = c.mimeType
	out.metadata = maps.Clone(c.metadata)
	if out.metadata == nil {
		out.metadata = map[string]any{}
	}
	return out
}

func (c *Cell) snapshot() CellSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CellSnapshot{
		ID:       c.id,
		CellType: c.cellType,
		MimeType: c.mimeType,
		Source:   c.source,
		Metadata: maps.Clone(c.metadata),
	}
}
