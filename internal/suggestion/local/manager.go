// Package local stores suggestions inside the notebook's own metadata.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"suggestions/engine/internal/notebook"
	"suggestions/engine/internal/signal"
	"suggestions/engine/internal/suggestion"
)

const (
	Name        = "Local Suggestion Manager"
	MetadataKey = "jupyter_suggestion"
)

type entry struct {
	OriginalCellID string              `json:"originalCellId"`
	NewSource      string              `json:"newSource"`
	Metadata       suggestion.Metadata `json:"metadata"`
	Kind           suggestion.Kind     `json:"type,omitempty"`
}

// block is the persisted layout: cell id -> suggestion id -> entry.
type block map[string]map[string]entry

type Manager struct {
	mu       sync.Mutex
	cache    *suggestion.Cache
	closers  map[string]func()
	disposed bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	changed *signal.Signal[suggestion.ChangeEvent]
}

var _ suggestion.Manager = (*Manager)(nil)

func New() *Manager {
	return &Manager{
		cache:   suggestion.NewCache(),
		closers: map[string]func(){},
		locks:   map[string]*sync.Mutex{},
		changed: signal.New[suggestion.ChangeEvent](),
	}
}

func (m *Manager) Name() string                                    { return Name }
func (m *Manager) SourceLiveUpdate() bool                          { return false }
func (m *Manager) Changed() *signal.Signal[suggestion.ChangeEvent] { return m.changed }

// pathLock serialises metadata read-modify-write cycles per document.
func (m *Manager) pathLock(path string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[path] = lock
	}
	return lock
}

func (m *Manager) GetAllSuggestions(ctx context.Context, doc notebook.Document) (suggestion.NotebookSuggestions, error) {
	path := doc.Path()
	if err := m.load(doc); err != nil {
		return nil, suggestion.Wrap("get all suggestions", path, "", "", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Snapshot(path), nil
}

func (m *Manager) load(doc notebook.Document) error {
	path := doc.Path()
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return suggestion.ErrDisposed
	}
	loaded := m.cache.Loaded(path)
	m.mu.Unlock()
	if loaded {
		return nil
	}

	stored, err := readBlock(doc)
	if err != nil {
		return err
	}
	cells := suggestion.CellMap(doc)
	var restored []*suggestion.Suggestion
	for cellID, entries := range stored {
		for id, e := range entries {
			originalID := e.OriginalCellID
			if originalID == "" {
				originalID = cellID
			}
			kind := e.Kind
			if !kind.Valid() {
				kind = suggestion.KindChange
			}
			// Entries of deleted cells stay indexed so the next structural
			// change collects them.
			var content *notebook.Cell
			if cell, ok := cells[originalID]; ok {
				content = suggestion.CloneCellWithSource(cell, e.NewSource)
			} else {
				content = notebook.NewCell(notebook.CellCode, e.NewSource)
			}
			restored = append(restored, &suggestion.Suggestion{
				ID:             id,
				OriginalCellID: originalID,
				Kind:           kind,
				Content:        content,
				Metadata:       e.Metadata,
			})
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return suggestion.ErrDisposed
	}
	if m.cache.Loaded(path) {
		return nil
	}
	for _, s := range restored {
		m.cache.Put(path, s)
	}
	m.cache.MarkLoaded(path)
	if _, tracked := m.closers[path]; !tracked {
		m.closers[path] = doc.Closed().Connect(func(string) { m.forget(path) })
	}
	return nil
}

func (m *Manager) forget(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Drop(path)
	if disconnect, ok := m.closers[path]; ok {
		delete(m.closers, path)
		disconnect()
	}
}

func (m *Manager) GetSuggestion(path, cellID, suggestionID string) (*suggestion.Suggestion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.cache.Get(path, cellID, suggestionID)
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (m *Manager) AddSuggestion(ctx context.Context, req suggestion.AddRequest) (string, error) {
	if req.Document == nil || req.Cell == nil {
		return "", suggestion.Wrap("add suggestion", "", "", "", fmt.Errorf("%w: document and cell are required", suggestion.ErrInvalid))
	}
	doc := req.Document
	path := doc.Path()
	cellID := req.Cell.ID()
	kind := req.Kind
	if kind == "" {
		kind = suggestion.KindChange
	}
	if !kind.Valid() {
		return "", suggestion.Wrap("add suggestion", path, cellID, "", fmt.Errorf("%w: kind %q", suggestion.ErrInvalid, kind))
	}
	if err := m.load(doc); err != nil {
		return "", suggestion.Wrap("add suggestion", path, cellID, "", err)
	}

	s := &suggestion.Suggestion{
		ID:             uuid.NewString(),
		OriginalCellID: cellID,
		Kind:           kind,
		Content:        suggestion.CloneCell(req.Cell),
		Metadata:       suggestion.Metadata{Author: req.Author},
	}

	lock := m.pathLock(path)
	lock.Lock()
	defer lock.Unlock()
	err := m.persist(ctx, doc, func(b block) {
		set := b[cellID]
		if set == nil {
			set = map[string]entry{}
			b[cellID] = set
		}
		set[s.ID] = entry{OriginalCellID: cellID, NewSource: s.Content.Source(), Metadata: s.Metadata, Kind: kind}
	})
	if err != nil {
		return "", suggestion.Wrap("add suggestion", path, cellID, "", err)
	}

	m.mu.Lock()
	m.cache.Put(path, s)
	m.changed.Queue(suggestion.ChangeEvent{Path: path, CellID: cellID, SuggestionID: s.ID, Operator: suggestion.OpAdded})
	m.mu.Unlock()
	m.changed.Flush()
	return s.ID, nil
}

func (m *Manager) UpdateSuggestion(ctx context.Context, doc notebook.Document, cellID, suggestionID, source string) error {
	path := doc.Path()
	if err := m.load(doc); err != nil {
		return suggestion.Wrap("update suggestion", path, cellID, suggestionID, err)
	}
	lock := m.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	s, ok := m.cache.Get(path, cellID, suggestionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := m.persist(ctx, doc, func(b block) {
		set := b[cellID]
		if set == nil {
			set = map[string]entry{}
			b[cellID] = set
		}
		e := set[suggestionID]
		e.OriginalCellID = cellID
		e.NewSource = source
		e.Kind = s.Kind
		e.Metadata = s.Metadata
		set[suggestionID] = e
	})
	if err != nil {
		return suggestion.Wrap("update suggestion", path, cellID, suggestionID, err)
	}
	s.Content.SetSource(source)

	m.mu.Lock()
	if current, ok := m.cache.Get(path, cellID, suggestionID); ok {
		m.changed.Queue(suggestion.ChangeEvent{
			Path:         path,
			CellID:       cellID,
			SuggestionID: suggestionID,
			Operator:     suggestion.OpModified,
			Cause:        suggestion.CauseEdit,
			Modified:     &suggestion.ModifiedData{Content: current.Content},
		})
	}
	m.mu.Unlock()
	m.changed.Flush()
	return nil
}

func (m *Manager) DeleteSuggestion(ctx context.Context, doc notebook.Document, cellID, suggestionID string) error {
	path := doc.Path()
	if err := m.load(doc); err != nil {
		return suggestion.Wrap("delete suggestion", path, cellID, suggestionID, err)
	}
	lock := m.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	_, ok := m.cache.Get(path, cellID, suggestionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := m.persist(ctx, doc, func(b block) {
		delete(b[cellID], suggestionID)
		if len(b[cellID]) == 0 {
			delete(b, cellID)
		}
	})
	if err != nil {
		return suggestion.Wrap("delete suggestion", path, cellID, suggestionID, err)
	}

	m.mu.Lock()
	if m.cache.Remove(path, cellID, suggestionID) {
		m.changed.Queue(suggestion.ChangeEvent{Path: path, CellID: cellID, SuggestionID: suggestionID, Operator: suggestion.OpDeleted})
	}
	m.mu.Unlock()
	m.changed.Flush()
	return nil
}

func (m *Manager) AcceptSuggestion(ctx context.Context, doc notebook.Document, cellID, suggestionID string) (bool, error) {
	path := doc.Path()
	if err := m.load(doc); err != nil {
		return false, suggestion.Wrap("accept suggestion", path, cellID, suggestionID, err)
	}
	s, ok := m.GetSuggestion(path, cellID, suggestionID)
	if !ok {
		return false, nil
	}
	cell, _, ok := doc.CellByID(cellID)
	if !ok {
		return false, nil
	}
	switch s.Kind {
	case suggestion.KindDelete:
		deleted, err := suggestion.DeleteCellByID(ctx, doc, cellID, notebook.CellCode)
		if err != nil {
			return false, suggestion.Wrap("accept suggestion", path, cellID, suggestionID, err)
		}
		if !deleted {
			return false, nil
		}
	default:
		cell.SetSource(s.Content.Source())
	}
	// The edit is applied at this point; a failed cleanup is still reported.
	if err := m.DeleteSuggestion(ctx, doc, cellID, suggestionID); err != nil {
		return true, err
	}
	return true, nil
}

func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	closers := m.closers
	m.closers = map[string]func(){}
	m.cache.Clear()
	m.mu.Unlock()
	for _, disconnect := range closers {
		disconnect()
	}
	m.changed.DisconnectAll()
}

func readBlock(doc notebook.Document) (block, error) {
	raw, ok := doc.Metadata(MetadataKey)
	if !ok || len(raw) == 0 {
		return block{}, nil
	}
	var b block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", MetadataKey, err)
	}
	if b == nil {
		b = block{}
	}
	return b, nil
}

// persist rewrites the whole metadata block with one entry patched, then
// saves the notebook unless it is collaborative. A failed save puts the
// previous block back.
func (m *Manager) persist(ctx context.Context, doc notebook.Document, patch func(block)) error {
	previous, _ := doc.Metadata(MetadataKey)
	b, err := readBlock(doc)
	if err != nil {
		return err
	}
	patch(b)
	var raw json.RawMessage
	if len(b) > 0 {
		raw, err = json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode %s metadata: %w", MetadataKey, err)
		}
	}
	if err := doc.SetMetadata(MetadataKey, raw); err != nil {
		return err
	}
	if doc.Collaborative() {
		return nil
	}
	if err := doc.Save(ctx); err != nil {
		log.Printf("local suggestions: save %s failed: %v", doc.Path(), err)
		if rerr := doc.SetMetadata(MetadataKey, previous); rerr != nil {
			log.Printf("local suggestions: restore %s metadata: %v", doc.Path(), rerr)
		}
		return err
	}
	return nil
}
