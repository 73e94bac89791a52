// Package viewmodel binds one document and the active suggestion manager,
// keeps a per-cell projection of the document's suggestions and reconciles
// it with structural edits to the document.
package viewmodel

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"suggestions/engine/internal/identity"
	"suggestions/engine/internal/notebook"
	"suggestions/engine/internal/search"
	"suggestions/engine/internal/signal"
	"suggestions/engine/internal/store"
	"suggestions/engine/internal/suggestion"
)

const defaultRebindTimeout = 5 * time.Second

var ErrNotBound = errors.New("no document or suggestion manager bound")

// DecisionLog records accepted and discarded suggestions.
type DecisionLog interface {
	InsertDecision(ctx context.Context, d store.Decision) error
}

// Indexer mirrors open suggestions and decisions into a search index.
type Indexer interface {
	IndexSuggestion(rec search.SuggestionRecord)
	DeleteSuggestion(id string)
	IndexDecision(rec search.DecisionRecord)
}

type Options struct {
	Identity  identity.Provider
	Decisions DecisionLog
	Index     Indexer
	// RebindTimeout bounds the wait for a live backend to rebind suggestion
	// content after a cell move.
	RebindTimeout time.Duration
}

// Entry is a suggestion together with the document cell it targets.
type Entry struct {
	Suggestion   *suggestion.Suggestion
	OriginalCell *notebook.Cell
	// Position is the target cell's index in the document, or -1.
	Position int
}

func (e *Entry) clone() Entry {
	return Entry{Suggestion: e.Suggestion.Clone(), OriginalCell: e.OriginalCell, Position: e.Position}
}

type Model struct {
	identity      identity.Provider
	decisions     DecisionLog
	index         Indexer
	rebindTimeout time.Duration
	waiter        *suggestion.Waiter
	jobs          *queue

	mu         sync.Mutex
	doc        notebook.Document
	manager    suggestion.Manager
	generation int
	cache      map[string]map[string]*Entry
	// tombstones holds ids deleted while a reload is in flight so the
	// reload does not bring them back. It is nil outside a reload.
	tombstones map[string]struct{}
	// claimed holds suggestions whose outcome is being or has been
	// recorded. One accept, discard or collection owns each id.
	claimed    map[string]struct{}
	docOff     []func()
	managerOff func()
	disposed   bool

	allChanged        *signal.Signal[struct{}]
	suggestionChanged *signal.Signal[suggestion.ChangeEvent]
	activeCellChanged *signal.Signal[*notebook.Cell]
}

func New(opts Options) *Model {
	timeout := opts.RebindTimeout
	if timeout <= 0 {
		timeout = defaultRebindTimeout
	}
	return &Model{
		identity:          opts.Identity,
		decisions:         opts.Decisions,
		index:             opts.Index,
		rebindTimeout:     timeout,
		waiter:            suggestion.NewWaiter(),
		jobs:              newQueue(),
		cache:             map[string]map[string]*Entry{},
		claimed:           map[string]struct{}{},
		allChanged:        signal.New[struct{}](),
		suggestionChanged: signal.New[suggestion.ChangeEvent](),
		activeCellChanged: signal.New[*notebook.Cell](),
	}
}

// AllChanged fires whenever the whole projection was rebuilt or reordered.
func (m *Model) AllChanged() *signal.Signal[struct{}] { return m.allChanged }

// SuggestionChanged forwards manager events for the bound document, with
// Path cleared.
func (m *Model) SuggestionChanged() *signal.Signal[suggestion.ChangeEvent] {
	return m.suggestionChanged
}

func (m *Model) ActiveCellChanged() *signal.Signal[*notebook.Cell] { return m.activeCellChanged }

func (m *Model) Document() notebook.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc
}

func (m *Model) Manager() suggestion.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manager
}

func (m *Model) bound() (notebook.Document, suggestion.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, nil, suggestion.ErrDisposed
	}
	if m.doc == nil || m.manager == nil {
		return nil, nil, ErrNotBound
	}
	return m.doc, m.manager, nil
}

// resetLocked discards the projection and starts a new binding generation.
func (m *Model) resetLocked() {
	m.generation++
	m.cache = map[string]map[string]*Entry{}
	m.tombstones = map[string]struct{}{}
	m.claimed = map[string]struct{}{}
}

// claim reports false when another operation already owns suggestionID.
func (m *Model) claim(suggestionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.claimed[suggestionID]; held {
		return false
	}
	m.claimed[suggestionID] = struct{}{}
	return true
}

func (m *Model) release(suggestionID string) {
	m.mu.Lock()
	delete(m.claimed, suggestionID)
	m.mu.Unlock()
}

// SwitchDocument binds doc, or unbinds with nil. It waits for doc to become
// ready and rebuilds the projection from the active manager.
func (m *Model) SwitchDocument(ctx context.Context, doc notebook.Document) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return suggestion.ErrDisposed
	}
	previous := m.docOff
	m.docOff = nil
	m.doc = doc
	m.resetLocked()
	m.mu.Unlock()
	for _, off := range previous {
		off()
	}

	if doc == nil {
		m.allChanged.Emit(struct{}{})
		return nil
	}
	select {
	case <-doc.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}

	off := []func(){
		doc.Changed().Connect(func(change notebook.Change) {
			m.jobs.push(func(ctx context.Context) { m.reconcile(ctx, doc, change) })
		}),
		doc.ActiveCellChanged().Connect(func(cell *notebook.Cell) {
			if m.Document() == doc {
				m.activeCellChanged.Emit(cell)
			}
		}),
		doc.Closed().Connect(func(string) { m.unbind(doc) }),
	}
	m.mu.Lock()
	if m.doc != doc || m.disposed {
		m.mu.Unlock()
		for _, fn := range off {
			fn()
		}
		return nil
	}
	m.docOff = off
	m.mu.Unlock()
	return m.reload(ctx)
}

// unbind drops doc after it was closed.
func (m *Model) unbind(doc notebook.Document) {
	m.mu.Lock()
	if m.doc != doc {
		m.mu.Unlock()
		return
	}
	off := m.docOff
	m.docOff = nil
	m.doc = nil
	m.resetLocked()
	m.mu.Unlock()
	for _, fn := range off {
		fn()
	}
	m.allChanged.Emit(struct{}{})
}

// SwitchManager subscribes to mgr and rebuilds the projection for the bound
// document, if any.
func (m *Model) SwitchManager(ctx context.Context, mgr suggestion.Manager) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return suggestion.ErrDisposed
	}
	previous := m.managerOff
	m.managerOff = nil
	m.manager = mgr
	m.resetLocked()
	if mgr != nil {
		m.managerOff = mgr.Changed().Connect(func(ev suggestion.ChangeEvent) {
			m.handleManagerEvent(mgr, ev)
		})
	}
	m.mu.Unlock()
	if previous != nil {
		previous()
	}
	return m.reload(ctx)
}

func (m *Model) reload(ctx context.Context) error {
	m.mu.Lock()
	doc, mgr, generation := m.doc, m.manager, m.generation
	m.mu.Unlock()
	if doc == nil || mgr == nil {
		m.endLoad(generation)
		m.allChanged.Emit(struct{}{})
		return nil
	}

	all, err := mgr.GetAllSuggestions(ctx, doc)
	if err != nil {
		m.endLoad(generation)
		return err
	}

	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		return nil
	}
	for cellID, set := range all {
		for id, s := range set {
			if _, dead := m.tombstones[id]; dead {
				continue
			}
			if _, present := m.cache[cellID][id]; present {
				continue
			}
			m.putLocked(doc, cellID, s)
		}
	}
	m.tombstones = nil
	m.mu.Unlock()
	m.allChanged.Emit(struct{}{})
	return nil
}

func (m *Model) endLoad(generation int) {
	m.mu.Lock()
	if m.generation == generation {
		m.tombstones = nil
	}
	m.mu.Unlock()
}

func (m *Model) putLocked(doc notebook.Document, cellID string, s *suggestion.Suggestion) *Entry {
	set := m.cache[cellID]
	if set == nil {
		set = map[string]*Entry{}
		m.cache[cellID] = set
	}
	cell, position, ok := doc.CellByID(s.OriginalCellID)
	if !ok {
		position = -1
	}
	e := &Entry{Suggestion: s, OriginalCell: cell, Position: position}
	set[s.ID] = e
	return e
}

func (m *Model) removeLocked(cellID, suggestionID string) bool {
	set, ok := m.cache[cellID]
	if !ok {
		return false
	}
	if _, ok := set[suggestionID]; !ok {
		return false
	}
	delete(set, suggestionID)
	if len(set) == 0 {
		delete(m.cache, cellID)
	}
	return true
}

func (m *Model) refreshPositionsLocked(doc notebook.Document) {
	index := map[string]int{}
	for i, cell := range doc.Cells() {
		index[cell.ID()] = i
	}
	for cellID, set := range m.cache {
		position, ok := index[cellID]
		if !ok {
			position = -1
		}
		for _, e := range set {
			e.Position = position
		}
	}
}

func (m *Model) handleManagerEvent(mgr suggestion.Manager, ev suggestion.ChangeEvent) {
	m.mu.Lock()
	if m.manager != mgr || m.doc == nil || m.doc.Path() != ev.Path {
		m.mu.Unlock()
		return
	}
	doc := m.doc
	var indexed *search.SuggestionRecord
	switch ev.Operator {
	case suggestion.OpAdded:
		if s, ok := mgr.GetSuggestion(ev.Path, ev.CellID, ev.SuggestionID); ok {
			delete(m.tombstones, ev.SuggestionID)
			e := m.putLocked(doc, ev.CellID, s)
			rec := record(doc.Path(), e.Suggestion)
			indexed = &rec
		}
	case suggestion.OpDeleted:
		m.removeLocked(ev.CellID, ev.SuggestionID)
		if m.tombstones != nil {
			m.tombstones[ev.SuggestionID] = struct{}{}
		}
	case suggestion.OpModified:
		if e, ok := m.cache[ev.CellID][ev.SuggestionID]; ok && ev.Modified != nil {
			if ev.Modified.Content != nil {
				e.Suggestion.Content = ev.Modified.Content
			}
			if ev.Modified.Metadata != nil {
				e.Suggestion.Metadata = *ev.Modified.Metadata
			}
			if ev.Cause != suggestion.CauseRebind {
				rec := record(doc.Path(), e.Suggestion)
				indexed = &rec
			}
		}
	}
	forwarded := ev
	forwarded.Path = ""
	m.suggestionChanged.Queue(forwarded)
	m.mu.Unlock()
	m.suggestionChanged.Flush()

	if ev.Operator == suggestion.OpModified && ev.Cause == suggestion.CauseRebind {
		m.waiter.Resolve(ev.CellID)
	}
	if m.index != nil {
		switch {
		case indexed != nil:
			m.index.IndexSuggestion(*indexed)
		case ev.Operator == suggestion.OpDeleted:
			m.index.DeleteSuggestion(ev.SuggestionID)
		}
	}
}

func record(path string, s *suggestion.Suggestion) search.SuggestionRecord {
	rec := search.SuggestionRecord{ID: s.ID, Path: path, CellID: s.OriginalCellID, Kind: string(s.Kind)}
	if s.Content != nil {
		rec.Source = s.Content.Source()
	}
	if s.Metadata.Author != nil {
		rec.Author = s.Metadata.Author.Name
	}
	return rec
}

// reconcile brings the projection in line with a structural change of doc.
func (m *Model) reconcile(ctx context.Context, doc notebook.Document, change notebook.Change) {
	m.mu.Lock()
	mgr := m.manager
	if m.doc != doc || mgr == nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ev := suggestion.DetectCellChange(change)
	switch ev.Kind {
	case suggestion.CellEventDeleted:
		m.collectGarbage(ctx, doc, mgr)
	case suggestion.CellEventMoved:
		m.rebind(ctx, doc, mgr, ev.Moved)
	default:
		if len(change.CellsChange) > 0 {
			m.mu.Lock()
			if m.doc == doc {
				m.refreshPositionsLocked(doc)
			}
			m.mu.Unlock()
		}
	}
}

type target struct {
	cellID       string
	suggestionID string
	kind         suggestion.Kind
}

// collectGarbage deletes every suggestion whose target cell is gone.
func (m *Model) collectGarbage(ctx context.Context, doc notebook.Document, mgr suggestion.Manager) {
	live := suggestion.CellMap(doc)
	var orphans []target
	m.mu.Lock()
	for cellID, set := range m.cache {
		if _, ok := live[cellID]; ok {
			continue
		}
		for id, e := range set {
			orphans = append(orphans, target{cellID: cellID, suggestionID: id, kind: e.Suggestion.Kind})
		}
	}
	m.mu.Unlock()

	for _, o := range orphans {
		if !m.claim(o.suggestionID) {
			continue
		}
		if _, ok := mgr.GetSuggestion(doc.Path(), o.cellID, o.suggestionID); !ok {
			continue
		}
		if err := mgr.DeleteSuggestion(ctx, doc, o.cellID, o.suggestionID); err != nil {
			log.Printf("viewmodel: drop suggestion %s of deleted cell %s: %v", o.suggestionID, o.cellID, err)
			m.release(o.suggestionID)
			continue
		}
		m.recordDecision(mgr, doc, o, store.OutcomeOrphaned, "")
	}

	m.mu.Lock()
	if m.doc == doc {
		m.refreshPositionsLocked(doc)
	}
	m.mu.Unlock()
}

// rebind points suggestions of moved cells at the reinserted cell objects.
// Live backends republish their content handle, which is awaited per cell.
func (m *Model) rebind(ctx context.Context, doc notebook.Document, mgr suggestion.Manager, moved []*notebook.Cell) {
	var affected []string
	m.mu.Lock()
	if m.doc != doc {
		m.mu.Unlock()
		return
	}
	for _, cell := range moved {
		set := m.cache[cell.ID()]
		if len(set) == 0 {
			continue
		}
		for _, e := range set {
			e.OriginalCell = cell
		}
		affected = append(affected, cell.ID())
	}
	m.refreshPositionsLocked(doc)
	m.mu.Unlock()

	live := mgr.SourceLiveUpdate()
	for _, cellID := range affected {
		if !live {
			m.waiter.Discard(cellID)
			continue
		}
		waitCtx, cancel := context.WithTimeout(ctx, m.rebindTimeout)
		if err := m.waiter.Wait(waitCtx, cellID); err != nil {
			log.Printf("viewmodel: content of moved cell %s not rebound: %v", cellID, err)
		}
		cancel()
	}
	m.allChanged.Emit(struct{}{})
}

func (m *Model) recordDecision(mgr suggestion.Manager, doc notebook.Document, o target, outcome, decidedBy string) {
	if m.index != nil {
		m.index.DeleteSuggestion(o.suggestionID)
		m.index.IndexDecision(search.DecisionRecord{
			ID:           o.suggestionID,
			SuggestionID: o.suggestionID,
			Path:         doc.Path(),
			CellID:       o.cellID,
			Kind:         string(o.kind),
			Outcome:      outcome,
			DecidedBy:    decidedBy,
		})
	}
	if m.decisions == nil {
		return
	}
	d := store.Decision{
		Path:         doc.Path(),
		CellID:       o.cellID,
		SuggestionID: o.suggestionID,
		Kind:         string(o.kind),
		Outcome:      outcome,
		Manager:      mgr.Name(),
		DecidedBy:    decidedBy,
	}
	m.jobs.push(func(ctx context.Context) {
		if err := m.decisions.InsertDecision(ctx, d); err != nil {
			log.Printf("viewmodel: record %s decision for %s: %v", outcome, d.SuggestionID, err)
		}
	})
}

func (m *Model) author(ctx context.Context) *suggestion.Author {
	if m.identity == nil {
		return nil
	}
	return m.identity.Identity(ctx)
}

func (m *Model) decidedBy(ctx context.Context) string {
	if a := m.author(ctx); a != nil {
		return a.Name
	}
	return ""
}

// AddSuggestion suggests on the document's active cell. It returns "" when
// there is no active cell.
func (m *Model) AddSuggestion(ctx context.Context, kind suggestion.Kind) (string, error) {
	doc, _, err := m.bound()
	if err != nil {
		return "", err
	}
	cell := doc.ActiveCell()
	if cell == nil {
		return "", nil
	}
	return m.AddCellSuggestion(ctx, cell.ID(), kind)
}

// AddCellSuggestion returns "" when cellID is not in the bound document.
func (m *Model) AddCellSuggestion(ctx context.Context, cellID string, kind suggestion.Kind) (string, error) {
	doc, mgr, err := m.bound()
	if err != nil {
		return "", err
	}
	cell, _, ok := doc.CellByID(cellID)
	if !ok {
		return "", nil
	}
	return mgr.AddSuggestion(ctx, suggestion.AddRequest{
		Document: doc,
		Cell:     cell,
		Kind:     kind,
		Author:   m.author(ctx),
	})
}

func (m *Model) AcceptSuggestion(ctx context.Context, cellID, suggestionID string) (bool, error) {
	doc, mgr, err := m.bound()
	if err != nil {
		return false, err
	}
	s, ok := mgr.GetSuggestion(doc.Path(), cellID, suggestionID)
	if !ok || !m.claim(suggestionID) {
		return false, nil
	}
	accepted, err := mgr.AcceptSuggestion(ctx, doc, cellID, suggestionID)
	if !accepted {
		m.release(suggestionID)
		return false, err
	}
	m.recordDecision(mgr, doc, target{cellID: cellID, suggestionID: suggestionID, kind: s.Kind}, store.OutcomeAccepted, m.decidedBy(ctx))
	return true, err
}

// DeleteSuggestion discards a suggestion. Unknown ids, and suggestions
// already being accepted or collected, are a no-op.
func (m *Model) DeleteSuggestion(ctx context.Context, cellID, suggestionID string) error {
	doc, mgr, err := m.bound()
	if err != nil {
		return err
	}
	s, existed := mgr.GetSuggestion(doc.Path(), cellID, suggestionID)
	if existed && !m.claim(suggestionID) {
		return nil
	}
	if err := mgr.DeleteSuggestion(ctx, doc, cellID, suggestionID); err != nil {
		if existed {
			m.release(suggestionID)
		}
		return err
	}
	m.mu.Lock()
	if m.doc == doc {
		m.removeLocked(cellID, suggestionID)
	}
	m.mu.Unlock()
	if existed {
		m.recordDecision(mgr, doc, target{cellID: cellID, suggestionID: suggestionID, kind: s.Kind}, store.OutcomeDiscarded, m.decidedBy(ctx))
	}
	return nil
}

func (m *Model) UpdateSuggestion(ctx context.Context, cellID, suggestionID, source string) error {
	doc, mgr, err := m.bound()
	if err != nil {
		return err
	}
	return mgr.UpdateSuggestion(ctx, doc, cellID, suggestionID, source)
}

func (m *Model) GetSuggestion(cellID, suggestionID string) (Entry, bool) {
	doc, mgr, err := m.bound()
	if err != nil {
		return Entry{}, false
	}
	s, ok := mgr.GetSuggestion(doc.Path(), cellID, suggestionID)
	if !ok {
		return Entry{}, false
	}
	cell, position, found := doc.CellByID(s.OriginalCellID)
	if !found {
		position = -1
	}
	return Entry{Suggestion: s, OriginalCell: cell, Position: position}, true
}

// GetCellIndex returns the position of cellID in the bound document, or -1.
func (m *Model) GetCellIndex(cellID string) int {
	doc := m.Document()
	if doc == nil {
		return -1
	}
	for i, cell := range doc.Cells() {
		if cell.ID() == cellID {
			return i
		}
	}
	return -1
}

// AllSuggestions returns a copy of the projection keyed by cell id, then
// suggestion id.
func (m *Model) AllSuggestions() map[string]map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]Entry, len(m.cache))
	for cellID, set := range m.cache {
		copied := make(map[string]Entry, len(set))
		for id, e := range set {
			copied[id] = e.clone()
		}
		out[cellID] = copied
	}
	return out
}

func (m *Model) ActiveCell() *notebook.Cell {
	doc := m.Document()
	if doc == nil {
		return nil
	}
	return doc.ActiveCell()
}

// SetActiveCell moves the cursor of the bound document to cellID.
func (m *Model) SetActiveCell(cellID string) bool {
	doc := m.Document()
	if doc == nil {
		return false
	}
	return doc.SetActiveCell(cellID)
}

// Wait blocks until every structural change observed so far has been
// reconciled.
func (m *Model) Wait(ctx context.Context) error {
	return m.jobs.drain(ctx)
}

// Dispose unbinds the document and manager. The manager itself is owned by
// the registry and stays alive.
func (m *Model) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	docOff := m.docOff
	managerOff := m.managerOff
	m.docOff = nil
	m.managerOff = nil
	m.doc = nil
	m.manager = nil
	m.resetLocked()
	m.mu.Unlock()

	for _, off := range docOff {
		off()
	}
	if managerOff != nil {
		managerOff()
	}
	m.jobs.stop()
	m.allChanged.DisconnectAll()
	m.suggestionChanged.DisconnectAll()
	m.activeCellChanged.DisconnectAll()
}
