package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"suggestions/engine/internal/notebook"
	"suggestions/engine/internal/signal"
	"suggestions/engine/internal/suggestion"
)

const (
	Name = "RTC Suggestion Manager"

	defaultConfirmTimeout = 10 * time.Second
)

type Options struct {
	Transport Transport
	// SyncTimeout bounds the wait for a fork's initial sync. Zero waits
	// until the fork is synced or deleted.
	SyncTimeout time.Duration
	// ConfirmTimeout bounds the wait for a cell deletion inside a fork
	// before it is merged.
	ConfirmTimeout time.Duration
}

type fork struct {
	id         string
	rootID     string
	desc       Description
	conn       ForkConnection
	cell       *notebook.Cell
	disconnect func()
}

func (f *fork) suggestion() *suggestion.Suggestion {
	return &suggestion.Suggestion{
		ID:             f.id,
		OriginalCellID: f.desc.CellID,
		Kind:           f.desc.Kind,
		Content:        f.cell,
		Metadata:       suggestion.Metadata{Author: f.desc.Author},
	}
}

func (f *fork) close() {
	if f.disconnect != nil {
		f.disconnect()
	}
	if err := f.conn.Close(); err != nil {
		log.Printf("rtc suggestions: close fork %s: %v", f.id, err)
	}
}

type Manager struct {
	transport      Transport
	syncTimeout    time.Duration
	confirmTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cache     *suggestion.Cache
	forks     map[string]*fork
	pending   map[string]context.CancelFunc
	accepting map[string]chan struct{}
	closers   map[string]func()
	session   string
	disposed  bool

	unsubscribe func()
	changed     *signal.Signal[suggestion.ChangeEvent]
}

var _ suggestion.Manager = (*Manager)(nil)

func New(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	confirm := opts.ConfirmTimeout
	if confirm <= 0 {
		confirm = defaultConfirmTimeout
	}
	m := &Manager{
		transport:      opts.Transport,
		syncTimeout:    opts.SyncTimeout,
		confirmTimeout: confirm,
		ctx:            ctx,
		cancel:         cancel,
		cache:          suggestion.NewCache(),
		forks:          map[string]*fork{},
		pending:        map[string]context.CancelFunc{},
		accepting:      map[string]chan struct{}{},
		closers:        map[string]func(){},
		changed:        signal.New[suggestion.ChangeEvent](),
	}
	m.unsubscribe = opts.Transport.Subscribe(m.handleForkEvent)
	return m
}

func (m *Manager) Name() string                                    { return Name }
func (m *Manager) SourceLiveUpdate() bool                          { return true }
func (m *Manager) Changed() *signal.Signal[suggestion.ChangeEvent] { return m.changed }

func (m *Manager) ensureSession(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session != "" {
		return session, nil
	}
	session, err := m.transport.RequestSession(ctx, path)
	if err != nil {
		return "", fmt.Errorf("request session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == "" {
		m.session = session
	}
	return m.session, nil
}

func (m *Manager) handleForkEvent(ev ForkEvent) {
	switch ev.Kind {
	case ForkAdded:
		desc, err := ParseDescription(ev.Info.Description)
		if err != nil {
			log.Printf("rtc suggestions: ignoring fork %s: %v", ev.ForkID, err)
			return
		}
		m.mu.Lock()
		_, known := m.forks[ev.ForkID]
		_, opening := m.pending[ev.ForkID]
		if m.disposed || known || opening {
			m.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(m.ctx)
		m.pending[ev.ForkID] = cancel
		m.mu.Unlock()
		go m.attach(ctx, ev.ForkID, ev.Info.RootID, desc)
	case ForkDeleted:
		m.detach(ev.ForkID)
	}
}

// attach opens a newly created fork and exposes it once it has synced.
func (m *Manager) attach(ctx context.Context, forkID, rootID string, desc Description) {
	f, err := m.open(ctx, forkID, rootID, desc)

	m.mu.Lock()
	cancel, stillPending := m.pending[forkID]
	delete(m.pending, forkID)
	if cancel != nil {
		cancel()
	}
	if err != nil || !stillPending || m.disposed {
		m.mu.Unlock()
		if err != nil {
			log.Printf("rtc suggestions: fork %s not exposed: %v", forkID, err)
		}
		if f != nil {
			f.close()
		}
		return
	}
	m.forks[forkID] = f
	if m.cache.Put(desc.Path, f.suggestion()) {
		m.changed.Queue(suggestion.ChangeEvent{Path: desc.Path, CellID: desc.CellID, SuggestionID: forkID, Operator: suggestion.OpAdded})
	}
	m.mu.Unlock()
	m.changed.Flush()
}

func (m *Manager) open(ctx context.Context, forkID, rootID string, desc Description) (*fork, error) {
	session, err := m.ensureSession(ctx, desc.Path)
	if err != nil {
		return nil, err
	}
	conn, err := m.transport.Open(ctx, forkID, session)
	if err != nil {
		return nil, fmt.Errorf("open fork: %w", err)
	}
	waitCtx := ctx
	if m.syncTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.syncTimeout)
		defer cancel()
	}
	select {
	case <-conn.Synced():
	case <-waitCtx.Done():
		_ = conn.Close()
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil, suggestion.ErrSyncTimeout
		}
		return nil, waitCtx.Err()
	}
	cell, _, ok := conn.Document().CellByID(desc.CellID)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("cell %s not in fork", desc.CellID)
	}
	f := &fork{id: forkID, rootID: rootID, desc: desc, conn: conn, cell: cell}
	f.disconnect = conn.Document().Changed().Connect(func(change notebook.Change) {
		m.handleForkStructure(forkID, change)
	})
	return f, nil
}

// handleForkStructure rebinds the suggestion content after the target cell
// was moved inside the fork.
func (m *Manager) handleForkStructure(forkID string, change notebook.Change) {
	if suggestion.DetectCellChange(change).Kind != suggestion.CellEventMoved {
		return
	}
	m.mu.Lock()
	f, ok := m.forks[forkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	cell, _, found := f.conn.Document().CellByID(f.desc.CellID)
	if !found || cell == f.cell {
		m.mu.Unlock()
		return
	}
	f.cell = cell
	if s, ok := m.cache.Get(f.desc.Path, f.desc.CellID, forkID); ok {
		s.Content = cell
		m.changed.Queue(suggestion.ChangeEvent{
			Path:         f.desc.Path,
			CellID:       f.desc.CellID,
			SuggestionID: forkID,
			Operator:     suggestion.OpModified,
			Cause:        suggestion.CauseRebind,
			Modified:     &suggestion.ModifiedData{Content: cell},
		})
	}
	m.mu.Unlock()
	m.changed.Flush()
}

func (m *Manager) detach(forkID string) {
	m.mu.Lock()
	if cancel, ok := m.pending[forkID]; ok {
		delete(m.pending, forkID)
		cancel()
		m.mu.Unlock()
		return
	}
	f, ok := m.forks[forkID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.forks, forkID)
	if m.cache.Remove(f.desc.Path, f.desc.CellID, forkID) {
		m.changed.Queue(suggestion.ChangeEvent{Path: f.desc.Path, CellID: f.desc.CellID, SuggestionID: forkID, Operator: suggestion.OpDeleted})
	}
	m.mu.Unlock()
	m.changed.Flush()
	f.close()
}

func (m *Manager) GetAllSuggestions(ctx context.Context, doc notebook.Document) (suggestion.NotebookSuggestions, error) {
	path := doc.Path()
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, suggestion.Wrap("get all suggestions", path, "", "", suggestion.ErrDisposed)
	}
	if m.cache.Loaded(path) {
		defer m.mu.Unlock()
		return m.cache.Snapshot(path), nil
	}
	m.mu.Unlock()

	forks, err := m.transport.ListForks(ctx, doc.ID())
	if err != nil {
		return nil, suggestion.Wrap("get all suggestions", path, "", "", err)
	}
	var opened []*fork
	for forkID, info := range forks {
		desc, err := ParseDescription(info.Description)
		if err != nil || desc.Path != path {
			continue
		}
		m.mu.Lock()
		_, known := m.forks[forkID]
		_, opening := m.pending[forkID]
		m.mu.Unlock()
		if known || opening {
			continue
		}
		f, err := m.open(ctx, forkID, doc.ID(), desc)
		if err != nil {
			log.Printf("rtc suggestions: fork %s not exposed: %v", forkID, err)
			continue
		}
		opened = append(opened, f)
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		for _, f := range opened {
			f.close()
		}
		return nil, suggestion.Wrap("get all suggestions", path, "", "", suggestion.ErrDisposed)
	}
	var duplicates []*fork
	for _, f := range opened {
		if _, exists := m.forks[f.id]; exists {
			duplicates = append(duplicates, f)
			continue
		}
		m.forks[f.id] = f
		m.cache.Put(path, f.suggestion())
	}
	m.cache.MarkLoaded(path)
	if _, tracked := m.closers[path]; !tracked {
		m.closers[path] = doc.Closed().Connect(func(string) { m.forget(path) })
	}
	snapshot := m.cache.Snapshot(path)
	m.mu.Unlock()
	for _, f := range duplicates {
		f.close()
	}
	return snapshot, nil
}

// forget drops the index of a closed document and closes its forks; the
// forks themselves stay on the server.
func (m *Manager) forget(path string) {
	m.mu.Lock()
	var closing []*fork
	for id, f := range m.forks {
		if f.desc.Path == path {
			closing = append(closing, f)
			delete(m.forks, id)
		}
	}
	m.cache.Drop(path)
	disconnect := m.closers[path]
	delete(m.closers, path)
	m.mu.Unlock()
	if disconnect != nil {
		disconnect()
	}
	for _, f := range closing {
		f.close()
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
	path := req.Document.Path()
	cellID := req.Cell.ID()
	kind := req.Kind
	if kind == "" {
		kind = suggestion.KindChange
	}
	if !kind.Valid() {
		return "", suggestion.Wrap("add suggestion", path, cellID, "", fmt.Errorf("%w: kind %q", suggestion.ErrInvalid, kind))
	}
	m.mu.Lock()
	disposed := m.disposed
	m.mu.Unlock()
	if disposed {
		return "", suggestion.Wrap("add suggestion", path, cellID, "", suggestion.ErrDisposed)
	}
	if _, err := m.ensureSession(ctx, path); err != nil {
		return "", suggestion.Wrap("add suggestion", path, cellID, "", err)
	}
	desc, err := Description{CellID: cellID, Path: path, MimeType: req.Cell.MimeType(), Kind: kind, Author: req.Author}.Encode()
	if err != nil {
		return "", suggestion.Wrap("add suggestion", path, cellID, "", err)
	}
	forkID, err := m.transport.CreateFork(ctx, req.Document.ID(), ForkRequest{Description: desc, Synchronize: true})
	if err != nil {
		return "", suggestion.Wrap("add suggestion", path, cellID, "", err)
	}
	return forkID, nil
}

// UpdateSuggestion is a no-op: fork cells are edited live.
func (m *Manager) UpdateSuggestion(ctx context.Context, doc notebook.Document, cellID, suggestionID, source string) error {
	return nil
}

func (m *Manager) DeleteSuggestion(ctx context.Context, doc notebook.Document, cellID, suggestionID string) error {
	m.mu.Lock()
	done, busy := m.accepting[suggestionID]
	m.mu.Unlock()
	if busy {
		select {
		case <-done:
		case <-ctx.Done():
			return suggestion.Wrap("delete suggestion", doc.Path(), cellID, suggestionID, ctx.Err())
		}
	}

	m.mu.Lock()
	_, known := m.forks[suggestionID]
	cancel, opening := m.pending[suggestionID]
	m.mu.Unlock()
	if !known && !opening {
		return nil
	}
	if opening {
		cancel()
	}
	err := m.transport.DeleteFork(ctx, suggestionID, false)
	if err != nil && !errors.Is(err, ErrForkNotFound) {
		return suggestion.Wrap("delete suggestion", doc.Path(), cellID, suggestionID, err)
	}
	return nil
}

func (m *Manager) AcceptSuggestion(ctx context.Context, doc notebook.Document, cellID, suggestionID string) (bool, error) {
	path := doc.Path()
	m.mu.Lock()
	f, ok := m.forks[suggestionID]
	if !ok || f.desc.CellID != cellID {
		m.mu.Unlock()
		return false, nil
	}
	if _, busy := m.accepting[suggestionID]; busy {
		m.mu.Unlock()
		return false, nil
	}
	done := make(chan struct{})
	m.accepting[suggestionID] = done
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.accepting, suggestionID)
		m.mu.Unlock()
		close(done)
	}()

	if _, _, ok := doc.CellByID(cellID); !ok {
		return false, nil
	}
	if f.desc.Kind == suggestion.KindDelete {
		confirmCtx, cancel := context.WithTimeout(ctx, m.confirmTimeout)
		deleted, err := suggestion.DeleteCellByID(confirmCtx, f.conn.Document(), cellID, notebook.CellCode)
		cancel()
		if err != nil {
			return false, suggestion.Wrap("accept suggestion", path, cellID, suggestionID, err)
		}
		if !deleted {
			return false, nil
		}
	}
	if err := m.transport.DeleteFork(ctx, suggestionID, true); err != nil {
		if errors.Is(err, ErrForkNotFound) {
			return false, nil
		}
		return false, suggestion.Wrap("accept suggestion", path, cellID, suggestionID, fmt.Errorf("%w: %w", suggestion.ErrMergeRejected, err))
	}
	return true, nil
}

// Dispose closes every fork connection; the forks stay on the server.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.cancel()
	forks := m.forks
	closers := m.closers
	m.forks = map[string]*fork{}
	m.closers = map[string]func(){}
	m.pending = map[string]context.CancelFunc{}
	m.cache.Clear()
	m.mu.Unlock()

	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	for _, disconnect := range closers {
		disconnect()
	}
	for _, f := range forks {
		f.close()
	}
	m.changed.DisconnectAll()
}
