// Package collab is an in-process collaboration service: it hosts root
// documents and their forks, issues collaboration sessions, replicates root
// cell moves into forks and merges forks back into their root.
package collab

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"suggestions/engine/internal/auth"
	"suggestions/engine/internal/notebook"
	"suggestions/engine/internal/session"
	"suggestions/engine/internal/signal"
	"suggestions/engine/internal/suggestion"
	"suggestions/engine/internal/suggestion/rtc"
)

var (
	ErrRootNotFound = errors.New("root document not attached")
	ErrUnauthorized = errors.New("collaboration session rejected")
)

// Repository mirrors fork lifecycles into version control.
type Repository interface {
	StartFork(path, forkID string, base notebook.Snapshot) error
	MergeFork(path, forkID string, fork, merged notebook.Snapshot, author string) error
	DropFork(path, forkID string) error
}

type Options struct {
	Directory  Directory
	Sessions   session.Store
	Secret     []byte
	SessionTTL time.Duration
	Repository Repository
}

type room struct {
	id     string
	rootID string
	info   rtc.ForkInfo
	doc    *notebook.Notebook
	// base holds each cell's source at fork time, keyed by cell id.
	base map[string]string
}

type rootDoc struct {
	doc        notebook.Document
	disconnect func()
}

type Hub struct {
	directory  Directory
	sessions   session.Store
	secret     []byte
	sessionTTL time.Duration
	repo       Repository

	mu    sync.Mutex
	roots map[string]*rootDoc
	forks map[string]*room

	events *signal.Signal[rtc.ForkEvent]
}

var _ rtc.Transport = (*Hub)(nil)

func NewHub(opts Options) *Hub {
	h := &Hub{
		directory:  opts.Directory,
		sessions:   opts.Sessions,
		secret:     opts.Secret,
		sessionTTL: opts.SessionTTL,
		repo:       opts.Repository,
		roots:      map[string]*rootDoc{},
		forks:      map[string]*room{},
		events:     signal.New[rtc.ForkEvent](),
	}
	if h.directory == nil {
		h.directory = NewMemoryDirectory()
	}
	if h.sessions == nil {
		h.sessions = session.NewMemoryStore()
	}
	if len(h.secret) == 0 {
		h.secret = make([]byte, 32)
		_, _ = rand.Read(h.secret)
	}
	if h.sessionTTL <= 0 {
		h.sessionTTL = time.Hour
	}
	return h
}

// Attach hosts doc as a root document and prunes directory entries of forks
// this hub does not hold. The returned func detaches it again.
func (h *Hub) Attach(ctx context.Context, doc notebook.Document) func() {
	rootID := doc.ID()
	entry := &rootDoc{doc: doc}
	entry.disconnect = doc.Changed().Connect(func(change notebook.Change) {
		h.replicateMoves(rootID, change)
	})

	h.mu.Lock()
	previous := h.roots[rootID]
	h.roots[rootID] = entry
	h.mu.Unlock()
	if previous != nil {
		previous.disconnect()
	}

	if listed, err := h.directory.List(ctx, rootID); err != nil {
		log.Printf("collab: list forks of %s: %v", rootID, err)
	} else {
		for forkID := range listed {
			h.mu.Lock()
			_, live := h.forks[forkID]
			h.mu.Unlock()
			if live {
				continue
			}
			if err := h.directory.Delete(ctx, forkID); err != nil {
				log.Printf("collab: prune stale fork %s: %v", forkID, err)
			}
		}
	}

	return func() {
		h.mu.Lock()
		if h.roots[rootID] == entry {
			delete(h.roots, rootID)
		}
		h.mu.Unlock()
		entry.disconnect()
	}
}

func (h *Hub) RequestSession(ctx context.Context, path string) (string, error) {
	claims := auth.NewClaims("collab", "collab", auth.ScopeCollab, h.sessionTTL)
	claims.Path = path
	token, err := auth.IssueToken(h.secret, claims)
	if err != nil {
		return "", err
	}
	data := session.Data{Subject: claims.Sub, Name: claims.Name, Path: path}
	if err := h.sessions.Save(ctx, auth.HashToken(token), data, time.Unix(claims.Exp, 0)); err != nil {
		return "", fmt.Errorf("record session: %w", err)
	}
	return token, nil
}

// RevokeSession invalidates a session before its token expires.
func (h *Hub) RevokeSession(ctx context.Context, token string) error {
	return h.sessions.Revoke(ctx, auth.HashToken(token))
}

func (h *Hub) verify(ctx context.Context, token string) error {
	if _, err := auth.ParseScoped(h.secret, token, auth.ScopeCollab); err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if _, err := h.sessions.Lookup(ctx, auth.HashToken(token)); err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return nil
}

func (h *Hub) CreateFork(ctx context.Context, rootID string, req rtc.ForkRequest) (string, error) {
	h.mu.Lock()
	root := h.roots[rootID]
	h.mu.Unlock()
	if root == nil {
		return "", fmt.Errorf("create fork of %s: %w", rootID, ErrRootNotFound)
	}

	snap := root.doc.Snapshot()
	forkID := uuid.NewString()
	r := &room{
		id:     forkID,
		rootID: rootID,
		info:   rtc.ForkInfo{RootID: rootID, Description: req.Description, Synchronize: req.Synchronize},
		doc:    notebook.FromSnapshot(snap, notebook.Options{Path: root.doc.Path(), ID: forkID, Collaborative: true}),
		base:   make(map[string]string, len(snap.Cells)),
	}
	for _, cell := range snap.Cells {
		r.base[cell.ID] = cell.Source
	}

	if err := h.directory.Save(ctx, forkID, r.info); err != nil {
		return "", fmt.Errorf("create fork: %w", err)
	}
	if h.repo != nil {
		if err := h.repo.StartFork(root.doc.Path(), forkID, snap); err != nil {
			if derr := h.directory.Delete(ctx, forkID); derr != nil {
				log.Printf("collab: roll back fork %s: %v", forkID, derr)
			}
			return "", fmt.Errorf("create fork branch: %w", err)
		}
	}

	h.mu.Lock()
	h.forks[forkID] = r
	h.mu.Unlock()
	h.events.Emit(rtc.ForkEvent{Kind: rtc.ForkAdded, ForkID: forkID, Info: r.info})
	return forkID, nil
}

func (h *Hub) ListForks(ctx context.Context, rootID string) (map[string]rtc.ForkInfo, error) {
	return h.directory.List(ctx, rootID)
}

func (h *Hub) Subscribe(fn func(rtc.ForkEvent)) func() {
	return h.events.Connect(fn)
}

func (h *Hub) Open(ctx context.Context, forkID, token string) (rtc.ForkConnection, error) {
	if err := h.verify(ctx, token); err != nil {
		return nil, err
	}
	h.mu.Lock()
	r := h.forks[forkID]
	h.mu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("open %s: %w", forkID, rtc.ErrForkNotFound)
	}
	conn := &connection{doc: r.doc, synced: make(chan struct{})}
	// Initial state arrives after Open returns, as it would over a socket.
	go close(conn.synced)
	return conn, nil
}

func (h *Hub) DeleteFork(ctx context.Context, forkID string, merge bool) error {
	h.mu.Lock()
	r := h.forks[forkID]
	h.mu.Unlock()
	if r == nil {
		return fmt.Errorf("delete %s: %w", forkID, rtc.ErrForkNotFound)
	}

	if merge {
		if err := h.merge(ctx, r); err != nil {
			return err
		}
	} else if h.repo != nil {
		if err := h.repo.DropFork(r.doc.Path(), forkID); err != nil {
			log.Printf("collab: drop fork branch %s: %v", forkID, err)
		}
	}
	if err := h.directory.Delete(ctx, forkID); err != nil {
		log.Printf("collab: remove fork %s from directory: %v", forkID, err)
	}

	h.mu.Lock()
	_, present := h.forks[forkID]
	delete(h.forks, forkID)
	h.mu.Unlock()
	if !present {
		return nil
	}
	h.events.Emit(rtc.ForkEvent{Kind: rtc.ForkDeleted, ForkID: forkID, Info: r.info})
	r.doc.Close()
	return nil
}

// merge applies what the fork changed relative to its base: removed cells
// are deleted from the root and edited sources are copied over. Cells added
// inside the fork are not carried over.
func (h *Hub) merge(ctx context.Context, r *room) error {
	h.mu.Lock()
	root := h.roots[r.rootID]
	h.mu.Unlock()
	if root == nil {
		return fmt.Errorf("merge %s: %w", r.id, ErrRootNotFound)
	}

	forkCells := suggestion.CellMap(r.doc)
	type edit struct {
		cell   *notebook.Cell
		source string
	}
	var edits []edit
	err := root.doc.Transact(func(tx *notebook.Tx) error {
		edits = edits[:0]
		for i := tx.Len() - 1; i >= 0; i-- {
			cell := tx.Cell(i)
			baseSource, tracked := r.base[cell.ID()]
			if !tracked {
				continue
			}
			forkCell, present := forkCells[cell.ID()]
			if !present {
				if err := tx.Delete(i); err != nil {
					return err
				}
				continue
			}
			if source := forkCell.Source(); source != baseSource {
				edits = append(edits, edit{cell: cell, source: source})
			}
		}
		if tx.Len() == 0 {
			return tx.Insert(0, suggestion.DefaultCell(notebook.CellCode))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("merge %s: %w", r.id, err)
	}
	for _, e := range edits {
		e.cell.SetSource(e.source)
	}

	if h.repo != nil {
		author := "suggestions"
		if desc, err := rtc.ParseDescription(r.info.Description); err == nil && desc.Author != nil && desc.Author.Name != "" {
			author = desc.Author.Name
		}
		if err := h.repo.MergeFork(root.doc.Path(), r.id, r.doc.Snapshot(), root.doc.Snapshot(), author); err != nil {
			log.Printf("collab: record merge of %s: %v", r.id, err)
		}
	}
	if err := root.doc.Save(ctx); err != nil {
		log.Printf("collab: save %s after merge: %v", root.doc.Path(), err)
	}
	return nil
}

// replicateMoves mirrors a cell move in a root document into its forks.
func (h *Hub) replicateMoves(rootID string, change notebook.Change) {
	ev := suggestion.DetectCellChange(change)
	if ev.Kind != suggestion.CellEventMoved {
		return
	}
	h.mu.Lock()
	root := h.roots[rootID]
	var forks []*room
	for _, r := range h.forks {
		if r.rootID == rootID {
			forks = append(forks, r)
		}
	}
	h.mu.Unlock()
	if root == nil {
		return
	}

	for _, moved := range ev.Moved {
		_, target, ok := root.doc.CellByID(moved.ID())
		if !ok {
			continue
		}
		for _, r := range forks {
			_, index, ok := r.doc.CellByID(moved.ID())
			if !ok {
				continue
			}
			to := min(target, r.doc.Len()-1)
			if index == to {
				continue
			}
			if err := r.doc.MoveCell(index, to); err != nil {
				log.Printf("collab: replicate move into %s: %v", r.id, err)
			}
		}
	}
}

type connection struct {
	doc    *notebook.Notebook
	synced chan struct{}
	closed atomic.Bool
}

func (c *connection) Synced() <-chan struct{}     { return c.synced }
func (c *connection) Document() notebook.Document { return c.doc }

func (c *connection) Close() error {
	c.closed.Store(true)
	return nil
}
