package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"suggestions/engine/internal/auth"
	"suggestions/engine/internal/collab"
	"suggestions/engine/internal/config"
	"suggestions/engine/internal/gitrepo"
	"suggestions/engine/internal/identity"
	"suggestions/engine/internal/notebook"
	"suggestions/engine/internal/registry"
	"suggestions/engine/internal/search"
	"suggestions/engine/internal/session"
	"suggestions/engine/internal/store"
	"suggestions/engine/internal/suggestion"
	"suggestions/engine/internal/viewmodel"
)

type Session struct {
	Token     string
	UserName  string
	Name      string
	JTI       string
	ExpiresAt time.Time
}

// DecisionStore is the decision log as seen by the API.
type DecisionStore interface {
	viewmodel.DecisionLog
	ListDecisions(ctx context.Context, filter store.DecisionFilter) ([]store.Decision, error)
	CountDecisions(ctx context.Context, path string) (map[string]int, error)
	Ping(ctx context.Context) error
}

type Searcher interface {
	Search(q search.Query) search.Response
}

// HistorySource lists the commits of a notebook repository.
type HistorySource interface {
	History(documentID, branchName string, limit int) ([]gitrepo.CommitInfo, error)
}

type Options struct {
	Notebooks notebook.Store
	Registry  *registry.Registry
	// Hub, when set, tracks every opened notebook as a collaboration root.
	Hub       *collab.Hub
	Sessions  session.Store
	Decisions DecisionStore
	Search    Searcher
	Index     viewmodel.Indexer
	History   HistorySource
	Identity  identity.Provider
}

type workspace struct {
	doc    *notebook.Notebook
	model  *viewmodel.Model
	detach func()
}

type Service struct {
	cfg       config.Config
	notebooks notebook.Store
	registry  *registry.Registry
	hub       *collab.Hub
	sessions  session.Store
	decisions DecisionStore
	search    Searcher
	index     viewmodel.Indexer
	history   HistorySource
	identity  identity.Provider
	keyHash   []byte

	// opening collapses concurrent first opens of one path.
	opening singleflight.Group

	mu         sync.Mutex
	workspaces map[string]*workspace
	closed     bool
	offChanged func()
}

func New(cfg config.Config, opts Options) *Service {
	if opts.Sessions == nil {
		opts.Sessions = session.NewMemoryStore()
	}
	if opts.Identity == nil {
		opts.Identity = identity.NewStatic(cfg.UserName)
	}
	s := &Service{
		cfg:        cfg,
		notebooks:  opts.Notebooks,
		registry:   opts.Registry,
		hub:        opts.Hub,
		sessions:   opts.Sessions,
		decisions:  opts.Decisions,
		search:     opts.Search,
		index:      opts.Index,
		history:    opts.History,
		identity:   opts.Identity,
		keyHash:    apiKeyHash(cfg),
		workspaces: map[string]*workspace{},
	}
	s.offChanged = s.registry.Changed().Connect(s.switchManager)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	if s.decisions == nil {
		return nil
	}
	return s.decisions.Ping(ctx)
}

// apiKeyHash returns the configured bcrypt hash, or hashes the plain key.
// Nil means no key can log in.
func apiKeyHash(cfg config.Config) []byte {
	if cfg.APIKeyHash != "" {
		return []byte(cfg.APIKeyHash)
	}
	if cfg.APIKey == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.APIKey), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("app: hash api key: %v", err)
		return nil
	}
	return hash
}

// Login exchanges the API key for a bearer token.
func (s *Service) Login(ctx context.Context, apiKey, userName, name string) (Session, error) {
	if apiKey == "" || s.keyHash == nil || bcrypt.CompareHashAndPassword(s.keyHash, []byte(apiKey)) != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key", nil)
	}
	userName = strings.TrimSpace(userName)
	if userName == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username is required", nil)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = userName
	}

	claims := auth.NewClaims(userName, name, auth.ScopeAPI, s.cfg.SessionTTL)
	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), claims)
	if err != nil {
		return Session{}, err
	}
	expiresAt := time.Unix(claims.Exp, 0)
	if err := s.sessions.Save(ctx, auth.HashToken(token), session.Data{Subject: userName, Name: name}, expiresAt); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return Session{Token: token, UserName: userName, Name: name, JTI: claims.JTI, ExpiresAt: expiresAt}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseScoped([]byte(s.cfg.SessionSecret), token, auth.ScopeAPI)
	if err != nil {
		return Session{}, err
	}
	if _, err := s.sessions.Lookup(ctx, auth.HashToken(token)); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserName:  claims.Sub,
		Name:      claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	return s.sessions.Revoke(ctx, auth.HashToken(session.Token))
}

// WithSession makes the session's user the author of suggestions and
// decisions made with ctx.
func WithSession(ctx context.Context, session Session) context.Context {
	return identity.WithAuthor(ctx, identity.Author(session.UserName, session.Name))
}

func validatePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "path is required", nil)
	}
	clean := filepath.ToSlash(filepath.Clean(strings.TrimPrefix(path, "/")))
	if !filepath.IsLocal(clean) {
		return "", domainError(http.StatusUnprocessableEntity, "INVALID_PATH", "path must stay inside the notebook store", nil)
	}
	return clean, nil
}

// workspace returns the bound view-model for path, opening the notebook on
// first use. Opening runs outside s.mu.
func (s *Service) workspace(ctx context.Context, rawPath string) (*workspace, error) {
	path, err := validatePath(rawPath)
	if err != nil {
		return nil, err
	}
	if ws, ok := s.lookupWorkspace(path); ok {
		return ws, nil
	}
	v, err, _ := s.opening.Do(path, func() (any, error) {
		if ws, ok := s.lookupWorkspace(path); ok {
			return ws, nil
		}
		ws, err := s.bindWorkspace(ctx, path)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			ws.close()
			return nil, errServiceClosed
		}
		// The active manager may have changed while the notebook was opening.
		if mgr, ok := s.registry.ActivatedManager(); ok && ws.model.Manager() != mgr {
			if err := ws.model.SwitchManager(ctx, mgr); err != nil {
				ws.close()
				return nil, err
			}
		}
		s.workspaces[path] = ws
		log.Printf("app: opened notebook %s", path)
		return ws, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*workspace), nil
}

func (s *Service) lookupWorkspace(path string) (*workspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[path]
	return ws, ok
}

func (s *Service) bindWorkspace(ctx context.Context, path string) (*workspace, error) {
	doc, err := notebook.Open(ctx, s.notebooks, path, false)
	if err != nil {
		return nil, fmt.Errorf("open notebook %s: %w", path, err)
	}
	ws := &workspace{doc: doc, detach: func() {}}
	if s.hub != nil {
		ws.detach = s.hub.Attach(ctx, doc)
	}
	ws.model = viewmodel.New(viewmodel.Options{
		Identity:      s.identity,
		Decisions:     s.decisions,
		Index:         s.index,
		RebindTimeout: s.cfg.MoveRebindTimeout,
	})
	if err := ws.model.SwitchDocument(ctx, doc); err != nil {
		ws.close()
		return nil, err
	}
	if mgr, ok := s.registry.ActivatedManager(); ok {
		if err := ws.model.SwitchManager(ctx, mgr); err != nil {
			ws.close()
			return nil, err
		}
	}
	return ws, nil
}

func (w *workspace) close() {
	w.model.Dispose()
	w.detach()
	w.doc.Close()
}

func (s *Service) switchManager(mgr suggestion.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, ws := range s.workspaces {
		if err := ws.model.SwitchManager(context.Background(), mgr); err != nil {
			log.Printf("app: switch manager for %s: %v", path, err)
		}
	}
}

// CloseNotebook unbinds path. Its suggestions stay with their manager.
func (s *Service) CloseNotebook(rawPath string) error {
	path, err := validatePath(rawPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ws, ok := s.workspaces[path]
	delete(s.workspaces, path)
	s.mu.Unlock()
	if !ok {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Notebook is not open", nil)
	}
	ws.close()
	return nil
}

// Close unbinds every notebook. Managers are left to the registry.
func (s *Service) Close() {
	s.offChanged()
	s.mu.Lock()
	s.closed = true
	workspaces := s.workspaces
	s.workspaces = map[string]*workspace{}
	s.mu.Unlock()
	for _, ws := range workspaces {
		ws.close()
	}
}

type ManagersView struct {
	Managers []string `json:"managers"`
	Active   string   `json:"active"`
}

func (s *Service) Managers() ManagersView {
	return ManagersView{Managers: s.registry.Managers(), Active: s.registry.ActiveID()}
}

// ActivateManager switches every open notebook to id and records the choice
// in the settings file.
func (s *Service) ActivateManager(id string) (ManagersView, error) {
	id = strings.TrimSpace(id)
	if !s.registry.SetManager(id) {
		return ManagersView{}, domainError(http.StatusNotFound, "MANAGER_NOT_FOUND", "Unknown suggestion manager", map[string]any{"id": id})
	}
	if s.cfg.SettingsPath != "" {
		if err := config.SetSuggestionManager(s.cfg.SettingsPath, id); err != nil {
			log.Printf("app: persist active manager %s: %v", id, err)
		}
	}
	return s.Managers(), nil
}

type AuthorView struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Initials string `json:"initials"`
	Color    string `json:"color"`
}

type SuggestionView struct {
	ID       string      `json:"id"`
	CellID   string      `json:"cellId"`
	Kind     string      `json:"kind"`
	Source   string      `json:"source"`
	Original string      `json:"original"`
	Position int         `json:"position"`
	Author   *AuthorView `json:"author,omitempty"`
	Pending  bool        `json:"pending,omitempty"`
}

func suggestionView(cellID string, e viewmodel.Entry) SuggestionView {
	view := SuggestionView{
		ID:       e.Suggestion.ID,
		CellID:   cellID,
		Kind:     string(e.Suggestion.Kind),
		Position: e.Position,
	}
	if e.Suggestion.Content != nil {
		view.Source = e.Suggestion.Content.Source()
	}
	if e.OriginalCell != nil {
		view.Original = e.OriginalCell.Source()
	}
	if a := e.Suggestion.Metadata.Author; a != nil {
		view.Author = &AuthorView{Username: a.Username, Name: a.Name, Initials: a.Initials, Color: a.Color}
	}
	return view
}

// ListSuggestions returns the suggestions of path ordered by cell position.
func (s *Service) ListSuggestions(ctx context.Context, path string) ([]SuggestionView, error) {
	ws, err := s.workspace(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ws.model.Wait(ctx); err != nil {
		return nil, err
	}
	views := []SuggestionView{}
	for cellID, set := range ws.model.AllSuggestions() {
		for _, e := range set {
			views = append(views, suggestionView(cellID, e))
		}
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Position != views[j].Position {
			return views[i].Position < views[j].Position
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

// AddSuggestion targets cellID, or the active cell when cellID is empty.
func (s *Service) AddSuggestion(ctx context.Context, path, cellID string, kind suggestion.Kind) (SuggestionView, error) {
	if !kind.Valid() {
		return SuggestionView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be change or delete", nil)
	}
	ws, err := s.workspace(ctx, path)
	if err != nil {
		return SuggestionView{}, err
	}
	if cellID == "" {
		active := ws.model.ActiveCell()
		if active == nil {
			return SuggestionView{}, domainError(http.StatusUnprocessableEntity, "NO_ACTIVE_CELL", "No active cell to suggest on", nil)
		}
		cellID = active.ID()
	}
	id, err := ws.model.AddCellSuggestion(ctx, cellID, kind)
	if err != nil {
		return SuggestionView{}, err
	}
	if id == "" {
		return SuggestionView{}, domainError(http.StatusNotFound, "CELL_NOT_FOUND", "Cell not found", map[string]any{"cellId": cellID})
	}
	if e, ok := ws.model.GetSuggestion(cellID, id); ok {
		return suggestionView(cellID, e), nil
	}
	// Live backends expose the suggestion once its fork has synced.
	return SuggestionView{ID: id, CellID: cellID, Kind: string(kind), Position: ws.model.GetCellIndex(cellID), Pending: true}, nil
}

func (s *Service) GetSuggestion(ctx context.Context, path, cellID, suggestionID string) (SuggestionView, error) {
	ws, err := s.workspace(ctx, path)
	if err != nil {
		return SuggestionView{}, err
	}
	e, ok := ws.model.GetSuggestion(cellID, suggestionID)
	if !ok {
		return SuggestionView{}, errSuggestionNotFound
	}
	return suggestionView(cellID, e), nil
}

func (s *Service) UpdateSuggestion(ctx context.Context, path, cellID, suggestionID, source string) (SuggestionView, error) {
	ws, err := s.workspace(ctx, path)
	if err != nil {
		return SuggestionView{}, err
	}
	e, ok := ws.model.GetSuggestion(cellID, suggestionID)
	if !ok {
		return SuggestionView{}, errSuggestionNotFound
	}
	if e.Suggestion.Kind == suggestion.KindDelete {
		return SuggestionView{}, domainError(http.StatusConflict, "DELETE_SUGGESTION", "Delete suggestions have no content to edit", nil)
	}
	if err := ws.model.UpdateSuggestion(ctx, cellID, suggestionID, source); err != nil {
		return SuggestionView{}, err
	}
	// Fork cells are edited in place.
	if mgr := ws.model.Manager(); mgr != nil && mgr.SourceLiveUpdate() && e.Suggestion.Content != nil {
		e.Suggestion.Content.SetSource(source)
	}
	return s.GetSuggestion(ctx, path, cellID, suggestionID)
}

// AcceptSuggestion applies the suggestion to the notebook. It reports false
// when another caller already settled it.
func (s *Service) AcceptSuggestion(ctx context.Context, path, cellID, suggestionID string) (bool, error) {
	ws, err := s.workspace(ctx, path)
	if err != nil {
		return false, err
	}
	if _, ok := ws.model.GetSuggestion(cellID, suggestionID); !ok {
		return false, errSuggestionNotFound
	}
	return ws.model.AcceptSuggestion(ctx, cellID, suggestionID)
}

func (s *Service) DeleteSuggestion(ctx context.Context, path, cellID, suggestionID string) error {
	ws, err := s.workspace(ctx, path)
	if err != nil {
		return err
	}
	if _, ok := ws.model.GetSuggestion(cellID, suggestionID); !ok {
		return errSuggestionNotFound
	}
	return ws.model.DeleteSuggestion(ctx, cellID, suggestionID)
}

type CellView struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Source      string `json:"source"`
	Position    int    `json:"position"`
	Suggestions int    `json:"suggestions"`
	Active      bool   `json:"active"`
}

func (s *Service) Cells(ctx context.Context, path string) ([]CellView, error) {
	ws, err := s.workspace(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ws.model.Wait(ctx); err != nil {
		return nil, err
	}
	all := ws.model.AllSuggestions()
	active := ws.model.ActiveCell()
	cells := ws.doc.Cells()
	views := make([]CellView, 0, len(cells))
	for i, cell := range cells {
		views = append(views, CellView{
			ID:          cell.ID(),
			Type:        string(cell.Type()),
			Source:      cell.Source(),
			Position:    i,
			Suggestions: len(all[cell.ID()]),
			Active:      active != nil && active.ID() == cell.ID(),
		})
	}
	return views, nil
}

// ActiveCell returns the active cell id, or "" when no cell is active.
func (s *Service) ActiveCell(ctx context.Context, path string) (string, error) {
	ws, err := s.workspace(ctx, path)
	if err != nil {
		return "", err
	}
	if cell := ws.model.ActiveCell(); cell != nil {
		return cell.ID(), nil
	}
	return "", nil
}

func (s *Service) SetActiveCell(ctx context.Context, path, cellID string) error {
	ws, err := s.workspace(ctx, path)
	if err != nil {
		return err
	}
	if !ws.model.SetActiveCell(cellID) {
		return domainError(http.StatusNotFound, "CELL_NOT_FOUND", "Cell not found", map[string]any{"cellId": cellID})
	}
	return nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

type DecisionsView struct {
	Decisions []store.Decision `json:"decisions"`
	Counts    map[string]int   `json:"counts"`
}

func (s *Service) Decisions(ctx context.Context, filter store.DecisionFilter) (DecisionsView, error) {
	if s.decisions == nil {
		return DecisionsView{}, domainError(http.StatusServiceUnavailable, "DECISION_LOG_UNAVAILABLE", "Decision log is not configured", nil)
	}
	if filter.Outcome != "" {
		switch filter.Outcome {
		case store.OutcomeAccepted, store.OutcomeDiscarded, store.OutcomeOrphaned:
		default:
			return DecisionsView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "outcome must be ACCEPTED, DISCARDED or ORPHANED", nil)
		}
	}
	decisions, err := s.decisions.ListDecisions(ctx, filter)
	if err != nil {
		return DecisionsView{}, err
	}
	counts, err := s.decisions.CountDecisions(ctx, filter.Path)
	if err != nil {
		return DecisionsView{}, err
	}
	if decisions == nil {
		decisions = []store.Decision{}
	}
	return DecisionsView{Decisions: decisions, Counts: counts}, nil
}

// History lists the commits on main of a git-backed notebook.
func (s *Service) History(ctx context.Context, rawPath string, limit int) ([]gitrepo.CommitInfo, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Notebooks are not stored in git", nil)
	}
	path, err := validatePath(rawPath)
	if err != nil {
		return nil, err
	}
	commits, err := s.history.History(gitrepo.DocumentID(path), "main", limit)
	if errors.Is(err, gitrepo.ErrRepoNotFound) {
		return []gitrepo.CommitInfo{}, nil
	}
	return commits, err
}
