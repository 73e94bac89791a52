package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"suggestions/engine/internal/notebook"
	"suggestions/engine/internal/suggestion"
	"suggestions/engine/internal/suggestion/rtc"
)

type repoCall struct {
	op     string
	path   string
	forkID string
	author string
}

type fakeRepository struct {
	mu    sync.Mutex
	calls []repoCall
	fail  error
}

func (r *fakeRepository) record(call repoCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.fail
}

func (r *fakeRepository) StartFork(path, forkID string, _ notebook.Snapshot) error {
	return r.record(repoCall{op: "start", path: path, forkID: forkID})
}

func (r *fakeRepository) MergeFork(path, forkID string, _, _ notebook.Snapshot, author string) error {
	return r.record(repoCall{op: "merge", path: path, forkID: forkID, author: author})
}

func (r *fakeRepository) DropFork(path, forkID string) error {
	return r.record(repoCall{op: "drop", path: path, forkID: forkID})
}

func (r *fakeRepository) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c.op)
	}
	return out
}

func newRoot(sources ...string) *notebook.Notebook {
	cells := make([]*notebook.Cell, 0, len(sources))
	for i, src := range sources {
		cells = append(cells, notebook.NewCellWithID(string(rune('a'+i)), notebook.CellCode, src))
	}
	doc := notebook.New(notebook.Options{Path: "nb.ipynb", Cells: cells, Collaborative: true})
	doc.MarkReady()
	return doc
}

func sources(doc notebook.Document) []string {
	var out []string
	for _, c := range doc.Cells() {
		out = append(out, c.Source())
	}
	return out
}

// waitFor blocks until the manager emits an event with the given operator.
func waitFor(t *testing.T, events <-chan suggestion.ChangeEvent, op suggestion.Operator) suggestion.ChangeEvent {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Operator == op {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", op)
		}
	}
}

func setupHub(t *testing.T, root *notebook.Notebook) (*Hub, *rtc.Manager, *fakeRepository, <-chan suggestion.ChangeEvent) {
	t.Helper()
	repo := &fakeRepository{}
	hub := NewHub(Options{Repository: repo, Secret: []byte("test-secret")})
	detach := hub.Attach(context.Background(), root)
	t.Cleanup(detach)

	mgr := rtc.New(rtc.Options{Transport: hub, SyncTimeout: time.Second})
	t.Cleanup(mgr.Dispose)
	events := make(chan suggestion.ChangeEvent, 16)
	mgr.Changed().Connect(func(ev suggestion.ChangeEvent) { events <- ev })
	return hub, mgr, repo, events
}

func TestHubAcceptChangeMergesIntoRoot(t *testing.T) {
	root := newRoot("x = 1", "y = 2")
	_, mgr, repo, events := setupHub(t, root)
	ctx := context.Background()

	cell := root.Cells()[0]
	author := &suggestion.Author{Username: "ada", Name: "Ada"}
	sid, err := mgr.AddSuggestion(ctx, suggestion.AddRequest{Document: root, Cell: cell, Kind: suggestion.KindChange, Author: author})
	if err != nil {
		t.Fatalf("AddSuggestion failed: %v", err)
	}
	added := waitFor(t, events, suggestion.OpAdded)
	if added.SuggestionID != sid || added.CellID != cell.ID() {
		t.Fatalf("unexpected added event: %+v", added)
	}

	s, ok := mgr.GetSuggestion("nb.ipynb", cell.ID(), sid)
	if !ok {
		t.Fatal("suggestion not cached after sync")
	}
	if s.Content.ID() != cell.ID() || s.Content == cell {
		t.Fatalf("fork content should be a distinct replica of %s", cell.ID())
	}
	s.Content.SetSource("x = 42")
	if root.Cells()[0].Source() != "x = 1" {
		t.Fatal("fork edit leaked into root before accept")
	}

	accepted, err := mgr.AcceptSuggestion(ctx, root, cell.ID(), sid)
	if err != nil || !accepted {
		t.Fatalf("AcceptSuggestion = %v, %v", accepted, err)
	}
	if got := sources(root); got[0] != "x = 42" || got[1] != "y = 2" {
		t.Fatalf("root after merge = %v", got)
	}
	waitFor(t, events, suggestion.OpDeleted)
	if got := repo.ops(); len(got) != 2 || got[0] != "start" || got[1] != "merge" {
		t.Errorf("repository calls = %v", got)
	}
	if repo.calls[1].author != "Ada" {
		t.Errorf("merge author = %q, want Ada", repo.calls[1].author)
	}
}

func TestHubAcceptDeleteRemovesRootCell(t *testing.T) {
	root := newRoot("keep", "drop")
	_, mgr, _, events := setupHub(t, root)
	ctx := context.Background()

	target := root.Cells()[1]
	sid, err := mgr.AddSuggestion(ctx, suggestion.AddRequest{Document: root, Cell: target, Kind: suggestion.KindDelete})
	if err != nil {
		t.Fatalf("AddSuggestion failed: %v", err)
	}
	waitFor(t, events, suggestion.OpAdded)

	accepted, err := mgr.AcceptSuggestion(ctx, root, target.ID(), sid)
	if err != nil || !accepted {
		t.Fatalf("AcceptSuggestion = %v, %v", accepted, err)
	}
	if got := sources(root); len(got) != 1 || got[0] != "keep" {
		t.Fatalf("root after delete merge = %v", got)
	}
}

func TestHubMergeOfLastCellLeavesDefault(t *testing.T) {
	root := newRoot("only")
	_, mgr, _, events := setupHub(t, root)
	ctx := context.Background()

	target := root.Cells()[0]
	sid, err := mgr.AddSuggestion(ctx, suggestion.AddRequest{Document: root, Cell: target, Kind: suggestion.KindDelete})
	if err != nil {
		t.Fatalf("AddSuggestion failed: %v", err)
	}
	waitFor(t, events, suggestion.OpAdded)
	if ok, err := mgr.AcceptSuggestion(ctx, root, target.ID(), sid); err != nil || !ok {
		t.Fatalf("AcceptSuggestion = %v, %v", ok, err)
	}
	cells := root.Cells()
	if len(cells) != 1 || cells[0].ID() == target.ID() || cells[0].Source() != "" {
		t.Fatalf("expected a single fresh empty cell, got %v", sources(root))
	}
}

func TestHubDiscardLeavesRootUntouched(t *testing.T) {
	root := newRoot("x = 1")
	hub, mgr, repo, events := setupHub(t, root)
	ctx := context.Background()

	cell := root.Cells()[0]
	sid, err := mgr.AddSuggestion(ctx, suggestion.AddRequest{Document: root, Cell: cell})
	if err != nil {
		t.Fatalf("AddSuggestion failed: %v", err)
	}
	waitFor(t, events, suggestion.OpAdded)
	s, _ := mgr.GetSuggestion("nb.ipynb", cell.ID(), sid)
	s.Content.SetSource("changed")

	if err := mgr.DeleteSuggestion(ctx, root, cell.ID(), sid); err != nil {
		t.Fatalf("DeleteSuggestion failed: %v", err)
	}
	waitFor(t, events, suggestion.OpDeleted)
	if got := sources(root); got[0] != "x = 1" {
		t.Fatalf("discard changed root: %v", got)
	}
	if got := repo.ops(); got[len(got)-1] != "drop" {
		t.Errorf("expected drop call, got %v", got)
	}
	forks, err := hub.ListForks(ctx, root.ID())
	if err != nil || len(forks) != 0 {
		t.Errorf("ListForks after discard = %v, %v", forks, err)
	}
	if err := hub.DeleteFork(ctx, sid, false); !errors.Is(err, rtc.ErrForkNotFound) {
		t.Errorf("expected ErrForkNotFound, got %v", err)
	}
}

func TestHubReplicatesRootMovesIntoForks(t *testing.T) {
	root := newRoot("a", "b", "c")
	_, mgr, _, events := setupHub(t, root)
	ctx := context.Background()

	cell := root.Cells()[0]
	sid, err := mgr.AddSuggestion(ctx, suggestion.AddRequest{Document: root, Cell: cell})
	if err != nil {
		t.Fatalf("AddSuggestion failed: %v", err)
	}
	waitFor(t, events, suggestion.OpAdded)
	before, _ := mgr.GetSuggestion("nb.ipynb", cell.ID(), sid)

	if err := root.MoveCell(0, 2); err != nil {
		t.Fatalf("MoveCell failed: %v", err)
	}
	ev := waitFor(t, events, suggestion.OpModified)
	if ev.Cause != suggestion.CauseRebind {
		t.Fatalf("expected rebind cause, got %+v", ev)
	}
	after, _ := mgr.GetSuggestion("nb.ipynb", cell.ID(), sid)
	if after.Content == before.Content {
		t.Error("suggestion content should be rebound to the moved fork cell")
	}
	if after.Content.Source() != "a" {
		t.Errorf("rebound content source = %q", after.Content.Source())
	}
}

func TestHubOpenRequiresSession(t *testing.T) {
	root := newRoot("x")
	hub := NewHub(Options{Secret: []byte("test-secret")})
	defer hub.Attach(context.Background(), root)()
	ctx := context.Background()

	forkID, err := hub.CreateFork(ctx, root.ID(), rtc.ForkRequest{Description: `{"cellId":"a","path":"nb.ipynb"}`})
	if err != nil {
		t.Fatalf("CreateFork failed: %v", err)
	}
	if _, err := hub.Open(ctx, forkID, "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	token, err := hub.RequestSession(ctx, "nb.ipynb")
	if err != nil {
		t.Fatalf("RequestSession failed: %v", err)
	}
	conn, err := hub.Open(ctx, forkID, token)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	select {
	case <-conn.Synced():
	case <-time.After(time.Second):
		t.Fatal("connection never synced")
	}
	if _, err := hub.Open(ctx, "missing", token); !errors.Is(err, rtc.ErrForkNotFound) {
		t.Errorf("expected ErrForkNotFound, got %v", err)
	}

	if err := hub.RevokeSession(ctx, token); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}
	if _, err := hub.Open(ctx, forkID, token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected revoked session to be rejected, got %v", err)
	}
}

func TestHubCreateForkWithoutRoot(t *testing.T) {
	hub := NewHub(Options{})
	if _, err := hub.CreateFork(context.Background(), "nope", rtc.ForkRequest{}); !errors.Is(err, ErrRootNotFound) {
		t.Fatalf("expected ErrRootNotFound, got %v", err)
	}
}

func TestHubCreateForkRollsBackOnRepositoryError(t *testing.T) {
	root := newRoot("x")
	dir := NewMemoryDirectory()
	hub := NewHub(Options{Directory: dir, Repository: &fakeRepository{fail: errors.New("disk full")}})
	defer hub.Attach(context.Background(), root)()

	if _, err := hub.CreateFork(context.Background(), root.ID(), rtc.ForkRequest{}); err == nil {
		t.Fatal("expected CreateFork to fail")
	}
	if forks, _ := dir.List(context.Background(), root.ID()); len(forks) != 0 {
		t.Errorf("directory entry left behind: %v", forks)
	}
}

func TestHubAttachPrunesStaleForks(t *testing.T) {
	root := newRoot("x")
	dir, _ := setupTestRedis(t)
	ctx := context.Background()
	if err := dir.Save(ctx, "left-over", rtc.ForkInfo{RootID: root.ID()}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	hub := NewHub(Options{Directory: dir})
	defer hub.Attach(ctx, root)()

	forks, err := hub.ListForks(ctx, root.ID())
	if err != nil {
		t.Fatalf("ListForks failed: %v", err)
	}
	if _, ok := forks["left-over"]; ok {
		t.Error("stale fork survived attach")
	}
}
