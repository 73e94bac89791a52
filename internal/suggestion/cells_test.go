package suggestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"suggestions/engine/internal/notebook"
)

func testDoc(ids ...string) *notebook.Notebook {
	cells := make([]*notebook.Cell, 0, len(ids))
	for _, id := range ids {
		cells = append(cells, notebook.NewCellWithID(id, notebook.CellCode, "src-"+id))
	}
	return notebook.New(notebook.Options{Path: "doc.ipynb", Cells: cells})
}

func captureEvents(doc *notebook.Notebook) *[]CellEvent {
	var events []CellEvent
	doc.Changed().Connect(func(ch notebook.Change) {
		events = append(events, DetectCellChange(ch))
	})
	return &events
}

func TestDetectCellChangeMove(t *testing.T) {
	for _, tc := range []struct{ from, to int }{{0, 2}, {2, 0}, {0, 1}, {1, 0}} {
		doc := testDoc("a", "b", "c")
		events := captureEvents(doc)
		movedID := doc.Cells()[tc.from].ID()
		if err := doc.MoveCell(tc.from, tc.to); err != nil {
			t.Fatalf("move: %v", err)
		}
		got := (*events)[0]
		if got.Kind != CellEventMoved {
			t.Fatalf("move %d->%d classified as %s", tc.from, tc.to, got.Kind)
		}
		if len(got.Moved) != 1 || got.Moved[0].ID() != movedID {
			t.Fatalf("move %d->%d: unexpected moved cells %v", tc.from, tc.to, got.Moved)
		}
	}
}

func TestDetectCellChangeDelete(t *testing.T) {
	doc := testDoc("a", "b", "c")
	events := captureEvents(doc)
	if err := doc.DeleteCell(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := doc.InsertCell(0, notebook.NewCell(notebook.CellCode, "")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := doc.SetMetadata("k", []byte(`{}`)); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	got := *events
	if got[0].Kind != CellEventDeleted || got[0].DeletedIndex != 1 {
		t.Fatalf("unexpected delete event %+v", got[0])
	}
	if got[1].Kind != CellEventNone || got[2].Kind != CellEventNone {
		t.Fatalf("expected insert and metadata to be none, got %s %s", got[1].Kind, got[2].Kind)
	}
}

func TestDeleteCellByID(t *testing.T) {
	doc := testDoc("a", "b")
	ok, err := DeleteCellByID(context.Background(), doc, "b", notebook.CellCode)
	if err != nil || !ok {
		t.Fatalf("expected deletion, got %v %v", ok, err)
	}
	if doc.Len() != 1 || doc.Cells()[0].ID() != "a" {
		t.Fatalf("unexpected cells after delete")
	}
	ok, err = DeleteCellByID(context.Background(), doc, "missing", notebook.CellCode)
	if err != nil || ok {
		t.Fatalf("expected not found, got %v %v", ok, err)
	}
}

func TestDeleteLastCellInsertsDefault(t *testing.T) {
	doc := testDoc("only")
	ok, err := DeleteCellByID(context.Background(), doc, "only", notebook.CellCode)
	if err != nil || !ok {
		t.Fatalf("expected deletion, got %v %v", ok, err)
	}
	cells := doc.Cells()
	if len(cells) != 1 {
		t.Fatalf("expected default cell, got %d cells", len(cells))
	}
	if cells[0].ID() == "only" || cells[0].Type() != notebook.CellCode || cells[0].Source() != "" {
		t.Fatalf("unexpected default cell %s %s %q", cells[0].ID(), cells[0].Type(), cells[0].Source())
	}
	if cells[0].Metadata()["trusted"] != true {
		t.Fatalf("expected trusted default cell")
	}
}

func TestDefaultCellTrustsOnlyCode(t *testing.T) {
	if got := DefaultCell(notebook.CellCode).Metadata()["trusted"]; got != true {
		t.Fatalf("code default cell trusted = %v", got)
	}
	markdown := DefaultCell(notebook.CellMarkdown)
	if markdown.Type() != notebook.CellMarkdown {
		t.Fatalf("default cell type = %s", markdown.Type())
	}
	if _, ok := markdown.Metadata()["trusted"]; ok {
		t.Fatalf("markdown default cell should not carry trusted")
	}

	doc := testDoc("only")
	if ok, err := DeleteCellByID(context.Background(), doc, "only", notebook.CellMarkdown); err != nil || !ok {
		t.Fatalf("expected deletion, got %v %v", ok, err)
	}
	if _, ok := doc.Cells()[0].Metadata()["trusted"]; ok {
		t.Fatalf("markdown replacement cell marked trusted")
	}
}

func TestCloneCellIsDetached(t *testing.T) {
	base := notebook.NewCell(notebook.CellMarkdown, "text")
	base.SetMimeType("text/markdown")
	clone := CloneCellWithSource(base, "other")
	if clone == base || clone.ID() == base.ID() {
		t.Fatalf("expected a detached clone")
	}
	if clone.Type() != notebook.CellMarkdown || clone.MimeType() != "text/markdown" {
		t.Fatalf("clone lost type or mime type")
	}
	clone.SetSource("edited")
	if base.Source() != "text" {
		t.Fatalf("editing clone changed base: %q", base.Source())
	}
}

func TestWaiterResolveBeforeWait(t *testing.T) {
	w := NewWaiter()
	w.Resolve("c1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Wait(ctx, "c1"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if w.Pending("c1") {
		t.Fatalf("expected entry discarded after wait")
	}
}

func TestWaiterResolveAfterWait(t *testing.T) {
	w := NewWaiter()
	done := make(chan error, 1)
	go func() { done <- w.Wait(context.Background(), "c1") }()
	for !w.Pending("c1") {
		time.Sleep(time.Millisecond)
	}
	w.Resolve("c1")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("wait did not complete")
	}
}

func TestWaiterTimeout(t *testing.T) {
	w := NewWaiter()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := w.Wait(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	w.Resolve("c2")
	w.Discard("c2")
	if w.Pending("c2") {
		t.Fatalf("expected discard")
	}
}

func TestCacheLifecycle(t *testing.T) {
	c := NewCache()
	s := &Suggestion{ID: "s1", OriginalCellID: "c1", Kind: KindChange}
	if c.Loaded("p") {
		t.Fatalf("expected cold cache")
	}
	if !c.Put("p", s) || c.Put("p", s) {
		t.Fatalf("expected first put to insert and second to be rejected")
	}
	snap := c.Snapshot("p")
	snap["c1"]["s1"].Kind = KindDelete
	if got, _ := c.Get("p", "c1", "s1"); got.Kind != KindChange {
		t.Fatalf("snapshot aliases cache")
	}
	if !c.Remove("p", "c1", "s1") || c.Remove("p", "c1", "s1") {
		t.Fatalf("expected single removal")
	}
	if _, ok := c.Snapshot("p")["c1"]; ok {
		t.Fatalf("expected empty cell set pruned")
	}
	c.MarkLoaded("p")
	c.Drop("p")
	if c.Loaded("p") {
		t.Fatalf("expected drop to reset loaded state")
	}
}

func TestWrapKeepsSentinels(t *testing.T) {
	err := Wrap("accept", "p", "c", "s", ErrSyncTimeout)
	if !errors.Is(err, ErrSyncTimeout) || errors.Is(err, ErrBackend) {
		t.Fatalf("unexpected wrap result %v", err)
	}
	err = Wrap("add", "p", "", "", errors.New("disk full"))
	var typed *Error
	if !errors.Is(err, ErrBackend) || !errors.As(err, &typed) || typed.Op != "add" {
		t.Fatalf("expected backend error, got %v", err)
	}
	if Wrap("noop", "", "", "", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
