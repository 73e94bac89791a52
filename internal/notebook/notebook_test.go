package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestNotebook(sources ...string) *Notebook {
	cells := make([]*Cell, 0, len(sources))
	for _, source := range sources {
		cells = append(cells, NewCellWithID("c-"+source, CellCode, source))
	}
	return New(Options{Path: "test.ipynb", Cells: cells})
}

func describe(deltas []Delta) []string {
	out := make([]string, 0, len(deltas))
	for _, d := range deltas {
		switch {
		case d.Retain > 0:
			out = append(out, fmt.Sprintf("retain %d", d.Retain))
		case d.Delete > 0:
			out = append(out, fmt.Sprintf("delete %d", d.Delete))
		default:
			ids := make([]string, 0, len(d.Insert))
			for _, c := range d.Insert {
				ids = append(ids, c.ID())
			}
			out = append(out, "insert "+strings.Join(ids, ","))
		}
	}
	return out
}

func ids(doc *Notebook) []string {
	var out []string
	for _, c := range doc.Cells() {
		out = append(out, c.ID())
	}
	return out
}

func TestStructuralDeltas(t *testing.T) {
	cases := []struct {
		name string
		edit func(doc *Notebook) error
		want []string
	}{
		{"delete middle", func(doc *Notebook) error { return doc.DeleteCell(1) }, []string{"retain 1", "delete 1"}},
		{"insert end", func(doc *Notebook) error { return doc.InsertCell(3, NewCellWithID("c-x", CellCode, "x")) }, []string{"retain 3", "insert c-x"}},
		{"move down", func(doc *Notebook) error { return doc.MoveCell(0, 2) }, []string{"delete 1", "retain 2", "insert c-a"}},
		{"move up", func(doc *Notebook) error { return doc.MoveCell(2, 0) }, []string{"insert c-c", "retain 2", "delete 1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := newTestNotebook("a", "b", "c")
			var got []string
			doc.Changed().Connect(func(ch Change) { got = describe(ch.CellsChange) })
			if err := tc.edit(doc); err != nil {
				t.Fatalf("edit: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("delta mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMoveReplacesCellObject(t *testing.T) {
	doc := newTestNotebook("a", "b", "c")
	before, _, _ := doc.CellByID("c-a")
	if err := doc.MoveCell(0, 2); err != nil {
		t.Fatalf("move: %v", err)
	}
	after, index, ok := doc.CellByID("c-a")
	if !ok || index != 2 {
		t.Fatalf("expected c-a at 2, got %d", index)
	}
	if after == before {
		t.Fatalf("expected moved cell to be a new object")
	}
	if after.Source() != "a" {
		t.Fatalf("expected source preserved, got %q", after.Source())
	}
	if diff := cmp.Diff([]string{"c-b", "c-c", "c-a"}, ids(doc)); diff != "" {
		t.Fatalf("order mismatch:\n%s", diff)
	}
}

func TestTransactEmitsOneChange(t *testing.T) {
	doc := newTestNotebook("a")
	var changes int
	doc.Changed().Connect(func(Change) { changes++ })
	err := doc.Transact(func(tx *Tx) error {
		if err := tx.Delete(0); err != nil {
			return err
		}
		return tx.Insert(0, NewCellWithID("c-default", CellCode, ""))
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if changes != 1 {
		t.Fatalf("expected 1 change, got %d", changes)
	}
}

func TestTransactErrorLeavesCellsUntouched(t *testing.T) {
	doc := newTestNotebook("a", "b")
	err := doc.Transact(func(tx *Tx) error {
		_ = tx.Delete(0)
		return tx.Delete(5)
	})
	if !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if doc.Len() != 2 {
		t.Fatalf("expected 2 cells after failed transaction, got %d", doc.Len())
	}
}

func TestMetadataBlockReplace(t *testing.T) {
	doc := newTestNotebook("a")
	var keys []string
	doc.Changed().Connect(func(ch Change) { keys = append(keys, ch.MetadataKeys...) })
	if err := doc.SetMetadata("block", json.RawMessage(`{"x":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := doc.SetMetadata("block", json.RawMessage(`{"y":2}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, ok := doc.Metadata("block")
	if !ok || string(raw) != `{"y":2}` {
		t.Fatalf("expected replaced block, got %s", raw)
	}
	if err := doc.SetMetadata("block", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := doc.Metadata("block"); ok {
		t.Fatalf("expected block removed")
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 metadata changes, got %v", keys)
	}
	if err := doc.SetMetadata("bad", json.RawMessage(`{`)); err == nil {
		t.Fatalf("expected invalid json error")
	}
}

func TestActiveCell(t *testing.T) {
	doc := newTestNotebook("a", "b")
	var seen []*Cell
	doc.ActiveCellChanged().Connect(func(c *Cell) { seen = append(seen, c) })
	if !doc.SetActiveCell("c-b") {
		t.Fatalf("expected activation")
	}
	if doc.SetActiveCell("missing") {
		t.Fatalf("expected unknown id rejected")
	}
	if doc.ActiveCell() == nil || doc.ActiveCell().ID() != "c-b" {
		t.Fatalf("unexpected active cell")
	}
	if err := doc.DeleteCell(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if doc.ActiveCell() != nil {
		t.Fatalf("expected active cell cleared after delete")
	}
	if len(seen) != 1 {
		t.Fatalf("expected 1 activation event, got %d", len(seen))
	}
}

func TestReadyGateAndClose(t *testing.T) {
	doc := New(Options{Path: "p.ipynb", Pending: true})
	select {
	case <-doc.Ready():
		t.Fatalf("expected pending notebook")
	default:
	}
	doc.MarkReady()
	doc.MarkReady()
	<-doc.Ready()

	var closedPath string
	doc.Closed().Connect(func(path string) { closedPath = path })
	doc.Close()
	doc.Close()
	if closedPath != "p.ipynb" {
		t.Fatalf("expected close signal, got %q", closedPath)
	}
	if err := doc.InsertCell(0, NewCell(CellCode, "")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCellSourceSignal(t *testing.T) {
	cell := NewCell(CellMarkdown, "a")
	var got []string
	cell.Changed().Connect(func(ch CellChange) { got = append(got, ch.Source) })
	cell.SetSource("a")
	cell.SetSource("b")
	if diff := cmp.Diff([]string{"b"}, got); diff != "" {
		t.Fatalf("unexpected events:\n%s", diff)
	}
	copyCell := cell.Copy()
	if copyCell == cell || copyCell.ID() != cell.ID() || copyCell.Type() != CellMarkdown {
		t.Fatalf("unexpected copy")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := FileStore{Dir: dir}
	ctx := context.Background()

	doc, err := Open(ctx, store, "nested/demo.ipynb", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if doc.Len() != 1 {
		t.Fatalf("expected default cell, got %d", doc.Len())
	}
	doc.Cells()[0].SetSource("print(1)")
	if err := doc.SetMetadata("k", json.RawMessage(`{"a":true}`)); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if err := doc.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := Open(ctx, store, "nested/demo.ipynb", false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.ID() != doc.ID() {
		t.Fatalf("expected stable root id")
	}
	if got := reopened.Cells()[0]; got.ID() != doc.Cells()[0].ID() || got.Source() != "print(1)" {
		t.Fatalf("unexpected reloaded cell %s %q", got.ID(), got.Source())
	}
	if raw, ok := reopened.Metadata("k"); !ok || string(raw) != `{"a":true}` {
		t.Fatalf("unexpected metadata %s", raw)
	}

	if _, err := store.Load(ctx, "../escape.ipynb"); err == nil {
		t.Fatalf("expected escaping path rejected")
	}
}

func TestDecodeAcceptsLineArrays(t *testing.T) {
	dir := t.TempDir()
	data := `{"cells":[{"id":"x","cell_type":"code","source":["a\n","b"],"metadata":{}}],"metadata":{},"nbformat":4,"nbformat_minor":5}`
	if err := os.WriteFile(filepath.Join(dir, "nb.ipynb"), []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := FileStore{Dir: dir}.Load(context.Background(), "nb.ipynb")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Cells[0].Source != "a\nb" {
		t.Fatalf("unexpected source %q", snap.Cells[0].Source)
	}
}
