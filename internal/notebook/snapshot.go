package notebook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

const (
	nbformatMajor = 4
	nbformatMinor = 5
)

var ErrNotFound = errors.New("notebook not found")

type CellSnapshot struct {
	ID       string         `json:"id"`
	CellType CellType       `json:"cell_type"`
	MimeType string         `json:"mime_type,omitempty"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata"`
}

// UnmarshalJSON accepts nbformat multi-line sources stored as string arrays.
func (c *CellSnapshot) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       string          `json:"id"`
		CellType CellType        `json:"cell_type"`
		MimeType string          `json:"mime_type"`
		Source   json.RawMessage `json:"source"`
		Metadata map[string]any  `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = raw.ID
	c.CellType = raw.CellType
	c.MimeType = raw.MimeType
	c.Metadata = raw.Metadata
	c.Source = ""
	if len(raw.Source) == 0 || string(raw.Source) == "null" {
		return nil
	}
	if raw.Source[0] == '[' {
		var lines []string
		if err := json.Unmarshal(raw.Source, &lines); err != nil {
			return fmt.Errorf("cell %s source: %w", raw.ID, err)
		}
		c.Source = strings.Join(lines, "")
		return nil
	}
	return json.Unmarshal(raw.Source, &c.Source)
}

type Snapshot struct {
	Cells         []CellSnapshot             `json:"cells"`
	Metadata      map[string]json.RawMessage `json:"metadata"`
	NBFormat      int                        `json:"nbformat"`
	NBFormatMinor int                        `json:"nbformat_minor"`
}

func Encode(snap Snapshot) ([]byte, error) {
	if snap.Cells == nil {
		snap.Cells = []CellSnapshot{}
	}
	if snap.Metadata == nil {
		snap.Metadata = map[string]json.RawMessage{}
	}
	data, err := json.MarshalIndent(snap, "", " ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func Decode(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode notebook: %w", err)
	}
	for key, raw := range snap.Metadata {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return Snapshot{}, fmt.Errorf("decode notebook metadata %q: %w", key, err)
		}
		snap.Metadata[key] = buf.Bytes()
	}
	return snap, nil
}

// FromSnapshot builds a live notebook. Cells without an id get a fresh one.
func FromSnapshot(snap Snapshot, opts Options) *Notebook {
	cells := make([]*Cell, 0, len(snap.Cells))
	for _, cs := range snap.Cells {
		id := cs.ID
		if id == "" {
			id = uuid.NewString()
		}
		cell := NewCellWithID(id, cs.CellType, cs.Source)
		cell.mimeType = cs.MimeType
		for key, value := range cs.Metadata {
			cell.metadata[key] = value
		}
		cells = append(cells, cell)
	}
	opts.Cells = cells
	opts.Metadata = snap.Metadata
	return New(opts)
}

// RootID derives the collaboration root id of the notebook stored at path.
func RootID(path string) string {
	return "json:notebook:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)).String()
}

// Store loads and persists notebook snapshots.
type Store interface {
	Persister
	Load(ctx context.Context, path string) (Snapshot, error)
}

// Open loads path from store, starting a one-cell notebook when nothing is
// stored yet.
func Open(ctx context.Context, store Store, path string, collaborative bool) (*Notebook, error) {
	opts := Options{Path: path, ID: RootID(path), Collaborative: collaborative, Persister: store}
	snap, err := store.Load(ctx, path)
	if errors.Is(err, ErrNotFound) {
		opts.Cells = []*Cell{NewCell(CellCode, "")}
		return New(opts), nil
	}
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap, opts), nil
}

// FileStore keeps notebooks as files below Dir.
type FileStore struct {
	Dir string
}

func (s FileStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(path, "/")))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("notebook path %q escapes store", path)
	}
	return filepath.Join(s.Dir, clean), nil
}

func (s FileStore) Load(ctx context.Context, path string) (Snapshot, error) {
	full, err := s.resolve(path)
	if err != nil {
		return Snapshot{}, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Decode(data)
}

func (s FileStore) Persist(ctx context.Context, path string, snap Snapshot) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(full, bytes.NewReader(data))
}
