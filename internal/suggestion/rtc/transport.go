// Package rtc implements suggestions as forks of a collaborative document.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"suggestions/engine/internal/notebook"
	"suggestions/engine/internal/suggestion"
)

var ErrForkNotFound = errors.New("fork not found")

type ForkInfo struct {
	RootID      string `json:"root_roomid"`
	Description string `json:"description"`
	Synchronize bool   `json:"synchronize"`
}

type ForkRequest struct {
	Description string
	Synchronize bool
}

type ForkEventKind string

const (
	ForkAdded   ForkEventKind = "fork_added"
	ForkDeleted ForkEventKind = "fork_deleted"
)

type ForkEvent struct {
	Kind   ForkEventKind
	ForkID string
	Info   ForkInfo
}

// ForkConnection is an open replica of a fork document.
type ForkConnection interface {
	// Synced is closed once the initial fork content has arrived.
	Synced() <-chan struct{}
	Document() notebook.Document
	Close() error
}

// Transport is the collaboration service the manager talks to.
type Transport interface {
	RequestSession(ctx context.Context, path string) (string, error)
	CreateFork(ctx context.Context, rootID string, req ForkRequest) (string, error)
	// DeleteFork removes a fork, merging it into its root first when merge
	// is set. Unknown forks yield ErrForkNotFound.
	DeleteFork(ctx context.Context, forkID string, merge bool) error
	ListForks(ctx context.Context, rootID string) (map[string]ForkInfo, error)
	Subscribe(fn func(ForkEvent)) (unsubscribe func())
	Open(ctx context.Context, forkID, session string) (ForkConnection, error)
}

// Description is the JSON stored with each fork.
type Description struct {
	CellID   string             `json:"cellId"`
	Path     string             `json:"path"`
	MimeType string             `json:"mimeType"`
	Kind     suggestion.Kind    `json:"type,omitempty"`
	Author   *suggestion.Author `json:"author,omitempty"`
}

func ParseDescription(raw string) (Description, error) {
	var d Description
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Description{}, fmt.Errorf("decode fork description: %w", err)
	}
	if d.CellID == "" || d.Path == "" {
		return Description{}, errors.New("fork description: cellId and path are required")
	}
	if !d.Kind.Valid() {
		d.Kind = suggestion.KindChange
	}
	return d, nil
}

func (d Description) Encode() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
