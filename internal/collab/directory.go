package collab

import (
	"context"
	"maps"
	"sync"

	"suggestions/engine/internal/suggestion/rtc"
)

// Directory records which forks exist for which root document.
type Directory interface {
	Save(ctx context.Context, forkID string, info rtc.ForkInfo) error
	Delete(ctx context.Context, forkID string) error
	List(ctx context.Context, rootID string) (map[string]rtc.ForkInfo, error)
}

type MemoryDirectory struct {
	mu    sync.Mutex
	roots map[string]map[string]rtc.ForkInfo
	owner map[string]string
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		roots: map[string]map[string]rtc.ForkInfo{},
		owner: map[string]string{},
	}
}

func (d *MemoryDirectory) Save(_ context.Context, forkID string, info rtc.ForkInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	forks := d.roots[info.RootID]
	if forks == nil {
		forks = map[string]rtc.ForkInfo{}
		d.roots[info.RootID] = forks
	}
	forks[forkID] = info
	d.owner[forkID] = info.RootID
	return nil
}

func (d *MemoryDirectory) Delete(_ context.Context, forkID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rootID, ok := d.owner[forkID]
	if !ok {
		return nil
	}
	delete(d.owner, forkID)
	delete(d.roots[rootID], forkID)
	if len(d.roots[rootID]) == 0 {
		delete(d.roots, rootID)
	}
	return nil
}

func (d *MemoryDirectory) List(_ context.Context, rootID string) (map[string]rtc.ForkInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := maps.Clone(d.roots[rootID])
	if out == nil {
		out = map[string]rtc.ForkInfo{}
	}
	return out, nil
}
