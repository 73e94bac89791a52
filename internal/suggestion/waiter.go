package suggestion

import (
	"context"
	"sync"
)

type future struct {
	done chan struct{}
	once sync.Once
}

func (f *future) resolve() { f.once.Do(func() { close(f.done) }) }

// Waiter hands out one-shot completions keyed by cell id. Whichever side
// arrives first creates the entry, so a resolution that lands before the
// wait is not lost.
type Waiter struct {
	mu      sync.Mutex
	pending map[string]*future
}

func NewWaiter() *Waiter {
	return &Waiter{pending: map[string]*future{}}
}

func (w *Waiter) entry(key string) *future {
	f := w.pending[key]
	if f == nil {
		f = &future{done: make(chan struct{})}
		w.pending[key] = f
	}
	return f
}

// Wait blocks until key is resolved or ctx ends, then discards the entry.
func (w *Waiter) Wait(ctx context.Context, key string) error {
	w.mu.Lock()
	f := w.entry(key)
	w.mu.Unlock()

	var err error
	select {
	case <-f.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	w.mu.Lock()
	if w.pending[key] == f {
		delete(w.pending, key)
	}
	w.mu.Unlock()
	return err
}

func (w *Waiter) Resolve(key string) {
	w.mu.Lock()
	f := w.entry(key)
	w.mu.Unlock()
	f.resolve()
}

func (w *Waiter) Discard(key string) {
	w.mu.Lock()
	delete(w.pending, key)
	w.mu.Unlock()
}

func (w *Waiter) Pending(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[key]
	return ok
}
