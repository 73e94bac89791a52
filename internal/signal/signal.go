// Package signal provides typed event emitters with disconnect handles.
//
// Delivery is serial per signal: while one goroutine is draining the queue,
// emissions from handlers or other goroutines are appended and delivered by
// the draining goroutine in order. A handler may therefore call back into
// code that emits on the same signal without re-entering itself.
package signal

import (
	"log"
	"sync"
	"sync/atomic"
)

type handler[T any] struct {
	fn     func(T)
	closed atomic.Bool
}

type Signal[T any] struct {
	mu       sync.Mutex
	handlers []*handler[T]
	queue    []T
	draining bool
}

func New[T any]() *Signal[T] {
	return &Signal[T]{}
}

// Connect registers fn and returns a func that disconnects it. The returned
// func is safe to call more than once.
func (s *Signal[T]) Connect(fn func(T)) func() {
	h := &handler[T]{fn: fn}
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
	return func() {
		if h.closed.Swap(true) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, candidate := range s.handlers {
			if candidate == h {
				s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
				return
			}
		}
	}
}

// Queue appends value without delivering it. Callers that mutate state under
// their own lock queue there and Flush after unlocking.
func (s *Signal[T]) Queue(value T) {
	s.mu.Lock()
	s.queue = append(s.queue, value)
	s.mu.Unlock()
}

// Flush delivers queued values unless another goroutine is already draining,
// in which case that goroutine delivers them.
func (s *Signal[T]) Flush() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		value := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		handlers := append([]*handler[T](nil), s.handlers...)
		s.mu.Unlock()
		deliver(handlers, value)
		s.mu.Lock()
	}
	s.queue = nil
	s.draining = false
	s.mu.Unlock()
}

func (s *Signal[T]) Emit(value T) {
	s.Queue(value)
	s.Flush()
}

// DisconnectAll drops every handler and any undelivered values.
func (s *Signal[T]) DisconnectAll() {
	s.mu.Lock()
	for _, h := range s.handlers {
		h.closed.Store(true)
	}
	s.handlers = nil
	s.queue = nil
	s.mu.Unlock()
}

func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func deliver[T any](handlers []*handler[T], value T) {
	for _, h := range handlers {
		if h.closed.Load() {
			continue
		}
		call(h.fn, value)
	}
}

func call[T any](fn func(T), value T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("signal: handler panic: %v", r)
		}
	}()
	fn(value)
}
