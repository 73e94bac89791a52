package viewmodel

import (
	"context"
	"sync"
)

// queue runs jobs one at a time, in submission order, on a single goroutine.
type queue struct {
	mu   sync.Mutex
	jobs []func(context.Context)
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newQueue() *queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &queue{
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) push(job func(context.Context)) bool {
	q.mu.Lock()
	if q.ctx.Err() != nil {
		q.mu.Unlock()
		return false
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		if q.ctx.Err() != nil {
			return
		}
		job(q.ctx)
	}
}

// drain waits until every job queued before the call has run.
func (q *queue) drain(ctx context.Context) error {
	reached := make(chan struct{})
	if !q.push(func(context.Context) { close(reached) }) {
		return context.Canceled
	}
	select {
	case <-reached:
		return nil
	case <-q.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop cancels the running job and drops the rest. It must not be called
// from a job.
func (q *queue) stop() {
	q.mu.Lock()
	q.cancel()
	q.jobs = nil
	q.mu.Unlock()
	<-q.done
}
