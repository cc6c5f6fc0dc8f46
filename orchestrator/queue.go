package orchestrator

import (
	"context"
	"sync"
)

// jobQueue is a FIFO of job ids. An id stays known from push until done so a
// job is never queued twice while it is waiting or being processed.
type jobQueue struct {
	mu    sync.Mutex
	items []string
	known map[string]struct{}
	ready chan struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		known: make(map[string]struct{}),
		ready: make(chan struct{}, 1),
	}
}

func (q *jobQueue) push(id string) bool {
	q.mu.Lock()
	if _, ok := q.known[id]; ok {
		q.mu.Unlock()
		return false
	}
	q.known[id] = struct{}{}
	q.items = append(q.items, id)
	QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an id is available or ctx is done.
func (q *jobQueue) pop(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			QueueDepth.Set(float64(len(q.items)))
			q.mu.Unlock()
			return id, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-q.ready:
		}
	}
}

func (q *jobQueue) done(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.known, id)
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
