// Package ingest hands scraped observations from the scheduler to the
// observation store and triggers aggregation for the keys they touch.
package ingest

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricewatch/internal/model"
)

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = eris.New("ingest: queue closed")

// Batch is the output of one scrape job.
type Batch struct {
	JobID        string
	SourceID     string
	Observations []model.Observation
}

// Queue is a bounded hand-off between producers and the ingest worker.
// Submit blocks while the queue is full.
type Queue struct {
	ch     chan Batch
	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a queue holding up to size batches.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan Batch, size)}
}

// Submit enqueues b, waiting for room until ctx is done.
func (q *Queue) Submit(ctx context.Context, b Batch) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- b:
		return nil
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "ingest: submit batch for job %s", b.JobID)
	}
}

// Close stops accepting batches. Batches already queued are still drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len returns the number of queued batches.
func (q *Queue) Len() int { return len(q.ch) }

// Batches exposes the receive side for the worker.
func (q *Queue) Batches() <-chan Batch { return q.ch }
