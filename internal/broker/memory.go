package broker

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue with at-least-once semantics: pulled
// descriptors that are neither acked nor nacked within the visibility timeout
// are requeued, mirroring broker redelivery after a worker crash.
type MemoryQueue struct {
	visibility time.Duration

	mu       sync.Mutex
	ready    []Descriptor
	inflight map[uint64]*time.Timer
	nextTag  uint64
	closed   bool
	wake     chan struct{}
}

// NewMemoryQueue builds an in-process queue. A zero visibility timeout
// disables automatic redelivery (useful for tests that drive Nack directly).
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		visibility: visibility,
		inflight:   make(map[uint64]*time.Timer),
		wake:       make(chan struct{}, 1),
	}
}

// Push enqueues a descriptor.
func (q *MemoryQueue) Push(_ context.Context, desc Descriptor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.ready = append(q.ready, desc)
	q.signalLocked()
	return nil
}

// Pull blocks until a descriptor is available or ctx is done.
func (q *MemoryQueue) Pull(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.ready) > 0 {
			desc := q.ready[0]
			q.ready = q.ready[1:]
			delivery := q.trackLocked(desc)
			q.mu.Unlock()
			return delivery, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-time.After(100 * time.Millisecond):
			// Re-check: a wake signal may have been consumed by another worker.
		}
	}
}

func (q *MemoryQueue) trackLocked(desc Descriptor) *Delivery {
	q.nextTag++
	tag := q.nextTag
	if q.visibility > 0 {
		q.inflight[tag] = time.AfterFunc(q.visibility, func() {
			q.requeue(tag, desc)
		})
	}
	return &Delivery{
		Descriptor: desc,
		ack: func() error {
			q.settle(tag)
			return nil
		},
		nack: func(requeue bool) error {
			q.settle(tag)
			if requeue {
				return q.Push(context.Background(), desc)
			}
			return nil
		},
	}
}

func (q *MemoryQueue) settle(tag uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if timer, ok := q.inflight[tag]; ok {
		timer.Stop()
		delete(q.inflight, tag)
	}
}

func (q *MemoryQueue) requeue(tag uint64, desc Descriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[tag]; !ok {
		return
	}
	delete(q.inflight, tag)
	if q.closed {
		return
	}
	q.ready = append(q.ready, desc)
	q.signalLocked()
}

func (q *MemoryQueue) signalLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of descriptors waiting for a worker.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Ping always succeeds for the in-process queue.
func (q *MemoryQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the queue; pending timers are released.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for tag, timer := range q.inflight {
		timer.Stop()
		delete(q.inflight, tag)
	}
	close(q.wake)
	return nil
}
