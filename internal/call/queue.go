package call

import (
	"context"
	"sync"
)

// chunk is one unit on the recognition queue. A reset item tells the
// consumer to discard recognizer state before the next audio.
type chunk struct {
	pcm   []byte
	reset bool
}

// chunkQueue is a bounded FIFO between the inbound reader and the consumer
// task. Push never blocks: when full, the oldest chunk is discarded.
type chunkQueue struct {
	mu     sync.Mutex
	items  []chunk
	size   int
	closed bool
	ready  chan struct{}
}

func newChunkQueue(size int) *chunkQueue {
	if size < 1 {
		size = 1
	}
	return &chunkQueue{size: size, ready: make(chan struct{}, 1)}
}

// push appends c and reports whether an older chunk had to be dropped.
// Pushing onto a closed queue is a no-op.
func (q *chunkQueue) push(c chunk) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.items) >= q.size {
		// Reset markers are never discarded.
		for i := range q.items {
			if !q.items[i].reset {
				q.items = append(q.items[:i], q.items[i+1:]...)
				dropped = true
				break
			}
		}
	}
	q.items = append(q.items, c)
	q.mu.Unlock()
	q.signal()
	return dropped
}

// pop blocks until a chunk is available, the queue is closed and drained
// (ok false), or ctx is done (ok false).
func (q *chunkQueue) pop(ctx context.Context) (chunk, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			c := q.items[0]
			q.items[0] = chunk{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return c, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return chunk{}, false
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return chunk{}, false
		}
	}
}

// close stops accepting chunks. Queued chunks remain poppable.
func (q *chunkQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *chunkQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *chunkQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// inflight counts replies that are still producing audio, so that stop can
// wait for them.
type inflight struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.idle = make(chan struct{})
	}
	f.n++
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		return
	}
	f.n--
	if f.n == 0 {
		close(f.idle)
	}
}

// wait blocks until no reply is in flight or ctx is done.
func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	idle := f.idle
	f.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
