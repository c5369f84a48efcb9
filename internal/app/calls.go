package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallInfo holds metadata about an active media stream.
type CallInfo struct {
	// ID is assigned when the stream is accepted. It is not the provider's
	// stream SID, which only arrives with the start event.
	ID string

	// RemoteAddr is the peer address of the WebSocket.
	RemoteAddr string

	// StartedAt is when the stream was accepted.
	StartedAt time.Time
}

// CallTracker keeps the set of live calls so shutdown can wait for them and,
// past the deadline, cancel them. All methods are safe for concurrent use.
type CallTracker struct {
	mu     sync.Mutex
	calls  map[string]trackedCall
	closed bool
	idle   chan struct{}
	now    func() time.Time
}

type trackedCall struct {
	info   CallInfo
	cancel context.CancelFunc
}

// NewCallTracker returns an empty tracker.
func NewCallTracker() *CallTracker {
	idle := make(chan struct{})
	close(idle)
	return &CallTracker{
		calls: make(map[string]trackedCall),
		idle:  idle,
		now:   time.Now,
	}
}

// Begin registers a call and returns a context that [CallTracker.CancelAll]
// can cancel. done must be called when the call ends. ok is false once the
// tracker is closed; the caller should then refuse the call.
func (t *CallTracker) Begin(ctx context.Context, remoteAddr string) (cctx context.Context, info CallInfo, done func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ctx, CallInfo{}, func() {}, false
	}

	cctx, cancel := context.WithCancel(ctx)
	info = CallInfo{ID: uuid.NewString(), RemoteAddr: remoteAddr, StartedAt: t.now().UTC()}
	if len(t.calls) == 0 {
		t.idle = make(chan struct{})
	}
	t.calls[info.ID] = trackedCall{info: info, cancel: cancel}

	var once sync.Once
	done = func() {
		once.Do(func() {
			cancel()
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.calls, info.ID)
			if len(t.calls) == 0 {
				close(t.idle)
			}
		})
	}
	return cctx, info, done, true
}

// Active returns the live calls ordered by start time.
func (t *CallTracker) Active() []CallInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CallInfo, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of live calls.
func (t *CallTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Close stops accepting new calls. Live calls are unaffected.
func (t *CallTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Wait blocks until no call is live or ctx is done.
func (t *CallTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAll cancels the context of every live call.
func (t *CallTracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.calls {
		c.cancel()
	}
}
