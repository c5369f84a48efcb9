// Package voicelog records the human-readable call log: one short line per
// call milestone ("connected", "User: …", "Reply: …", "disconnected").
//
// Writes are fire-and-forget. [Logger.Log] never blocks and never fails: lines
// are queued on a bounded buffer and written by a single background goroutine.
// When the buffer is full, or the [Sink] rejects a line, the line is dropped
// and counted. Sink trouble therefore never reaches the audio path.
package voicelog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultBuffer       = 256
	defaultWriteTimeout = 5 * time.Second
)

// Entry is one voice-log line.
type Entry struct {
	CallID string    `json:"call_id"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Sink persists entries. Write is only ever called from one goroutine.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Pinger is implemented by sinks backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Option configures a [Logger].
type Option func(*Logger)

// WithBuffer sets how many lines may wait for the sink. Values below 1 are
// ignored.
func WithBuffer(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.buffer = n
		}
	}
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithOnDrop registers a callback invoked for every dropped line.
func WithOnDrop(fn func()) Option {
	return func(l *Logger) { l.onDrop = fn }
}

// Logger is the asynchronous front of a [Sink]. It is safe for concurrent
// use.
type Logger struct {
	sink    Sink
	buffer  int
	timeout time.Duration
	onDrop  func()
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	ch     chan Entry
	done   chan struct{}
}

// New starts a Logger writing to sink.
func New(sink Sink, opts ...Option) *Logger {
	l := &Logger{
		sink:    sink,
		buffer:  defaultBuffer,
		timeout: defaultWriteTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.ch = make(chan Entry, l.buffer)
	l.done = make(chan struct{})
	go l.run()
	return l
}

// Log queues one line for callID. It returns immediately.
func (l *Logger) Log(callID, text string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop()
		return
	}
	select {
	case l.ch <- Entry{CallID: callID, Text: text, At: l.now().UTC()}:
	default:
		l.drop()
	}
}

// Ping reports whether the sink is reachable. Sinks without a remote side
// are always reachable.
func (l *Logger) Ping(ctx context.Context) error {
	if p, ok := l.sink.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close stops accepting lines, waits for queued lines to be written or for
// ctx to expire, then closes the sink. Calling Close more than once is safe.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	var err error
	select {
	case <-l.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return errors.Join(err, l.sink.Close())
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.ch {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		if err := l.sink.Write(ctx, e); err != nil {
			slog.Warn("voicelog: write failed", "call_id", e.CallID, "err", err)
			l.drop()
		}
		cancel()
	}
}

func (l *Logger) drop() {
	if l.onDrop != nil {
		l.onDrop()
	}
}

// Discard is a Sink that accepts and forgets every entry.
type Discard struct{}

// Write implements Sink.
func (Discard) Write(context.Context, Entry) error { return nil }

// Close implements Sink.
func (Discard) Close() error { return nil }
