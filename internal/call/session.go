package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/phonebridge/pkg/transport"
)

// State is the lifecycle phase of a call [Session].
type State int32

const (
	// Idle: the transport is connected but no start event has arrived.
	Idle State = iota
	// Active: the stream started; audio flows both ways.
	Active
	// Closing: stop arrived; in-flight replies are being flushed.
	Closing
	// Closed: resources are released. Terminal.
	Closed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type atomicSession = atomic.Pointer[Session]

// writeTimeout bounds a single transport write once a frame is stamped.
const writeTimeout = 5 * time.Second

// Session is the per-call state shared by the call's tasks. Outbound writes go
// through the session so that stamping and sending a frame happen inside one
// critical section.
type Session struct {
	// ID names the call: the stream SID, else the call SID, else a uuid.
	ID string
	// StreamSID is echoed on every outbound message. It may be empty.
	StreamSID string
	// Created is when the start event was handled.
	Created time.Time

	conn     transport.Conn
	log      *slog.Logger
	counters *transport.Counters
	state    atomic.Int32
	dropped  atomic.Int64

	sendMu sync.Mutex
	// replyTurn holds one token; a reply owns it from its first frame to its
	// mark so concurrent replies never interleave on the wire.
	replyTurn chan struct{}
}

func newSession(id, streamSID string, conn transport.Conn, now time.Time) *Session {
	s := &Session{
		ID:        id,
		StreamSID: streamSID,
		Created:   now,
		conn:      conn,
		counters:  transport.NewCounters(),
		replyTurn: make(chan struct{}, 1),
	}
	s.state.Store(int32(Active))
	return s
}

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Dropped returns how many inbound chunks were discarded because the
// recognition queue was full.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// NextStamp reports the stamp the next outbound frame will carry.
func (s *Session) NextStamp() transport.Stamp { return s.counters.Peek() }

// lockReply waits until no other reply is being emitted. The returned func
// releases the turn. It fails only when ctx ends first, in which case nothing
// is held.
func (s *Session) lockReply(ctx context.Context) (func(), error) {
	select {
	case s.replyTurn <- struct{}{}:
		return func() { <-s.replyTurn }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendFrames stamps and writes each frame in order. A frame is stamped only
// if ctx is still live at that point, and once stamped it is written even if
// ctx is cancelled meanwhile. It returns the number of frames sent.
func (s *Session) sendFrames(ctx context.Context, frames [][]byte) (int, error) {
	for i, f := range frames {
		if err := s.sendFrame(ctx, f); err != nil {
			return i, err
		}
	}
	return len(frames), nil
}

func (s *Session) sendFrame(ctx context.Context, frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := transport.BuildMedia(s.StreamSID, frame, s.counters.Next())
	if err != nil {
		return err
	}
	return s.write(ctx, msg)
}

// sendControl writes a mark or clear message.
func (s *Session) sendControl(ctx context.Context, msg []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(ctx, msg)
}

func (s *Session) write(ctx context.Context, msg []byte) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return s.conn.WriteMessage(wctx, msg)
}
