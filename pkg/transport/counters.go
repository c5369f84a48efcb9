package transport

import (
	"sync"
	"time"
)

// FrameDuration is the amount the outbound timestamp advances per frame.
const FrameDuration = 20 * time.Millisecond

// Stamp is the {sequence, chunk, timestamp} triple carried by one outbound
// media message.
type Stamp struct {
	Sequence  uint64
	Chunk     uint64
	Timestamp time.Duration
}

// Counters owns a session's outbound frame counters. Sequence and chunk start
// at 1 and the timestamp at 0; all three only ever move forward. The zero
// value is not ready for use; call [NewCounters].
//
// Counters is safe for concurrent use, but a stamp must be taken and its
// message sent inside one critical section of the caller's send lock,
// otherwise two emitters may stamp in one order and send in another.
type Counters struct {
	mu   sync.Mutex
	next Stamp
}

// NewCounters returns counters positioned at sequence 1, chunk 1, timestamp 0.
func NewCounters() *Counters {
	return &Counters{next: Stamp{Sequence: 1, Chunk: 1}}
}

// Next returns the current triple and advances every counter by one unit.
func (c *Counters) Next() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.next
	c.next.Sequence++
	c.next.Chunk++
	c.next.Timestamp += FrameDuration
	return st
}

// Peek returns the triple the next call to [Counters.Next] will hand out,
// without advancing.
func (c *Counters) Peek() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}
