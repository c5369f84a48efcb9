package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/coder/websocket"
)

// ErrClosed is returned by [Conn] methods once the peer has gone away or the
// connection was closed locally.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a duplex message stream carrying transport envelopes. Each message
// is one JSON document.
//
// ReadMessage is called from a single goroutine. WriteMessage may be called
// concurrently; implementations serialise writes.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, msg []byte) error
	Close(reason string) error
}

// Compile-time interface assertions.
var (
	_ Conn = (*WebSocketConn)(nil)
	_ Conn = (*LineConn)(nil)
)

// ── WebSocket ─────────────────────────────────────────────────────────────────

// WebSocketConn adapts a coder/websocket connection to [Conn].
type WebSocketConn struct {
	ws *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps ws. The read limit is raised because telephony
// providers batch several frames into one message after network stalls.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	ws.SetReadLimit(1 << 20)
	return &WebSocketConn{ws: ws}
}

// ReadMessage returns the next text or binary message.
func (c *WebSocketConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, wsErr(err)
	}
	return data, nil
}

// WriteMessage sends msg as a text message.
func (c *WebSocketConn) WriteMessage(ctx context.Context, msg []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		return wsErr(err)
	}
	return nil
}

// Close performs the closing handshake. It is idempotent.
func (c *WebSocketConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		err := c.ws.Close(websocket.StatusNormalClosure, reason)
		if err != nil && !errors.Is(wsErr(err), ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// wsErr maps the library's close and EOF conditions onto ErrClosed.
func wsErr(err error) error {
	switch {
	case websocket.CloseStatus(err) != -1,
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}

// ── Line-delimited stream ─────────────────────────────────────────────────────

// LineConn carries newline-delimited JSON over any byte stream, such as a raw
// TCP socket or a pipe. Blocked reads are released by Close.
type LineConn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewLineConn wraps rwc.
func NewLineConn(rwc io.ReadWriteCloser) *LineConn {
	return &LineConn{rwc: rwc, r: bufio.NewReaderSize(rwc, 64*1024)}
}

// ReadMessage returns the next non-empty line without its terminator.
func (c *LineConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := c.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil, fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return nil, err
		}
	}
}

// WriteMessage writes msg followed by a newline.
func (c *LineConn) WriteMessage(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := make([]byte, 0, len(msg)+1)
	buf = append(append(buf, msg...), '\n')
	if _, err := c.rwc.Write(buf); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return err
	}
	return nil
}

// Close closes the underlying stream. It is idempotent.
func (c *LineConn) Close(string) error {
	c.closeOnce.Do(func() { c.closeErr = c.rwc.Close() })
	return c.closeErr
}
