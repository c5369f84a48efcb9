// Package vosk implements stt.Model against a vosk-server WebSocket endpoint.
//
// Each recognizer owns one WebSocket connection. The session opens with a
// configuration message ({"config":{"sample_rate":16000}}), after which every
// PCM chunk is sent as a binary message and answered by exactly one JSON
// message: {"partial": "..."} while an utterance is in progress, or
// {"text": "..."} once vosk has endpointed it. Sending {"eof":1} makes the
// server flush its final result and end the session.
package vosk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	defaultSampleRate  = 16000
	defaultDialTimeout = 5 * time.Second
)

// Compile-time assertions.
var (
	_ stt.Model      = (*Model)(nil)
	_ stt.Pinger     = (*Model)(nil)
	_ stt.Recognizer = (*recognizer)(nil)
)

// Option is a functional option for configuring a Model.
type Option func(*Model)

// WithSampleRate sets the default sample rate announced to the server.
func WithSampleRate(rate int) Option {
	return func(m *Model) { m.sampleRate = rate }
}

// WithDialTimeout bounds connection establishment. Defaults to 5 s.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Model) { m.dialTimeout = d }
}

// WithWords asks the server to include per-word detail in results.
func WithWords(enabled bool) Option {
	return func(m *Model) { m.words = enabled }
}

// Model is a handle to a vosk-server. The model artifact itself lives in the
// server process and is shared by every connection.
type Model struct {
	url         string
	sampleRate  int
	dialTimeout time.Duration
	words       bool
}

// New returns a Model for the vosk-server at url (ws:// or wss://).
func New(url string, opts ...Option) (*Model, error) {
	if url == "" {
		return nil, errors.New("vosk: url must not be empty")
	}
	m := &Model{url: url, sampleRate: defaultSampleRate, dialTimeout: defaultDialTimeout}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// NewRecognizer dials the server and performs the configuration handshake.
func (m *Model) NewRecognizer(ctx context.Context, cfg stt.Config) (stt.Recognizer, error) {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = m.sampleRate
	}
	r := &recognizer{model: m, rate: rate}
	if err := r.connect(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Ping opens and immediately closes a connection.
func (m *Model) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("%w: vosk %s: %v", stt.ErrModelUnavailable, m.url, err)
	}
	conn.Close(websocket.StatusNormalClosure, "ping")
	return nil
}

// Close is a no-op; the server process is owned elsewhere.
func (m *Model) Close() error { return nil }

// ── Protocol messages ──────────────────────────────────────────────────────────

type configMessage struct {
	Config configParams `json:"config"`
}

type configParams struct {
	SampleRate int  `json:"sample_rate"`
	Words      bool `json:"words,omitempty"`
}

type eofMessage struct {
	EOF int `json:"eof"`
}

// result is the server's answer to one chunk. Exactly one of Text or Partial
// is present; the pointer fields distinguish "absent" from "empty".
type result struct {
	Text    *string `json:"text,omitempty"`
	Partial *string `json:"partial,omitempty"`
}

// ── recognizer ─────────────────────────────────────────────────────────────────

// recognizer is a single vosk-server session. It is used by one goroutine.
type recognizer struct {
	model *Model
	rate  int

	conn *websocket.Conn

	// dirty is set once audio has been sent on the current connection; Reset
	// then has to reconnect to discard server-side state.
	dirty  bool
	closed bool
}

func (r *recognizer) connect(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, r.model.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, r.model.url, nil)
	if err != nil {
		return fmt.Errorf("vosk: dial %s: %w", r.model.url, err)
	}
	data, err := json.Marshal(configMessage{Config: configParams{SampleRate: r.rate, Words: r.model.words}})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal failed")
		return fmt.Errorf("vosk: marshal config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "config failed")
		return fmt.Errorf("vosk: send config: %w", err)
	}
	r.conn = conn
	r.dirty = false
	return nil
}

// Reset drops the server-side utterance by replacing the connection. The new
// connection is made lazily on the next Accept.
func (r *recognizer) Reset() {
	if r.conn == nil || !r.dirty {
		return
	}
	r.conn.Close(websocket.StatusNormalClosure, "reset")
	r.conn = nil
}

// Accept sends pcm and waits for the server's verdict on it.
func (r *recognizer) Accept(ctx context.Context, pcm []byte) (stt.Result, error) {
	if r.closed {
		return stt.None(), errors.New("vosk: recognizer is closed")
	}
	if r.conn == nil {
		if err := r.connect(ctx); err != nil {
			return stt.None(), err
		}
	}
	if err := r.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		r.drop()
		return stt.None(), fmt.Errorf("vosk: send audio: %w", err)
	}
	r.dirty = true

	res, err := r.read(ctx)
	if err != nil {
		r.drop()
		return stt.None(), err
	}
	return toResult(res), nil
}

// Close asks the server for its final result, discards it, and closes the
// connection. Calling Close more than once is safe.
func (r *recognizer) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if data, err := json.Marshal(eofMessage{EOF: 1}); err == nil {
		if err := r.conn.Write(ctx, websocket.MessageText, data); err == nil {
			if _, err := r.read(ctx); err != nil {
				slog.Debug("vosk: no final result on close", "err", err)
			}
		}
	}
	err := r.conn.Close(websocket.StatusNormalClosure, "session closed")
	r.conn = nil
	if websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}

func (r *recognizer) read(ctx context.Context) (result, error) {
	_, data, err := r.conn.Read(ctx)
	if err != nil {
		return result{}, fmt.Errorf("vosk: read result: %w", err)
	}
	var res result
	if err := json.Unmarshal(data, &res); err != nil {
		return result{}, fmt.Errorf("vosk: parse result: %w", err)
	}
	return res, nil
}

// drop abandons a broken connection so the next Accept redials.
func (r *recognizer) drop() {
	if r.conn != nil {
		r.conn.CloseNow()
		r.conn = nil
	}
}

func toResult(res result) stt.Result {
	switch {
	case res.Text != nil:
		return stt.FinalText(strings.TrimSpace(*res.Text))
	case res.Partial != nil:
		return stt.PartialText(strings.TrimSpace(*res.Partial))
	default:
		return stt.None()
	}
}
