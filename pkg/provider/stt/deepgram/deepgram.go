// Package deepgram provides an [stt.Model] backed by the Deepgram streaming
// WebSocket API.
//
// Deepgram answers asynchronously: audio is streamed up and transcripts arrive
// whenever the service decides. The recognizer bridges this to the
// chunk-at-a-time [stt.Recognizer] contract by reporting, on each Accept,
// whatever arrived since the previous call. Final segments received in the
// meantime are joined into one Final result.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "hi"
	defaultSampleRate = 16000
	dialTimeout       = 10 * time.Second
)

// Compile-time assertions.
var (
	_ stt.Model      = (*Model)(nil)
	_ stt.Pinger     = (*Model)(nil)
	_ stt.Recognizer = (*recognizer)(nil)
)

// Option is a functional option for configuring the Deepgram Model.
type Option func(*Model)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(m *Model) {
		m.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(m *Model) {
		m.language = language
	}
}

// WithEndpoint overrides the streaming endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(m *Model) {
		m.endpoint = endpoint
	}
}

// Model is a handle to the Deepgram streaming API. Each recognizer opens its
// own WebSocket.
type Model struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a Deepgram Model. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Model, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	m := &Model{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// NewRecognizer opens a streaming transcription session.
func (m *Model) NewRecognizer(ctx context.Context, cfg stt.Config) (stt.Recognizer, error) {
	conn, err := m.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r := &recognizer{
		conn:    conn,
		results: make(chan transcript, 64),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.readLoop()
	return r, nil
}

// Ping checks that the API accepts the key by opening and closing a stream.
func (m *Model) Ping(ctx context.Context) error {
	conn, err := m.dial(ctx, stt.Config{})
	if err != nil {
		return fmt.Errorf("%w: %v", stt.ErrModelUnavailable, err)
	}
	conn.Close(websocket.StatusNormalClosure, "ping")
	return nil
}

// Close is a no-op; the model lives at Deepgram.
func (m *Model) Close() error { return nil }

func (m *Model) dial(ctx context.Context, cfg stt.Config) (*websocket.Conn, error) {
	wsURL, err := m.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+m.apiKey)

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return conn, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (m *Model) buildURL(cfg stt.Config) (string, error) {
	u, err := url.Parse(m.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = m.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", m.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	q.Set("sample_rate", strconv.Itoa(sr))

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- recognizer ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type transcript struct {
	text  string
	final bool
}

// recognizer is a live Deepgram stream. Accept, Reset and Close are called
// from one goroutine; the read loop runs alongside.
type recognizer struct {
	conn    *websocket.Conn
	results chan transcript

	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	mu     sync.Mutex
	err    error
	closed bool
}

// Reset discards transcripts that have not been reported yet and asks
// Deepgram to finalize the current segment.
func (r *recognizer) Reset() {
	r.drain()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = r.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`))
}

// Accept streams pcm and reports what arrived since the last call.
func (r *recognizer) Accept(ctx context.Context, pcm []byte) (stt.Result, error) {
	r.mu.Lock()
	closed, rerr := r.closed, r.err
	r.mu.Unlock()
	if closed {
		return stt.None(), errors.New("deepgram: recognizer is closed")
	}
	if rerr != nil {
		return stt.None(), rerr
	}
	if err := r.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return stt.None(), fmt.Errorf("deepgram: send audio: %w", err)
	}
	return r.collect(), nil
}

// collect folds pending transcripts into one result. Finals win over
// partials; several finals are joined with a space.
func (r *recognizer) collect() stt.Result {
	var finals []string
	partial := ""
	for {
		select {
		case t := <-r.results:
			if t.final {
				finals = append(finals, t.text)
				partial = ""
			} else {
				partial = t.text
			}
		default:
			if len(finals) > 0 {
				return stt.FinalText(strings.Join(finals, " "))
			}
			return stt.PartialText(partial)
		}
	}
}

func (r *recognizer) drain() {
	for {
		select {
		case <-r.results:
		default:
			return
		}
	}
}

// Close terminates the stream. Calling Close more than once is safe.
func (r *recognizer) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		close(r.done)
		r.conn.Close(websocket.StatusNormalClosure, "session closed")
		r.wg.Wait()
	})
	return nil
}

// readLoop receives JSON messages from Deepgram and queues transcripts.
func (r *recognizer) readLoop() {
	defer r.wg.Done()
	for {
		_, msg, err := r.conn.Read(context.Background())
		if err != nil {
			select {
			case <-r.done:
			default:
				r.mu.Lock()
				r.err = fmt.Errorf("deepgram: connection lost: %w", err)
				r.mu.Unlock()
			}
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		select {
		case r.results <- t:
		case <-r.done:
			return
		default:
			slog.Debug("deepgram: result buffer full, dropping transcript", "final", t.final)
		}
	}
}

// parseDeepgramResponse extracts the transcript from a Results message.
// Returns false if the message should be ignored.
func parseDeepgramResponse(data []byte) (transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return transcript{}, false
	}
	if resp.Type != "Results" {
		return transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return transcript{}, false
	}
	text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	if text == "" {
		return transcript{}, false
	}
	return transcript{text: text, final: resp.IsFinal}, true
}
