// Package openai implements realtime.Provider for OpenAI's Realtime API.
//
// It keeps one WebSocket per call and exchanges JSON events with the Realtime
// endpoint. The session opens with a session.update declaring modalities,
// instructions, voice, audio formats, server VAD and input transcription.
// Audio travels base64-encoded in input_audio_buffer.append and
// response.audio.delta events.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/MrWong99/phonebridge/pkg/provider/realtime"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var (
	_ realtime.Provider = (*Provider)(nil)
	_ realtime.Session  = (*session)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	transcriptionModel = "whisper-1"
	eventBuffer        = 128
	readLimit          = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect establishes a new session. The returned Session is ready to accept
// audio once the session.update message has been written.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	params, err := buildSessionParams(cfg)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, p.baseURL+"?model="+url.QueryEscape(p.model), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:            conn,
		events:          make(chan realtime.Event, eventBuffer),
		maxOutputTokens: cfg.MaxOutputTokens,
		ctx:             sessCtx,
		cancel:          sessCancel,
	}

	if err := sess.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	TurnDetection           *turnDetectionParams `json:"turn_detection"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	MaxResponseOutputTokens int                  `json:"max_response_output_tokens,omitempty"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int64   `json:"prefix_padding_ms"`
	SilenceDurationMs int64   `json:"silence_duration_ms"`
	// Replies are requested explicitly on speech-stopped.
	CreateResponse bool `json:"create_response"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities      []string `json:"modalities"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.text.delta /
	// response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

var modalities = []string{"audio", "text"}

func buildSessionParams(cfg realtime.SessionConfig) (sessionParams, error) {
	in, out := cfg.InputFormat, cfg.OutputFormat
	if in == "" {
		in = realtime.FormatPCM16
	}
	if out == "" {
		out = realtime.FormatPCM16
	}
	if !in.Valid() || !out.Valid() {
		return sessionParams{}, fmt.Errorf("openai: unsupported audio format %q/%q", in, out)
	}
	params := sessionParams{
		Modalities:              modalities,
		Instructions:            cfg.Instructions,
		Voice:                   cfg.Voice,
		InputAudioFormat:        string(in),
		OutputAudioFormat:       string(out),
		MaxResponseOutputTokens: cfg.MaxOutputTokens,
	}
	if td := cfg.TurnDetection; td != nil {
		params.TurnDetection = &turnDetectionParams{
			Type:              "server_vad",
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPadding.Milliseconds(),
			SilenceDurationMs: td.SilenceDuration.Milliseconds(),
		}
	}
	if cfg.TranscriptionLanguage != "" {
		params.InputAudioTranscription = &transcriptionParams{
			Model:    transcriptionModel,
			Language: cfg.TranscriptionLanguage,
		}
	}
	return params, nil
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event

	maxOutputTokens int

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message. The write
// is bounded by both ctx and the session lifetime.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	if err := s.conn.Write(wctx, websocket.MessageText, data); err != nil {
		if s.ctx.Err() != nil {
			return realtime.ErrSessionClosed
		}
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("openai: connection lost: %w", err))
			s.cancel()
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if ev := translate(&evt); ev != nil {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// translate maps a server event to a realtime.Event. Events the bridge has
// no use for map to nil.
func translate(evt *serverEvent) realtime.Event {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		return realtime.SpeechStarted{}

	case "input_audio_buffer.speech_stopped":
		return realtime.SpeechStopped{}

	case "response.audio.delta":
		if evt.Delta == "" {
			return nil
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return nil
		}
		return realtime.AudioDelta{Audio: audio}

	case "response.text.delta", "response.audio_transcript.delta":
		if evt.Delta == "" {
			return nil
		}
		return realtime.TextDelta{Text: evt.Delta}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return nil
		}
		return realtime.Transcript{Text: evt.Transcript}

	case "response.done":
		return realtime.Done{}

	case "error":
		e := realtime.Error{Message: "unknown error"}
		if evt.Error != nil {
			e.Code = evt.Error.Code
			if evt.Error.Message != "" {
				e.Message = evt.Error.Message
			}
		}
		return e
	}
	return nil
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio appends a chunk to the input audio buffer.
func (s *session) SendAudio(ctx context.Context, chunk []byte) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Commit sends input_audio_buffer.commit.
func (s *session) Commit(ctx context.Context) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(ctx, typeOnlyMessage{Type: "input_audio_buffer.commit"})
}

// RequestResponse sends response.create.
func (s *session) RequestResponse(ctx context.Context) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(ctx, responseCreateMessage{
		Type:     "response.create",
		Response: responseParams{Modalities: modalities, MaxOutputTokens: s.maxOutputTokens},
	})
}

// Interrupt sends response.cancel.
func (s *session) Interrupt(ctx context.Context) error {
	if s.isClosed() {
		return realtime.ErrSessionClosed
	}
	return s.writeJSON(ctx, typeOnlyMessage{Type: "response.cancel"})
}

// Events returns the session's event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the error that ended the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
