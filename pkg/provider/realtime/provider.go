// Package realtime defines the Provider interface for realtime voice backends.
//
// A realtime backend accepts the caller's audio as it arrives, detects turns
// itself, and streams a spoken reply back over the same stateful session. It
// replaces the local recognize, compose and synthesize pipeline for a call.
//
// The session surfaces what the backend does as a closed set of [Event]
// values on a single channel, so one consumer can handle barge-in, reply
// audio and diagnostics in order.
package realtime

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by Session methods after Close.
var ErrSessionClosed = errors.New("realtime: session closed")

// AudioFormat is the wire encoding of audio in either direction.
type AudioFormat string

const (
	// FormatPCM16 is 24 kHz mono 16-bit little-endian PCM.
	FormatPCM16 AudioFormat = "pcm16"

	// FormatG711Ulaw is 8 kHz G.711 μ-law, byte-compatible with telephony
	// media frames.
	FormatG711Ulaw AudioFormat = "g711_ulaw"
)

// SampleRate returns the sample rate of f, or 0 for an unknown format.
func (f AudioFormat) SampleRate() int {
	switch f {
	case FormatPCM16:
		return 24000
	case FormatG711Ulaw:
		return 8000
	default:
		return 0
	}
}

// Valid reports whether f is a known format.
func (f AudioFormat) Valid() bool { return f.SampleRate() != 0 }

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	// Threshold is the activation threshold, 0.0 to 1.0.
	Threshold float64

	// PrefixPadding is the audio kept from before detected speech.
	PrefixPadding time.Duration

	// SilenceDuration is the silence that ends a turn.
	SilenceDuration time.Duration
}

// DefaultTurnDetection returns the settings used for phone calls.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{
		Threshold:       0.5,
		PrefixPadding:   300 * time.Millisecond,
		SilenceDuration: 600 * time.Millisecond,
	}
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Instructions is the system prompt for the assistant.
	Instructions string

	// Voice names the provider voice for replies.
	Voice string

	// InputFormat and OutputFormat select the audio encoding. Zero values
	// mean FormatPCM16.
	InputFormat  AudioFormat
	OutputFormat AudioFormat

	// TurnDetection enables server VAD. Nil disables it; the caller then
	// commits the input buffer itself.
	TurnDetection *TurnDetection

	// TranscriptionLanguage, when set, enables transcription of the caller's
	// speech in that language.
	TranscriptionLanguage string

	// MaxOutputTokens bounds each reply. Zero leaves the provider default.
	MaxOutputTokens int
}

// Event is one notification from a realtime session. The concrete types are
// SpeechStarted, SpeechStopped, AudioDelta, TextDelta, Transcript, Done and
// Error.
type Event interface {
	realtimeEvent()
}

// SpeechStarted reports that the backend detected the caller speaking.
type SpeechStarted struct{}

// SpeechStopped reports the end of the caller's turn.
type SpeechStopped struct{}

// AudioDelta carries a chunk of reply audio in the session's output format.
type AudioDelta struct {
	Audio []byte
}

// TextDelta carries a fragment of the reply's text or audio transcript.
type TextDelta struct {
	Text string
}

// Transcript is the completed transcription of one caller turn.
type Transcript struct {
	Text string
}

// Done reports that the current reply finished.
type Done struct{}

// Error is a non-fatal error reported by the backend.
type Error struct {
	Code    string
	Message string
}

func (SpeechStarted) realtimeEvent() {}
func (SpeechStopped) realtimeEvent() {}
func (AudioDelta) realtimeEvent()    {}
func (TextDelta) realtimeEvent()     {}
func (Transcript) realtimeEvent()    {}
func (Done) realtimeEvent()          {}
func (Error) realtimeEvent()         {}

// EventName returns a short stable name for ev, for logs and metrics.
func EventName(ev Event) string {
	switch ev.(type) {
	case SpeechStarted:
		return "speech-started"
	case SpeechStopped:
		return "speech-stopped"
	case AudioDelta:
		return "audio-delta"
	case TextDelta:
		return "text-delta"
	case Transcript:
		return "transcript"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Session is an open realtime session. Methods are safe for concurrent use.
type Session interface {
	// SendAudio appends a chunk in the session's input format to the input
	// buffer.
	SendAudio(ctx context.Context, chunk []byte) error

	// Commit closes the current input buffer as a user turn.
	Commit(ctx context.Context) error

	// RequestResponse asks the backend to reply to the conversation so far.
	RequestResponse(ctx context.Context) error

	// Interrupt cancels the reply being generated, if any.
	Interrupt(ctx context.Context) error

	// Events returns the session's event stream. It is closed when the
	// connection ends; Err then reports why.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it was closed
	// by Close.
	Err() error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider opens realtime sessions.
type Provider interface {
	// Connect dials the backend and performs the session configuration
	// handshake. The caller owns the returned Session.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
