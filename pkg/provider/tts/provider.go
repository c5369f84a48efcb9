// Package tts defines the Provider interface for text-to-speech backends.
//
// A provider turns one reply sentence into mono 16-bit little-endian PCM at
// whatever sample rate the backend renders natively. Callers downsample and
// encode the audio for the transport themselves; providers never know about
// telephony framing.
//
// Implementations must be safe for concurrent use. Several calls may
// synthesise replies at the same time.
package tts

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyText is returned when Synthesize is called with no text.
var ErrEmptyText = errors.New("tts: empty text")

// Audio is one rendered utterance.
type Audio struct {
	// PCM holds mono 16-bit little-endian samples.
	PCM []byte

	// SampleRate is the rate of PCM in Hz.
	SampleRate int
}

// Duration reports how long the audio plays.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	samples := len(a.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(a.SampleRate)
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text spoken in language (a BCP-47 or ISO 639-1 tag
	// such as "hi" or "en-US"). Providers that cannot select a language ignore
	// it. Returns ErrEmptyText for an empty text and a wrapped transport or
	// API error otherwise; ctx cancellation aborts the request.
	Synthesize(ctx context.Context, text, language string) (Audio, error)
}
