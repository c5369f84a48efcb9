// Package reply turns a recognised utterance into outbound telephony audio.
//
// A [Composer] renders the reply text from a template. A [Synthesizer] sends
// that text to a TTS provider and converts the result into 20 ms G.711 μ-law
// frames ready for the transport. Neither type knows about call sessions or
// sequence counters; stamping frames is the caller's job.
package reply

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/phonebridge/pkg/audio"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
)

// ErrSynthesis marks a failure to render a reply. The turn that hit it is
// abandoned; the call continues.
var ErrSynthesis = errors.New("reply: synthesis failed")

// Synthesizer renders reply text into transport-ready μ-law frames.
// It is safe for concurrent use if the provider is.
type Synthesizer struct {
	provider tts.Provider
	language string
}

// NewSynthesizer returns a Synthesizer that asks provider for speech in
// language.
func NewSynthesizer(provider tts.Provider, language string) *Synthesizer {
	return &Synthesizer{provider: provider, language: language}
}

// Synthesize renders text and returns it as 160-byte μ-law frames at 8 kHz.
// The last frame is padded with μ-law silence. Text that is empty after
// trimming yields no frames and no provider call. Every failure wraps
// [ErrSynthesis].
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([][]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	rendered, err := s.provider.Synthesize(ctx, text, s.language)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	if len(rendered.PCM) == 0 {
		return nil, nil
	}
	if rendered.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: provider returned sample rate %d", ErrSynthesis, rendered.SampleRate)
	}

	mulaw, err := audio.PCMToMulaw(rendered.PCM, rendered.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	return audio.SplitFrames(mulaw, audio.MulawFrameBytes), nil
}
