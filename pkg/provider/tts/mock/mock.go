// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio and to verify which text and
// language reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Audio: tts.Audio{PCM: make([]byte, 3200), SampleRate: 16000}}
//	a, _ := p.Synthesize(ctx, "आपने कहा: बारह", "hi")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/phonebridge/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text     string
	Language string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by every successful Synthesize call.
	Audio tts.Audio

	// AudioFor, if non-nil, chooses the audio for each text instead of Audio.
	AudioFor func(text string) tts.Audio

	// Err, if non-nil, is returned by Synthesize instead of Audio.
	Err error

	// Block, if non-nil, is received from before Synthesize returns. A
	// cancelled context unblocks the call with ctx.Err().
	Block chan struct{}

	// Started, if non-nil, receives the text of each call as it begins.
	Started chan string

	// Calls records every call to Synthesize in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns Audio, Err.
func (p *Provider) Synthesize(ctx context.Context, text, language string) (tts.Audio, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Language: language})
	block, started := p.Block, p.Started
	a, err := p.Audio, p.Err
	if p.AudioFor != nil {
		a = p.AudioFor(text)
	}
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- text:
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}
	if err != nil {
		return tts.Audio{}, err
	}
	out := tts.Audio{PCM: make([]byte, len(a.PCM)), SampleRate: a.SampleRate}
	copy(out.PCM, a.PCM)
	return out, nil
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Texts returns a copy of the texts passed to Synthesize. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
