package resilience

import (
	"context"

	"github.com/MrWong99/phonebridge/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *TTSFallback) Status() []EntryStatus { return f.group.Status() }

// Healthy reports whether any backend would currently be tried.
func (f *TTSFallback) Healthy() bool { return f.group.Healthy() }

// Synthesize renders text with the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text, language string) (tts.Audio, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) (tts.Audio, error) {
		return p.Synthesize(ctx, text, language)
	})
}
