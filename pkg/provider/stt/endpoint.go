package stt

import (
	"time"

	"github.com/MrWong99/phonebridge/pkg/audio"
)

const (
	// DefaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. The maximum possible value
	// for 16-bit audio is 32 767; 300 corresponds to near-silence.
	DefaultRMSThreshold = 300.0

	// DefaultSilence is the trailing silence that ends an utterance.
	DefaultSilence = 500 * time.Millisecond

	// DefaultMaxUtterance forces an utterance to end after this much audio.
	DefaultMaxUtterance = 10 * time.Second
)

// EndpointConfig tunes an [Endpointer]. Zero fields take the defaults above.
type EndpointConfig struct {
	Threshold    float64
	Silence      time.Duration
	MaxUtterance time.Duration
}

// Endpointer is an energy-based utterance detector for batch recognizers that
// have no endpointing of their own. It buffers speech and trailing silence and
// hands back a complete utterance once enough silence follows speech, or once
// the utterance reaches its maximum length. Leading silence is discarded.
//
// An Endpointer is owned by a single recognizer and is not safe for
// concurrent use.
type Endpointer struct {
	rate int
	cfg  EndpointConfig

	buf       []byte
	hadSpeech bool
	silence   time.Duration
}

// NewEndpointer returns an endpointer for mono PCM16 at rate Hz.
func NewEndpointer(rate int, cfg EndpointConfig) *Endpointer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultRMSThreshold
	}
	if cfg.Silence <= 0 {
		cfg.Silence = DefaultSilence
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = DefaultMaxUtterance
	}
	return &Endpointer{rate: rate, cfg: cfg}
}

// Push adds one chunk. When the chunk completes an utterance, the buffered
// audio is returned with done set and the endpointer starts over.
func (e *Endpointer) Push(pcm []byte) (utterance []byte, done bool) {
	if audio.RMS(pcm) < e.cfg.Threshold {
		if !e.hadSpeech {
			return nil, false
		}
		e.silence += e.duration(len(pcm))
		e.buf = append(e.buf, pcm...)
		if e.silence >= e.cfg.Silence {
			return e.take(), true
		}
		return nil, false
	}

	e.hadSpeech = true
	e.silence = 0
	e.buf = append(e.buf, pcm...)
	if e.duration(len(e.buf)) >= e.cfg.MaxUtterance {
		return e.take(), true
	}
	return nil, false
}

// InSpeech reports whether an utterance has started and not yet ended.
func (e *Endpointer) InSpeech() bool { return e.hadSpeech }

// Buffered returns the duration of audio currently held.
func (e *Endpointer) Buffered() time.Duration { return e.duration(len(e.buf)) }

// Reset drops buffered audio.
func (e *Endpointer) Reset() {
	e.buf = nil
	e.hadSpeech = false
	e.silence = 0
}

func (e *Endpointer) take() []byte {
	out := e.buf
	e.Reset()
	return out
}

func (e *Endpointer) duration(n int) time.Duration {
	if e.rate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(e.rate)
}
