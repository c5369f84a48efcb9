// Package stt defines the recognizer abstraction used by the call pipeline.
//
// A [Model] is the process-wide, read-only recognition artifact: a loaded
// whisper.cpp model, or the address of a recognition server. It is loaded once
// at startup and shared by every call. Each call asks the model for its own
// [Recognizer], which owns all per-utterance state and is never shared across
// calls.
//
// A recognizer is fed one chunk of 16-bit mono PCM at a time and answers each
// chunk with a [Result]: nothing yet, a partial transcript, or a final
// transcript. When to end an utterance is the recognizer's own decision.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrModelUnavailable is returned when a recognizer model cannot be loaded or
// reached. At startup this is fatal: the process must not accept calls.
var ErrModelUnavailable = errors.New("stt: recognizer model unavailable")

// Kind tags the variant held by a [Result].
type Kind int

const (
	// NoResult means the chunk produced nothing actionable (silence, noise, or
	// speech still being accumulated without interim text).
	NoResult Kind = iota

	// Partial carries interim text for the utterance in progress.
	Partial

	// Final carries the committed text of a completed utterance. It
	// supersedes any partial text for the same utterance.
	Final
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case NoResult:
		return "none"
	case Partial:
		return "partial"
	case Final:
		return "final"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Result is the outcome of feeding one chunk to a [Recognizer].
type Result struct {
	Kind Kind
	Text string
}

// None returns the NoResult value.
func None() Result { return Result{} }

// PartialText returns a Partial result. Empty text yields NoResult.
func PartialText(text string) Result {
	if text == "" {
		return Result{}
	}
	return Result{Kind: Partial, Text: text}
}

// FinalText returns a Final result. Empty text yields NoResult, so a Final
// always carries something to reply to.
func FinalText(text string) Result {
	if text == "" {
		return Result{}
	}
	return Result{Kind: Final, Text: text}
}

// Config describes the audio a recognizer will receive.
type Config struct {
	// SampleRate of the PCM passed to Accept, in Hz. Zero selects the model's
	// default (16000 for every built-in model).
	SampleRate int

	// Language is a BCP-47 language tag ("hi", "en-US"). Empty lets the model
	// auto-detect or use its configured default.
	Language string
}

// Recognizer is the per-call recognition session. It is used by one goroutine
// at a time and is not safe for concurrent use.
type Recognizer interface {
	// Reset discards any accumulated utterance state.
	Reset()

	// Accept feeds one chunk of 16-bit little-endian mono PCM at the
	// configured sample rate and reports what the recognizer concluded.
	Accept(ctx context.Context, pcm []byte) (Result, error)

	// Close releases the recognizer. Calling Close more than once is safe.
	Close() error
}

// Model is the shared recognition artifact. Implementations must be safe for
// concurrent use: many calls create recognizers from one model at once.
type Model interface {
	// NewRecognizer creates an independent recognizer for one call.
	NewRecognizer(ctx context.Context, cfg Config) (Recognizer, error)

	// Close releases the model. No recognizer may be used afterwards.
	Close() error
}

// Pinger is implemented by models backed by a remote service. Ping reports
// whether the service is reachable; a failure wraps [ErrModelUnavailable].
type Pinger interface {
	Ping(ctx context.Context) error
}
