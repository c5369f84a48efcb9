// This file contains the Native model backed by the whisper.cpp CGO bindings.
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that Native satisfies stt.Model.
var _ stt.Model = (*Native)(nil)

// Native is an [stt.Model] that runs whisper.cpp in-process. The model file is
// loaded once and shared read-only by every call; each inference creates its
// own whisper context, which is not thread-safe and never shared.
type Native struct {
	model whisperlib.Model
	opts  options

	closeOnce sync.Once
	closeErr  error
}

// NewNative loads the model at modelPath. A load failure wraps
// [stt.ErrModelUnavailable].
func NewNative(modelPath string, opts ...Option) (*Native, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("%w: whisper modelPath must not be empty", stt.ErrModelUnavailable)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: whisper load model %q: %v", stt.ErrModelUnavailable, modelPath, err)
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Native{model: model, opts: o}, nil
}

// NewRecognizer returns a recognizer that runs inference on the shared model.
func (n *Native) NewRecognizer(ctx context.Context, cfg stt.Config) (stt.Recognizer, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	lang, rate := resolve(n.opts, cfg)
	if rate != defaultSampleRate {
		return nil, fmt.Errorf("whisper: native inference requires %d Hz PCM, got %d", defaultSampleRate, rate)
	}
	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return n.infer(ctx, pcm, lang)
	}
	return newRecognizer(rate, n.opts.endpoint, infer), nil
}

// Close releases the whisper model. It is idempotent.
func (n *Native) Close() error {
	n.closeOnce.Do(func() { n.closeErr = n.model.Close() })
	return n.closeErr
}

// infer converts the buffered PCM audio to float32, runs whisper.cpp
// inference using a fresh context, and returns the concatenated text.
func (n *Native) infer(ctx context.Context, pcm []byte, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	samples := pcmToFloat32(pcm)

	wctx, err := n.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
