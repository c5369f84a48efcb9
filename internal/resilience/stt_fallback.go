package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
)

// STTFallback implements [stt.Model] with failover at recognizer creation.
// Once a recognizer has been handed out it stays bound to its backend for the
// rest of the call; only NewRecognizer fails over.
type STTFallback struct {
	group *FallbackGroup[stt.Model]
}

// Compile-time interface assertions.
var (
	_ stt.Model  = (*STTFallback)(nil)
	_ stt.Pinger = (*STTFallback)(nil)
)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Model, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognizer model as a fallback.
func (f *STTFallback) AddFallback(name string, model stt.Model) {
	f.group.AddFallback(name, model)
}

// Status reports the breaker state of every backend.
func (f *STTFallback) Status() []EntryStatus { return f.group.Status() }

// NewRecognizer opens a recognizer on the first healthy backend.
func (f *STTFallback) NewRecognizer(ctx context.Context, cfg stt.Config) (stt.Recognizer, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, m stt.Model) (stt.Recognizer, error) {
		return m.NewRecognizer(ctx, cfg)
	})
}

// Ping succeeds if any backend is reachable. Backends without a Ping method
// count as reachable. When every backend fails the error wraps
// [stt.ErrModelUnavailable].
func (f *STTFallback) Ping(ctx context.Context) error {
	var errs []error
	ok := false
	f.group.Each(func(name string, m stt.Model) {
		if ok {
			return
		}
		p, isPinger := m.(stt.Pinger)
		if !isPinger {
			ok = true
			return
		}
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		ok = true
	})
	if ok {
		return nil
	}
	return fmt.Errorf("%w: %w", stt.ErrModelUnavailable, errors.Join(errs...))
}

// Close closes every backend and joins their errors.
func (f *STTFallback) Close() error {
	var errs []error
	f.group.Each(func(name string, m stt.Model) {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}
