// Package mock provides test doubles for the stt package interfaces.
//
// Use Model to verify that the caller creates recognizers with the expected
// Config. Use Recognizer to script the Result returned for each accepted chunk
// and inspect which audio was delivered.
//
// Example:
//
//	rec := &mock.Recognizer{Script: []stt.Result{stt.None(), stt.FinalText("बारह")}}
//	m := &mock.Model{Recognizer: rec}
//	r, _ := m.NewRecognizer(ctx, stt.Config{SampleRate: 16000})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
)

// NewRecognizerCall records a single invocation of Model.NewRecognizer.
type NewRecognizerCall struct {
	Cfg stt.Config
}

// Model is a mock implementation of stt.Model.
type Model struct {
	mu sync.Mutex

	// Recognizer is returned by NewRecognizer. If nil, a fresh empty
	// Recognizer is returned each time.
	Recognizer stt.Recognizer

	// NewRecognizerErr, if non-nil, is returned by NewRecognizer.
	NewRecognizerErr error

	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	// NewRecognizerCalls records every call to NewRecognizer.
	NewRecognizerCalls []NewRecognizerCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewRecognizer records the call and returns Recognizer, NewRecognizerErr.
func (m *Model) NewRecognizer(_ context.Context, cfg stt.Config) (stt.Recognizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NewRecognizerCalls = append(m.NewRecognizerCalls, NewRecognizerCall{Cfg: cfg})
	if m.NewRecognizerErr != nil {
		return nil, m.NewRecognizerErr
	}
	if m.Recognizer != nil {
		return m.Recognizer, nil
	}
	return &Recognizer{}, nil
}

// Ping returns PingErr.
func (m *Model) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// Close records the call.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCallCount++
	return nil
}

// Ensure Model implements stt.Model and stt.Pinger at compile time.
var (
	_ stt.Model  = (*Model)(nil)
	_ stt.Pinger = (*Model)(nil)
)

// Recognizer is a mock implementation of stt.Recognizer. The n-th call to
// Accept returns Script[n] (and Errs[n] when present); calls beyond the
// script return NoResult. Unlike real recognizers it is safe for concurrent
// use so tests can inspect it while a pipeline drives it.
type Recognizer struct {
	mu sync.Mutex

	// Script is the sequence of results returned by Accept.
	Script []stt.Result

	// Errs, when non-nil at index n, is returned by the n-th Accept instead
	// of Script[n].
	Errs []error

	// Match, if set, decides the result from the chunk itself and takes
	// precedence over Script.
	Match func(pcm []byte) stt.Result

	// Block, if non-nil, is received from before each Accept returns. Tests
	// use it to stall recognition.
	Block chan struct{}

	// --- Call records ---

	// Chunks holds a copy of every accepted chunk in order.
	Chunks [][]byte

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Reset records the call.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResetCallCount++
}

// Accept records the chunk and returns the next scripted result.
func (r *Recognizer) Accept(ctx context.Context, pcm []byte) (stt.Result, error) {
	r.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	n := len(r.Chunks)
	r.Chunks = append(r.Chunks, cp)
	block := r.Block

	var (
		res stt.Result
		err error
	)
	switch {
	case r.Match != nil:
		res = r.Match(cp)
	case n < len(r.Script):
		res = r.Script[n]
	}
	if n < len(r.Errs) && r.Errs[n] != nil {
		res, err = stt.None(), r.Errs[n]
	}
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.None(), ctx.Err()
		}
	}
	return res, err
}

// Close records the call.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCallCount++
	return nil
}

// AcceptCallCount returns the number of Accept calls. Thread-safe.
func (r *Recognizer) AcceptCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Chunks)
}

// Closes returns the number of Close calls. Thread-safe.
func (r *Recognizer) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CloseCallCount
}

// Resets returns the number of Reset calls. Thread-safe.
func (r *Recognizer) Resets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResetCallCount
}

// Ensure Recognizer implements stt.Recognizer at compile time.
var _ stt.Recognizer = (*Recognizer)(nil)
