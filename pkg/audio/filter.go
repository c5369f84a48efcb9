package audio

import (
	"encoding/binary"
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// flushBlock is how much silence, in input samples, Flush feeds per round
// while draining the filter.
const flushBlock = 256

// maxFlushRounds bounds Flush for filters whose delay exceeds any sane value.
const maxFlushRounds = 64

// StreamResampler is a band-limited rate converter for one outbound stream:
// a rendered reply, or the audio deltas of one realtime response. Unlike
// [Resample] it low-pass filters before decimating, so 16 and 24 kHz speech
// does not alias when it is narrowed to the telephony leg.
//
// The filter delays its output. Flush drains the delay and trims the stream so
// that the total output is exactly in*to/from samples. A StreamResampler is
// used by one goroutine at a time.
type StreamResampler struct {
	from, to int
	rs       resampling.Resampler

	in, out int64
}

// NewStreamResampler returns a converter from one mono PCM16 rate to another.
func NewStreamResampler(from, to int) (*StreamResampler, error) {
	if from <= 0 || to <= 0 {
		return nil, &CodecError{Op: "resample", Reason: fmt.Sprintf("invalid rates %d->%d", from, to)}
	}
	s := &StreamResampler{from: from, to: to}
	if from == to {
		return s, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler %d->%d: %w", from, to, err)
	}
	s.rs = rs
	return s, nil
}

// Process converts the next chunk of the stream. It may return less audio
// than the chunk represents while the filter fills.
func (s *StreamResampler) Process(pcm []byte) ([]byte, error) {
	if len(pcm)%bytesPerSample != 0 {
		return nil, &CodecError{Op: "resample", Length: len(pcm), Reason: "odd byte count for PCM16"}
	}
	n := len(pcm) / bytesPerSample
	s.in += int64(n)
	if s.rs == nil {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		s.out += int64(n)
		return out, nil
	}
	if n == 0 {
		return nil, nil
	}

	input := make([]float64, n)
	for i := range input {
		input[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	output, err := s.rs.Process(input)
	if err != nil {
		return nil, &CodecError{Op: "resample", Length: len(pcm), Reason: err.Error()}
	}
	return s.emit(output), nil
}

// Flush feeds silence until the filter has released everything owed for the
// input so far and returns that tail. The stream ends with Flush; start a new
// StreamResampler for the next one.
func (s *StreamResampler) Flush() ([]byte, error) {
	if s.rs == nil {
		return nil, nil
	}
	var tail []byte
	silence := make([]float64, flushBlock)
	for range maxFlushRounds {
		if s.out >= s.owed() {
			break
		}
		output, err := s.rs.Process(silence)
		if err != nil {
			return nil, &CodecError{Op: "resample", Reason: err.Error()}
		}
		tail = append(tail, s.emit(output)...)
	}
	return tail, nil
}

// owed is the number of output samples the caller's input corresponds to.
func (s *StreamResampler) owed() int64 { return s.in * int64(s.to) / int64(s.from) }

// emit converts filter output to PCM16, dropping anything beyond what the
// caller's input is owed so drained silence never lengthens the stream.
func (s *StreamResampler) emit(output []float64) []byte {
	if room := s.owed() - s.out; int64(len(output)) > room {
		if room < 0 {
			room = 0
		}
		output = output[:room]
	}
	b := make([]byte, len(output)*bytesPerSample)
	for i, v := range output {
		var x int16
		switch {
		case v >= 1:
			x = 32767
		case v <= -1:
			x = -32768
		default:
			x = int16(v * 32767)
		}
		binary.LittleEndian.PutUint16(b[i*2:], uint16(x))
	}
	s.out += int64(len(output))
	return b
}
