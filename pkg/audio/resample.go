package audio

import (
	"encoding/binary"
	"fmt"
)

// ResampleState carries the continuity of one resampled stream between
// successive [Resample] calls. The zero value (or nil) starts a new stream.
// A state is tied to the rate pair it was created for.
type ResampleState struct {
	from, to int

	// phase is the position of the next output sample relative to the first
	// sample of the next input chunk, in units of 1/to of an input sample.
	// It is always >= -to, meaning at most one sample of history is needed.
	phase int64

	// prev is the last sample of the previous chunk (x[-1]).
	prev   int16
	primed bool
}

// Resample converts mono PCM16 from one sample rate to another using linear
// interpolation. It is a streaming resampler: feed it consecutive chunks of
// one stream and pass back the returned state each time, and the output is
// phase-continuous across chunk boundaries. The input state is never
// modified.
//
// A nil st starts a new stream. Passing a state created for a different rate
// pair is an error.
func Resample(pcm []byte, from, to int, st *ResampleState) ([]byte, *ResampleState, error) {
	if from <= 0 || to <= 0 {
		return nil, st, &CodecError{Op: "resample", Length: len(pcm), Reason: fmt.Sprintf("invalid rates %d->%d", from, to)}
	}
	if len(pcm)%bytesPerSample != 0 {
		return nil, st, &CodecError{Op: "resample", Length: len(pcm), Reason: "odd byte count for PCM16"}
	}

	next := ResampleState{from: from, to: to}
	if st != nil && (st.from != 0 || st.to != 0) {
		if st.from != from || st.to != to {
			return nil, st, &CodecError{Op: "resample", Length: len(pcm),
				Reason: fmt.Sprintf("state is for %d->%d, called with %d->%d", st.from, st.to, from, to)}
		}
		next = *st
	}

	if from == to {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, &next, nil
	}

	n := len(pcm) / bytesPerSample
	if n == 0 {
		return nil, &next, nil
	}

	sample := func(i int64) int64 {
		if i < 0 {
			return int64(next.prev)
		}
		return int64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	step := int64(from)
	unit := int64(to)
	last := int64(n - 1)

	// A fresh stream has no history, so it must not reach back to x[-1].
	if !next.primed && next.phase < 0 {
		next.phase = 0
	}

	// Upper bound on output samples for this chunk, used only for capacity.
	est := (int64(n)+1)*unit/step + 1
	out := make([]byte, 0, est*bytesPerSample)

	p := next.phase
	for {
		i := floorDiv(p, unit)
		if i+1 > last {
			break
		}
		frac := p - i*unit
		s0 := sample(i)
		s1 := sample(i + 1)
		v := s0 + (s1-s0)*frac/unit
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(v)))
		p += step
	}

	next.phase = p - int64(n)*unit
	next.prev = int16(sample(last))
	next.primed = true
	return out, &next, nil
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
