package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// MulawToPCM decodes one μ-law frame and resamples it to rate, threading the
// stream's resample state. It is the inbound half of the codec layer.
func MulawToPCM(payload []byte, rate int, st *ResampleState) ([]byte, *ResampleState, error) {
	pcm, err := DecodeMulaw(payload)
	if err != nil {
		return nil, st, err
	}
	return Resample(pcm, TelephonyRate, rate, st)
}

// PCMToMulaw converts a complete PCM16 mono clip at rate to 8 kHz μ-law. The
// clip is treated as its own stream and goes through a [StreamResampler], so
// wideband speech is low-pass filtered before it is narrowed.
func PCMToMulaw(pcm []byte, rate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	rs, err := NewStreamResampler(rate, TelephonyRate)
	if err != nil {
		return nil, err
	}
	narrow, err := rs.Process(pcm)
	if err != nil {
		return nil, err
	}
	tail, err := rs.Flush()
	if err != nil {
		return nil, err
	}
	return EncodeMulaw(append(narrow, tail...))
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// RMS returns the root-mean-square energy of 16-bit little-endian PCM in
// sample units (0..32767). Empty input yields 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// DurationOf returns the playback duration of mono PCM16 at rate.
func DurationOf(pcm []byte, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	samples := len(pcm) / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "16000Hz mono".
func formatString(f Format) string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// String implements fmt.Stringer.
func (f Format) String() string { return formatString(f) }

// FrameSize returns the number of μ-law bytes (one per sample) in a frame of
// duration d at rate.
func FrameSize(rate int, d time.Duration) int {
	return int(int64(rate) * int64(d) / int64(time.Second))
}
