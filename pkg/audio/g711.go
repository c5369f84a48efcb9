package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zaf/g711"
)

// ErrCodec is the sentinel matched by every [CodecError].
var ErrCodec = errors.New("audio: codec error")

// CodecError reports a payload whose length or format cannot be converted.
// The offending frame should be dropped; the stream itself stays usable.
type CodecError struct {
	Op     string
	Length int
	Reason string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("audio: %s: %s (%d bytes)", e.Op, e.Reason, e.Length)
}

// Unwrap lets errors.Is match [ErrCodec].
func (e *CodecError) Unwrap() error { return ErrCodec }

// DecodeMulaw converts G.711 μ-law bytes to 16-bit little-endian linear PCM.
// Every byte is one sample, so any length is valid except zero.
func DecodeMulaw(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, &CodecError{Op: "decode mulaw", Length: 0, Reason: "empty payload"}
	}
	out := make([]byte, len(payload)*bytesPerSample)
	for i, b := range payload {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(g711.DecodeUlawFrame(b)))
	}
	return out, nil
}

// EncodeMulaw converts 16-bit little-endian linear PCM to G.711 μ-law. The
// input must contain whole samples.
func EncodeMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%bytesPerSample != 0 {
		return nil, &CodecError{Op: "encode mulaw", Length: len(pcm), Reason: "odd byte count for PCM16"}
	}
	out := make([]byte, len(pcm)/bytesPerSample)
	for i := range out {
		out[i] = g711.EncodeUlawFrame(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out, nil
}

// MulawStep returns the quantisation step of the μ-law segment that sample s
// falls into. A round trip through [EncodeMulaw] and [DecodeMulaw] moves a
// sample by at most this amount.
func MulawStep(s int16) int {
	v := int(s)
	if v < 0 {
		v = -v
	}
	v += 0x84 // bias
	seg := 0
	for v > 0xFF && seg < 7 {
		v >>= 1
		seg++
	}
	return 8 << seg
}

// SplitFrames cuts μ-law audio into transport frames of size bytes. The final
// frame is padded with μ-law silence so every frame has the nominal duration.
func SplitFrames(mulaw []byte, size int) [][]byte {
	if len(mulaw) == 0 || size <= 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(mulaw)+size-1)/size)
	for off := 0; off < len(mulaw); off += size {
		end := off + size
		if end <= len(mulaw) {
			frames = append(frames, mulaw[off:end])
			continue
		}
		last := make([]byte, size)
		n := copy(last, mulaw[off:])
		for i := n; i < size; i++ {
			last[i] = mulawSilence
		}
		frames = append(frames, last)
	}
	return frames
}
