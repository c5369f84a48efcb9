// Package audio is the codec layer of the bridge: G.711 μ-law ⇄ PCM16
// conversion, streaming sample-rate conversion, and the small PCM helpers the
// rest of the pipeline needs.
//
// Every function in this package is pure with respect to its arguments. State
// that must survive between successive frames of one stream (the resampler's
// phase and history) is passed in and returned explicitly as a
// [ResampleState] value, so two calls never share hidden mutable state.
// Outbound audio is the exception: it is narrowed through a
// [StreamResampler], a filtering converter owned by one reply or response.
package audio

import "time"

const (
	// TelephonyRate is the sample rate of the telephony leg in Hz.
	TelephonyRate = 8000

	// RecognizerRate is the canonical sample rate fed to recognizers in Hz.
	RecognizerRate = 16000

	// FrameDuration is the nominal duration of one transport frame.
	FrameDuration = 20 * time.Millisecond

	// MulawFrameBytes is the size of one 20 ms μ-law frame at 8 kHz.
	MulawFrameBytes = TelephonyRate * int(FrameDuration/time.Millisecond) / 1000

	// bytesPerSample is fixed for 16-bit linear PCM.
	bytesPerSample = 2

	// mulawSilence is the μ-law code for a zero sample.
	mulawSilence = 0xFF
)

// Frame is one inbound unit of encoded telephony audio together with the time
// it arrived. Frames of one call are processed strictly in arrival order.
type Frame struct {
	// Payload holds the encoded (μ-law) bytes exactly as received.
	Payload []byte

	// Received is the wall-clock arrival time of the carrying event.
	Received time.Time
}

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}
