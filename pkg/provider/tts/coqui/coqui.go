// Package coqui provides a TTS provider backed by a locally running Coqui TTS
// server. It needs no cloud credentials, which makes it the usual last entry
// in a fallback chain.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is GET /api/tts with URL query
//     parameters.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is
//     POST /tts_to_audio/ with a JSON body.
//
// Both return a WAV file. The RIFF container is parsed, stereo is folded to
// mono, and the PCM is returned at the model's native rate.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/phonebridge/pkg/audio"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultTimeout = 30 * time.Second
	ttsEndpoint    = "/tts_to_audio/"
	apiTTSEndpoint = "/api/tts"

	// maxWAVBytes bounds a single response body.
	maxWAVBytes = 32 << 20
)

// ---- APIMode ----

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithSpeaker selects the speaker. In standard mode this is the speaker_id of
// a multi-speaker model; in XTTS mode it is the speaker_wav reference name.
func WithSpeaker(id string) Option {
	return func(p *Provider) {
		p.speaker = id
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a Coqui TTS server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	speaker    string
	httpClient *http.Client
	apiMode    APIMode
}

// New creates a new Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.apiMode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.apiMode)
	}
	return p, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, language string) (tts.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Audio{}, tts.ErrEmptyText
	}

	var (
		req *http.Request
		err error
	)
	if p.apiMode == APIModeStandard {
		req, err = p.standardRequest(ctx, text, language)
	} else {
		req, err = p.xttsRequest(ctx, text, language)
	}
	if err != nil {
		return tts.Audio{}, err
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Audio{}, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	wav, err := io.ReadAll(io.LimitReader(resp.Body, maxWAVBytes))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return decodeWAV(wav)
}

// standardRequest builds GET /api/tts with URL query parameters.
func (p *Provider) standardRequest(ctx context.Context, text, language string) (*http.Request, error) {
	params := url.Values{}
	params.Set("text", text)
	if p.speaker != "" {
		params.Set("speaker_id", p.speaker)
	}
	if language != "" {
		params.Set("language_id", language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return req, nil
}

// xttsRequest builds POST /tts_to_audio/ with a JSON body.
func (p *Provider) xttsRequest(ctx context.Context, text, language string) (*http.Request, error) {
	data, err := json.Marshal(ttsRequest{Text: text, SpeakerWav: p.speaker, Language: language})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// ---- WAV parsing ----

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset    int // byte offset of the first PCM sample
	DataLen       int // length of the data chunk, clamped to the buffer
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// decodeWAV returns the mono 16-bit PCM carried by wav.
func decodeWAV(wav []byte) (tts.Audio, error) {
	info, err := parseWAV(wav)
	if err != nil {
		return tts.Audio{}, err
	}
	if info.BitsPerSample != 16 {
		return tts.Audio{}, fmt.Errorf("coqui: unsupported WAV sample width %d bits", info.BitsPerSample)
	}
	pcm := wav[info.DataOffset : info.DataOffset+info.DataLen]
	switch info.Channels {
	case 1:
	case 2:
		pcm = audio.StereoToMono(pcm)
	default:
		return tts.Audio{}, fmt.Errorf("coqui: unsupported WAV channel count %d", info.Channels)
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return tts.Audio{PCM: pcm, SampleRate: info.SampleRate}, nil
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. The fmt chunk size varies
// between encoders, so chunks are walked rather than assuming 44 bytes.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return wavInfo{}, errors.New("coqui: WAV data chunk precedes fmt chunk")
			}
			info.DataOffset = offset + 8
			// Streaming encoders write 0 or 0xFFFFFFFF when the length was
			// unknown up front.
			info.DataLen = len(wav) - info.DataOffset
			if chunkSize > 0 && chunkSize < info.DataLen {
				info.DataLen = chunkSize
			}
			return info, nil
		}

		// Chunks are word-aligned: pad by 1 if odd size.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}
