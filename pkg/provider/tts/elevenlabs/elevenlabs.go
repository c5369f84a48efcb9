// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider interface.
//
// Each Synthesize call opens one WebSocket, sends the begin-of-input message,
// the reply text and an empty flush message, then collects base64 PCM chunks
// until the server marks the stream final.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/phonebridge/pkg/provider/tts"
	"github.com/coder/websocket"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultVoice     = "21m00Tcm4TlvDq8ikWAM"
	defaultOutputFmt = "pcm_16000"
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice sets the voice ID used for every request.
func WithVoice(voiceID string) Option {
	return func(p *Provider) {
		p.voice = voiceID
	}
}

// WithOutputFormat sets the audio output format. Only the raw "pcm_<rate>"
// formats are accepted.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the WebSocket origin (default wss://api.elevenlabs.io).
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	voice        string
	outputFormat string
	sampleRate   int
	baseURL      string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		voice:        defaultVoice,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	if p.voice == "" {
		return nil, errors.New("elevenlabs: voice must not be empty")
	}
	rate, err := pcmRate(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.sampleRate = rate
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// Synthesize implements tts.Provider. The whole reply is sent as one text
// fragment followed by a flush.
func (p *Provider) Synthesize(ctx context.Context, text, language string) (tts.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Audio{}, tts.ErrEmptyText
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(language), nil)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)

	boi, err := json.Marshal(boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		XiAPIKey:      p.apiKey,
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: marshal BOI: %w", err)
	}
	for _, msg := range [][]byte{boi, mustMessage(text + " "), mustMessage("")} {
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			return tts.Audio{}, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			// The server closes normally right after the final chunk on
			// some models without sending isFinal.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && len(pcm) > 0 {
				break
			}
			return tts.Audio{}, fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			return tts.Audio{}, fmt.Errorf("elevenlabs: decode response: %w", err)
		}
		if resp.Error != "" {
			return tts.Audio{}, fmt.Errorf("elevenlabs: server error: %s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return tts.Audio{}, fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if resp.IsFinal {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return tts.Audio{PCM: pcm, SampleRate: p.sampleRate}, nil
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

func mustMessage(text string) []byte {
	b, _ := buildWSMessage(text, nil)
	return b
}

// streamURL builds the stream-input URL for the configured voice and model.
// The output format travels as a query parameter.
func (p *Provider) streamURL(language string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	if language != "" {
		q.Set("language_code", baseLanguage(language))
	}
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.baseURL, url.PathEscape(p.voice), q.Encode())
}

// pcmRate extracts the sample rate from a "pcm_<rate>" output format.
func pcmRate(format string) (int, error) {
	rest, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: output format %q is not raw pcm", format)
	}
	rate, err := strconv.Atoi(rest)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("elevenlabs: output format %q has no valid sample rate", format)
	}
	return rate, nil
}

// baseLanguage reduces "hi-IN" to "hi".
func baseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}
