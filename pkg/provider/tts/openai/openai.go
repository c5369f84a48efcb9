// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Audio is requested in the raw "pcm" response format, which the API renders
// as 24 kHz mono 16-bit little-endian samples, so no container parsing is
// needed on the way back.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/phonebridge/pkg/provider/tts"
)

// SampleRate is the rate of the API's pcm response format.
const SampleRate = 24000

const (
	defaultModel = oai.SpeechModelGPT4oMiniTTS
	defaultVoice = oai.AudioSpeechNewParamsVoiceAlloy
)

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client       oai.Client
	model        oai.SpeechModel
	voice        oai.AudioSpeechNewParamsVoice
	instructions string
	speed        float64
}

type config struct {
	baseURL      string
	model        string
	voice        string
	instructions string
	speed        float64
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the speech model (e.g. "tts-1", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice selects the voice (e.g. "alloy", "nova").
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithInstructions sets steering instructions for models that accept them.
// Ignored by tts-1 and tts-1-hd.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// WithSpeed sets the speaking rate, 0.25 to 4.0.
func WithSpeed(speed float64) Option {
	return func(c *config) { c.speed = speed }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries overrides the client's retry count. Tests use 0.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs an OpenAI speech Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.speed != 0 && (cfg.speed < 0.25 || cfg.speed > 4) {
		return nil, fmt.Errorf("openai: speed %.2f out of range [0.25, 4]", cfg.speed)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	p := &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        defaultModel,
		voice:        defaultVoice,
		instructions: cfg.instructions,
		speed:        cfg.speed,
	}
	if cfg.model != "" {
		p.model = oai.SpeechModel(cfg.model)
	}
	if cfg.voice != "" {
		p.voice = oai.AudioSpeechNewParamsVoice(cfg.voice)
	}
	return p, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text, language string) (tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Audio{}, tts.ErrEmptyText
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          p.model,
		Voice:          p.voice,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if instr := p.instructionsFor(language); instr != "" {
		params.Instructions = oai.String(instr)
	}
	if p.speed != 0 {
		params.Speed = oai.Float(p.speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: read speech body: %w", err)
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return tts.Audio{PCM: pcm, SampleRate: SampleRate}, nil
}

// instructionsFor combines the configured instructions with a language hint.
// The tts-1 family has no instructions field, so it gets neither.
func (p *Provider) instructionsFor(language string) string {
	if strings.HasPrefix(string(p.model), "tts-1") {
		return ""
	}
	parts := make([]string, 0, 2)
	if p.instructions != "" {
		parts = append(parts, p.instructions)
	}
	if language != "" {
		parts = append(parts, "Speak in the language with code "+language+".")
	}
	return strings.Join(parts, " ")
}
