// Package whisper provides whisper.cpp-backed recognizer models.
//
// whisper.cpp is a batch (non-streaming) transcription engine, so every
// recognizer in this package runs an energy-based [stt.Endpointer] over the
// incoming PCM and submits each completed utterance for inference. Accept
// returns NoResult while an utterance is being accumulated and a Final once it
// has been transcribed; whisper never produces partial text.
//
// Two models are available: [Server] talks to a running whisper-server binary
// over its REST API (POST /inference), and [Native] links whisper.cpp through
// its CGO bindings and shares one loaded model across all calls.
//
// Usage:
//
//	m, err := whisper.NewServer("http://localhost:8080", whisper.WithLanguage("hi"))
//	rec, err := m.NewRecognizer(ctx, stt.Config{SampleRate: 16000})
//	res, err := rec.Accept(ctx, pcmChunk)
//	rec.Close()
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Compile-time assertions.
var (
	_ stt.Model      = (*Server)(nil)
	_ stt.Pinger     = (*Server)(nil)
	_ stt.Recognizer = (*recognizer)(nil)
)

// Option is a functional option shared by [Server] and [Native].
type Option func(*options)

type options struct {
	model      string
	language   string
	sampleRate int
	endpoint   stt.EndpointConfig
	httpClient *http.Client
}

func defaultOptions() options {
	return options{
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithModel sets the model identifier forwarded to whisper-server
// (e.g. "base", "small"). When empty the server uses whichever model it was
// started with. Ignored by [Native].
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithLanguage sets the default language code for transcription (e.g. "hi",
// "en"). A language in [stt.Config] takes precedence. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(o *options) { o.language = lang }
}

// WithSampleRate sets the default PCM sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(o *options) { o.sampleRate = rate }
}

// WithSilenceThreshold sets the trailing silence that ends an utterance.
// Defaults to 500 ms.
func WithSilenceThreshold(d time.Duration) Option {
	return func(o *options) { o.endpoint.Silence = d }
}

// WithMaxUtterance sets the maximum buffered utterance before a forced
// inference. Defaults to 10 s.
func WithMaxUtterance(d time.Duration) Option {
	return func(o *options) { o.endpoint.MaxUtterance = d }
}

// WithRMSThreshold sets the energy level below which a chunk is silence.
func WithRMSThreshold(v float64) Option {
	return func(o *options) { o.endpoint.Threshold = v }
}

// WithHTTPClient replaces the HTTP client used by [Server].
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// ---- Server -----------------------------------------------------------------

// Server is an [stt.Model] backed by a whisper-server process. It holds no
// per-call state and is safe for concurrent use.
type Server struct {
	serverURL string
	opts      options
}

// NewServer returns a model that posts utterances to serverURL/inference.
func NewServer(serverURL string, opts ...Option) (*Server, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &Server{serverURL: strings.TrimRight(serverURL, "/"), opts: o}, nil
}

// NewRecognizer returns a recognizer that transcribes through the server.
// No connection is made until the first utterance completes.
func (s *Server) NewRecognizer(ctx context.Context, cfg stt.Config) (stt.Recognizer, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	lang, rate := resolve(s.opts, cfg)
	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return s.infer(ctx, pcm, lang, rate)
	}
	return newRecognizer(rate, s.opts.endpoint, infer), nil
}

// Ping checks that the server answers HTTP at all.
func (s *Server) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+"/", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", stt.ErrModelUnavailable, err)
	}
	resp, err := s.opts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: whisper server %s: %v", stt.ErrModelUnavailable, s.serverURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: whisper server returned HTTP %d", stt.ErrModelUnavailable, resp.StatusCode)
	}
	return nil
}

// Close is a no-op; the server process is owned elsewhere.
func (s *Server) Close() error { return nil }

// infer encodes pcm as a WAV file and POSTs it to the whisper.cpp /inference
// endpoint as multipart/form-data. It returns the transcribed text or an error.
func (s *Server) infer(ctx context.Context, pcm []byte, language string, rate int) (string, error) {
	wav := encodeWAV(pcm, rate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if s.opts.model != "" {
		if err := mw.WriteField("model", s.opts.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.opts.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// ---- recognizer -------------------------------------------------------------

type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// recognizer couples an endpointer with an inference backend.
type recognizer struct {
	ep     *stt.Endpointer
	infer  inferFunc
	closed bool
}

func newRecognizer(rate int, ep stt.EndpointConfig, infer inferFunc) *recognizer {
	return &recognizer{ep: stt.NewEndpointer(rate, ep), infer: infer}
}

func (r *recognizer) Reset() { r.ep.Reset() }

// Accept buffers pcm and, when it completes an utterance, runs inference
// synchronously. Inference failures are returned and the utterance is lost.
func (r *recognizer) Accept(ctx context.Context, pcm []byte) (stt.Result, error) {
	if r.closed {
		return stt.None(), errors.New("whisper: recognizer is closed")
	}
	utt, done := r.ep.Push(pcm)
	if !done {
		return stt.None(), nil
	}
	text, err := r.infer(ctx, utt)
	if err != nil {
		return stt.None(), err
	}
	return stt.FinalText(text), nil
}

func (r *recognizer) Close() error {
	r.closed = true
	r.ep.Reset()
	return nil
}

// ---- helpers ----------------------------------------------------------------

func resolve(o options, cfg stt.Config) (lang string, rate int) {
	lang = cfg.Language
	if lang == "" {
		lang = o.language
	}
	rate = cfg.SampleRate
	if rate <= 0 {
		rate = o.sampleRate
	}
	return lang, rate
}

// encodeWAV wraps raw 16-bit signed little-endian mono PCM data in a standard
// RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	const channels = 1
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
