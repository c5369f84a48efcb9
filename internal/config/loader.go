package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":9500"
	DefaultStreamPath      = "/twilio-stream"
	DefaultLanguage        = "hi"
	DefaultRecognizerRate  = 16000
	DefaultReplyTemplate   = "आपने कहा: {{.Text}}"
	DefaultFlushTimeout    = 2 * time.Second
	DefaultStartTimeout    = 10 * time.Second
	DefaultQueueSize       = 250
	DefaultVoiceLogBuffer  = 256
	DefaultShutdownTimeout = 15 * time.Second
	DefaultNATSSubject     = "phonebridge.voicelog"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":      {"whisper", "whisper-native", "vosk", "deepgram"},
	"tts":      {"openai", "elevenlabs", "coqui"},
	"realtime": {"openai-realtime"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. Unknown keys are rejected. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.StreamPath == "" {
		s.StreamPath = DefaultStreamPath
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	p := &cfg.Pipeline
	if p.Mode == "" {
		p.Mode = ModeLocal
	}
	if p.Language == "" {
		p.Language = DefaultLanguage
	}
	if p.RecognizerSampleRate == 0 {
		p.RecognizerSampleRate = DefaultRecognizerRate
	}
	if p.ReplyTemplate == "" {
		p.ReplyTemplate = DefaultReplyTemplate
	}
	if p.FlushTimeout == 0 {
		p.FlushTimeout = DefaultFlushTimeout
	}
	if p.StartTimeout == 0 {
		p.StartTimeout = DefaultStartTimeout
	}
	if p.QueueSize == 0 {
		p.QueueSize = DefaultQueueSize
	}

	v := &cfg.VoiceLog
	if v.Kind == "" {
		v.Kind = VoiceLogSlog
	}
	if v.Buffer == 0 {
		v.Buffer = DefaultVoiceLogBuffer
	}
	if v.Kind == VoiceLogNATS && v.Subject == "" {
		v.Subject = DefaultNATSSubject
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if p := cfg.Server.StreamPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("server.stream_path %q must start with /", p))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.Mode != "" && !p.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.mode %q is invalid; valid values: local, realtime", p.Mode))
	}
	if p.RecognizerSampleRate < 0 || (p.RecognizerSampleRate > 0 && p.RecognizerSampleRate < 8000) {
		errs = append(errs, fmt.Errorf("pipeline.recognizer_sample_rate %d must be at least 8000", p.RecognizerSampleRate))
	}
	if p.FlushTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.flush_timeout %v must not be negative", p.FlushTimeout))
	}
	if p.StartTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.start_timeout %v must not be negative", p.StartTimeout))
	}
	if p.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size %d must not be negative", p.QueueSize))
	}
	if p.MaxParallelCodec < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_parallel_codec %d must not be negative", p.MaxParallelCodec))
	}
	if p.ReplyTemplate != "" {
		if _, err := template.New("reply").Parse(p.ReplyTemplate); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.reply_template: %w", err))
		}
	}

	// Mode and provider cross-validation
	switch p.Mode {
	case ModeLocal, "":
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, errors.New("pipeline.mode local requires providers.stt"))
		}
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, errors.New("pipeline.mode local requires providers.tts"))
		}
	case ModeRealtime:
		if cfg.Providers.Realtime.Name == "" {
			errs = append(errs, errors.New("pipeline.mode realtime requires providers.realtime"))
		}
		if f := cfg.Providers.Realtime.OptionString("audio_format"); f != "" && f != "pcm16" && f != "g711_ulaw" {
			errs = append(errs, fmt.Errorf("providers.realtime.options.audio_format %q is invalid; valid values: pcm16, g711_ulaw", f))
		}
	}

	// Provider names: unknown ones only warn.
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, e := range cfg.Providers.STTFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", e.Name)
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, e := range cfg.Providers.TTSFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", e.Name)
	}
	validateProviderName("realtime", cfg.Providers.Realtime.Name)

	// Voice log
	v := cfg.VoiceLog
	if v.Kind != "" && !v.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("voice_log.kind %q is invalid; valid values: slog, postgres, sqlite, nats, none", v.Kind))
	}
	if (v.Kind == VoiceLogPostgres || v.Kind == VoiceLogSQLite) && v.DSN == "" {
		errs = append(errs, fmt.Errorf("voice_log.dsn is required when kind is %s", v.Kind))
	}
	if v.Kind == VoiceLogNATS && v.URL == "" {
		errs = append(errs, errors.New("voice_log.url is required when kind is nats"))
	}
	if v.Buffer < 0 {
		errs = append(errs, fmt.Errorf("voice_log.buffer %d must not be negative", v.Buffer))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, possibly a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
