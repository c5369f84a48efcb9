// Package config provides the configuration schema, loader, and provider registry
// for the phonebridge server.
package config

import (
	"fmt"
	"time"
)

// LogLevel controls log verbosity for the phonebridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects how calls are answered.
type Mode string

const (
	// ModeLocal runs a recognizer per call and answers with synthesized text.
	ModeLocal Mode = "local"

	// ModeRealtime relays call audio to a realtime speech backend.
	ModeRealtime Mode = "realtime"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeLocal || m == ModeRealtime
}

// VoiceLogKind selects where the human-readable call log is written.
type VoiceLogKind string

const (
	VoiceLogSlog     VoiceLogKind = "slog"
	VoiceLogPostgres VoiceLogKind = "postgres"
	VoiceLogSQLite   VoiceLogKind = "sqlite"
	VoiceLogNATS     VoiceLogKind = "nats"
	VoiceLogNone     VoiceLogKind = "none"
)

// IsValid reports whether k is a recognised voice log kind.
func (k VoiceLogKind) IsValid() bool {
	switch k {
	case VoiceLogSlog, VoiceLogPostgres, VoiceLogSQLite, VoiceLogNATS, VoiceLogNone:
		return true
	}
	return false
}

// Config is the root configuration structure for phonebridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
	VoiceLog  VoiceLogConfig  `yaml:"voice_log"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":9500").
	ListenAddr string `yaml:"listen_addr"`

	// StreamPath is the HTTP path that upgrades to the media stream WebSocket.
	StreamPath string `yaml:"stream_path"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown, including active calls.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// PipelineConfig holds the per-call processing settings.
type PipelineConfig struct {
	Mode Mode `yaml:"mode"`

	// Language is the BCP-47 tag used for recognition and synthesis.
	Language string `yaml:"language"`

	// RecognizerSampleRate is the PCM rate fed to the recognizer.
	RecognizerSampleRate int `yaml:"recognizer_sample_rate"`

	// ReplyTemplate is a text/template rendered with the caller's words as
	// {{.Text}}. It can be changed without a restart.
	ReplyTemplate string `yaml:"reply_template"`

	// FlushTimeout bounds how long replies keep playing after stop.
	FlushTimeout time.Duration `yaml:"flush_timeout"`

	// StartTimeout bounds how long a connection may stay open without a
	// start event before it is dropped.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// QueueSize is the inbound queue capacity in 20 ms chunks.
	QueueSize int `yaml:"queue_size"`

	// MaxParallelCodec bounds concurrent codec work. 0 means GOMAXPROCS.
	MaxParallelCodec int `yaml:"max_parallel_codec"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
	Realtime     ProviderEntry   `yaml:"realtime"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "vosk", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. For server-backed
	// recognizers it is the server address.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider. For whisper-native
	// it is the path of the model file.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] if it is a string, else "".
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptionFloat returns Options[key] as a float64. YAML integers are accepted.
func (e ProviderEntry) OptionFloat(key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// OptionInt returns Options[key] as an int.
func (e ProviderEntry) OptionInt(key string) (int, bool) {
	switch v := e.Options[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// OptionDuration parses Options[key] as a duration string ("300ms").
func (e ProviderEntry) OptionDuration(key string) (time.Duration, error) {
	s := e.OptionString(key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: option %s: %w", key, err)
	}
	return d, nil
}

// VoiceLogConfig selects the voice log sink.
type VoiceLogConfig struct {
	Kind VoiceLogKind `yaml:"kind"`

	// DSN is the postgres connection string or the sqlite file path.
	DSN string `yaml:"dsn"`

	// URL is the NATS server address.
	URL string `yaml:"url"`

	// Subject is the NATS subject lines are published on.
	Subject string `yaml:"subject"`

	// Buffer is the number of lines held before new ones are dropped.
	Buffer int `yaml:"buffer"`
}
