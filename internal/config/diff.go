package config

import "fmt"

// ConfigDiff describes what changed between two configs.
// Only LogLevel and ReplyTemplate are applied live; every other change is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ReplyTemplateChanged bool
	NewReplyTemplate     string

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ReplyTemplateChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Pipeline.ReplyTemplate != new.Pipeline.ReplyTemplate {
		d.ReplyTemplateChanged = true
		d.NewReplyTemplate = new.Pipeline.ReplyTemplate
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !sameServer(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	oldPipe, newPipe := old.Pipeline, new.Pipeline
	oldPipe.ReplyTemplate, newPipe.ReplyTemplate = "", ""
	if oldPipe != newPipe {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}

	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.VoiceLog != new.VoiceLog {
		d.RestartRequired = append(d.RestartRequired, "voice_log")
	}
	return d
}

func sameServer(a, b ServerConfig) bool {
	ta, tb := a.TLS, b.TLS
	a.TLS, b.TLS = nil, nil
	if a != b {
		return false
	}
	if ta == nil || tb == nil {
		return ta == tb
	}
	return *ta == *tb
}

func sameProviders(a, b ProvidersConfig) bool {
	if !sameEntry(a.STT, b.STT) || !sameEntry(a.TTS, b.TTS) || !sameEntry(a.Realtime, b.Realtime) {
		return false
	}
	return sameEntries(a.STTFallbacks, b.STTFallbacks) && sameEntries(a.TTSFallbacks, b.TTSFallbacks)
}

func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameEntry(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, va := range a.Options {
		vb, ok := b.Options[k]
		if !ok || fmt.Sprint(va) != fmt.Sprint(vb) {
			return false
		}
	}
	return true
}
