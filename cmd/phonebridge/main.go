// Command phonebridge is the main entry point for the phonebridge telephony
// media-stream server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/phonebridge/internal/app"
	"github.com/MrWong99/phonebridge/internal/config"
	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/internal/resilience"
	"github.com/MrWong99/phonebridge/pkg/provider/realtime"
	oairealtime "github.com/MrWong99/phonebridge/pkg/provider/realtime/openai"
	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	"github.com/MrWong99/phonebridge/pkg/provider/stt/deepgram"
	"github.com/MrWong99/phonebridge/pkg/provider/stt/vosk"
	"github.com/MrWong99/phonebridge/pkg/provider/stt/whisper"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
	"github.com/MrWong99/phonebridge/pkg/provider/tts/coqui"
	"github.com/MrWong99/phonebridge/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/phonebridge/pkg/provider/tts/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// startupPingTimeout bounds the recognizer reachability check at startup.
const startupPingTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch", config.DefaultWatchInterval, "config file poll interval; SIGHUP reloads immediately")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "phonebridge: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "phonebridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("phonebridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"mode", cfg.Pipeline.Mode,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// A recognizer that cannot be reached is fatal before we ever listen.
	if err := checkRecognizer(ctx, cfg, providers.STT); err != nil {
		slog.Error("recognizer unavailable", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLevelVar(&level),
		app.WithMetricsHandler(tel.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Live reload ───────────────────────────────────────────────────────────
	w, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		application.ApplyConfig(next)
	}, config.WithInterval(*watchInterval))
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer w.Stop()
		go reloadOnHangup(ctx, w)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping", "active_calls", application.Calls().Len())
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup reloads the config file whenever the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Warn("config reload rejected", "err", err)
				continue
			}
			slog.Info("config reload requested", "changed", changed)
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Model, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path")
		}
		opts, err := whisperOptions(entry)
		if err != nil {
			return nil, err
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Model, error) {
		opts, err := whisperOptions(entry)
		if err != nil {
			return nil, err
		}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.NewServer(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("vosk", func(entry config.ProviderEntry) (stt.Model, error) {
		var opts []vosk.Option
		if rate, ok := entry.OptionInt("sample_rate"); ok {
			opts = append(opts, vosk.WithSampleRate(rate))
		}
		if d, err := entry.OptionDuration("dial_timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, vosk.WithDialTimeout(d))
		}
		if words, ok := entry.Options["words"].(bool); ok {
			opts = append(opts, vosk.WithWords(words))
		}
		return vosk.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Model, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.Model != "" {
			opts = append(opts, oaitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if voice := entry.OptionString("voice"); voice != "" {
			opts = append(opts, oaitts.WithVoice(voice))
		}
		if s := entry.OptionString("instructions"); s != "" {
			opts = append(opts, oaitts.WithInstructions(s))
		}
		if speed, ok := entry.OptionFloat("speed"); ok {
			opts = append(opts, oaitts.WithSpeed(speed))
		}
		if d, err := entry.OptionDuration("timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, oaitts.WithTimeout(d))
		}
		return oaitts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if voice := entry.OptionString("voice"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		if outputFmt := entry.OptionString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if mode := entry.OptionString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if speaker := entry.OptionString("speaker"); speaker != "" {
			opts = append(opts, coqui.WithSpeaker(speaker))
		}
		if d, err := entry.OptionDuration("timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Realtime ──────────────────────────────────────────────────────────────

	reg.RegisterRealtime("openai-realtime", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []oairealtime.Option
		if entry.Model != "" {
			opts = append(opts, oairealtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oairealtime.WithBaseURL(entry.BaseURL))
		}
		return oairealtime.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"stt", "tts", "realtime"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// whisperOptions maps the shared endpointing options of both whisper models.
func whisperOptions(entry config.ProviderEntry) ([]whisper.Option, error) {
	var opts []whisper.Option
	if lang := entry.OptionString("language"); lang != "" {
		opts = append(opts, whisper.WithLanguage(lang))
	}
	if d, err := entry.OptionDuration("silence"); err != nil {
		return nil, err
	} else if d > 0 {
		opts = append(opts, whisper.WithSilenceThreshold(d))
	}
	if d, err := entry.OptionDuration("max_utterance"); err != nil {
		return nil, err
	} else if d > 0 {
		opts = append(opts, whisper.WithMaxUtterance(d))
	}
	if v, ok := entry.OptionFloat("rms_threshold"); ok {
		opts = append(opts, whisper.WithRMSThreshold(v))
	}
	return opts, nil
}

// buildProviders instantiates the providers the configured mode needs and
// returns them in an [app.Providers] struct for the application to consume.
// Fallback entries are chained behind the primary with per-entry circuit
// breakers.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	fb := resilience.FallbackConfig{}

	if cfg.Pipeline.Mode == config.ModeRealtime {
		p, err := reg.CreateRealtime(cfg.Providers.Realtime)
		if err != nil {
			return nil, fmt.Errorf("create realtime provider %q: %w", cfg.Providers.Realtime.Name, err)
		}
		slog.Info("provider created", "kind", "realtime", "name", cfg.Providers.Realtime.Name)
		ps.Realtime = p
		return ps, nil
	}

	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	ps.STT = primary
	if len(cfg.Providers.STTFallbacks) > 0 {
		chain := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, fb)
		for _, e := range cfg.Providers.STTFallbacks {
			m, err := reg.CreateSTT(e)
			if err != nil {
				chain.Close()
				return nil, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
			}
			chain.AddFallback(e.Name, m)
			slog.Info("provider created", "kind", "stt", "name", e.Name, "fallback", true)
		}
		ps.STT = chain
	}

	tp, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		ps.STT.Close()
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)
	ps.TTS = tp
	if len(cfg.Providers.TTSFallbacks) > 0 {
		chain := resilience.NewTTSFallback(tp, cfg.Providers.TTS.Name, fb)
		for _, e := range cfg.Providers.TTSFallbacks {
			p, err := reg.CreateTTS(e)
			if err != nil {
				ps.STT.Close()
				return nil, fmt.Errorf("create tts fallback %q: %w", e.Name, err)
			}
			chain.AddFallback(e.Name, p)
			slog.Info("provider created", "kind", "tts", "name", e.Name, "fallback", true)
		}
		ps.TTS = chain
	}
	return ps, nil
}

// checkRecognizer pings remote recognizer models once before listening.
// In-process models already failed in their constructor if unusable.
func checkRecognizer(ctx context.Context, cfg *config.Config, m stt.Model) error {
	if cfg.Pipeline.Mode == config.ModeRealtime || m == nil {
		return nil
	}
	p, ok := m.(stt.Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		m.Close()
		if !errors.Is(err, stt.ErrModelUnavailable) {
			err = fmt.Errorf("%w: %w", stt.ErrModelUnavailable, err)
		}
		return err
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      phonebridge startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  %-12s    : %-19s ║\n", "Mode", string(cfg.Pipeline.Mode))
	if cfg.Pipeline.Mode == config.ModeRealtime {
		printProvider("Realtime", cfg.Providers.Realtime.Name, cfg.Providers.Realtime.Model)
	} else {
		printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
		printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
		fmt.Printf("║  %-12s    : %-19d ║\n", "Fallbacks", len(cfg.Providers.STTFallbacks)+len(cfg.Providers.TTSFallbacks))
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", "Language", cfg.Pipeline.Language)
	fmt.Printf("║  %-12s    : %-19s ║\n", "Voice log", string(cfg.VoiceLog.Kind))
	fmt.Printf("║  %-12s    : %-19s ║\n", "Listen addr", truncate(cfg.Server.ListenAddr))
	fmt.Printf("║  %-12s    : %-19s ║\n", "Stream path", truncate(cfg.Server.StreamPath))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, truncate(value))
}

func truncate(s string) string {
	if len(s) > 19 {
		return s[:16] + "..."
	}
	return s
}
