// Package app wires the phonebridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the voice log, the reply
// pipeline and the call orchestrator from config, Run serves the media stream
// WebSocket together with the health and metrics endpoints, and Shutdown
// drains live calls before tearing everything down in order.
//
// For testing, inject doubles via functional options (WithVoiceLogSink,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/phonebridge/internal/call"
	"github.com/MrWong99/phonebridge/internal/config"
	"github.com/MrWong99/phonebridge/internal/health"
	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/internal/reply"
	"github.com/MrWong99/phonebridge/internal/voicelog"
	"github.com/MrWong99/phonebridge/pkg/provider/realtime"
	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
	"github.com/MrWong99/phonebridge/pkg/transport"
)

// callDrainGrace is how long cancelled calls get to hang up once the
// shutdown deadline has passed.
const callDrainGrace = 2 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT      stt.Model
	TTS      tts.Provider
	Realtime realtime.Provider
}

// App owns all subsystem lifetimes and serves calls.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	sink           voicelog.Sink
	vlog           *voicelog.Logger
	composer       *reply.Composer
	orch           *call.Orchestrator
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	calls          *CallTracker
	handler        http.Handler

	mu  sync.Mutex
	srv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithVoiceLogSink injects a voice log sink instead of opening the one named
// in config.
func WithVoiceLogSink(s voicelog.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithMetrics injects the metric instruments. Defaults to
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets [App.ApplyConfig] change the log level of the handler
// that lv controls.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		calls:     NewCallTracker(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Voice log ─────────────────────────────────────────────────────
	if err := a.initVoiceLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init voice log: %w", err)
	}

	// ── 2. Call orchestrator ─────────────────────────────────────────────
	if err := a.initOrchestrator(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}

	// ── 3. Health ────────────────────────────────────────────────────────
	a.initHealth()

	// ── 4. HTTP routes ───────────────────────────────────────────────────
	a.initRoutes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initVoiceLog opens the configured sink unless one was injected and starts
// the asynchronous logger in front of it.
func (a *App) initVoiceLog(ctx context.Context) error {
	if a.sink == nil {
		s, err := openSink(ctx, a.cfg.VoiceLog)
		if err != nil {
			return err
		}
		a.sink = s
	}

	dropped := a.metrics.VoiceLogDropped
	a.vlog = voicelog.New(a.sink,
		voicelog.WithBuffer(a.cfg.VoiceLog.Buffer),
		voicelog.WithOnDrop(func() { dropped.Add(context.Background(), 1) }),
	)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.vlog.Close(ctx)
	})
	return nil
}

// openSink connects the voice log sink named by cfg.Kind.
func openSink(ctx context.Context, cfg config.VoiceLogConfig) (voicelog.Sink, error) {
	switch cfg.Kind {
	case config.VoiceLogPostgres:
		return voicelog.OpenPostgres(ctx, cfg.DSN)
	case config.VoiceLogSQLite:
		return voicelog.OpenSQLite(ctx, cfg.DSN)
	case config.VoiceLogNATS:
		return voicelog.ConnectNATS(cfg.URL, cfg.Subject)
	case config.VoiceLogNone:
		return voicelog.Discard{}, nil
	case config.VoiceLogSlog, "":
		return voicelog.NewSlogSink(slog.Default()), nil
	default:
		return nil, fmt.Errorf("unknown voice log kind %q", cfg.Kind)
	}
}

// initOrchestrator builds the reply pipeline and the call orchestrator for
// the configured mode.
func (a *App) initOrchestrator() error {
	p := a.cfg.Pipeline

	composer, err := reply.NewComposer(p.ReplyTemplate)
	if err != nil {
		return err
	}
	a.composer = composer

	deps := call.Deps{
		Model:    a.providers.STT,
		Composer: composer,
		Bridge:   a.providers.Realtime,
		VoiceLog: a.vlog,
		Metrics:  a.metrics,
	}
	if p.MaxParallelCodec > 0 {
		deps.Codec = semaphore.NewWeighted(int64(p.MaxParallelCodec))
	}
	if a.providers.TTS != nil {
		deps.Synthesizer = reply.NewSynthesizer(a.providers.TTS, p.Language)
	}

	mode := call.ModeLocal
	if p.Mode == config.ModeRealtime {
		mode = call.ModeRealtime
	}

	orch, err := call.New(call.Config{
		Mode:             mode,
		Language:         p.Language,
		RecognizerRate:   p.RecognizerSampleRate,
		FlushTimeout:     p.FlushTimeout,
		StartTimeout:     p.StartTimeout,
		QueueSize:        p.QueueSize,
		MaxParallelCodec: p.MaxParallelCodec,
		Realtime:         RealtimeSessionConfig(a.cfg),
	}, deps)
	if err != nil {
		return err
	}
	a.orch = orch

	if m := a.providers.STT; m != nil {
		a.closers = append(a.closers, m.Close)
	}
	return nil
}

// RealtimeSessionConfig derives the backend session settings from the
// realtime provider entry.
func RealtimeSessionConfig(cfg *config.Config) realtime.SessionConfig {
	e := cfg.Providers.Realtime
	format := realtime.FormatG711Ulaw
	if f := e.OptionString("audio_format"); f != "" {
		format = realtime.AudioFormat(f)
	}

	sc := realtime.SessionConfig{
		Instructions:          e.OptionString("instructions"),
		Voice:                 e.OptionString("voice"),
		InputFormat:           format,
		OutputFormat:          format,
		TranscriptionLanguage: cfg.Pipeline.Language,
	}
	if n, ok := e.OptionInt("max_output_tokens"); ok {
		sc.MaxOutputTokens = n
	}

	td := realtime.DefaultTurnDetection()
	if v, ok := e.OptionFloat("vad_threshold"); ok {
		td.Threshold = v
	}
	if d, err := e.OptionDuration("silence_duration"); err == nil && d > 0 {
		td.SilenceDuration = d
	}
	if d, err := e.OptionDuration("prefix_padding"); err == nil && d > 0 {
		td.PrefixPadding = d
	}
	sc.TurnDetection = &td
	return sc
}

// initHealth registers readiness checks for whatever the mode depends on.
func (a *App) initHealth() {
	var checks []health.Checker
	if a.cfg.Pipeline.Mode != config.ModeRealtime && a.providers.STT != nil {
		checks = append(checks, health.ModelCheck(a.providers.STT))
	}
	if p, ok := a.sink.(voicelog.Pinger); ok {
		checks = append(checks, health.PingCheck("voice_log", p))
	}
	a.health = health.New(checks...)
}

// initRoutes builds the HTTP handler tree.
func (a *App) initRoutes() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+a.cfg.Server.StreamPath, a.handleStream)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Serving ─────────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler: the media stream endpoint plus the
// health and metrics routes.
func (a *App) Handler() http.Handler { return a.handler }

// Calls returns the tracker of live calls.
func (a *App) Calls() *CallTracker { return a.calls }

// handleStream upgrades the request to a WebSocket and serves one call on it.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx, info, done, ok := a.calls.Begin(r.Context(), r.RemoteAddr)
	if !ok {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer done()

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	log := slog.With("conn", info.ID, "remote", info.RemoteAddr)
	log.Debug("media stream accepted", "active", a.calls.Len())

	err = a.orch.Serve(ctx, transport.NewWebSocketConn(ws))
	if errors.Is(err, call.ErrNoStart) {
		log.Info("media stream closed before it started", "after", time.Since(info.StartedAt))
		return
	}
	if err != nil {
		a.metrics.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
			observe.Attr("provider", string(a.orch.Mode())),
			observe.Attr("kind", callErrorKind(err)),
		))
		log.Warn("call ended with error", "err", err)
		return
	}
	log.Debug("media stream closed", "duration", time.Since(info.StartedAt))
}

// callErrorKind labels a call failure for the provider error counter.
func callErrorKind(err error) string {
	switch {
	case errors.Is(err, call.ErrBackendConnection):
		return "backend_connection"
	case errors.Is(err, call.ErrRecognition):
		return "recognition"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}

// Run listens on the configured address and serves until ctx is cancelled or
// the server fails. When ctx is done, Run returns context.Canceled (or the
// underlying cause); call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.srv = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("app running",
		"addr", ln.Addr().String(),
		"stream_path", a.cfg.Server.StreamPath,
		"mode", a.cfg.Pipeline.Mode,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Live reconfiguration ────────────────────────────────────────────────────

// ApplyConfig applies the settings of next that can change at runtime and
// returns the diff against the active config. Fields that need a restart are
// logged and otherwise ignored.
func (a *App) ApplyConfig(next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, next)
	applied := *a.cfg

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(SlogLevel(d.NewLogLevel))
		}
		applied.Server.LogLevel = d.NewLogLevel
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ReplyTemplateChanged {
		if err := a.composer.SetTemplate(d.NewReplyTemplate); err != nil {
			slog.Warn("reply template rejected, keeping previous", "err", err)
		} else {
			applied.Pipeline.ReplyTemplate = d.NewReplyTemplate
			slog.Info("reply template changed")
		}
	}
	for _, field := range d.RestartRequired {
		slog.Warn("config change requires a restart", "field", field)
	}

	a.cfg = &applied
	return d
}

// SlogLevel maps a config level onto slog.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting calls, waits for live calls to finish until ctx
// expires, cancels the rest, and then runs the closers in order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.calls.Len(), "closers", len(a.closers))

		a.health.SetDraining(true)
		a.calls.Close()

		a.mu.Lock()
		srv := a.srv
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		// Hijacked WebSockets are invisible to http.Server.Shutdown.
		if err := a.calls.Wait(ctx); err != nil {
			slog.Warn("shutdown deadline exceeded, cancelling calls", "remaining", a.calls.Len())
			a.calls.CancelAll()
			graceCtx, cancel := context.WithTimeout(context.Background(), callDrainGrace)
			_ = a.calls.Wait(graceCtx)
			cancel()
			shutdownErr = err
		}

		if err := a.closeAll(); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs every closer and joins their errors.
func (a *App) closeAll() error {
	var errs []error
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
