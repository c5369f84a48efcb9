// Package call runs one telephony media stream from connect to hang-up.
//
// An [Orchestrator] is shared by every call. [Orchestrator.Serve] owns one
// transport connection and runs the call's tasks in an errgroup:
//
//   - the inbound reader parses transport events, decodes and resamples audio
//     and hands it to the consumer through a bounded, drop-oldest queue;
//   - in local mode the consumer feeds a per-call recognizer and starts one
//     reply turn per final transcript;
//   - in realtime mode the consumer forwards audio to a backend session and a
//     second task plays back whatever the backend sends.
//
// Every outbound frame is stamped and written under the session's send lock,
// so sequence, chunk and timestamp stay gap-free even when replies overlap.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/internal/reply"
	"github.com/MrWong99/phonebridge/pkg/audio"
	"github.com/MrWong99/phonebridge/pkg/provider/realtime"
	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	"github.com/MrWong99/phonebridge/pkg/transport"
)

var (
	// ErrRecognition wraps a recognizer failure. The turn is skipped and the
	// call continues.
	ErrRecognition = errors.New("call: recognition failed")

	// ErrBackendConnection is returned by Serve when the realtime backend
	// could not be reached or the connection was lost mid-call.
	ErrBackendConnection = errors.New("call: backend connection failed")

	// ErrNoStart is returned by Serve when no start event arrived within
	// Config.StartTimeout.
	ErrNoStart = errors.New("call: no start event")

	// errPeerGone ends the task group when the transport closes.
	errPeerGone = errors.New("call: transport closed")
)

// Mode selects how a call is answered.
type Mode string

const (
	// ModeLocal recognizes speech locally and answers with synthesized text.
	ModeLocal Mode = "local"
	// ModeRealtime relays audio to a realtime speech backend.
	ModeRealtime Mode = "realtime"
)

const (
	defaultFlushTimeout = 2 * time.Second
	defaultStartTimeout = 10 * time.Second
	defaultQueueSize    = 250
)

// VoiceLog receives the human-readable call log. Log must not block.
type VoiceLog interface {
	Log(callID, text string)
}

// Config holds the per-deployment call settings.
type Config struct {
	Mode Mode

	// Language is passed to the recognizer and the synthesizer.
	Language string

	// RecognizerRate is the PCM rate fed to the recognizer. Default 16000.
	RecognizerRate int

	// FlushTimeout bounds how long in-flight replies may keep playing after
	// the stream stops. Default 2s.
	FlushTimeout time.Duration

	// StartTimeout bounds how long a connection may hold a recognizer or
	// backend session before the start event arrives. Default 10s.
	StartTimeout time.Duration

	// QueueSize is the capacity, in 20 ms chunks, of the queue between the
	// reader and the consumer. Default 250.
	QueueSize int

	// MaxParallelCodec bounds concurrent decode/resample work across all
	// calls. Zero means GOMAXPROCS. Ignored when Deps.Codec is set.
	MaxParallelCodec int

	// Realtime configures backend sessions in ModeRealtime.
	Realtime realtime.SessionConfig
}

// Deps are the shared collaborators of an [Orchestrator].
type Deps struct {
	// Model creates one recognizer per call. Required in ModeLocal.
	Model stt.Model
	// Synthesizer renders replies. Required in ModeLocal.
	Synthesizer *reply.Synthesizer
	// Composer builds reply text. Defaults to the built-in template.
	Composer *reply.Composer
	// Bridge connects realtime sessions. Required in ModeRealtime.
	Bridge realtime.Provider
	// VoiceLog receives call log lines. Optional.
	VoiceLog VoiceLog
	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
	// Codec bounds codec work process-wide. Optional.
	Codec *semaphore.Weighted
}

// Orchestrator serves calls. It is safe for concurrent use: each Serve call
// has its own state.
type Orchestrator struct {
	cfg      Config
	model    stt.Model
	synth    *reply.Synthesizer
	composer *reply.Composer
	bridge   realtime.Provider
	vlog     VoiceLog
	metrics  *observe.Metrics
	codec    *semaphore.Weighted
	now      func() time.Time
}

// New validates cfg and deps and returns an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeLocal
	}
	if cfg.RecognizerRate <= 0 {
		cfg.RecognizerRate = audio.RecognizerRate
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Realtime.TranscriptionLanguage == "" {
		cfg.Realtime.TranscriptionLanguage = cfg.Language
	}

	switch cfg.Mode {
	case ModeLocal:
		if deps.Model == nil || deps.Synthesizer == nil {
			return nil, errors.New("call: local mode needs a recognizer model and a synthesizer")
		}
	case ModeRealtime:
		if deps.Bridge == nil {
			return nil, errors.New("call: realtime mode needs a bridge provider")
		}
		if f := cfg.Realtime.InputFormat; f != "" && !f.Valid() {
			return nil, fmt.Errorf("call: unsupported bridge input format %q", f)
		}
		if f := cfg.Realtime.OutputFormat; f != "" && !f.Valid() {
			return nil, fmt.Errorf("call: unsupported bridge output format %q", f)
		}
	default:
		return nil, fmt.Errorf("call: unknown mode %q", cfg.Mode)
	}

	o := &Orchestrator{
		cfg:      cfg,
		model:    deps.Model,
		synth:    deps.Synthesizer,
		composer: deps.Composer,
		bridge:   deps.Bridge,
		vlog:     deps.VoiceLog,
		metrics:  deps.Metrics,
		codec:    deps.Codec,
		now:      time.Now,
	}
	if o.composer == nil {
		c, err := reply.NewComposer("")
		if err != nil {
			return nil, err
		}
		o.composer = c
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.codec == nil {
		n := cfg.MaxParallelCodec
		if n <= 0 {
			n = runtime.GOMAXPROCS(0)
		}
		o.codec = semaphore.NewWeighted(int64(n))
	}
	return o, nil
}

// Mode returns the configured mode.
func (o *Orchestrator) Mode() Mode { return o.cfg.Mode }

// Serve runs one call over conn until the stream stops, the peer hangs up, or
// ctx is cancelled. conn is closed before Serve returns. A normal hang-up
// returns nil.
func (o *Orchestrator) Serve(ctx context.Context, conn transport.Conn) (err error) {
	connID := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "call",
		trace.WithAttributes(attribute.String("call.mode", string(o.cfg.Mode))))
	defer span.End()

	c := &callRun{
		o:       o,
		conn:    conn,
		connID:  connID,
		ctx:     ctx,
		log:     observe.Logger(ctx).With(slog.String("conn_id", connID)),
		queue:   newChunkQueue(o.cfg.QueueSize),
		started: make(chan struct{}),
	}
	c.logLine("connected")
	o.metrics.ActiveCalls.Add(ctx, 1)
	defer o.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)

	defer func() {
		c.teardown(err)
		if err != nil {
			span.RecordError(err)
		}
	}()

	switch o.cfg.Mode {
	case ModeRealtime:
		bs, cerr := o.bridge.Connect(ctx, o.cfg.Realtime)
		if cerr != nil {
			c.logLine("backend connection failed")
			return fmt.Errorf("%w: %w", ErrBackendConnection, cerr)
		}
		c.bridge = bs
		c.logLine("connected to realtime backend")
	default:
		rec, rerr := o.model.NewRecognizer(ctx, stt.Config{SampleRate: o.cfg.RecognizerRate, Language: o.cfg.Language})
		if rerr != nil {
			return fmt.Errorf("%w: %w", ErrRecognition, rerr)
		}
		c.rec = rec
	}

	g, gctx := errgroup.WithContext(ctx)
	workCtx, cancelWork := context.WithCancel(gctx)
	defer cancelWork()
	c.g, c.workCtx, c.cancelWork = g, workCtx, cancelWork
	c.consumed = make(chan struct{})

	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.awaitStart(gctx) })
	if c.bridge != nil {
		g.Go(func() error { defer close(c.consumed); return c.forwardLoop(workCtx) })
		g.Go(func() error { return c.bridgeLoop(gctx) })
	} else {
		g.Go(func() error { defer close(c.consumed); return c.recognizeLoop(workCtx) })
	}

	err = g.Wait()
	if errors.Is(err, errPeerGone) {
		err = nil
	}
	return err
}

// callRun is the state of one Serve invocation.
type callRun struct {
	o      *Orchestrator
	ctx    context.Context
	conn   transport.Conn
	connID string
	log    *slog.Logger

	queue    *chunkQueue
	flight   inflight
	consumed chan struct{}
	// started is closed by the first start event.
	started chan struct{}

	// Owned by the reader goroutine.
	resample *audio.ResampleState
	stopped  bool

	sess   atomicSession
	rec    stt.Recognizer
	bridge realtime.Session

	g          *errgroup.Group
	workCtx    context.Context
	cancelWork context.CancelFunc

	turns int
}

func (c *callRun) callID() string {
	if s := c.sess.Load(); s != nil {
		return s.ID
	}
	return c.connID
}

// logger returns the call-scoped logger once the stream started.
func (c *callRun) logger() *slog.Logger {
	if s := c.sess.Load(); s != nil && s.log != nil {
		return s.log
	}
	return c.log
}

func (c *callRun) logLine(text string) {
	if c.o.vlog != nil {
		c.o.vlog.Log(c.callID(), text)
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func (c *callRun) readLoop(ctx context.Context) error {
	for {
		raw, err := c.conn.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return errPeerGone
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger().Warn("transport read failed", "err", err)
			return errPeerGone
		}

		ev, err := transport.ParseEvent(raw)
		if err != nil {
			c.o.metrics.RecordDrop(ctx, observe.DropDecode)
			c.logger().Debug("dropping undecodable message", "err", err)
			continue
		}

		switch e := ev.(type) {
		case transport.StartEvent:
			c.handleStart(e)
		case transport.MediaEvent:
			c.handleMedia(ctx, e)
		case transport.MarkEvent:
			c.logger().Debug("playback reached mark", "mark", e.Name)
		case transport.StopEvent:
			c.handleStop()
			return nil
		default:
			c.logger().Debug("ignoring transport event", "event", transport.EventName(ev))
		}
	}
}

func (c *callRun) handleStart(e transport.StartEvent) {
	if c.sess.Load() != nil {
		c.logger().Warn("duplicate start event ignored")
		return
	}
	id := e.SessionID()
	if id == "" {
		id = c.connID
	}
	s := newSession(id, e.StreamSID, c.conn, c.o.now())
	s.log = observe.CallLogger(c.ctx, id).With(slog.String("conn_id", c.connID))
	c.sess.Store(s)
	close(c.started)
	c.resample = nil
	if c.rec != nil {
		c.queue.push(chunk{reset: true})
	}
	if e.CallSID != "" {
		c.logLine("stream started, call_sid=" + e.CallSID)
	} else {
		c.logLine("stream started")
	}
	c.logger().Info("stream started", "stream_sid", e.StreamSID)
}

func (c *callRun) handleMedia(ctx context.Context, e transport.MediaEvent) {
	sess := c.sess.Load()
	if sess == nil || sess.State() != Active {
		c.logger().Debug("media outside an active stream dropped")
		return
	}
	c.o.metrics.FramesIn.Add(ctx, 1)

	var data []byte
	if c.bridge != nil && c.bridgeInput() == realtime.FormatG711Ulaw {
		data = e.Payload
	} else {
		rate := c.o.cfg.RecognizerRate
		if c.bridge != nil {
			rate = c.bridgeInput().SampleRate()
		}
		if err := c.o.codec.Acquire(ctx, 1); err != nil {
			return
		}
		pcm, st, err := audio.MulawToPCM(e.Payload, rate, c.resample)
		c.o.codec.Release(1)
		if err != nil {
			c.o.metrics.RecordDrop(ctx, observe.DropCodec)
			c.logger().Debug("dropping frame", "err", err)
			return
		}
		c.resample = st
		data = pcm
	}

	if c.queue.push(chunk{pcm: data}) {
		sess.dropped.Add(1)
		c.o.metrics.RecordDrop(ctx, observe.DropOverflow)
	}
}

// awaitStart ends the call if the stream has not started within
// StartTimeout, so an idle connection does not pin a recognizer or backend
// session.
func (c *callRun) awaitStart(ctx context.Context) error {
	t := time.NewTimer(c.o.cfg.StartTimeout)
	defer t.Stop()
	select {
	case <-c.started:
		return nil
	case <-c.consumed:
		return nil
	case <-ctx.Done():
		return nil
	case <-t.C:
		c.logLine("no start event, closing")
		c.logger().Warn("start event timed out", "timeout", c.o.cfg.StartTimeout)
		return ErrNoStart
	}
}

// handleStop moves the call to Closing and gives in-flight work
// FlushTimeout to finish before cancelling it.
func (c *callRun) handleStop() {
	if c.stopped {
		return
	}
	c.stopped = true
	if s := c.sess.Load(); s != nil {
		s.setState(Closing)
	}
	c.logLine("stopped")

	deadline, cancel := context.WithTimeout(c.workCtx, c.o.cfg.FlushTimeout)
	defer cancel()

	c.queue.close()
	select {
	case <-c.consumed:
	case <-deadline.Done():
	}
	if err := c.flight.wait(deadline); err != nil {
		c.logger().Info("flush timeout reached, cancelling in-flight reply")
	}
	c.cancelWork()
	if c.bridge != nil {
		_ = c.bridge.Close()
	}
}

// teardown releases per-call resources exactly once.
func (c *callRun) teardown(err error) {
	if c.cancelWork != nil {
		c.cancelWork()
	}
	if c.rec != nil {
		if cerr := c.rec.Close(); cerr != nil {
			c.logger().Warn("recognizer close failed", "err", cerr)
		}
	}
	if c.bridge != nil {
		_ = c.bridge.Close()
	}
	if s := c.sess.Load(); s != nil {
		s.setState(Closed)
	}
	reason := "call ended"
	if err != nil {
		reason = "internal error"
		c.logger().Warn("call ended with error", "err", err)
	}
	_ = c.conn.Close(reason)
	c.logLine("disconnected")
	c.logger().Info("call finished")
}

// ── Local recognition ─────────────────────────────────────────────────────────

func (c *callRun) recognizeLoop(ctx context.Context) error {
	for {
		item, ok := c.queue.pop(ctx)
		if !ok {
			return nil
		}
		if item.reset {
			c.rec.Reset()
			continue
		}

		start := time.Now()
		res, err := c.rec.Accept(ctx, item.pcm)
		c.o.metrics.RecognitionDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			err = fmt.Errorf("%w: %w", ErrRecognition, err)
			c.o.metrics.RecordProviderError(ctx, "stt", "accept")
			c.logger().Warn("recognition failed", "err", err)
			c.logLine("STT error: " + err.Error())
			continue
		}

		switch res.Kind {
		case stt.Partial:
			c.o.metrics.RecordRecognition(ctx, res.Kind.String())
			c.logLine("Partial: " + res.Text)
		case stt.Final:
			c.o.metrics.RecordRecognition(ctx, res.Kind.String())
			c.logLine("User: " + res.Text)
			c.startTurn(res.Text)
		}
	}
}

// startTurn launches exactly one reply for a final transcript.
func (c *callRun) startTurn(text string) {
	sess := c.sess.Load()
	if sess == nil {
		return
	}
	c.turns++
	turn := reply.Turn{Text: text, CallID: sess.ID, Index: c.turns}
	c.flight.add()
	c.g.Go(func() error {
		defer c.flight.done()
		c.runTurn(c.workCtx, sess, turn)
		return nil
	})
}

func (c *callRun) runTurn(ctx context.Context, sess *Session, turn reply.Turn) {
	ctx, span := observe.StartSpan(ctx, "call.turn",
		trace.WithAttributes(attribute.Int("turn.index", turn.Index)))
	defer span.End()

	text, err := c.o.composer.Compose(turn)
	if err != nil {
		c.logger().Warn("reply template failed", "err", err)
		return
	}

	start := time.Now()
	frames, err := c.o.synth.Synthesize(ctx, text)
	c.o.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			c.o.metrics.RecordProviderError(ctx, "tts", "synthesize")
			c.logger().Warn("synthesis failed", "err", err)
			c.logLine("TTS error: " + err.Error())
		}
		return
	}
	if len(frames) == 0 {
		return
	}

	unlock, err := sess.lockReply(ctx)
	if err != nil {
		c.logger().Info("reply dropped before playback", "err", err)
		return
	}
	defer unlock()

	n, err := sess.sendFrames(ctx, frames)
	c.o.metrics.FramesOut.Add(ctx, int64(n))
	if err != nil {
		c.logger().Info("reply cut short", "sent", n, "total", len(frames), "err", err)
		return
	}
	c.logLine("Reply: " + text)
	c.sendMark(ctx, sess, fmt.Sprintf("reply-%d", turn.Index))
}

func (c *callRun) sendMark(ctx context.Context, sess *Session, name string) {
	msg, err := transport.BuildMark(sess.StreamSID, name)
	if err != nil {
		return
	}
	if err := sess.sendControl(ctx, msg); err != nil {
		c.logger().Debug("mark not sent", "err", err)
	}
}
