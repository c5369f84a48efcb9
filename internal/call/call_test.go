package call

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/internal/reply"
	"github.com/MrWong99/phonebridge/pkg/audio"
	"github.com/MrWong99/phonebridge/pkg/provider/realtime"
	rtmock "github.com/MrWong99/phonebridge/pkg/provider/realtime/mock"
	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	sttmock "github.com/MrWong99/phonebridge/pkg/provider/stt/mock"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
	ttsmock "github.com/MrWong99/phonebridge/pkg/provider/tts/mock"
	"github.com/MrWong99/phonebridge/pkg/transport"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

// fakeConn is an in-memory transport.Conn. Tests push inbound messages with
// send and end the stream with hangUp.
type fakeConn struct {
	in     chan []byte
	gone   chan struct{}
	goneMu sync.Once

	mu      sync.Mutex
	out     [][]byte
	closes  int
	delay   time.Duration
	written chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 512),
		gone:    make(chan struct{}),
		written: make(chan struct{}, 1024),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.gone:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteMessage(_ context.Context, msg []byte) error {
	c.mu.Lock()
	delay := c.delay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	c.mu.Lock()
	c.out = append(c.out, append([]byte(nil), msg...))
	c.mu.Unlock()
	select {
	case c.written <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) Close(string) error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.hangUp()
	return nil
}

func (c *fakeConn) send(msg string) { c.in <- []byte(msg) }

// slowWrites makes every write take d, widening the window in which
// concurrent writers could interleave.
func (c *fakeConn) slowWrites(d time.Duration) {
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
}

func (c *fakeConn) hangUp() { c.goneMu.Do(func() { close(c.gone) }) }

// outbound is the decoded shape of messages the bridge writes.
type outbound struct {
	Event          string `json:"event"`
	StreamSID      string `json:"streamSid"`
	SequenceNumber string `json:"sequenceNumber"`
	Media          struct {
		Payload   string `json:"payload"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
	} `json:"media"`
	Mark struct {
		Name string `json:"name"`
	} `json:"mark"`
}

func (c *fakeConn) messages(t *testing.T) []outbound {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]outbound, 0, len(c.out))
	for _, raw := range c.out {
		var m outbound
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("outbound message is not JSON: %s", raw)
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, raw := range c.out {
		if strings.Contains(string(raw), `"event":"`+event+`"`) {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// recordingLog is a VoiceLog that keeps every line.
type recordingLog struct {
	mu    sync.Mutex
	lines []string
	ids   []string
}

func (l *recordingLog) Log(callID, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, text)
	l.ids = append(l.ids, callID)
}

func (l *recordingLog) count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

func (l *recordingLog) has(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// ── Message builders ──────────────────────────────────────────────────────────

const streamSID = "MZ00000000000000000000000000000001"

func startMsg() string {
	return `{"event":"start","streamSid":"` + streamSID + `","start":{"streamSid":"` + streamSID + `","callSid":"CA1"}}`
}

func mediaMsg(payload []byte) string {
	return `{"event":"media","streamSid":"` + streamSID + `","media":{"track":"inbound","payload":"` +
		base64.StdEncoding.EncodeToString(payload) + `"}}`
}

const stopMsg = `{"event":"stop","streamSid":"` + streamSID + `"}`

func silenceFrame() []byte {
	f := make([]byte, 160)
	for i := range f {
		f[i] = 0xFF
	}
	return f
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

type localHarness struct {
	orch *Orchestrator
	rec  *sttmock.Recognizer
	tts  *ttsmock.Provider
	vlog *recordingLog
	conn *fakeConn
	done chan error
}

func newLocal(t *testing.T, rec *sttmock.Recognizer, synth *ttsmock.Provider, cfg Config) *localHarness {
	t.Helper()
	if cfg.Language == "" {
		cfg.Language = "hi"
	}
	vlog := &recordingLog{}
	o, err := New(cfg, Deps{
		Model:       &sttmock.Model{Recognizer: rec},
		Synthesizer: reply.NewSynthesizer(synth, cfg.Language),
		VoiceLog:    vlog,
		Metrics:     testMetrics(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &localHarness{orch: o, rec: rec, tts: synth, vlog: vlog, conn: newFakeConn(), done: make(chan error, 1)}
	go func() { h.done <- o.Serve(context.Background(), h.conn) }()
	return h
}

func (h *localHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

// replyAudio is 200 ms of a quiet tone at 16 kHz, which renders to exactly
// ten 20 ms telephony frames.
func replyAudio() tts.Audio {
	pcm := make([]byte, 6400)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = byte(i)
	}
	return tts.Audio{PCM: pcm, SampleRate: 16000}
}

// ── Local mode ────────────────────────────────────────────────────────────────

func TestServe_SilenceProducesNoOutput(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{}
	synth := &ttsmock.Provider{Audio: replyAudio()}
	h := newLocal(t, rec, synth, Config{})

	h.conn.send(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	h.conn.send(startMsg())
	for range 40 {
		h.conn.send(mediaMsg(silenceFrame()))
	}
	h.conn.send(stopMsg)

	if err := h.wait(t); err != nil {
		t.Fatalf("Serve = %v", err)
	}
	if n := rec.AcceptCallCount(); n != 40 {
		t.Errorf("Accept calls = %d, want 40", n)
	}
	for i, c := range rec.Chunks {
		// 20 ms at 16 kHz. The first chunk has no history to interpolate from.
		if len(c) < 630 || len(c) > 640 || len(c)%2 != 0 {
			t.Fatalf("chunk %d has %d bytes", i, len(c))
		}
	}
	if rec.Resets() != 1 {
		t.Errorf("Reset calls = %d, want 1", rec.Resets())
	}
	if synth.CallCount() != 0 {
		t.Errorf("synthesis calls = %d, want 0", synth.CallCount())
	}
	if n := h.conn.count("media"); n != 0 {
		t.Errorf("outbound media = %d, want 0", n)
	}
	if rec.Closes() != 1 {
		t.Errorf("recognizer closed %d times, want 1", rec.Closes())
	}
	for _, want := range []string{"connected", "stream started", "stopped", "disconnected"} {
		if !h.vlog.has(want) {
			t.Errorf("voice log missing %q: %q", want, h.vlog.lines)
		}
	}
}

func TestServe_FinalTriggersExactlyOneReply(t *testing.T) {
	t.Parallel()
	script := make([]stt.Result, 12)
	script[9] = stt.PartialText("बा")
	script[10] = stt.FinalText("बारह")
	rec := &sttmock.Recognizer{Script: script}
	synth := &ttsmock.Provider{Audio: replyAudio()}
	h := newLocal(t, rec, synth, Config{})

	h.conn.send(startMsg())
	for range 12 {
		h.conn.send(mediaMsg(silenceFrame()))
	}
	waitFor(t, "reply mark", func() bool { return h.conn.count("mark") == 1 })
	h.conn.send(stopMsg)
	if err := h.wait(t); err != nil {
		t.Fatalf("Serve = %v", err)
	}

	if synth.CallCount() != 1 {
		t.Fatalf("synthesis calls = %d, want 1", synth.CallCount())
	}
	if got := synth.Texts()[0]; got != "आपने कहा: बारह" {
		t.Errorf("synthesized text = %q", got)
	}
	if synth.Calls[0].Language != "hi" {
		t.Errorf("language = %q, want hi", synth.Calls[0].Language)
	}

	msgs := h.conn.messages(t)
	var media []outbound
	for _, m := range msgs {
		if m.Event == "media" {
			media = append(media, m)
		}
	}
	if len(media) != 10 {
		t.Fatalf("outbound media = %d, want 10", len(media))
	}
	for i, m := range media {
		want := strconv.Itoa(i + 1)
		if m.SequenceNumber != want || m.Media.Chunk != want {
			t.Errorf("frame %d: sequence=%s chunk=%s, want %s", i, m.SequenceNumber, m.Media.Chunk, want)
		}
		if m.Media.Timestamp != strconv.Itoa(i*20) {
			t.Errorf("frame %d: timestamp=%s, want %d", i, m.Media.Timestamp, i*20)
		}
		if m.StreamSID != streamSID {
			t.Errorf("frame %d: streamSid=%q", i, m.StreamSID)
		}
		payload, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		if err != nil || len(payload) != 160 {
			t.Errorf("frame %d: payload %d bytes, %v", i, len(payload), err)
		}
	}
	if last := msgs[len(msgs)-1]; last.Event != "mark" || last.Mark.Name != "reply-1" {
		t.Errorf("last message = %+v, want mark reply-1", last)
	}
	for _, want := range []string{"Partial: बा", "User: बारह", "Reply: आपने कहा: बारह"} {
		if !h.vlog.has(want) {
			t.Errorf("voice log missing %q", want)
		}
	}
}

func TestServe_PartialNeverSynthesizes(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Match: func([]byte) stt.Result { return stt.PartialText("बारह") }}
	synth := &ttsmock.Provider{Audio: replyAudio()}
	h := newLocal(t, rec, synth, Config{})

	h.conn.send(startMsg())
	for range 20 {
		h.conn.send(mediaMsg(silenceFrame()))
	}
	h.conn.send(stopMsg)
	if err := h.wait(t); err != nil {
		t.Fatal(err)
	}
	if synth.CallCount() != 0 {
		t.Errorf("synthesis calls = %d, want 0", synth.CallCount())
	}
	if h.conn.count("media") != 0 {
		t.Error("partial results must not produce audio")
	}
}

func TestServe_MalformedFramesAreSkipped(t *testing.T) {
	t.Parallel()
	// Only the valid frame after the malformed ones carries the utterance.
	rec := &sttmock.Recognizer{Script: []stt.Result{stt.None(), stt.FinalText("बारह")}}
	synth := &ttsmock.Provider{Audio: replyAudio()}
	h := newLocal(t, rec, synth, Config{})

	h.conn.send(startMsg())
	h.conn.send(mediaMsg(silenceFrame()))
	h.conn.send(`{"event":"media","media":{"payload":"@@@not base64@@@"}}`)
	h.conn.send(`{"event":"media"`)
	h.conn.send(`{"event":"media","media":{"payload":""}}`)
	h.conn.send(mediaMsg(silenceFrame()))
	waitFor(t, "reply mark", func() bool { return h.conn.count("mark") == 1 })
	h.conn.send(stopMsg)

	if err := h.wait(t); err != nil {
		t.Fatalf("Serve = %v", err)
	}
	if n := rec.AcceptCallCount(); n != 2 {
		t.Errorf("Accept calls = %d, want 2", n)
	}
	if n := synth.CallCount(); n != 1 {
		t.Errorf("synthesis calls = %d, want 1", n)
	}
	if n := h.vlog.count("User: "); n != 1 {
		t.Errorf("User lines = %d, want 1: %q", n, h.vlog.lines)
	}
	if !h.vlog.has("User: बारह") {
		t.Errorf("voice log missing the recognized text: %q", h.vlog.lines)
	}
}

func TestServe_ConnectionWithoutStartIsDropped(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{}
	h := newLocal(t, rec, &ttsmock.Provider{}, Config{StartTimeout: 50 * time.Millisecond})

	h.conn.send(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	if err := h.wait(t); !errors.Is(err, ErrNoStart) {
		t.Fatalf("Serve = %v, want ErrNoStart", err)
	}
	if rec.Closes() != 1 {
		t.Errorf("recognizer closes = %d, want 1", rec.Closes())
	}
	h.conn.mu.Lock()
	closes := h.conn.closes
	h.conn.mu.Unlock()
	if closes != 1 {
		t.Errorf("transport closes = %d, want 1", closes)
	}
}

func TestServe_StartDisarmsStartTimeout(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{}
	h := newLocal(t, rec, &ttsmock.Provider{}, Config{StartTimeout: 30 * time.Millisecond})

	h.conn.send(startMsg())
	time.Sleep(100 * time.Millisecond)
	h.conn.send(mediaMsg(silenceFrame()))
	h.conn.send(stopMsg)
	if err := h.wait(t); err != nil {
		t.Fatalf("Serve = %v, want a clean stop", err)
	}
	if n := rec.AcceptCallCount(); n != 1 {
		t.Errorf("Accept calls = %d, want 1", n)
	}
}

func TestServe_MediaBeforeStartIsIgnored(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{}
	h := newLocal(t, rec, &ttsmock.Provider{}, Config{})

	h.conn.send(mediaMsg(silenceFrame()))
	h.conn.send(startMsg())
	h.conn.send(mediaMsg(silenceFrame()))
	h.conn.send(stopMsg)
	if err := h.wait(t); err != nil {
		t.Fatal(err)
	}
	if n := rec.AcceptCallCount(); n != 1 {
		t.Errorf("Accept calls = %d, want 1", n)
	}
}

func TestServe_RecognitionErrorSkipsTurn(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{
		Script: []stt.Result{stt.None(), stt.FinalText("एक")},
		Errs:   []error{errors.New("decoder crashed")},
	}
	synth := &ttsmock.Provider{Audio: replyAudio()}
	h := newLocal(t, rec, synth, Config{})

	h.conn.send(startMsg())
	h.conn.send(mediaMsg(silenceFrame()))
	h.conn.send(mediaMsg(silenceFrame()))
	waitFor(t, "reply", func() bool { return h.conn.count("mark") == 1 })
	h.conn.send(stopMsg)
	if err := h.wait(t); err != nil {
		t.Fatal(err)
	}
	if !h.vlog.has("STT error: call: recognition failed") {
		t.Errorf("voice log lines = %q", h.vlog.lines)
	}
	if synth.CallCount() != 1 {
		t.Errorf("synthesis calls = %d, want 1", synth.CallCount())
	}
}

func TestServe_OverlappingTurnsKeepCountersGapFree(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Script: []stt.Result{stt.FinalText("एक"), stt.FinalText("दो"), stt.FinalText("तीन")}}
	// Each reply is a constant level at 8 kHz so its frames can be told apart
	// on the wire. All three are released together once every synthesis has
	// started.
	levels := map[string]int16{"एक": 1000, "दो": 5000, "तीन": 20000}
	synth := &ttsmock.Provider{
		Block:   make(chan struct{}),
		Started: make(chan string, 3),
		AudioFor: func(text string) tts.Audio {
			for word, level := range levels {
				if strings.Contains(text, word) {
					return levelAudio(level)
				}
			}
			return levelAudio(0)
		},
	}
	h := newLocal(t, rec, synth, Config{})
	h.conn.slowWrites(time.Millisecond)

	h.conn.send(startMsg())
	for range 3 {
		h.conn.send(mediaMsg(silenceFrame()))
	}
	for range 3 {
		select {
		case <-synth.Started:
		case <-time.After(3 * time.Second):
			t.Fatal("synthesis never started")
		}
	}
	close(synth.Block)
	waitFor(t, "three replies", func() bool { return h.conn.count("mark") == 3 })
	h.conn.send(stopMsg)
	if err := h.wait(t); err != nil {
		t.Fatal(err)
	}

	seq := 0
	var owners []byte
	for _, m := range h.conn.messages(t) {
		switch m.Event {
		case "media":
			seq++
			if m.SequenceNumber != strconv.Itoa(seq) || m.Media.Timestamp != strconv.Itoa((seq-1)*20) {
				t.Fatalf("frame %d stamped sequence=%s timestamp=%s", seq, m.SequenceNumber, m.Media.Timestamp)
			}
			payload, err := base64.StdEncoding.DecodeString(m.Media.Payload)
			if err != nil || len(payload) != 160 {
				t.Fatalf("frame %d payload: %v (%d bytes)", seq, err, len(payload))
			}
			owners = append(owners, payload[80])
		case "mark":
			// A mark closes a reply: it must follow a whole run of ten frames.
			if len(owners)%10 != 0 {
				t.Fatalf("mark %q after %d frames, inside a reply", m.Mark.Name, len(owners))
			}
		}
	}
	if seq != 30 {
		t.Fatalf("outbound media = %d, want 30", seq)
	}
	seen := map[byte]bool{}
	for run := 0; run < len(owners); run += 10 {
		owner := owners[run]
		if seen[owner] {
			t.Fatalf("reply with code %#x resumed at frame %d", owner, run+1)
		}
		seen[owner] = true
		for i := run; i < run+10; i++ {
			if owners[i] != owner {
				t.Fatalf("frames of two replies interleave at frame %d", i+1)
			}
		}
	}
	if len(seen) != 3 {
		t.Errorf("distinct replies on the wire = %d, want 3", len(seen))
	}
}

// levelAudio is 200 ms of a constant sample at 8 kHz: ten telephony frames
// that all carry the same μ-law code.
func levelAudio(level int16) tts.Audio {
	pcm := make([]byte, 3200)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(level))
	}
	return tts.Audio{PCM: pcm, SampleRate: 8000}
}

func TestServe_StopCancelsStalledReplyAfterFlushTimeout(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Script: []stt.Result{stt.FinalText("बारह")}}
	synth := &ttsmock.Provider{Audio: replyAudio(), Block: make(chan struct{}), Started: make(chan string, 1)}
	h := newLocal(t, rec, synth, Config{FlushTimeout: 50 * time.Millisecond})

	h.conn.send(startMsg())
	h.conn.send(mediaMsg(silenceFrame()))
	select {
	case <-synth.Started:
	case <-time.After(3 * time.Second):
		t.Fatal("synthesis never started")
	}

	start := time.Now()
	h.conn.send(stopMsg)
	if err := h.wait(t); err != nil {
		t.Fatalf("Serve = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stop took %v, want about the flush timeout", elapsed)
	}
	if n := h.conn.count("media"); n != 0 {
		t.Errorf("outbound media after cancellation = %d, want 0", n)
	}
}

func TestServe_StopLetsInFlightReplyFinish(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Script: []stt.Result{stt.FinalText("बारह")}}
	synth := &ttsmock.Provider{Audio: replyAudio(), Block: make(chan struct{}), Started: make(chan string, 1)}
	h := newLocal(t, rec, synth, Config{FlushTimeout: 2 * time.Second})

	h.conn.send(startMsg())
	h.conn.send(mediaMsg(silenceFrame()))
	<-synth.Started
	h.conn.send(stopMsg)
	time.Sleep(20 * time.Millisecond)
	close(synth.Block)

	if err := h.wait(t); err != nil {
		t.Fatal(err)
	}
	if n := h.conn.count("media"); n != 10 {
		t.Errorf("outbound media = %d, want 10", n)
	}
}

func TestServe_DisconnectCancelsImmediately(t *testing.T) {
	t.Parallel()
	rec := &sttmock.Recognizer{Script: []stt.Result{stt.FinalText("बारह")}}
	synth := &ttsmock.Provider{Audio: replyAudio(), Block: make(chan struct{}), Started: make(chan string, 1)}
	h := newLocal(t, rec, synth, Config{FlushTimeout: time.Minute})

	h.conn.send(startMsg())
	h.conn.send(mediaMsg(silenceFrame()))
	<-synth.Started
	h.conn.hangUp()

	if err := h.wait(t); err != nil {
		t.Fatalf("Serve = %v, want nil on hang-up", err)
	}
	if rec.Closes() != 1 {
		t.Errorf("recognizer closed %d times, want 1", rec.Closes())
	}
	if !h.vlog.has("disconnected") {
		t.Error("voice log missing disconnected")
	}
}

func TestServe_RecognizerUnavailable(t *testing.T) {
	t.Parallel()
	o, err := New(Config{}, Deps{
		Model:       &sttmock.Model{NewRecognizerErr: stt.ErrModelUnavailable},
		Synthesizer: reply.NewSynthesizer(&ttsmock.Provider{}, "hi"),
		Metrics:     testMetrics(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	conn := newFakeConn()
	err = o.Serve(context.Background(), conn)
	if !errors.Is(err, ErrRecognition) || !errors.Is(err, stt.ErrModelUnavailable) {
		t.Fatalf("Serve = %v", err)
	}
	if conn.closes != 1 {
		t.Errorf("conn closed %d times, want 1", conn.closes)
	}
}

// ── Realtime mode ─────────────────────────────────────────────────────────────

type bridgeHarness struct {
	sess *rtmock.Session
	prov *rtmock.Provider
	vlog *recordingLog
	conn *fakeConn
	done chan error
}

func newBridge(t *testing.T, rt realtime.SessionConfig) *bridgeHarness {
	t.Helper()
	sess := rtmock.NewSession()
	prov := &rtmock.Provider{Session: sess}
	vlog := &recordingLog{}
	o, err := New(Config{Mode: ModeRealtime, Language: "hi", Realtime: rt}, Deps{
		Bridge:   prov,
		VoiceLog: vlog,
		Metrics:  testMetrics(t),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &bridgeHarness{sess: sess, prov: prov, vlog: vlog, conn: newFakeConn(), done: make(chan error, 1)}
	go func() { h.done <- o.Serve(context.Background(), h.conn) }()
	return h
}

func (h *bridgeHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestBridge_ForwardsRawMulaw(t *testing.T) {
	t.Parallel()
	h := newBridge(t, realtime.SessionConfig{InputFormat: realtime.FormatG711Ulaw, OutputFormat: realtime.FormatG711Ulaw})

	frame := silenceFrame()
	frame[0] = 0x7F
	h.conn.send(startMsg())
	h.conn.send(mediaMsg(frame))
	waitFor(t, "forwarded audio", func() bool { return len(h.sess.Audio()) == 1 })

	if got := h.sess.Audio()[0]; string(got) != string(frame) {
		t.Errorf("forwarded %d bytes, want the raw frame", len(got))
	}
	if cfg := h.prov.ConnectCalls[0].Cfg; cfg.TranscriptionLanguage != "hi" {
		t.Errorf("transcription language = %q, want hi", cfg.TranscriptionLanguage)
	}
	h.conn.send(stopMsg)
	if err := h.wait(t); err != nil {
		t.Fatal(err)
	}
	if h.sess.Closes() == 0 {
		t.Error("bridge session not closed")
	}
}

func TestBridge_ResamplesForPCM16(t *testing.T) {
	t.Parallel()
	h := newBridge(t, realtime.SessionConfig{})

	h.conn.send(startMsg())
	h.conn.send(mediaMsg(silenceFrame()))
	h.conn.send(mediaMsg(silenceFrame()))
	waitFor(t, "forwarded audio", func() bool { return len(h.sess.Audio()) == 2 })

	total := 0
	for _, c := range h.sess.Audio() {
		total += len(c)
	}
	// 40 ms at 24 kHz is 960 samples; the first chunk has no history.
	if total < 1900 || total > 1920 {
		t.Errorf("forwarded %d bytes, want about 1920", total)
	}
	h.conn.send(stopMsg)
	_ = h.wait(t)
}

func TestBridge_SpeechStoppedCommitsOnlyWithoutServerVAD(t *testing.T) {
	t.Parallel()
	td := realtime.DefaultTurnDetection()
	tests := []struct {
		name        string
		turns       *realtime.TurnDetection
		wantCommits int
	}{
		{"server vad", &td, 0},
		{"manual turns", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newBridge(t, realtime.SessionConfig{
				InputFormat:   realtime.FormatG711Ulaw,
				OutputFormat:  realtime.FormatG711Ulaw,
				TurnDetection: tt.turns,
			})
			h.conn.send(startMsg())
			h.conn.send(mediaMsg(silenceFrame()))
			waitFor(t, "forwarded audio", func() bool { return len(h.sess.Audio()) == 1 })

			h.sess.Emit(realtime.SpeechStarted{})
			h.sess.Emit(realtime.SpeechStopped{})
			waitFor(t, "response request", func() bool { return h.sess.Responses() == 1 })
			if got := h.sess.Commits(); got != tt.wantCommits {
				t.Errorf("commits = %d, want %d", got, tt.wantCommits)
			}
			h.conn.send(stopMsg)
			if err := h.wait(t); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestBridge_ResponseCycle(t *testing.T) {
	t.Parallel()
	h := newBridge(t, realtime.SessionConfig{InputFormat: realtime.FormatG711Ulaw, OutputFormat: realtime.FormatG711Ulaw})

	h.conn.send(startMsg())
	h.conn.send(mediaMsg(silenceFrame()))
	waitFor(t, "forwarded audio", func() bool { return len(h.sess.Audio()) == 1 })

	h.sess.Emit(realtime.SpeechStarted{})
	h.sess.Emit(realtime.SpeechStopped{})
	waitFor(t, "response request", func() bool { return h.sess.Responses() == 1 })

	h.sess.Emit(realtime.Transcript{Text: "बारह"})
	h.sess.Emit(realtime.AudioDelta{Audio: make([]byte, 250)})
	h.sess.Emit(realtime.TextDelta{Text: "आपने कहा "})
	h.sess.Emit(realtime.AudioDelta{Audio: make([]byte, 150)})
	h.sess.Emit(realtime.TextDelta{Text: "बारह"})
	h.sess.Emit(realtime.Done{})
	waitFor(t, "mark", func() bool { return h.conn.count("mark") == 1 })

	// 400 bytes of μ-law: two whole frames plus one padded frame.
	if n := h.conn.count("media"); n != 3 {
		t.Errorf("outbound media = %d, want 3", n)
	}
	if h.sess.Interrupts() != 0 {
		t.Errorf("interrupts = %d, want 0 with no reply in flight", h.sess.Interrupts())
	}
	if h.conn.count("clear") != 0 {
		t.Error("clear sent before any reply audio")
	}
	for _, want := range []string{"User: बारह", "Reply: आपने कहा बारह"} {
		if !h.vlog.has(want) {
			t.Errorf("voice log missing %q: %q", want, h.vlog.lines)
		}
	}

	// The caller talks over the played reply.
	h.sess.Emit(realtime.SpeechStarted{})
	waitFor(t, "clear", func() bool { return h.conn.count("clear") == 1 })

	// And over a reply that is still streaming.
	h.sess.Emit(realtime.AudioDelta{Audio: make([]byte, 160)})
	waitFor(t, "fourth frame", func() bool { return h.conn.count("media") == 4 })
	h.sess.Emit(realtime.SpeechStarted{})
	waitFor(t, "interrupt", func() bool { return h.sess.Interrupts() == 1 })
	waitFor(t, "second clear", func() bool { return h.conn.count("clear") == 2 })

	h.sess.Emit(realtime.Error{Code: "rate_limit", Message: "slow down"})
	waitFor(t, "backend error line", func() bool { return h.vlog.has("backend error: slow down") })

	h.conn.send(stopMsg)
	if err := h.wait(t); err != nil {
		t.Fatal(err)
	}

	seq := 0
	for _, m := range h.conn.messages(t) {
		if m.Event == "media" {
			seq++
			if m.SequenceNumber != strconv.Itoa(seq) {
				t.Errorf("frame %d has sequence %s", seq, m.SequenceNumber)
			}
		}
	}
}

func TestBridge_ConnectionLossEndsCall(t *testing.T) {
	t.Parallel()
	h := newBridge(t, realtime.SessionConfig{})
	h.conn.send(startMsg())
	waitFor(t, "voice log", func() bool { return h.vlog.has("stream started") })

	h.sess.Fail(errors.New("openai: connection lost: EOF"))
	err := h.wait(t)
	if !errors.Is(err, ErrBackendConnection) {
		t.Fatalf("Serve = %v, want ErrBackendConnection", err)
	}
	if !h.vlog.has("backend connection lost") {
		t.Error("voice log missing backend connection lost")
	}
}

func TestBridge_ConnectFailure(t *testing.T) {
	t.Parallel()
	prov := &rtmock.Provider{ConnectErr: errors.New("dial tcp: refused")}
	o, err := New(Config{Mode: ModeRealtime}, Deps{Bridge: prov, Metrics: testMetrics(t)})
	if err != nil {
		t.Fatal(err)
	}
	err = o.Serve(context.Background(), newFakeConn())
	if !errors.Is(err, ErrBackendConnection) {
		t.Fatalf("Serve = %v, want ErrBackendConnection", err)
	}
}

// ── Construction and helpers ──────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	synth := reply.NewSynthesizer(&ttsmock.Provider{}, "hi")
	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"local without model", Config{}, Deps{Synthesizer: synth}},
		{"local without synthesizer", Config{}, Deps{Model: &sttmock.Model{}}},
		{"realtime without bridge", Config{Mode: ModeRealtime}, Deps{}},
		{"bad bridge format", Config{Mode: ModeRealtime, Realtime: realtime.SessionConfig{InputFormat: "opus"}}, Deps{Bridge: &rtmock.Provider{}}},
		{"unknown mode", Config{Mode: "carrier-pigeon"}, Deps{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, tc.deps); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestChunkQueue_DropsOldest(t *testing.T) {
	t.Parallel()
	q := newChunkQueue(3)
	q.push(chunk{reset: true})
	for i := range 4 {
		if dropped := q.push(chunk{pcm: []byte{byte(i)}}); dropped != (i >= 2) {
			t.Errorf("push %d dropped=%v", i, dropped)
		}
	}
	q.close()
	q.push(chunk{pcm: []byte{9}})

	var got []string
	for {
		c, ok := q.pop(context.Background())
		if !ok {
			break
		}
		if c.reset {
			got = append(got, "reset")
		} else {
			got = append(got, fmt.Sprint(c.pcm[0]))
		}
	}
	if strings.Join(got, ",") != "reset,2,3" {
		t.Errorf("queue order = %v, want reset,2,3", got)
	}
}

func TestChunkQueue_PopHonoursContext(t *testing.T) {
	t.Parallel()
	q := newChunkQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := q.pop(ctx); ok {
		t.Fatal("pop on an empty queue returned a chunk")
	}
}

func TestInflight_Wait(t *testing.T) {
	t.Parallel()
	var f inflight
	if err := f.wait(context.Background()); err != nil {
		t.Fatalf("idle wait = %v", err)
	}
	f.add()
	f.add()
	go func() {
		f.done()
		f.done()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.wait(ctx); err != nil {
		t.Fatalf("wait = %v", err)
	}

	f.add()
	short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if err := f.wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait = %v, want deadline exceeded", err)
	}
}

func TestPlayback_PCM16Deltas(t *testing.T) {
	t.Parallel()
	p := &playback{format: realtime.FormatPCM16}

	// 30 ms at 24 kHz in two uneven deltas, the first with an odd length.
	// That is 240 samples at 8 kHz: one whole frame and half of another.
	frames1, err := p.push(make([]byte, 721))
	if err != nil {
		t.Fatal(err)
	}
	frames2, err := p.push(make([]byte, 719))
	if err != nil {
		t.Fatal(err)
	}
	rest, err := p.flush()
	if err != nil {
		t.Fatal(err)
	}
	all := append(append(frames1, frames2...), rest...)
	if len(all) != 2 {
		t.Fatalf("frames = %d, want 2", len(all))
	}
	for i, f := range all {
		if len(f) != 160 {
			t.Errorf("frame %d is %d bytes", i, len(f))
		}
	}
	if all[1][159] != 0xFF {
		t.Error("flushed frame not padded with silence")
	}
	p.reset()
	if rest, _ := p.flush(); rest != nil {
		t.Error("flush after reset returned audio")
	}
}

func TestPlayback_FiltersWidebandTone(t *testing.T) {
	t.Parallel()
	p := &playback{format: realtime.FormatPCM16}

	// A 6 kHz tone at 24 kHz lies above the telephony Nyquist limit and must
	// not fold back into the narrowband leg.
	pcm := make([]byte, 24000/5*2)
	for i := range len(pcm) / 2 {
		v := int16(12000 * math.Sin(2*math.Pi*6000*float64(i)/24000))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	var frames [][]byte
	for off := 0; off < len(pcm); off += 960 {
		got, err := p.push(pcm[off:min(off+960, len(pcm))])
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, got...)
	}
	rest, err := p.flush()
	if err != nil {
		t.Fatal(err)
	}
	frames = append(frames, rest...)
	if len(frames) != 10 {
		t.Fatalf("frames = %d, want 10", len(frames))
	}

	var mulaw []byte
	for _, f := range frames {
		mulaw = append(mulaw, f...)
	}
	narrow, err := audio.DecodeMulaw(mulaw)
	if err != nil {
		t.Fatal(err)
	}
	if rms := audio.RMS(narrow); rms > 12000/math.Sqrt2/10 {
		t.Errorf("aliased energy rms = %.0f, want under a tenth of the input", rms)
	}
}

func TestSession_LockReplyWaitsForRelease(t *testing.T) {
	t.Parallel()
	sess := newSession("CA1", streamSID, newFakeConn(), time.Now())

	unlock, err := sess.lockReply(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sess.lockReply(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second reply while held: err = %v, want deadline exceeded", err)
	}

	got := make(chan struct{})
	go func() {
		unlock2, err := sess.lockReply(context.Background())
		if err == nil {
			unlock2()
		}
		close(got)
	}()
	unlock()
	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("waiting reply never got the turn")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for st, want := range map[State]string{Idle: "idle", Active: "active", Closing: "closing", Closed: "closed", State(9): "State(9)"} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", st, got, want)
		}
	}
}
