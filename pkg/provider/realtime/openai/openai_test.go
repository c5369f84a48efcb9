package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/phonebridge/pkg/provider/realtime"
	"github.com/MrWong99/phonebridge/pkg/provider/realtime/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
		return false
	}
	return true
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// waitClosed blocks until the client goes away.
func waitClosed(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

func connect(t *testing.T, srv *httptest.Server, cfg realtime.SessionConfig, opts ...openai.Option) realtime.Session {
	t.Helper()
	p, err := openai.New("key", append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	sess, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func nextEvent(t *testing.T, sess realtime.Session) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatalf("events closed: %v", sess.Err())
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

// ── Construction ───────────────────────────────────────────────────────────────

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestConnect_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	p, _ := openai.New("key", openai.WithBaseURL("ws://127.0.0.1:1"))
	_, err := p.Connect(context.Background(), realtime.SessionConfig{InputFormat: "opus"})
	if err == nil {
		t.Fatal("expected error for unknown audio format")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()
	p, _ := openai.New("key", openai.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Connect(ctx, realtime.SessionConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ── Handshake ──────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Modalities        []string `json:"modalities"`
			Voice             string   `json:"voice"`
			Instructions      string   `json:"instructions"`
			InputAudioFormat  string   `json:"input_audio_format"`
			OutputAudioFormat string   `json:"output_audio_format"`
			TurnDetection     *struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				PrefixPaddingMs   int     `json:"prefix_padding_ms"`
				SilenceDurationMs int     `json:"silence_duration_ms"`
				CreateResponse    bool    `json:"create_response"`
			} `json:"turn_detection"`
			InputAudioTranscription *struct {
				Model    string `json:"model"`
				Language string `json:"language"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)
	headers := make(chan http.Header, 1)
	models := make(chan string, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		models <- r.URL.Query().Get("model")
		var msg sessionUpdateMsg
		if readJSON(t, conn, &msg) {
			received <- msg
		}
		waitClosed(conn)
	})

	td := realtime.DefaultTurnDetection()
	connect(t, srv, realtime.SessionConfig{
		Instructions:          "तुम एक दोस्ताना हिंदी बोलने वाले असिस्टेंट हो।",
		Voice:                 "alloy",
		InputFormat:           realtime.FormatG711Ulaw,
		OutputFormat:          realtime.FormatG711Ulaw,
		TurnDetection:         &td,
		TranscriptionLanguage: "hi",
	}, openai.WithModel("gpt-4o-mini-realtime"))

	select {
	case msg := <-received:
		s := msg.Session
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if len(s.Modalities) != 2 || s.Voice != "alloy" || !strings.HasPrefix(s.Instructions, "तुम") {
			t.Errorf("session = %+v", s)
		}
		if s.InputAudioFormat != "g711_ulaw" || s.OutputAudioFormat != "g711_ulaw" {
			t.Errorf("formats = %q/%q", s.InputAudioFormat, s.OutputAudioFormat)
		}
		if s.TurnDetection == nil {
			t.Fatal("turn_detection missing")
		}
		if s.TurnDetection.Type != "server_vad" || s.TurnDetection.Threshold != 0.5 ||
			s.TurnDetection.PrefixPaddingMs != 300 || s.TurnDetection.SilenceDurationMs != 600 ||
			s.TurnDetection.CreateResponse {
			t.Errorf("turn_detection = %+v", *s.TurnDetection)
		}
		if s.InputAudioTranscription == nil || s.InputAudioTranscription.Model != "whisper-1" || s.InputAudioTranscription.Language != "hi" {
			t.Errorf("input_audio_transcription = %+v", s.InputAudioTranscription)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}

	h := <-headers
	if h.Get("Authorization") != "Bearer key" || h.Get("OpenAI-Beta") != "realtime=v1" {
		t.Errorf("headers = %v", h)
	}
	if m := <-models; m != "gpt-4o-mini-realtime" {
		t.Errorf("model = %q", m)
	}
}

// ── Outgoing messages ─────────────────────────────────────────────────────────

func TestSessionMethods_SendExpectedMessages(t *testing.T) {
	t.Parallel()

	type clientMsg struct {
		Type     string `json:"type"`
		Audio    string `json:"audio"`
		Response *struct {
			Modalities      []string `json:"modalities"`
			MaxOutputTokens int      `json:"max_output_tokens"`
		} `json:"response"`
	}

	msgs := make(chan clientMsg, 8)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		for range 4 {
			var m clientMsg
			if !readJSON(t, conn, &m) {
				return
			}
			msgs <- m
		}
		waitClosed(conn)
	})

	sess := connect(t, srv, realtime.SessionConfig{MaxOutputTokens: 200})
	ctx := context.Background()

	wantPCM := []byte{0x10, 0x20, 0x30, 0x40}
	if err := sess.SendAudio(ctx, wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := sess.RequestResponse(ctx); err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}
	if err := sess.Interrupt(ctx); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	wantTypes := []string{"input_audio_buffer.append", "input_audio_buffer.commit", "response.create", "response.cancel"}
	for i, want := range wantTypes {
		select {
		case m := <-msgs:
			if m.Type != want {
				t.Fatalf("message %d type = %q, want %q", i, m.Type, want)
			}
			switch want {
			case "input_audio_buffer.append":
				got, err := base64.StdEncoding.DecodeString(m.Audio)
				if err != nil || string(got) != string(wantPCM) {
					t.Errorf("audio = %v, %v", got, err)
				}
			case "response.create":
				if m.Response == nil || m.Response.MaxOutputTokens != 200 || len(m.Response.Modalities) != 2 {
					t.Errorf("response params = %+v", m.Response)
				}
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		waitClosed(conn)
	})
	sess := connect(t, srv, realtime.SessionConfig{})
	if err := sess.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.SendAudio(context.Background(), []byte{1, 2}); !errors.Is(err, realtime.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
	// Events closes after Close, with no error recorded.
	for range sess.Events() {
	}
	if sess.Err() != nil {
		t.Errorf("Err after Close = %v, want nil", sess.Err())
	}
}

// ── Incoming events ───────────────────────────────────────────────────────────

func TestEvents_TranslatesServerEvents(t *testing.T) {
	t.Parallel()

	reply := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "बारह"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(reply)})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "!!!not-base64"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "आपने"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"code": "rate_limit", "message": "slow down"}})
		waitClosed(conn)
	})

	sess := connect(t, srv, realtime.SessionConfig{})

	want := []realtime.Event{
		realtime.SpeechStarted{},
		realtime.SpeechStopped{},
		realtime.Transcript{Text: "बारह"},
		realtime.AudioDelta{Audio: reply},
		realtime.TextDelta{Text: "आपने"},
		realtime.Done{},
		realtime.Error{Code: "rate_limit", Message: "slow down"},
	}
	for i, w := range want {
		got := nextEvent(t, sess)
		if realtime.EventName(got) != realtime.EventName(w) {
			t.Fatalf("event %d = %s, want %s", i, realtime.EventName(got), realtime.EventName(w))
		}
		switch g := got.(type) {
		case realtime.AudioDelta:
			if string(g.Audio) != string(reply) {
				t.Errorf("audio = %v", g.Audio)
			}
		case realtime.Transcript, realtime.TextDelta, realtime.Error:
			if got != w {
				t.Errorf("event %d = %+v, want %+v", i, got, w)
			}
		}
	}
}

func TestEvents_ConnectionLossSetsErr(t *testing.T) {
	t.Parallel()
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusGoingAway, "server restart")
	})
	sess := connect(t, srv, realtime.SessionConfig{})

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("expected events channel to close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for events to close")
	}
	if sess.Err() == nil {
		t.Fatal("Err must report the lost connection")
	}
	if err := sess.SendAudio(context.Background(), []byte{1, 2}); err == nil {
		t.Fatal("SendAudio on a dead session must fail")
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()
	const senders, each = 4, 25
	got := make(chan int, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		n := 0
		for n < senders*each {
			if !readJSON(t, conn, &raw) {
				break
			}
			n++
		}
		got <- n
		waitClosed(conn)
	})
	sess := connect(t, srv, realtime.SessionConfig{})

	var wg sync.WaitGroup
	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				if err := sess.SendAudio(context.Background(), []byte{1, 2, 3, 4}); err != nil {
					t.Errorf("SendAudio: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	select {
	case n := <-got:
		if n != senders*each {
			t.Errorf("server received %d messages, want %d", n, senders*each)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

func TestFormatSampleRates(t *testing.T) {
	t.Parallel()
	if realtime.FormatPCM16.SampleRate() != 24000 || realtime.FormatG711Ulaw.SampleRate() != 8000 {
		t.Error("unexpected format sample rates")
	}
	if realtime.AudioFormat("opus").Valid() {
		t.Error("opus must not be valid")
	}
}
