package vosk_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	"github.com/MrWong99/phonebridge/pkg/provider/stt/vosk"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// fakeServer speaks the vosk-server protocol. The nth binary chunk of a
// connection (1-based) is answered with script[n-1]; chunks past the end of
// the script get an empty partial.
type fakeServer struct {
	script      []string
	connections atomic.Int32
	configs     chan int
	eofs        atomic.Int32
}

func startFakeServer(t *testing.T, script ...string) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{script: script, configs: make(chan int, 8)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		fs.connections.Add(1)
		fs.serve(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) serve(ctx context.Context, conn *websocket.Conn) {
	n := 0
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageText {
			var msg map[string]json.RawMessage
			_ = json.Unmarshal(data, &msg)
			if raw, ok := msg["config"]; ok {
				var cfg struct {
					SampleRate int `json:"sample_rate"`
				}
				_ = json.Unmarshal(raw, &cfg)
				fs.configs <- cfg.SampleRate
				continue
			}
			if _, ok := msg["eof"]; ok {
				fs.eofs.Add(1)
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"text":""}`))
				return
			}
			continue
		}
		n++
		reply := `{"partial":""}`
		if n <= len(fs.script) {
			reply = fs.script[n-1]
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
			return
		}
	}
}

func chunk() []byte { return make([]byte, 640) }

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := vosk.New(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestRecognizer_SendsConfigAndMapsResults(t *testing.T) {
	t.Parallel()

	fs, srv := startFakeServer(t,
		`{"partial":""}`,
		`{"partial":"बा"}`,
		`{"text":"बारह"}`,
	)
	m, err := vosk.New(wsURL(srv))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := m.NewRecognizer(ctx, stt.Config{SampleRate: 16000})
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}

	select {
	case rate := <-fs.configs:
		if rate != 16000 {
			t.Errorf("config sample_rate = %d", rate)
		}
	case <-ctx.Done():
		t.Fatal("no config message")
	}

	want := []stt.Result{
		{Kind: stt.NoResult},
		{Kind: stt.Partial, Text: "बा"},
		{Kind: stt.Final, Text: "बारह"},
	}
	for i, w := range want {
		got, err := r.Accept(ctx, chunk())
		if err != nil {
			t.Fatalf("Accept %d: %v", i, err)
		}
		if got != w {
			t.Errorf("Accept %d = %+v, want %+v", i, got, w)
		}
	}

	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if fs.eofs.Load() != 1 {
		t.Errorf("eof messages = %d, want 1", fs.eofs.Load())
	}
	if _, err := r.Accept(ctx, chunk()); err == nil {
		t.Error("Accept after Close must fail")
	}
}

func TestRecognizer_ResetReconnects(t *testing.T) {
	t.Parallel()

	fs, srv := startFakeServer(t)
	m, _ := vosk.New(wsURL(srv))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := m.NewRecognizer(ctx, stt.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	// Reset before any audio keeps the connection.
	r.Reset()
	if _, err := r.Accept(ctx, chunk()); err != nil {
		t.Fatal(err)
	}
	if n := fs.connections.Load(); n != 1 {
		t.Fatalf("connections = %d, want 1", n)
	}

	r.Reset()
	if _, err := r.Accept(ctx, chunk()); err != nil {
		t.Fatal(err)
	}
	if n := fs.connections.Load(); n != 2 {
		t.Fatalf("connections after reset = %d, want 2", n)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	_, srv := startFakeServer(t)
	m, _ := vosk.New(wsURL(srv))
	if err := m.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	dead, _ := vosk.New("ws://127.0.0.1:1", vosk.WithDialTimeout(time.Second))
	if err := dead.Ping(context.Background()); !errors.Is(err, stt.ErrModelUnavailable) {
		t.Fatalf("Ping(dead) = %v, want ErrModelUnavailable", err)
	}
}

func TestRecognizer_ServerGoneIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		// Read the config, then hang up.
		_, _, _ = conn.Read(r.Context())
		conn.Close(websocket.StatusGoingAway, "bye")
	}))
	t.Cleanup(srv.Close)

	m, _ := vosk.New(wsURL(srv))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := m.NewRecognizer(ctx, stt.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Accept(ctx, chunk()); err == nil {
		t.Fatal("expected error when server hangs up")
	}
}
