// Package transport is the frame transport adapter for telephony media
// streams. It parses the inbound JSON event envelope (start, media, stop) into
// a closed set of event types, repairs and decodes base64 audio payloads, and
// builds outbound media messages stamped with a session's sequence, chunk and
// timestamp counters.
//
// The adapter never reorders messages: it is a direct serialize/deserialize
// layer. Connection handling lives behind the [Conn] interface so the same
// orchestrator can run over a WebSocket or any line-delimited byte stream.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrDecode is the sentinel matched by every [DecodeError].
var ErrDecode = errors.New("transport: decode error")

// DecodeError reports a malformed envelope or audio payload. Only the single
// offending message is affected; the session keeps running.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Reason, e.Err)
	}
	return "transport: " + e.Reason
}

// Unwrap returns both the sentinel and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDecode, e.Err}
	}
	return []error{ErrDecode}
}

// Event is the closed set of inbound transport events. The concrete types are
// [StartEvent], [MediaEvent], [StopEvent], [MarkEvent] and [UnknownEvent].
type Event interface {
	eventName() string
}

// StartEvent opens a stream.
type StartEvent struct {
	StreamSID string
	CallSID   string

	// CustomParameters carries the <Parameter> values attached to the stream,
	// if any.
	CustomParameters map[string]string
}

// SessionID returns the opaque identifier that names this call's session:
// the stream SID when present, otherwise the call SID. It may be empty.
func (e StartEvent) SessionID() string {
	if e.StreamSID != "" {
		return e.StreamSID
	}
	return e.CallSID
}

// MediaEvent carries one frame of encoded inbound audio. Payload is already
// base64-decoded.
type MediaEvent struct {
	Track   string
	Payload []byte
}

// StopEvent closes a stream.
type StopEvent struct{}

// MarkEvent reports that the far end finished playing audio up to a mark
// previously sent with [BuildMark].
type MarkEvent struct {
	Name string
}

// UnknownEvent is any event kind this adapter does not model. Callers ignore
// it.
type UnknownEvent struct {
	Name string
}

func (StartEvent) eventName() string     { return "start" }
func (MediaEvent) eventName() string     { return "media" }
func (StopEvent) eventName() string      { return "stop" }
func (MarkEvent) eventName() string      { return "mark" }
func (e UnknownEvent) eventName() string { return e.Name }

// EventName returns the wire name of ev.
func EventName(ev Event) string { return ev.eventName() }

// ── Wire types ────────────────────────────────────────────────────────────────

type inboundEnvelope struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid,omitempty"`
	Start     *inboundStart  `json:"start,omitempty"`
	Media     *inboundMedia  `json:"media,omitempty"`
	Mark      *markPayload   `json:"mark,omitempty"`
	Stop      map[string]any `json:"stop,omitempty"`
}

type inboundStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type inboundMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type outboundMedia struct {
	Event          string        `json:"event"`
	StreamSID      string        `json:"streamSid"`
	Media          outboundFrame `json:"media"`
	SequenceNumber string        `json:"sequenceNumber"`
}

type outboundFrame struct {
	Payload   string `json:"payload"`
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
}

type markPayload struct {
	Name string `json:"name"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      markPayload `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// ── Inbound ───────────────────────────────────────────────────────────────────

// ParseEvent decodes one inbound transport message. Unknown event kinds yield
// an [UnknownEvent] and no error. Malformed JSON, a media event without a
// media object, or an undecodable payload fail with a [*DecodeError].
func ParseEvent(raw []byte) (Event, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed envelope", Err: err}
	}

	switch env.Event {
	case "start":
		ev := StartEvent{StreamSID: env.StreamSID}
		if env.Start != nil {
			if env.Start.StreamSID != "" {
				ev.StreamSID = env.Start.StreamSID
			}
			ev.CallSID = env.Start.CallSID
			ev.CustomParameters = env.Start.CustomParameters
		}
		return ev, nil

	case "media":
		if env.Media == nil {
			return nil, &DecodeError{Reason: "media event without media object"}
		}
		payload, err := DecodePayload(env.Media.Payload)
		if err != nil {
			return nil, err
		}
		return MediaEvent{Track: env.Media.Track, Payload: payload}, nil

	case "stop":
		return StopEvent{}, nil

	case "mark":
		ev := MarkEvent{}
		if env.Mark != nil {
			ev.Name = env.Mark.Name
		}
		return ev, nil

	default:
		return UnknownEvent{Name: env.Event}, nil
	}
}

// DecodePayload decodes standard base64, restoring up to three missing '='
// padding characters first. Input that is still invalid after repair fails
// with a [*DecodeError].
func DecodePayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &DecodeError{Reason: "empty payload"}
	}
	if missing := len(s) % 4; missing != 0 {
		s += strings.Repeat("=", 4-missing)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64 payload", Err: err}
	}
	return data, nil
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// BuildMedia returns the outbound media message for one encoded frame stamped
// with st. The caller is responsible for having obtained st from the session's
// [Counters] inside the same critical section that sends the message.
func BuildMedia(streamSID string, frame []byte, st Stamp) ([]byte, error) {
	msg := outboundMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media: outboundFrame{
			Payload:   base64.StdEncoding.EncodeToString(frame),
			Track:     "outbound",
			Chunk:     strconv.FormatUint(st.Chunk, 10),
			Timestamp: strconv.FormatInt(st.Timestamp.Milliseconds(), 10),
		},
		SequenceNumber: strconv.FormatUint(st.Sequence, 10),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal media: %w", err)
	}
	return data, nil
}

// BuildMark returns a mark message. The far end echoes it back as a
// [MarkEvent] once all audio sent before it has been played.
func BuildMark(streamSID, name string) ([]byte, error) {
	data, err := json.Marshal(outboundMark{Event: "mark", StreamSID: streamSID, Mark: markPayload{Name: name}})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal mark: %w", err)
	}
	return data, nil
}

// BuildClear returns a clear message, which discards any audio the far end
// has buffered but not yet played.
func BuildClear(streamSID string) ([]byte, error) {
	data, err := json.Marshal(outboundClear{Event: "clear", StreamSID: streamSID})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal clear: %w", err)
	}
	return data, nil
}
