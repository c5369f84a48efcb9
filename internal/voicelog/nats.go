package voicelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject entries are published on when none is
// configured.
const DefaultSubject = "phonebridge.voicelog"

// Publisher is the subset of *nats.Conn used by [NATSSink].
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each entry as JSON on a NATS subject, for deployments
// where another service owns persistence.
type NATSSink struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
}

// NewNATSSink wraps an existing publisher.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	s := &NATSSink{pub: pub, subject: subject}
	if c, ok := pub.(*nats.Conn); ok {
		s.conn = c
	}
	return s
}

// ConnectNATS dials the NATS servers at url and returns a sink that owns the
// connection.
func ConnectNATS(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("phonebridge-voicelog"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("voicelog nats: connect: %w", err)
	}
	return NewNATSSink(conn, subject), nil
}

// Write implements Sink.
func (s *NATSSink) Write(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("voicelog nats: marshal: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("voicelog nats: publish: %w", err)
	}
	return nil
}

// Ping implements Pinger.
func (s *NATSSink) Ping(context.Context) error {
	if s.conn == nil {
		return nil
	}
	if st := s.conn.Status(); st != nats.CONNECTED {
		return errors.New("voicelog nats: connection " + st.String())
	}
	return nil
}

// Close implements Sink. A connection opened by [ConnectNATS] is drained.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
